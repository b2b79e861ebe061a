// Package inference talks to the language model runtime that backs the screening agents.
package inference

import (
	"context"
	"encoding/json"
)

// Request is one structured-output completion
type Request struct {
	Model  string
	System string
	Prompt string
	// Schema constrains the output when the runtime supports it; nil asks for plain JSON
	Schema json.RawMessage
}

// Response carries the raw model output
type Response struct {
	Model   string
	Content string
}

// Provider completes prompts. Implementations must honour ctx cancellation.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
