package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OllamaClient implements Provider and the retrieval Embedder against an Ollama server
type OllamaClient struct {
	baseURL    string
	embedModel string
	http       *http.Client
}

// NewOllamaClient creates a client. Deadlines come from the request context,
// so the http.Client carries no timeout of its own.
func NewOllamaClient(baseURL, embedModel string) *OllamaClient {
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedModel: embedModel,
		http:       &http.Client{},
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system,omitempty"`
	Prompt  string          `json:"prompt"`
	Format  json.RawMessage `json:"format"`
	Stream  bool            `json:"stream"`
	Options map[string]any  `json:"options,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete calls /api/generate with stream disabled
func (c *OllamaClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	format := req.Schema
	if len(format) == 0 {
		format = json.RawMessage(`"json"`)
	}
	body := generateRequest{
		Model:   req.Model,
		System:  req.System,
		Prompt:  req.Prompt,
		Format:  format,
		Stream:  false,
		Options: map[string]any{"temperature": 0},
	}

	var out generateResponse
	if err := c.post(ctx, "/api/generate", body, &out); err != nil {
		return nil, err
	}
	return &Response{Model: out.Model, Content: out.Response}, nil
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed calls /api/embeddings with the configured embedding model
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var out embeddingResponse
	if err := c.post(ctx, "/api/embeddings", embeddingRequest{Model: c.embedModel, Prompt: text}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama: empty embedding")
	}
	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (c *OllamaClient) post(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama: decode response: %w", err)
	}
	return nil
}
