package agents

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/inference"
)

// Agent is one screening role. Assess returns either a complete assessment or an
// error; it never returns both.
type Agent interface {
	Role() domain.AgentRole
	Assess(ctx context.Context, req *domain.ScreeningRequest) (*domain.RiskAssessment, error)
}

// LLMAgent assesses by prompting a language model for a schema-constrained answer
type LLMAgent struct {
	role     domain.AgentRole
	model    string
	provider inference.Provider
	timeout  time.Duration
}

// NewLLMAgent creates an agent for role. A zero timeout leaves the deadline to the caller.
func NewLLMAgent(role domain.AgentRole, model string, provider inference.Provider, timeout time.Duration) *LLMAgent {
	return &LLMAgent{role: role, model: model, provider: provider, timeout: timeout}
}

func (a *LLMAgent) Role() domain.AgentRole { return a.role }

func (a *LLMAgent) Assess(ctx context.Context, req *domain.ScreeningRequest) (*domain.RiskAssessment, error) {
	return complete(ctx, a.role, a.model, a.provider, a.timeout, buildPrompt(a.role, req))
}

func complete(ctx context.Context, role domain.AgentRole, model string, provider inference.Provider, timeout time.Duration, prompt string) (*domain.RiskAssessment, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := provider.Complete(ctx, &inference.Request{
		Model:  model,
		System: systemPrompt(role),
		Prompt: prompt,
		Schema: json.RawMessage(assessmentSchema),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.AgentTimeoutError{Role: role, Timeout: timeout}
		}
		return nil, &domain.AgentUnavailableError{Role: role, Err: err}
	}
	// a response that arrives after the deadline is discarded, never partially used
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &domain.AgentTimeoutError{Role: role, Timeout: timeout}
	}
	return parseAssessment(role, res.Content)
}
