package agents

import (
	"context"
	"time"

	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/inference"
)

// Retriever is the similarity lookup the RAG specialist consults
type Retriever interface {
	Query(ctx context.Context, text string, k int) []domain.RetrievedDocument
}

// RAGAgent answers context queries from the knowledge base and can also assess
// a transaction against the retrieved material.
type RAGAgent struct {
	index    Retriever
	provider inference.Provider
	model    string
	topK     int
	timeout  time.Duration
}

func NewRAGAgent(index Retriever, provider inference.Provider, model string, topK int, timeout time.Duration) *RAGAgent {
	if topK <= 0 {
		topK = 3
	}
	return &RAGAgent{index: index, provider: provider, model: model, topK: topK, timeout: timeout}
}

func (a *RAGAgent) Role() domain.AgentRole { return domain.RoleRAG }

// ProvideContext retrieves passages for q. An empty result means no additional
// context; only cancellation of ctx is reported as an error.
func (a *RAGAgent) ProvideContext(ctx context.Context, q *domain.ContextQuery) (*domain.ContextResult, error) {
	k := q.K
	if k <= 0 {
		k = a.topK
	}
	docs := a.index.Query(ctx, q.Text, k)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.ContextResult{Query: q.Text, Documents: docs}, nil
}

func (a *RAGAgent) Assess(ctx context.Context, req *domain.ScreeningRequest) (*domain.RiskAssessment, error) {
	enriched := *req
	if enriched.Context == nil {
		res, err := a.ProvideContext(ctx, &domain.ContextQuery{Text: contextQueryFor(req), K: a.topK})
		if err != nil {
			return nil, &domain.AgentTimeoutError{Role: domain.RoleRAG, Timeout: a.timeout}
		}
		enriched.Context = res
	}

	assessment, err := complete(ctx, domain.RoleRAG, a.model, a.provider, a.timeout, buildPrompt(domain.RoleRAG, &enriched))
	if err != nil {
		return nil, err
	}
	if len(assessment.Citations) == 0 {
		for _, d := range enriched.Context.Documents {
			assessment.Citations = append(assessment.Citations, d.ID)
		}
	}
	assessment.NeedsContext = false
	return assessment, nil
}
