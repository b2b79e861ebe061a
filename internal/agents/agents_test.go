package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/inference"
)

// scriptedProvider returns canned content per call, in order
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	delay     time.Duration
	requests  []*inference.Request
}

func (p *scriptedProvider) Complete(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var content string
	if len(p.responses) > 0 {
		content = p.responses[0]
		p.responses = p.responses[1:]
	}
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &inference.Response{Content: content}, nil
}

func sampleRequest() *domain.ScreeningRequest {
	return &domain.ScreeningRequest{
		Transaction: &domain.Transaction{
			ID:        "tx-1",
			Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			Sender:    "acct-a",
			Receiver:  "acct-b",
			Amount:    decimal.NewFromInt(9500),
			Currency:  "USD",
			Channel:   "CASH",
			Country:   "US",
		},
		Customer: &domain.Customer{ID: "cust-1", IsPEP: true},
		RuleMatches: []domain.RuleMatch{
			{RuleID: "R-1", RuleName: "near threshold cash", Severity: domain.SeverityMedium, Explanation: "amount 9500 between 9000 and 10000"},
		},
	}
}

func TestLLMAgentParsesAssessment(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		`{"risk_score": 71.6, "risk_band": "High", "rationale": "cash just under CTR threshold",
		  "recommended_action": "escalate", "risk_factors": "near threshold; cash channel"}`,
	}}
	a := NewLLMAgent(domain.RoleL1, "mistral", p, time.Second)

	got, err := a.Assess(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.RoleL1, got.Role)
	assert.Equal(t, 72, got.RiskScore)
	assert.Equal(t, domain.RiskBandHigh, got.RiskBand)
	assert.Equal(t, []string{"near threshold", "cash channel"}, got.RiskFactors)

	require.Len(t, p.requests, 1)
	assert.Equal(t, "mistral", p.requests[0].Model)
	assert.Contains(t, p.requests[0].Prompt, "9500.00 USD")
	assert.Contains(t, p.requests[0].Prompt, "Rule R-1")
	assert.NotEmpty(t, p.requests[0].Schema)
}

func TestLLMAgentDerivesBandFromScore(t *testing.T) {
	p := &scriptedProvider{responses: []string{`{"risk_score": 85, "rationale": "x", "risk_factors": ["a", " "]}`}}
	got, err := NewLLMAgent(domain.RoleL2, "m", p, time.Second).Assess(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.RiskBandCritical, got.RiskBand)
	assert.Equal(t, []string{"a"}, got.RiskFactors)
}

func TestLLMAgentRejectsMalformedOutput(t *testing.T) {
	cases := map[string]string{
		"not json":      `risk is high`,
		"not object":    `[1,2,3]`,
		"out of range":  `{"risk_score": 150, "rationale": "x"}`,
		"negative":      `{"risk_score": -1, "rationale": "x"}`,
		"missing score": `{"rationale": "x"}`,
		"empty reason":  `{"risk_score": 10, "rationale": ""}`,
		"bad band":      `{"risk_score": 10, "rationale": "x", "risk_band": "SEVERE"}`,
		"empty":         ``,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			p := &scriptedProvider{responses: []string{content}}
			got, err := NewLLMAgent(domain.RoleL1, "m", p, time.Second).Assess(context.Background(), sampleRequest())
			assert.Nil(t, got)
			var schemaErr *domain.AgentSchemaError
			require.True(t, errors.As(err, &schemaErr), "got %v", err)
			assert.Equal(t, domain.RoleL1, schemaErr.Role)
		})
	}
}

func TestLLMAgentTimeout(t *testing.T) {
	p := &scriptedProvider{responses: []string{`{"risk_score": 10, "rationale": "x"}`}, delay: time.Second}
	got, err := NewLLMAgent(domain.RoleL2, "m", p, 20*time.Millisecond).Assess(context.Background(), sampleRequest())
	assert.Nil(t, got)
	var timeout *domain.AgentTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, domain.RoleL2, timeout.Role)
}

func TestLLMAgentProviderFailure(t *testing.T) {
	p := &scriptedProvider{err: errors.New("connection refused")}
	_, err := NewLLMAgent(domain.RoleL1, "m", p, time.Second).Assess(context.Background(), sampleRequest())
	var unavailable *domain.AgentUnavailableError
	require.True(t, errors.As(err, &unavailable))
}

func TestPromptIncludesEscalationMaterialOnlyForLaterRoles(t *testing.T) {
	req := sampleRequest()
	req.RelatedTransactions = []domain.Transaction{{ID: "tx-0", Sender: "acct-a", Receiver: "acct-c", Amount: decimal.NewFromInt(9000), Currency: "USD"}}
	req.PriorAssessments = []domain.RiskAssessment{{Role: domain.RoleL1, RiskScore: 70, RiskBand: domain.RiskBandHigh, Rationale: "near threshold"}}
	req.Context = &domain.ContextResult{Documents: []domain.RetrievedDocument{{ID: "bsa", Title: "BSA", Text: "CTR over 10000"}}}

	l1 := buildPrompt(domain.RoleL1, req)
	l2 := buildPrompt(domain.RoleL2, req)
	assert.NotContains(t, l1, "Related transactions")
	assert.Contains(t, l2, "TX 1: tx-0")
	assert.Contains(t, l2, "L1 assessment: score 70")
	assert.Contains(t, l2, "[bsa] BSA")
	assert.True(t, strings.HasPrefix(l2, "Transaction:"))
}

type staticRetriever struct {
	docs  []domain.RetrievedDocument
	calls int
}

func (r *staticRetriever) Query(_ context.Context, _ string, k int) []domain.RetrievedDocument {
	r.calls++
	if len(r.docs) > k {
		return r.docs[:k]
	}
	return append([]domain.RetrievedDocument{}, r.docs...)
}

func TestRAGProvideContext(t *testing.T) {
	empty := NewRAGAgent(&staticRetriever{}, nil, "m", 3, time.Second)
	res, err := empty.ProvideContext(context.Background(), &domain.ContextQuery{Text: "structuring"})
	require.NoError(t, err)
	assert.Empty(t, res.Documents)

	r := &staticRetriever{docs: []domain.RetrievedDocument{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	res, err = NewRAGAgent(r, nil, "m", 3, time.Second).ProvideContext(context.Background(), &domain.ContextQuery{Text: "x", K: 2})
	require.NoError(t, err)
	assert.Len(t, res.Documents, 2)
}

func TestRAGAssessCitesRetrievedDocuments(t *testing.T) {
	r := &staticRetriever{docs: []domain.RetrievedDocument{{ID: "bsa", Title: "BSA"}, {ID: "fatf-16", Title: "Wire transfers"}}}
	p := &scriptedProvider{responses: []string{`{"risk_score": 55, "rationale": "matches smurfing typology", "needs_context": true}`}}

	got, err := NewRAGAgent(r, p, "m", 2, time.Second).Assess(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.RoleRAG, got.Role)
	assert.Equal(t, []string{"bsa", "fatf-16"}, got.Citations)
	assert.False(t, got.NeedsContext)
	assert.Contains(t, p.requests[0].Prompt, "[fatf-16] Wire transfers")
}
