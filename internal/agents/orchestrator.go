package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/logger"
	"github.com/banking/aml-agents/internal/pkg/telemetry"
)

// ContextProvider answers context queries raised by an assessing agent
type ContextProvider interface {
	ProvideContext(ctx context.Context, q *domain.ContextQuery) (*domain.ContextResult, error)
}

// Recorder receives per-call agent metrics
type Recorder interface {
	RecordAgentCall(role, result string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordAgentCall(string, string, time.Duration) {}

// Orchestrator runs the L1 -> L2 -> context chain for one transaction at a time
// per conversation; separate conversations run fully in parallel.
type Orchestrator struct {
	l1          Agent
	l2          Agent
	context     ContextProvider
	specialists []Agent

	escalation domain.RiskBand
	timeout    time.Duration
	topK       int

	store    *conversationStore
	recorder Recorder
	log      *logger.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithL2 sets the escalation agent
func WithL2(a Agent) Option { return func(o *Orchestrator) { o.l2 = a } }

// WithContextProvider sets the agent that answers L2 context requests
func WithContextProvider(p ContextProvider) Option { return func(o *Orchestrator) { o.context = p } }

// WithSpecialist registers an additional assessing role, consulted after L2 on escalated conversations
func WithSpecialist(a Agent) Option {
	return func(o *Orchestrator) { o.specialists = append(o.specialists, a) }
}

func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

func NewOrchestrator(cfg *config.AgentsConfig, l1 Agent, log *logger.Logger, opts ...Option) (*Orchestrator, error) {
	if l1 == nil {
		return nil, errors.New("orchestrator requires an L1 agent")
	}
	band, err := domain.ParseRiskBand(cfg.EscalationBand)
	if err != nil {
		return nil, fmt.Errorf("agents.escalation_band: %w", err)
	}

	o := &Orchestrator{
		l1:         l1,
		escalation: band,
		timeout:    cfg.CallTimeout,
		topK:       cfg.ContextTopK,
		store:      newConversationStore(cfg.MaxConversations),
		recorder:   nopRecorder{},
		log:        log.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	for _, s := range o.specialists {
		if r := s.Role(); r == domain.RoleOrchestrator || r == domain.RoleL1 || r == domain.RoleL2 {
			return nil, fmt.Errorf("specialist role %s is reserved", r)
		}
	}
	return o, nil
}

// Conversation returns a stored conversation by id
func (o *Orchestrator) Conversation(id string) (*Conversation, error) {
	c, ok := o.store.get(id)
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// Screen runs one conversation. Agent failures degrade that role's contribution;
// Screen itself always returns a conversation and an aggregate.
func (o *Orchestrator) Screen(ctx context.Context, req *domain.ScreeningRequest) (*Conversation, *domain.AggregatedAssessment) {
	txID := ""
	if req.Transaction != nil {
		txID = req.Transaction.ID
	}
	conv := NewConversation(txID)
	o.store.put(conv)
	log := o.log.WithConversation(conv.ID, txID)

	ctx, span := telemetry.StartSpan(ctx, "agents.screen",
		attribute.String("conversation_id", conv.ID),
		attribute.String("transaction_id", txID),
	)
	defer span.End()

	var contributing []domain.RiskAssessment
	degraded := false

	l1 := o.ask(ctx, conv, log, o.l1, req)
	contributing = append(contributing, *l1)
	degraded = degraded || l1.Degraded

	if o.l2 != nil && l1.RiskBand.AtLeast(o.escalation) {
		l2Req := *req
		l2Req.PriorAssessments = append(append([]domain.RiskAssessment(nil), req.PriorAssessments...), *l1)

		l2 := o.ask(ctx, conv, log, o.l2, &l2Req)
		// logged requests are never modified; the retry gets its own copy
		lastReq := &l2Req
		if !l2.Degraded && l2.NeedsContext && o.context != nil {
			if result, ok := o.fetchContext(ctx, conv, log, l2, &l2Req); ok {
				retryReq := l2Req
				retryReq.Context = result
				retry := o.ask(ctx, conv, log, o.l2, &retryReq)
				if retry.Degraded {
					// keep the first answer; the role still failed once
					degraded = true
				} else {
					l2 = retry
					lastReq = &retryReq
				}
			} else {
				degraded = true
			}
		}
		contributing = append(contributing, *l2)
		degraded = degraded || l2.Degraded

		for _, s := range o.specialists {
			sReq := *lastReq
			sReq.PriorAssessments = append(append([]domain.RiskAssessment(nil), lastReq.PriorAssessments...), *l2)
			a := o.ask(ctx, conv, log, s, &sReq)
			contributing = append(contributing, *a)
			degraded = degraded || a.Degraded
		}
	}

	agg := aggregate(conv.ID, contributing)
	agg.Degraded = degraded
	span.SetAttributes(
		attribute.Int("risk_score", agg.RiskScore),
		attribute.String("risk_band", string(agg.RiskBand)),
		attribute.Bool("degraded", agg.Degraded),
	)
	return conv, agg
}

// ask sends a screening request to agent and waits for the answer or the call
// timeout. On any failure the degraded assessment is logged and returned instead.
func (o *Orchestrator) ask(ctx context.Context, conv *Conversation, log *logger.Logger, agent Agent, req *domain.ScreeningRequest) *domain.RiskAssessment {
	role := agent.Role()
	request, err := conv.Send(domain.RoleOrchestrator, role, domain.MessageRequest, "", req)
	if err != nil {
		log.AgentDegraded(string(role), conv.ID, err)
		return domain.DegradedAssessment(role, err.Error())
	}

	start := time.Now()
	assessment, err := o.invoke(ctx, agent, req)
	o.recorder.RecordAgentCall(string(role), resultLabel(err), time.Since(start))

	if err != nil {
		log.AgentDegraded(string(role), conv.ID, err)
		assessment = domain.DegradedAssessment(role, err.Error())
		_, _ = conv.Send(role, domain.RoleOrchestrator, domain.MessageError, request.MessageID, assessment)
		return assessment
	}

	assessment.Role = role
	if _, err := conv.Send(role, domain.RoleOrchestrator, domain.MessageResponse, request.MessageID, assessment); err != nil {
		log.AgentDegraded(string(role), conv.ID, err)
		return domain.DegradedAssessment(role, err.Error())
	}
	return assessment
}

// invoke bounds a single agent call. Agents that ignore ctx still cannot hold the
// conversation past the timeout; a late answer is dropped.
func (o *Orchestrator) invoke(ctx context.Context, agent Agent, req *domain.ScreeningRequest) (*domain.RiskAssessment, error) {
	role := agent.Role()
	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	callCtx, span := telemetry.StartSpan(callCtx, "agents.assess", attribute.String("role", string(role)))

	type result struct {
		a   *domain.RiskAssessment
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &domain.AgentUnavailableError{Role: role, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		a, err := agent.Assess(callCtx, req)
		done <- result{a, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = result{err: &domain.AgentTimeoutError{Role: role, Timeout: o.timeout}}
	}
	if res.err == nil && res.a == nil {
		res.err = &domain.AgentSchemaError{Role: role, Reason: "no assessment returned"}
	}
	if res.err != nil {
		res.a = nil
	}
	telemetry.EndSpan(span, res.err)
	return res.a, res.err
}

func (o *Orchestrator) fetchContext(ctx context.Context, conv *Conversation, log *logger.Logger, l2 *domain.RiskAssessment, req *domain.ScreeningRequest) (*domain.ContextResult, bool) {
	text := l2.ContextRequest
	if text == "" {
		text = contextQueryFor(req)
	}
	query := &domain.ContextQuery{Text: text, K: o.topK}
	request, err := conv.Send(domain.RoleOrchestrator, domain.RoleRAG, domain.MessageRequest, "", query)
	if err != nil {
		log.AgentDegraded(string(domain.RoleRAG), conv.ID, err)
		return nil, false
	}

	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	start := time.Now()
	result, err := o.context.ProvideContext(callCtx, query)
	if err == nil && result == nil {
		result = &domain.ContextResult{Query: text, Documents: []domain.RetrievedDocument{}}
	}
	o.recorder.RecordAgentCall(string(domain.RoleRAG), resultLabel(err), time.Since(start))
	if err != nil {
		log.AgentDegraded(string(domain.RoleRAG), conv.ID, err)
		_, _ = conv.Send(domain.RoleRAG, domain.RoleOrchestrator, domain.MessageError, request.MessageID, &domain.ContextResult{Query: text})
		return nil, false
	}

	if _, err := conv.Send(domain.RoleRAG, domain.RoleOrchestrator, domain.MessageResponse, request.MessageID, result); err != nil {
		log.AgentDegraded(string(domain.RoleRAG), conv.ID, err)
		return nil, false
	}
	return result, true
}

// aggregate merges assessments in role order. Degraded assessments carry score 0
// and band UNKNOWN, so they never raise the result.
func aggregate(conversationID string, assessments []domain.RiskAssessment) *domain.AggregatedAssessment {
	agg := &domain.AggregatedAssessment{
		ConversationID: conversationID,
		RiskBand:       domain.RiskBandUnknown,
		Assessments:    assessments,
	}
	var rationale []string
	best := -1
	for i, a := range assessments {
		if a.RiskScore > agg.RiskScore {
			agg.RiskScore = a.RiskScore
		}
		agg.RiskBand = domain.MaxBand(agg.RiskBand, a.RiskBand)
		rationale = append(rationale, fmt.Sprintf("[%s] %s", a.Role, a.Rationale))
		if !a.Degraded && (best < 0 || a.RiskScore > assessments[best].RiskScore) {
			best = i
		}
	}
	agg.Rationale = strings.Join(rationale, "\n")
	if best >= 0 {
		agg.RecommendedAction = assessments[best].RecommendedAction
	} else {
		agg.RecommendedAction = "manual review"
	}
	return agg
}

func resultLabel(err error) string {
	var (
		timeout *domain.AgentTimeoutError
		schema  *domain.AgentSchemaError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &schema):
		return "schema"
	default:
		return "unavailable"
	}
}
