// Package screening runs one transaction through rules, pattern detection,
// the agent chain and alerting.
package screening

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/banking/aml-agents/internal/agents"
	"github.com/banking/aml-agents/internal/alerts"
	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/logger"
	"github.com/banking/aml-agents/internal/pkg/telemetry"
)

// RuleEvaluator evaluates the active rule set
type RuleEvaluator interface {
	Evaluate(ctx context.Context, tx *domain.Transaction, customer *domain.Customer) ([]domain.RuleMatch, []domain.RuleEvaluationError)
}

// PatternDetector ingests transactions into the sliding windows
type PatternDetector interface {
	Ingest(ctx context.Context, tx *domain.Transaction) []domain.PatternMatch
	Related(tx *domain.Transaction, limit int) []domain.Transaction
}

// Assessor runs the agent conversation
type Assessor interface {
	Screen(ctx context.Context, req *domain.ScreeningRequest) (*agents.Conversation, *domain.AggregatedAssessment)
}

// AlertRecorder creates or merges alerts
type AlertRecorder interface {
	Record(ctx context.Context, in alerts.AlertInput) (*domain.Alert, bool, error)
}

// Metrics receives screening metrics
type Metrics interface {
	RecordScreening(duration time.Duration, riskScore int, degraded bool)
	RecordScreeningFailure()
	RecordRuleMatch(ruleID string)
	RecordRuleErrors(n int)
	RecordPattern(typology string)
}

type nopMetrics struct{}

func (nopMetrics) RecordScreening(time.Duration, int, bool) {}
func (nopMetrics) RecordScreeningFailure()                  {}
func (nopMetrics) RecordRuleMatch(string)                   {}
func (nopMetrics) RecordRuleErrors(int)                     {}
func (nopMetrics) RecordPattern(string)                     {}

// Engine is the screening pipeline
type Engine struct {
	rules          RuleEvaluator
	patterns       PatternDetector
	assessor       Assessor
	alerts         AlertRecorder
	riskCalculator *RiskCalculator
	metrics        Metrics

	cfg *config.ScreeningConfig
	log *logger.Logger

	screeningCount int64
	avgLatencyMs   float64
	latencyMu      sync.RWMutex
}

// NewEngine creates a new screening engine. metrics may be nil.
func NewEngine(
	rules RuleEvaluator,
	patterns PatternDetector,
	assessor Assessor,
	alertRecorder AlertRecorder,
	metrics Metrics,
	cfg *config.ScreeningConfig,
	log *logger.Logger,
) *Engine {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Engine{
		rules:          rules,
		patterns:       patterns,
		assessor:       assessor,
		alerts:         alertRecorder,
		riskCalculator: NewRiskCalculator(cfg),
		metrics:        metrics,
		cfg:            cfg,
		log:            log.Named("screening_engine"),
	}
}

// ScreeningContext holds intermediate results during screening
type ScreeningContext struct {
	Transaction *domain.Transaction
	Customer    *domain.Customer
	StartTime   time.Time

	RuleMatches    []domain.RuleMatch
	RuleErrors     []domain.RuleEvaluationError
	PatternMatches []domain.PatternMatch
}

// Screen runs the full pipeline for one transaction. Only an invalid
// transaction is an error; component failures are reported in the outcome.
func (e *Engine) Screen(ctx context.Context, tx *domain.Transaction, customer *domain.Customer) (*domain.ScreeningOutcome, error) {
	if err := tx.Validate(); err != nil {
		e.metrics.RecordScreeningFailure()
		return nil, err
	}
	startTime := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "screening.screen", attribute.String("transaction_id", tx.ID))
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = context.WithValue(ctx, logger.TraceIDKey, sc.TraceID().String())
	}

	log := e.log.WithContext(ctx).WithTransaction(tx.ID, tx.Sender)
	log.ScreeningStarted(tx.ID, tx.Sender)

	sctx := &ScreeningContext{Transaction: tx, Customer: customer, StartTime: startTime}

	screenCtx, cancel := context.WithTimeout(ctx, e.cfg.MaxScreeningLatency)
	defer cancel()

	e.runChecks(screenCtx, sctx)

	for _, m := range sctx.RuleMatches {
		e.metrics.RecordRuleMatch(m.RuleID)
	}
	e.metrics.RecordRuleErrors(len(sctx.RuleErrors))
	for _, p := range sctx.PatternMatches {
		e.metrics.RecordPattern(string(p.Typology))
	}

	findingsScore := e.riskCalculator.Calculate(tx, customer, sctx.RuleMatches, sctx.PatternMatches)

	req := &domain.ScreeningRequest{
		Transaction:         tx,
		Customer:            customer,
		RuleMatches:         sctx.RuleMatches,
		PatternMatches:      sctx.PatternMatches,
		RelatedTransactions: e.patterns.Related(tx, e.cfg.RelatedTxLimit),
	}
	conv, assessment := e.assessor.Screen(screenCtx, req)

	outcome := &domain.ScreeningOutcome{
		TransactionID:  tx.ID,
		ConversationID: conv.ID,
		Assessment:     assessment,
		RuleMatches:    nonNil(sctx.RuleMatches),
		RuleErrors:     sctx.RuleErrors,
		PatternMatches: nonNil(sctx.PatternMatches),
		FindingsScore:  findingsScore,
		Degraded:       assessment.Degraded,
	}
	for _, re := range sctx.RuleErrors {
		outcome.Errors = append(outcome.Errors, re.Error())
	}

	// alert writes are not bounded by the screening latency limit
	alert, created, err := e.alerts.Record(context.WithoutCancel(ctx), alerts.AlertInput{
		Transaction:    tx,
		CustomerID:     customerID(tx, customer),
		RuleMatches:    sctx.RuleMatches,
		PatternMatches: sctx.PatternMatches,
		Assessment:     assessment,
		FindingsScore:  findingsScore,
	})
	if err != nil {
		log.Error("failed to record alert", logger.ErrorField(err))
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("alert: %v", err))
		outcome.Degraded = true
	} else if alert != nil {
		outcome.AlertID = alert.ID
		outcome.AlertCreated = created
	}

	duration := time.Since(startTime)
	durationMs := duration.Milliseconds()
	outcome.DurationMs = durationMs
	e.recordLatency(durationMs)
	e.metrics.RecordScreening(duration, assessment.RiskScore, outcome.Degraded)

	if durationMs > e.cfg.MaxScreeningLatency.Milliseconds() {
		log.LatencyWarning("full_screening", durationMs, e.cfg.MaxScreeningLatency.Milliseconds())
	}

	span.SetAttributes(
		attribute.Int("findings_score", findingsScore),
		attribute.Bool("alert_created", outcome.AlertCreated),
		attribute.Bool("degraded", outcome.Degraded),
	)
	log.ScreeningCompleted(tx.ID, string(assessment.RiskBand), assessment.RiskScore, outcome.AlertID, durationMs)

	return outcome, nil
}

// runChecks evaluates rules and detects patterns in parallel
func (e *Engine) runChecks(ctx context.Context, sctx *ScreeningContext) {
	ctx, span := telemetry.StartSpan(ctx, "screening.checks")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sctx.RuleMatches, sctx.RuleErrors = e.rules.Evaluate(gctx, sctx.Transaction, sctx.Customer)
		return nil
	})

	g.Go(func() error {
		sctx.PatternMatches = e.patterns.Ingest(gctx, sctx.Transaction)
		return nil
	})

	if err := g.Wait(); err != nil {
		e.log.Warn("some screening checks failed", logger.ErrorField(err))
	}
	span.SetAttributes(
		attribute.Int("rule_matches", len(sctx.RuleMatches)),
		attribute.Int("pattern_matches", len(sctx.PatternMatches)),
	)
}

// customerID falls back to the sender account when no customer context was supplied
func customerID(tx *domain.Transaction, c *domain.Customer) string {
	if c != nil && c.ID != "" {
		return c.ID
	}
	return tx.Sender
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// recordLatency records screening latency for metrics
func (e *Engine) recordLatency(durationMs int64) {
	e.latencyMu.Lock()
	defer e.latencyMu.Unlock()

	e.screeningCount++
	// Exponential moving average
	e.avgLatencyMs = e.avgLatencyMs*0.9 + float64(durationMs)*0.1
}

// GetAverageLatency returns the average screening latency
func (e *Engine) GetAverageLatency() float64 {
	e.latencyMu.RLock()
	defer e.latencyMu.RUnlock()
	return e.avgLatencyMs
}

// GetScreeningCount returns total screenings performed
func (e *Engine) GetScreeningCount() int64 {
	e.latencyMu.RLock()
	defer e.latencyMu.RUnlock()
	return e.screeningCount
}
