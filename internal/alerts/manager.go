package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/keylock"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

// ErrInvalidStatus is returned for a transition target that is not an alert status
var ErrInvalidStatus = errors.New("invalid alert status")

// AlertInput is everything one screening pass contributes to an alert
type AlertInput struct {
	Transaction    *domain.Transaction
	CustomerID     string
	RuleMatches    []domain.RuleMatch
	PatternMatches []domain.PatternMatch
	Assessment     *domain.AggregatedAssessment
	// FindingsScore is the deterministic score of the rule and pattern findings
	FindingsScore int
}

// Recorder receives alert write metrics
type Recorder interface {
	RecordAlert(created bool)
}

// AlertManager creates and transitions alerts. Writes to one alert are
// serialized, and creation is idempotent per (transaction, trigger).
type AlertManager struct {
	repo      AlertRepository
	triggers  TriggerIndex
	notifier  Notifier
	recorder  Recorder
	alertBand domain.RiskBand

	txLocks    *keylock.Striped
	alertLocks *keylock.Striped

	now func() time.Time
	log *logger.Logger
}

// ManagerOption configures an AlertManager
type ManagerOption func(*AlertManager)

func WithTriggerIndex(t TriggerIndex) ManagerOption { return func(m *AlertManager) { m.triggers = t } }
func WithNotifier(n Notifier) ManagerOption         { return func(m *AlertManager) { m.notifier = n } }
func WithRecorder(r Recorder) ManagerOption         { return func(m *AlertManager) { m.recorder = r } }

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) ManagerOption { return func(m *AlertManager) { m.now = now } }

func NewAlertManager(repo AlertRepository, cfg *config.AlertsConfig, log *logger.Logger, opts ...ManagerOption) (*AlertManager, error) {
	band, err := domain.ParseRiskBand(cfg.AlertBand)
	if err != nil {
		return nil, fmt.Errorf("alerts.alert_band: %w", err)
	}
	m := &AlertManager{
		repo:       repo,
		triggers:   NewMemoryTriggerIndex(),
		alertBand:  band,
		txLocks:    keylock.New(256),
		alertLocks: keylock.New(256),
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.Named("alert_manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// TriggerKeys derives the idempotency keys of an input. An assessment only
// triggers on its own when nothing deterministic fired and its band reaches
// the alert band.
func (m *AlertManager) TriggerKeys(in *AlertInput) []string {
	if in.Transaction == nil {
		return nil
	}
	prefix := "tx:" + in.Transaction.ID + "|"
	var keys []string
	for _, r := range in.RuleMatches {
		keys = append(keys, prefix+"rule:"+r.RuleID)
	}
	for i := range in.PatternMatches {
		keys = append(keys, prefix+"pattern:"+in.PatternMatches[i].Key())
	}
	if len(keys) == 0 && in.Assessment != nil && in.Assessment.RiskBand.AtLeast(m.alertBand) {
		keys = append(keys, prefix+"assessment")
	}
	return keys
}

// transactionKey owns every alert trigger of one transaction
func transactionKey(txID string) string {
	return "tx:" + txID
}

// Record creates an alert for the input's triggers, or merges into the alert
// already raised for the same transaction. It returns nil when nothing triggered.
func (m *AlertManager) Record(ctx context.Context, in AlertInput) (*domain.Alert, bool, error) {
	keys := m.TriggerKeys(&in)
	if len(keys) == 0 {
		return nil, false, nil
	}

	unlock := m.txLocks.Lock(in.Transaction.ID)
	defer unlock()

	risk, band, rationale := mergeRisk(&in)
	id := uuid.New().String()
	// the transaction key is claimed with the triggers so that a later pass over
	// the same transaction merges even when it fires different triggers
	claimed := append([]string{transactionKey(in.Transaction.ID)}, keys...)
	owner, err := m.triggers.Claim(ctx, id, claimed)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim alert triggers: %w", err)
	}
	if owner != id {
		a, err := m.merge(ctx, owner, &in, keys, risk, band, rationale)
		return a, false, err
	}

	now := m.now()
	customerID := in.CustomerID
	if customerID == "" {
		customerID = in.Transaction.Sender
	}
	alert := &domain.Alert{
		ID:             id,
		CustomerID:     customerID,
		TransactionIDs: []string{in.Transaction.ID},
		TriggerKeys:    keys,
		RuleMatches:    append([]domain.RuleMatch(nil), in.RuleMatches...),
		PatternMatches: append([]domain.PatternMatch(nil), in.PatternMatches...),
		AggregatedRisk: risk,
		RiskBand:       band,
		Rationale:      rationale,
		Status:         domain.AlertStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	unlockAlert := m.alertLocks.Lock(id)
	defer unlockAlert()
	if err := m.repo.SaveAlert(ctx, alert); err != nil {
		if rerr := m.triggers.Release(ctx, id, claimed); rerr != nil {
			m.log.Warn("failed to release alert triggers", logger.ErrorField(rerr))
		}
		return nil, false, fmt.Errorf("failed to save alert: %w", err)
	}

	m.log.AlertCreated(alert.ID, alert.CustomerID, len(keys), alert.AggregatedRisk)
	m.record(true)
	m.notify(ctx, domain.AlertEventCreated, alert)
	return alert.Clone(), true, nil
}

func (m *AlertManager) merge(ctx context.Context, id string, in *AlertInput, keys []string, risk int, band domain.RiskBand, rationale string) (*domain.Alert, error) {
	unlock := m.alertLocks.Lock(id)
	defer unlock()

	alert, err := m.repo.GetAlert(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert %s: %w", id, err)
	}

	changed := false
	var added []string
	for _, k := range keys {
		if !alert.HasTrigger(k) {
			alert.TriggerKeys = append(alert.TriggerKeys, k)
			added = append(added, k)
			changed = true
		}
	}
	if !containsString(alert.TransactionIDs, in.Transaction.ID) {
		alert.TransactionIDs = append(alert.TransactionIDs, in.Transaction.ID)
		changed = true
	}
	for _, r := range in.RuleMatches {
		if !hasRuleMatch(alert.RuleMatches, r) {
			alert.RuleMatches = append(alert.RuleMatches, r)
			changed = true
		}
	}
	for _, p := range in.PatternMatches {
		if !hasPatternMatch(alert.PatternMatches, &p) {
			alert.PatternMatches = append(alert.PatternMatches, p)
			changed = true
		}
	}
	if risk > alert.AggregatedRisk {
		alert.AggregatedRisk = risk
		alert.Rationale = rationale
		changed = true
	}
	if b := domain.MaxBand(alert.RiskBand, band); b != alert.RiskBand {
		alert.RiskBand = b
		changed = true
	}
	if !changed {
		return alert, nil
	}

	alert.UpdatedAt = m.now()
	if err := m.repo.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to save alert: %w", err)
	}
	if len(added) > 0 {
		if err := m.triggers.Add(ctx, alert.ID, added); err != nil {
			m.log.Warn("failed to index alert triggers", logger.StringField("alert_id", alert.ID), logger.ErrorField(err))
		}
	}
	m.record(false)
	m.notify(ctx, domain.AlertEventUpdated, alert)
	return alert.Clone(), nil
}

// mergeRisk combines the agent assessment with the deterministic findings score
func mergeRisk(in *AlertInput) (int, domain.RiskBand, string) {
	risk := in.FindingsScore
	band := domain.RiskBandUnknown
	rationale := ""
	if a := in.Assessment; a != nil {
		if a.RiskScore > risk {
			risk = a.RiskScore
		}
		band = a.RiskBand
		rationale = a.Rationale
	}
	if risk > 100 {
		risk = 100
	}
	return risk, domain.MaxBand(band, domain.CalculateRiskBand(risk)), rationale
}

// Transition moves an alert to a new status. Illegal moves return a
// StateTransitionError carrying the current status.
func (m *AlertManager) Transition(ctx context.Context, id string, to domain.AlertStatus, actor, reason string) (*domain.Alert, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	unlock := m.alertLocks.Lock(id)
	defer unlock()

	alert, err := m.repo.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.applyTransition(alert, to, actor, reason); err != nil {
		return nil, err
	}
	if err := m.repo.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to save alert: %w", err)
	}
	m.notify(ctx, domain.AlertEventTransitioned, alert)
	return alert.Clone(), nil
}

// applyTransition mutates alert in place; callers hold the alert lock
func (m *AlertManager) applyTransition(alert *domain.Alert, to domain.AlertStatus, actor, reason string) error {
	from := alert.Status
	if !from.CanTransitionTo(to) {
		return &domain.StateTransitionError{Entity: "alert", ID: alert.ID, Current: string(from), Target: string(to)}
	}
	now := m.now()
	alert.Status = to
	alert.UpdatedAt = now
	alert.History = append(alert.History, domain.StatusChange{From: from, To: to, Actor: actor, Reason: reason, At: now})
	m.log.AlertTransitioned(alert.ID, string(from), string(to), actor)
	return nil
}

func (m *AlertManager) Get(ctx context.Context, id string) (*domain.Alert, error) {
	return m.repo.GetAlert(ctx, id)
}

func (m *AlertManager) List(ctx context.Context, f domain.AlertFilter) ([]*domain.Alert, error) {
	return m.repo.ListAlerts(ctx, f)
}

func (m *AlertManager) notify(ctx context.Context, eventType string, alert *domain.Alert) {
	if m.notifier == nil {
		return
	}
	event := domain.AlertEvent{EventType: eventType, Alert: alert.Clone(), Timestamp: m.now()}
	if err := m.notifier.Notify(ctx, event); err != nil {
		m.log.Warn("failed to publish alert event",
			logger.StringField("alert_id", alert.ID),
			logger.StringField("event_type", eventType),
			logger.ErrorField(err),
		)
	}
}

func (m *AlertManager) record(created bool) {
	if m.recorder != nil {
		m.recorder.RecordAlert(created)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasRuleMatch(list []domain.RuleMatch, m domain.RuleMatch) bool {
	for _, r := range list {
		if r.RuleID == m.RuleID && r.TransactionID == m.TransactionID {
			return true
		}
	}
	return false
}

func hasPatternMatch(list []domain.PatternMatch, p *domain.PatternMatch) bool {
	key := p.Key()
	for i := range list {
		if list[i].Key() == key {
			return true
		}
	}
	return false
}
