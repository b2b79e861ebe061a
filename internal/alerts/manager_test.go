package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.AlertEvent
}

func (n *recordingNotifier) Notify(_ context.Context, e domain.AlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.EventType)
	}
	return out
}

func newManager(t *testing.T, opts ...ManagerOption) (*AlertManager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m, err := NewAlertManager(store, &config.AlertsConfig{AlertBand: "HIGH"}, logger.NewNop(), opts...)
	require.NoError(t, err)
	return m, store
}

func tx(id string) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		Timestamp: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Sender:    "acct-a",
		Receiver:  "acct-b",
		Amount:    decimal.NewFromInt(9500),
		Currency:  "USD",
	}
}

func ruleInput(txID string, score int, ruleIDs ...string) AlertInput {
	in := AlertInput{
		Transaction: tx(txID),
		CustomerID:  "cust-1",
		Assessment:  &domain.AggregatedAssessment{RiskScore: score, RiskBand: domain.CalculateRiskBand(score), Rationale: "pass"},
	}
	for _, id := range ruleIDs {
		in.RuleMatches = append(in.RuleMatches, domain.RuleMatch{RuleID: id, TransactionID: txID, Severity: domain.SeverityHigh})
	}
	return in
}

func TestRecordWithoutTriggersCreatesNothing(t *testing.T) {
	m, store := newManager(t)
	a, created, err := m.Record(context.Background(), ruleInput("tx-1", 40))
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.False(t, created)

	all, _ := store.ListAlerts(context.Background(), domain.AlertFilter{})
	assert.Empty(t, all)
}

func TestRecordIsIdempotentAndMaxMerges(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	first, created, err := m.Record(ctx, ruleInput("tx-1", 50, "R-1"))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, domain.AlertStatusOpen, first.Status)
	assert.Equal(t, []string{"tx:tx-1|rule:R-1"}, first.TriggerKeys)
	assert.Equal(t, 50, first.AggregatedRisk)

	again, created, err := m.Record(ctx, ruleInput("tx-1", 50, "R-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	higher, _, err := m.Record(ctx, ruleInput("tx-1", 77, "R-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, higher.ID)
	assert.Equal(t, 77, higher.AggregatedRisk)
	assert.Equal(t, domain.RiskBandHigh, higher.RiskBand)

	lower, _, err := m.Record(ctx, ruleInput("tx-1", 20, "R-1"))
	require.NoError(t, err)
	assert.Equal(t, 77, lower.AggregatedRisk)
	assert.Equal(t, domain.RiskBandHigh, lower.RiskBand)

	extra, created, err := m.Record(ctx, ruleInput("tx-1", 20, "R-1", "R-2"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.ElementsMatch(t, []string{"tx:tx-1|rule:R-1", "tx:tx-1|rule:R-2"}, extra.TriggerKeys)
	assert.Len(t, extra.RuleMatches, 2)

	all, _ := store.ListAlerts(ctx, domain.AlertFilter{})
	assert.Len(t, all, 1)
}

func TestDistinctTransactionsGetDistinctAlerts(t *testing.T) {
	m, _ := newManager(t)
	a, _, err := m.Record(context.Background(), ruleInput("tx-1", 50, "R-1"))
	require.NoError(t, err)
	b, created, err := m.Record(context.Background(), ruleInput("tx-2", 50, "R-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestPatternAndAssessmentTriggers(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	pattern := domain.PatternMatch{
		Typology:       domain.TypologyStructuring,
		WindowStart:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		ParticipantIDs: []string{"acct-a"},
		Confidence:     0.8,
	}
	in := AlertInput{Transaction: tx("tx-p"), PatternMatches: []domain.PatternMatch{pattern}, FindingsScore: 28}
	a, created, err := m.Record(ctx, in)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, []string{"tx:tx-p|pattern:" + pattern.Key()}, a.TriggerKeys)
	assert.Equal(t, "acct-a", a.CustomerID)
	assert.Equal(t, 28, a.AggregatedRisk)

	medium := AlertInput{Transaction: tx("tx-m"), Assessment: &domain.AggregatedAssessment{RiskScore: 45, RiskBand: domain.RiskBandMedium}}
	a, _, err = m.Record(ctx, medium)
	require.NoError(t, err)
	assert.Nil(t, a)

	high := AlertInput{Transaction: tx("tx-h"), Assessment: &domain.AggregatedAssessment{RiskScore: 66, RiskBand: domain.RiskBandHigh}}
	a, created, err = m.Record(ctx, high)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, []string{"tx:tx-h|assessment"}, a.TriggerKeys)
}

func TestLaterTriggersOfOneTransactionMerge(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	pattern := domain.PatternMatch{Typology: domain.TypologyStructuring, ParticipantIDs: []string{"acct-a"}, WindowStart: tx("tx-1").Timestamp}
	first, created, err := m.Record(ctx, AlertInput{Transaction: tx("tx-1"), PatternMatches: []domain.PatternMatch{pattern}, FindingsScore: 30})
	require.NoError(t, err)
	require.True(t, created)

	high := AlertInput{Transaction: tx("tx-1"), Assessment: &domain.AggregatedAssessment{RiskScore: 85, RiskBand: domain.RiskBandCritical}}
	again, created, err := m.Record(ctx, high)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 85, again.AggregatedRisk)
	assert.Equal(t, domain.RiskBandCritical, again.RiskBand)
	assert.ElementsMatch(t, []string{"tx:tx-1|pattern:" + pattern.Key(), "tx:tx-1|assessment"}, again.TriggerKeys)

	all, _ := store.ListAlerts(ctx, domain.AlertFilter{})
	assert.Len(t, all, 1)
}

func TestConcurrentRecordCreatesOneAlert(t *testing.T) {
	m, store := newManager(t)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(score int) {
			defer wg.Done()
			a, c, err := m.Record(context.Background(), ruleInput("tx-c", score, "R-1"))
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[a.ID] = true
			if c {
				created++
			}
		}(40 + i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	all, _ := store.ListAlerts(context.Background(), domain.AlertFilter{})
	require.Len(t, all, 1)
	assert.Equal(t, 71, all[0].AggregatedRisk)
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (f *failingStore) SaveAlert(ctx context.Context, a *domain.Alert) error {
	if f.fail {
		return errors.New("db down")
	}
	return f.MemoryStore.SaveAlert(ctx, a)
}

func TestSaveFailureReleasesTriggers(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), fail: true}
	m, err := NewAlertManager(store, &config.AlertsConfig{AlertBand: "HIGH"}, logger.NewNop())
	require.NoError(t, err)

	_, _, err = m.Record(context.Background(), ruleInput("tx-1", 50, "R-1"))
	require.Error(t, err)

	store.fail = false
	a, created, err := m.Record(context.Background(), ruleInput("tx-1", 50, "R-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotNil(t, a)
}

func TestTransitionStateMachine(t *testing.T) {
	n := &recordingNotifier{}
	m, _ := newManager(t, WithNotifier(n))
	ctx := context.Background()

	a, _, err := m.Record(ctx, ruleInput("tx-1", 50, "R-1"))
	require.NoError(t, err)

	_, err = m.Transition(ctx, a.ID, domain.AlertStatusClosedConfirmed, "analyst", "skip review")
	var stErr *domain.StateTransitionError
	require.True(t, errors.As(err, &stErr))
	assert.Equal(t, "OPEN", stErr.Current)

	a, err = m.Transition(ctx, a.ID, domain.AlertStatusUnderReview, "analyst", "")
	require.NoError(t, err)
	a, err = m.Transition(ctx, a.ID, domain.AlertStatusEscalated, "analyst", "needs L3")
	require.NoError(t, err)
	a, err = m.Transition(ctx, a.ID, domain.AlertStatusClosedConfirmed, "mlro", "filed SAR")
	require.NoError(t, err)
	assert.Len(t, a.History, 3)
	assert.Equal(t, "mlro", a.History[2].Actor)

	for _, target := range []domain.AlertStatus{domain.AlertStatusOpen, domain.AlertStatusUnderReview, domain.AlertStatusClosedFalsePositive} {
		_, err = m.Transition(ctx, a.ID, target, "analyst", "")
		require.True(t, errors.As(err, &stErr), "target %s", target)
		assert.Equal(t, string(domain.AlertStatusClosedConfirmed), stErr.Current)
	}

	_, err = m.Transition(ctx, a.ID, "REOPENED", "analyst", "")
	assert.True(t, errors.Is(err, ErrInvalidStatus))
	_, err = m.Transition(ctx, "missing", domain.AlertStatusUnderReview, "analyst", "")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	assert.Equal(t, []string{
		domain.AlertEventCreated,
		domain.AlertEventTransitioned,
		domain.AlertEventTransitioned,
		domain.AlertEventTransitioned,
	}, n.types())
}

func TestListFilters(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m, _ := newManager(t, WithClock(func() time.Time { clock = clock.Add(time.Hour); return clock }))
	ctx := context.Background()

	for i, id := range []string{"tx-1", "tx-2", "tx-3", "tx-4"} {
		in := ruleInput(id, 50, "R-1")
		if i%2 == 1 {
			in.CustomerID = "cust-2"
		}
		_, _, err := m.Record(ctx, in)
		require.NoError(t, err)
	}

	all, err := m.List(ctx, domain.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"tx-4"}, all[0].TransactionIDs)

	cust2, _ := m.List(ctx, domain.AlertFilter{CustomerID: "cust-2"})
	assert.Len(t, cust2, 2)

	_, err = m.Transition(ctx, all[0].ID, domain.AlertStatusUnderReview, "a", "")
	require.NoError(t, err)
	review, _ := m.List(ctx, domain.AlertFilter{Status: domain.AlertStatusUnderReview})
	assert.Len(t, review, 1)

	ranged, _ := m.List(ctx, domain.AlertFilter{From: base.Add(2 * time.Hour), To: base.Add(3 * time.Hour)})
	assert.Len(t, ranged, 2)

	paged, _ := m.List(ctx, domain.AlertFilter{Limit: 2, Offset: 3})
	assert.Len(t, paged, 1)
	beyond, _ := m.List(ctx, domain.AlertFilter{Offset: 10})
	assert.Empty(t, beyond)
}
