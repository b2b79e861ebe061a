package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

type recordingArchiver struct {
	mu     sync.Mutex
	cases  []string
	alerts int
	err    error
}

func (r *recordingArchiver) Archive(_ context.Context, c *domain.Case, alerts []*domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cases = append(r.cases, c.ID)
	r.alerts += len(alerts)
	return r.err
}

type caseFixture struct {
	alerts   *AlertManager
	cases    *CaseManager
	archiver *recordingArchiver
}

func newCaseFixture(t *testing.T) *caseFixture {
	t.Helper()
	am, store := newManager(t)
	arch := &recordingArchiver{}
	return &caseFixture{alerts: am, cases: NewCaseManager(store, am, arch, logger.NewNop()), archiver: arch}
}

func (f *caseFixture) alert(t *testing.T, txID string) *domain.Alert {
	t.Helper()
	a, created, err := f.alerts.Record(context.Background(), ruleInput(txID, 55, "R-1"))
	require.NoError(t, err)
	require.True(t, created)
	return a
}

func TestCreateAttachesAndMovesToReview(t *testing.T) {
	f := newCaseFixture(t)
	ctx := context.Background()
	a1, a2 := f.alert(t, "tx-1"), f.alert(t, "tx-2")

	c, err := f.cases.Create(ctx, "  smurfing ring  ", a1.ID, a2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusOpen, c.Status)
	assert.Equal(t, "smurfing ring", c.Narrative)
	assert.ElementsMatch(t, []string{a1.ID, a2.ID}, c.AlertIDs)

	for _, id := range []string{a1.ID, a2.ID} {
		got, err := f.alerts.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.CaseID)
		assert.Equal(t, domain.AlertStatusUnderReview, got.Status)
	}

	_, err = f.cases.Create(ctx, "bad", "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestAttachDetachesFromPriorOpenCase(t *testing.T) {
	f := newCaseFixture(t)
	ctx := context.Background()
	a := f.alert(t, "tx-1")

	first, err := f.cases.Create(ctx, "first", a.ID)
	require.NoError(t, err)
	second, err := f.cases.Create(ctx, "second")
	require.NoError(t, err)

	second, err = f.cases.Attach(ctx, second.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, second.AlertIDs)

	first, err = f.cases.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, first.AlertIDs)

	got, _ := f.alerts.Get(ctx, a.ID)
	assert.Equal(t, second.ID, got.CaseID)

	again, err := f.cases.Attach(ctx, second.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, again.AlertIDs)
}

func TestAttachEscalatedAlertReturnsToReview(t *testing.T) {
	f := newCaseFixture(t)
	ctx := context.Background()
	a := f.alert(t, "tx-1")
	_, err := f.alerts.Transition(ctx, a.ID, domain.AlertStatusUnderReview, "analyst", "")
	require.NoError(t, err)
	_, err = f.alerts.Transition(ctx, a.ID, domain.AlertStatusEscalated, "analyst", "")
	require.NoError(t, err)

	c, err := f.cases.Create(ctx, "escalations")
	require.NoError(t, err)
	_, err = f.cases.Attach(ctx, c.ID, a.ID)
	require.NoError(t, err)

	got, _ := f.alerts.Get(ctx, a.ID)
	assert.Equal(t, domain.AlertStatusUnderReview, got.Status)
	assert.Equal(t, "case:"+c.ID, got.History[len(got.History)-1].Actor)
}

func TestCloseRequiresResolvedOrEscalatedAlerts(t *testing.T) {
	f := newCaseFixture(t)
	ctx := context.Background()
	a1, a2 := f.alert(t, "tx-1"), f.alert(t, "tx-2")
	c, err := f.cases.Create(ctx, "review", a1.ID, a2.ID)
	require.NoError(t, err)

	_, err = f.cases.Close(ctx, c.ID)
	var closeErr *domain.CaseCloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, map[string]domain.AlertStatus{
		a1.ID: domain.AlertStatusUnderReview,
		a2.ID: domain.AlertStatusUnderReview,
	}, closeErr.Blocking)

	_, err = f.alerts.Transition(ctx, a1.ID, domain.AlertStatusClosedFalsePositive, "analyst", "benign")
	require.NoError(t, err)
	_, err = f.alerts.Transition(ctx, a2.ID, domain.AlertStatusEscalated, "analyst", "")
	require.NoError(t, err)

	closed, err := f.cases.Close(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	got1, _ := f.alerts.Get(ctx, a1.ID)
	got2, _ := f.alerts.Get(ctx, a2.ID)
	assert.Equal(t, domain.AlertStatusClosedFalsePositive, got1.Status)
	assert.Equal(t, domain.AlertStatusEscalated, got2.Status)

	assert.Equal(t, []string{c.ID}, f.archiver.cases)
	assert.Equal(t, 2, f.archiver.alerts)

	var stErr *domain.StateTransitionError
	_, err = f.cases.Close(ctx, c.ID)
	require.True(t, errors.As(err, &stErr))
	assert.Equal(t, "CLOSED", stErr.Current)

	_, err = f.cases.Attach(ctx, c.ID, f.alert(t, "tx-3").ID)
	assert.True(t, errors.As(err, &stErr))
	_, err = f.cases.UpdateNarrative(ctx, c.ID, "late edit")
	assert.True(t, errors.As(err, &stErr))
}

func TestArchiveFailureDoesNotBlockClose(t *testing.T) {
	f := newCaseFixture(t)
	f.archiver.err = errors.New("bucket missing")
	c, err := f.cases.Create(context.Background(), "empty")
	require.NoError(t, err)

	closed, err := f.cases.Close(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusClosed, closed.Status)
}

func TestDetachKeepsAlertStatus(t *testing.T) {
	f := newCaseFixture(t)
	ctx := context.Background()
	a := f.alert(t, "tx-1")
	c, err := f.cases.Create(ctx, "n", a.ID)
	require.NoError(t, err)

	c, err = f.cases.Detach(ctx, c.ID, a.ID)
	require.NoError(t, err)
	assert.Empty(t, c.AlertIDs)

	got, _ := f.alerts.Get(ctx, a.ID)
	assert.Empty(t, got.CaseID)
	assert.Equal(t, domain.AlertStatusUnderReview, got.Status)

	_, err = f.cases.Detach(ctx, c.ID, a.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestUpdateNarrativeAndList(t *testing.T) {
	f := newCaseFixture(t)
	ctx := context.Background()
	c1, _ := f.cases.Create(ctx, "one")
	_, _ = f.cases.Create(ctx, "two")

	c1, err := f.cases.UpdateNarrative(ctx, c1.ID, "one, revised")
	require.NoError(t, err)
	assert.Equal(t, "one, revised", c1.Narrative)

	_, err = f.cases.Close(ctx, c1.ID)
	require.NoError(t, err)

	open, _ := f.cases.List(ctx, domain.CaseFilter{Status: domain.CaseStatusOpen})
	closed, _ := f.cases.List(ctx, domain.CaseFilter{Status: domain.CaseStatusClosed})
	all, _ := f.cases.List(ctx, domain.CaseFilter{})
	assert.Len(t, open, 1)
	assert.Len(t, closed, 1)
	assert.Len(t, all, 2)
}

func TestConcurrentAttachLeavesAlertInOneCase(t *testing.T) {
	f := newCaseFixture(t)
	ctx := context.Background()
	a := f.alert(t, "tx-1")

	var cases []*domain.Case
	for i := 0; i < 8; i++ {
		c, err := f.cases.Create(ctx, "c")
		require.NoError(t, err)
		cases = append(cases, c)
	}

	var wg sync.WaitGroup
	for _, c := range cases {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.cases.Attach(ctx, id, a.ID)
			assert.NoError(t, err)
		}(c.ID)
	}
	wg.Wait()

	got, _ := f.alerts.Get(ctx, a.ID)
	holding := 0
	for _, c := range cases {
		c, _ = f.cases.Get(ctx, c.ID)
		if c.Contains(a.ID) {
			holding++
			assert.Equal(t, c.ID, got.CaseID)
		}
	}
	assert.Equal(t, 1, holding)
}

type alertRejectingStore struct {
	*MemoryStore
	reject string
}

func (s *alertRejectingStore) SaveAlert(ctx context.Context, a *domain.Alert) error {
	if a.ID == s.reject {
		return errors.New("disk full")
	}
	return s.MemoryStore.SaveAlert(ctx, a)
}

func TestCreateReturnsPartialCaseWhenAttachFails(t *testing.T) {
	store := &alertRejectingStore{MemoryStore: NewMemoryStore()}
	am, err := NewAlertManager(store, &config.AlertsConfig{AlertBand: "HIGH"}, logger.NewNop())
	require.NoError(t, err)
	cases := NewCaseManager(store, am, nil, logger.NewNop())
	ctx := context.Background()

	a1, _, err := am.Record(ctx, ruleInput("tx-1", 55, "R-1"))
	require.NoError(t, err)
	a2, _, err := am.Record(ctx, ruleInput("tx-2", 55, "R-1"))
	require.NoError(t, err)
	store.reject = a2.ID

	c, err := cases.Create(ctx, "ring", a1.ID, a2.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, c)
	assert.Equal(t, []string{a1.ID}, c.AlertIDs)

	stored, err := store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a1.ID}, stored.AlertIDs)

	got, err := am.Get(ctx, a2.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CaseID)
	assert.Equal(t, domain.AlertStatusOpen, got.Status)
}
