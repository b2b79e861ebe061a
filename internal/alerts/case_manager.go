package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/keylock"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

// CaseManager groups alerts into investigation cases. An alert belongs to at
// most one open case; case locks are always taken before alert locks.
type CaseManager struct {
	repo     CaseRepository
	alerts   *AlertManager
	archiver Archiver
	locks    *keylock.Striped
	log      *logger.Logger
}

// NewCaseManager creates a case manager over alerts. archiver may be nil.
func NewCaseManager(repo CaseRepository, alerts *AlertManager, archiver Archiver, log *logger.Logger) *CaseManager {
	return &CaseManager{
		repo:     repo,
		alerts:   alerts,
		archiver: archiver,
		locks:    keylock.New(64),
		log:      log.Named("case_manager"),
	}
}

// Create opens a case and attaches the given alerts. If an attach fails after
// the case was saved, the case as it stands is returned along with the error.
func (m *CaseManager) Create(ctx context.Context, narrative string, alertIDs ...string) (*domain.Case, error) {
	for _, id := range alertIDs {
		if _, err := m.alerts.Get(ctx, id); err != nil {
			return nil, err
		}
	}

	now := m.alerts.now()
	c := &domain.Case{
		ID:        uuid.New().String(),
		AlertIDs:  []string{},
		Status:    domain.CaseStatusOpen,
		Narrative: strings.TrimSpace(narrative),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save case: %w", err)
	}
	m.log.Info("case created", logger.StringField("case_id", c.ID), logger.IntField("alerts", len(alertIDs)))

	for _, id := range alertIDs {
		next, err := m.Attach(ctx, c.ID, id)
		if err != nil {
			m.log.Warn("case created without all alerts",
				logger.StringField("case_id", c.ID),
				logger.StringField("alert_id", id),
				logger.ErrorField(err),
			)
			return c, fmt.Errorf("case %s: attach alert %s: %w", c.ID, id, err)
		}
		c = next
	}
	return c, nil
}

// Attach adds an alert to an open case, detaching it from any other open case.
// OPEN and ESCALATED alerts move to UNDER_REVIEW.
func (m *CaseManager) Attach(ctx context.Context, caseID, alertID string) (*domain.Case, error) {
	for {
		current, err := m.alerts.Get(ctx, alertID)
		if err != nil {
			return nil, err
		}
		prior := current.CaseID

		c, retry, err := m.attachLocked(ctx, caseID, alertID, prior)
		if err != nil {
			return nil, err
		}
		if !retry {
			return c, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// attachLocked does the work of Attach under the locks of both cases and the
// alert. retry is set when the alert moved to another case before the locks were held.
func (m *CaseManager) attachLocked(ctx context.Context, caseID, alertID, prior string) (*domain.Case, bool, error) {
	caseKeys := []string{caseID}
	if prior != "" && prior != caseID {
		caseKeys = append(caseKeys, prior)
	}
	unlockCases := m.locks.LockMany(caseKeys...)
	defer unlockCases()
	unlockAlert := m.alerts.alertLocks.Lock(alertID)
	defer unlockAlert()

	alert, err := m.alerts.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, false, err
	}
	if alert.CaseID != prior {
		return nil, true, nil
	}

	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, false, err
	}
	if !c.IsOpen() {
		return nil, false, &domain.StateTransitionError{Entity: "case", ID: c.ID, Current: string(c.Status), Target: "ATTACH"}
	}
	if prior == caseID {
		return c, false, nil
	}

	now := m.alerts.now()
	if prior != "" {
		old, err := m.repo.GetCase(ctx, prior)
		if err != nil {
			return nil, false, err
		}
		if old.IsOpen() && old.RemoveAlert(alertID) {
			old.UpdatedAt = now
			if err := m.repo.SaveCase(ctx, old); err != nil {
				return nil, false, fmt.Errorf("failed to save case: %w", err)
			}
		}
	}

	c.AddAlert(alertID)
	c.UpdatedAt = now
	if err := m.repo.SaveCase(ctx, c); err != nil {
		return nil, false, fmt.Errorf("failed to save case: %w", err)
	}

	alert.CaseID = caseID
	alert.UpdatedAt = now
	event := domain.AlertEventUpdated
	if alert.Status == domain.AlertStatusOpen || alert.Status == domain.AlertStatusEscalated {
		if err := m.alerts.applyTransition(alert, domain.AlertStatusUnderReview, "case:"+caseID, "attached to case"); err != nil {
			return nil, false, err
		}
		event = domain.AlertEventTransitioned
	}
	if err := m.alerts.repo.SaveAlert(ctx, alert); err != nil {
		m.rollbackAttach(ctx, c, alertID, prior)
		return nil, false, fmt.Errorf("failed to save alert: %w", err)
	}
	m.alerts.notify(ctx, event, alert)
	return c, false, nil
}

// rollbackAttach undoes the case writes of an attach whose alert write failed.
// Callers hold the locks of both cases.
func (m *CaseManager) rollbackAttach(ctx context.Context, c *domain.Case, alertID, prior string) {
	if c.RemoveAlert(alertID) {
		if err := m.repo.SaveCase(ctx, c); err != nil {
			m.log.Error("failed to roll back case attach", logger.StringField("case_id", c.ID), logger.ErrorField(err))
		}
	}
	if prior == "" {
		return
	}
	old, err := m.repo.GetCase(ctx, prior)
	if err != nil || !old.IsOpen() || old.Contains(alertID) {
		return
	}
	old.AddAlert(alertID)
	if err := m.repo.SaveCase(ctx, old); err != nil {
		m.log.Error("failed to roll back case attach", logger.StringField("case_id", old.ID), logger.ErrorField(err))
	}
}

// Detach removes an alert from an open case. The alert keeps its status.
func (m *CaseManager) Detach(ctx context.Context, caseID, alertID string) (*domain.Case, error) {
	unlockCase := m.locks.Lock(caseID)
	defer unlockCase()
	unlockAlert := m.alerts.alertLocks.Lock(alertID)
	defer unlockAlert()

	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !c.IsOpen() {
		return nil, &domain.StateTransitionError{Entity: "case", ID: c.ID, Current: string(c.Status), Target: "DETACH"}
	}
	if !c.Contains(alertID) {
		return nil, fmt.Errorf("alert %s in case %s: %w", alertID, caseID, domain.ErrNotFound)
	}

	alert, err := m.alerts.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	now := m.alerts.now()
	c.RemoveAlert(alertID)
	c.UpdatedAt = now
	if err := m.repo.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save case: %w", err)
	}
	if alert.CaseID == caseID {
		alert.CaseID = ""
		alert.UpdatedAt = now
		if err := m.alerts.repo.SaveAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("failed to save alert: %w", err)
		}
		m.alerts.notify(ctx, domain.AlertEventUpdated, alert)
	}
	return c, nil
}

// Close closes a case whose alerts are all terminal or ESCALATED. Alert
// statuses are not touched. Archive failures are logged only.
func (m *CaseManager) Close(ctx context.Context, caseID string) (*domain.Case, error) {
	unlockCase := m.locks.Lock(caseID)
	defer unlockCase()

	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !c.IsOpen() {
		return nil, &domain.StateTransitionError{Entity: "case", ID: c.ID, Current: string(c.Status), Target: string(domain.CaseStatusClosed)}
	}

	unlockAlerts := m.alerts.alertLocks.LockMany(c.AlertIDs...)
	defer unlockAlerts()

	alerts := make([]*domain.Alert, 0, len(c.AlertIDs))
	blocking := make(map[string]domain.AlertStatus)
	for _, id := range c.AlertIDs {
		a, err := m.alerts.repo.GetAlert(ctx, id)
		if err != nil {
			return nil, err
		}
		if !a.AllowsCaseClosure() {
			blocking[id] = a.Status
		}
		alerts = append(alerts, a)
	}
	if len(blocking) > 0 {
		return nil, &domain.CaseCloseError{CaseID: caseID, Blocking: blocking}
	}

	now := m.alerts.now()
	c.Status = domain.CaseStatusClosed
	c.ClosedAt = &now
	c.UpdatedAt = now
	if err := m.repo.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save case: %w", err)
	}
	m.log.CaseClosed(c.ID, len(c.AlertIDs))

	if m.archiver != nil {
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := m.archiver.Archive(archiveCtx, c, alerts); err != nil {
			m.log.Warn("failed to archive case", logger.StringField("case_id", c.ID), logger.ErrorField(err))
		}
	}
	return c, nil
}

// UpdateNarrative replaces the narrative of an open case
func (m *CaseManager) UpdateNarrative(ctx context.Context, caseID, narrative string) (*domain.Case, error) {
	unlock := m.locks.Lock(caseID)
	defer unlock()

	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !c.IsOpen() {
		return nil, &domain.StateTransitionError{Entity: "case", ID: c.ID, Current: string(c.Status), Target: "UPDATE_NARRATIVE"}
	}
	c.Narrative = strings.TrimSpace(narrative)
	c.UpdatedAt = m.alerts.now()
	if err := m.repo.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save case: %w", err)
	}
	return c, nil
}

func (m *CaseManager) Get(ctx context.Context, id string) (*domain.Case, error) {
	return m.repo.GetCase(ctx, id)
}

func (m *CaseManager) List(ctx context.Context, f domain.CaseFilter) ([]*domain.Case, error) {
	return m.repo.ListCases(ctx, f)
}
