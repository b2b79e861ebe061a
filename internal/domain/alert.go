package domain

import (
	"time"
)

// AlertStatus represents the status of an alert
type AlertStatus string

const (
	AlertStatusOpen                AlertStatus = "OPEN"
	AlertStatusUnderReview         AlertStatus = "UNDER_REVIEW"
	AlertStatusEscalated           AlertStatus = "ESCALATED"
	AlertStatusClosedFalsePositive AlertStatus = "CLOSED_FALSE_POSITIVE"
	AlertStatusClosedConfirmed     AlertStatus = "CLOSED_CONFIRMED"
)

// alertTransitions lists the legal successor states. Nothing leads back to OPEN.
var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusOpen:        {AlertStatusUnderReview},
	AlertStatusUnderReview: {AlertStatusEscalated, AlertStatusClosedFalsePositive, AlertStatusClosedConfirmed},
	AlertStatusEscalated:   {AlertStatusUnderReview, AlertStatusClosedFalsePositive, AlertStatusClosedConfirmed},
}

// Valid reports whether s is a known status
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusOpen, AlertStatusUnderReview, AlertStatusEscalated,
		AlertStatusClosedFalsePositive, AlertStatusClosedConfirmed:
		return true
	}
	return false
}

// IsTerminal returns true for the closed states
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusClosedFalsePositive || s == AlertStatusClosedConfirmed
}

// CanTransitionTo reports whether s -> to is legal
func (s AlertStatus) CanTransitionTo(to AlertStatus) bool {
	for _, next := range alertTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusChange is one entry of an alert's audit history
type StatusChange struct {
	From   AlertStatus `json:"from"`
	To     AlertStatus `json:"to"`
	Actor  string      `json:"actor,omitempty"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

// Alert is a flagged risk on one or more transactions
type Alert struct {
	ID             string   `json:"id" db:"id"`
	CustomerID     string   `json:"customer_id" db:"customer_id"`
	TransactionIDs []string `json:"transaction_ids" db:"transaction_ids"`
	TriggerKeys    []string `json:"trigger_keys" db:"trigger_keys"`

	RuleMatches    []RuleMatch    `json:"rule_matches,omitempty" db:"rule_matches"`
	PatternMatches []PatternMatch `json:"pattern_matches,omitempty" db:"pattern_matches"`

	AggregatedRisk int         `json:"aggregated_risk" db:"aggregated_risk"`
	RiskBand       RiskBand    `json:"risk_band" db:"risk_band"`
	Rationale      string      `json:"rationale,omitempty" db:"rationale"`
	Status         AlertStatus `json:"status" db:"status"`
	CaseID         string      `json:"case_id,omitempty" db:"case_id"`

	History []StatusChange `json:"history,omitempty" db:"history"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsResolved returns true if the alert has been closed
func (a *Alert) IsResolved() bool {
	return a.Status.IsTerminal()
}

// AllowsCaseClosure reports whether a case holding this alert may close
func (a *Alert) AllowsCaseClosure() bool {
	return a.Status.IsTerminal() || a.Status == AlertStatusEscalated
}

// HasTrigger reports whether key is already recorded on the alert
func (a *Alert) HasTrigger(key string) bool {
	for _, k := range a.TriggerKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share mutable state with a store
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	out := *a
	out.TransactionIDs = append([]string(nil), a.TransactionIDs...)
	out.TriggerKeys = append([]string(nil), a.TriggerKeys...)
	out.RuleMatches = append([]RuleMatch(nil), a.RuleMatches...)
	out.PatternMatches = append([]PatternMatch(nil), a.PatternMatches...)
	out.History = append([]StatusChange(nil), a.History...)
	return &out
}

// AlertFilter narrows alert listings. Zero values match everything.
type AlertFilter struct {
	Status     AlertStatus `query:"status"`
	CustomerID string      `query:"customer_id"`
	CaseID     string      `query:"case_id"`
	From       time.Time   `query:"from"`
	To         time.Time   `query:"to"`
	Limit      int         `query:"limit"`
	Offset     int         `query:"offset"`
}

// Matches reports whether a satisfies the filter (ignoring paging)
func (f AlertFilter) Matches(a *Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.CustomerID != "" && a.CustomerID != f.CustomerID {
		return false
	}
	if f.CaseID != "" && a.CaseID != f.CaseID {
		return false
	}
	if !f.From.IsZero() && a.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// AlertEvent is published whenever an alert is created or changes state
type AlertEvent struct {
	EventType string    `json:"event_type"` // ALERT_CREATED, ALERT_UPDATED, ALERT_TRANSITIONED
	Alert     *Alert    `json:"alert"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	AlertEventCreated      = "ALERT_CREATED"
	AlertEventUpdated      = "ALERT_UPDATED"
	AlertEventTransitioned = "ALERT_TRANSITIONED"
)
