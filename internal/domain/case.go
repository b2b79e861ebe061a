package domain

import (
	"sort"
	"time"
)

// CaseStatus represents the status of an investigation case
type CaseStatus string

const (
	CaseStatusOpen   CaseStatus = "OPEN"
	CaseStatusClosed CaseStatus = "CLOSED"
)

// Case groups alerts under one investigation narrative
type Case struct {
	ID        string     `json:"id" db:"id"`
	AlertIDs  []string   `json:"alert_ids" db:"alert_ids"`
	Status    CaseStatus `json:"status" db:"status"`
	Narrative string     `json:"narrative" db:"narrative"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// IsOpen returns true while alerts may still be attached
func (c *Case) IsOpen() bool {
	return c.Status == CaseStatusOpen
}

// Contains reports whether alertID is attached
func (c *Case) Contains(alertID string) bool {
	for _, id := range c.AlertIDs {
		if id == alertID {
			return true
		}
	}
	return false
}

// AddAlert attaches alertID, keeping AlertIDs a sorted set
func (c *Case) AddAlert(alertID string) {
	if c.Contains(alertID) {
		return
	}
	c.AlertIDs = append(c.AlertIDs, alertID)
	sort.Strings(c.AlertIDs)
}

// RemoveAlert detaches alertID
func (c *Case) RemoveAlert(alertID string) bool {
	for i, id := range c.AlertIDs {
		if id == alertID {
			c.AlertIDs = append(c.AlertIDs[:i], c.AlertIDs[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.AlertIDs = append([]string(nil), c.AlertIDs...)
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

// CaseFilter narrows case listings
type CaseFilter struct {
	Status CaseStatus `query:"status"`
	Limit  int        `query:"limit"`
	Offset int        `query:"offset"`
}
