package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an alert, case or conversation does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransaction is returned for transactions missing required fields
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// RuleEvaluationError records a single rule that could not be evaluated.
// It never aborts evaluation of the remaining rules.
type RuleEvaluationError struct {
	RuleID        string `json:"rule_id"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

func (e RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s on transaction %s: %s", e.RuleID, e.TransactionID, e.Reason)
}

// AgentTimeoutError is returned when an agent does not answer within its deadline
type AgentTimeoutError struct {
	Role    AgentRole
	Timeout time.Duration
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("agent %s timed out after %s", e.Role, e.Timeout)
}

// AgentSchemaError is returned when an agent response does not match the assessment schema
type AgentSchemaError struct {
	Role   AgentRole
	Reason string
}

func (e *AgentSchemaError) Error() string {
	return fmt.Sprintf("agent %s returned malformed assessment: %s", e.Role, e.Reason)
}

// AgentUnavailableError wraps a provider failure (transport, breaker open, ...)
type AgentUnavailableError struct {
	Role AgentRole
	Err  error
}

func (e *AgentUnavailableError) Error() string {
	return fmt.Sprintf("agent %s unavailable: %v", e.Role, e.Err)
}

func (e *AgentUnavailableError) Unwrap() error { return e.Err }

// RetrievalUnavailableError is returned by embedders and search backends that cannot serve a query
type RetrievalUnavailableError struct {
	Backend string
	Err     error
}

func (e *RetrievalUnavailableError) Error() string {
	return fmt.Sprintf("retrieval backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *RetrievalUnavailableError) Unwrap() error { return e.Err }

// StateTransitionError is returned for an illegal alert or case transition.
// Current carries the state the entity is actually in.
type StateTransitionError struct {
	Entity  string
	ID      string
	Current string
	Target  string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Entity, e.ID, e.Current, e.Target)
}

// Diagnostic describes one rejected item of a configuration document
type Diagnostic struct {
	Item   string `json:"item"`
	Reason string `json:"reason"`
}

func (d Diagnostic) String() string {
	if d.Item == "" {
		return d.Reason
	}
	return d.Item + ": " + d.Reason
}

// ConfigurationError is returned when a rule set or knowledge document cannot be loaded.
// The previously active configuration stays in effect.
type ConfigurationError struct {
	Source      string
	Diagnostics []Diagnostic
	Err         error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid configuration %s", e.Source)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	for _, d := range e.Diagnostics {
		b.WriteString("; ")
		b.WriteString(d.String())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// CaseCloseError lists the alerts that prevent a case from closing
type CaseCloseError struct {
	CaseID   string
	Blocking map[string]AlertStatus
}

func (e *CaseCloseError) Error() string {
	ids := make([]string, 0, len(e.Blocking))
	for id, st := range e.Blocking {
		ids = append(ids, id+"="+string(st))
	}
	sort.Strings(ids)
	return fmt.Sprintf("case %s cannot close, unresolved alerts: %s", e.CaseID, strings.Join(ids, ", "))
}
