package domain

import "time"

// Severity of a rule hit
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Weight maps a severity onto the findings score scale
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 60
	case SeverityHigh:
		return 40
	case SeverityMedium:
		return 20
	default:
		return 10
	}
}

// Operator names a predicate comparison
type Operator string

const (
	OpGreaterOrEqual   Operator = ">="
	OpLessOrEqual      Operator = "<="
	OpGreater          Operator = ">"
	OpLess             Operator = "<"
	OpEqual            Operator = "=="
	OpNotEqual         Operator = "!="
	OpBetween          Operator = "between"           // [min, max]
	OpBetweenExclusive Operator = "between_exclusive" // (min, max)
	OpIn               Operator = "in"
	OpNotIn            Operator = "not_in"
	OpFuzzyIn          Operator = "fuzzy_in"
	OpCEL              Operator = "cel"
)

// Predicate is a declarative condition over one transaction/customer field,
// or a CEL expression when Operator is "cel".
type Predicate struct {
	Field      string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   Operator `json:"operator" yaml:"operator"`
	Value      string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values     []string `json:"values,omitempty" yaml:"values,omitempty"`
	Min        string   `json:"min,omitempty" yaml:"min,omitempty"`
	Max        string   `json:"max,omitempty" yaml:"max,omitempty"`
	Threshold  float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Expression string   `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Rule is a named, prioritized predicate
type Rule struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int       `json:"priority" yaml:"priority"`
	Severity    Severity  `json:"severity" yaml:"severity"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	Predicate   Predicate `json:"predicate" yaml:"predicate"`
}

// RuleMatch references the rule that fired and the rule-set version it was evaluated under
type RuleMatch struct {
	RuleID        string   `json:"rule_id"`
	RuleName      string   `json:"rule_name"`
	RuleVersion   int64    `json:"rule_version"`
	TransactionID string   `json:"transaction_id"`
	Severity      Severity `json:"severity"`
	Explanation   string   `json:"explanation"`
}

// RuleSetInfo summarizes the active rule snapshot
type RuleSetInfo struct {
	Version  int64     `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
	Rules    []Rule    `json:"rules"`
}
