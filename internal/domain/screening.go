package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RiskBand represents the risk severity
type RiskBand string

const (
	RiskBandUnknown  RiskBand = "UNKNOWN"
	RiskBandLow      RiskBand = "LOW"
	RiskBandMedium   RiskBand = "MEDIUM"
	RiskBandHigh     RiskBand = "HIGH"
	RiskBandCritical RiskBand = "CRITICAL"
)

var riskBandRank = map[RiskBand]int{
	RiskBandUnknown:  0,
	RiskBandLow:      1,
	RiskBandMedium:   2,
	RiskBandHigh:     3,
	RiskBandCritical: 4,
}

// Rank orders bands from UNKNOWN (0) to CRITICAL (4). Unrecognised bands rank as UNKNOWN.
func (b RiskBand) Rank() int {
	return riskBandRank[b]
}

// AtLeast reports whether b is as severe as other.
func (b RiskBand) AtLeast(other RiskBand) bool {
	return b.Rank() >= other.Rank()
}

// Valid reports whether b is one of the known bands.
func (b RiskBand) Valid() bool {
	_, ok := riskBandRank[b]
	return ok
}

// MaxBand returns the most severe of the given bands.
func MaxBand(bands ...RiskBand) RiskBand {
	out := RiskBandUnknown
	for _, b := range bands {
		if b.Rank() > out.Rank() {
			out = b
		}
	}
	return out
}

// ParseRiskBand parses a band name case-insensitively.
func ParseRiskBand(s string) (RiskBand, error) {
	b := RiskBand(strings.ToUpper(strings.TrimSpace(s)))
	if !b.Valid() {
		return RiskBandUnknown, fmt.Errorf("unknown risk band %q", s)
	}
	return b, nil
}

// CalculateRiskBand returns the risk band based on score
func CalculateRiskBand(score int) RiskBand {
	switch {
	case score >= 80:
		return RiskBandCritical
	case score >= 60:
		return RiskBandHigh
	case score >= 30:
		return RiskBandMedium
	default:
		return RiskBandLow
	}
}

// Typology represents types of suspicious patterns
type Typology string

const (
	TypologyStructuring Typology = "STRUCTURING"
	TypologyLayering    Typology = "LAYERING"
)

// PatternMatch represents a detected money laundering pattern over a window of transactions
type PatternMatch struct {
	Typology       Typology  `json:"typology"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	ParticipantIDs []string  `json:"participant_ids"`
	Confidence     float64   `json:"confidence"` // 0.0 - 1.0
	Evidence       []string  `json:"evidence"`   // transaction ids, oldest first
	Description    string    `json:"description"`
	DetectedAt     time.Time `json:"detected_at"`
}

// Key identifies a match for de-duplication: typology, sorted participants and window start.
func (p *PatternMatch) Key() string {
	participants := append([]string(nil), p.ParticipantIDs...)
	sort.Strings(participants)
	return fmt.Sprintf("%s|%s|%d", p.Typology, strings.Join(participants, ","), p.WindowStart.UnixNano())
}

// ScreeningOutcome is the result of running one transaction through the full pipeline
type ScreeningOutcome struct {
	TransactionID  string                `json:"transaction_id"`
	ConversationID string                `json:"conversation_id"`
	Assessment     *AggregatedAssessment `json:"risk_assessment"`
	RuleMatches    []RuleMatch           `json:"rule_matches"`
	RuleErrors     []RuleEvaluationError `json:"rule_errors,omitempty"`
	PatternMatches []PatternMatch        `json:"pattern_matches"`
	FindingsScore  int                   `json:"findings_score"`
	AlertID        string                `json:"alert_id,omitempty"`
	AlertCreated   bool                  `json:"alert_created"`
	Degraded       bool                  `json:"degraded"`
	Errors         []string              `json:"errors,omitempty"`
	DurationMs     int64                 `json:"duration_ms"`
}

// HasFindings reports whether any rule or pattern fired
func (o *ScreeningOutcome) HasFindings() bool {
	return len(o.RuleMatches) > 0 || len(o.PatternMatches) > 0
}
