// Package rules evaluates declarative and CEL-based screening rules against transactions.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

// RuleSet is an immutable, versioned snapshot of compiled rules in evaluation order
type RuleSet struct {
	Version  int64
	LoadedAt time.Time
	rules    []compiledRule
}

type compiledRule struct {
	rule  domain.Rule
	match matcher
}

// Rules returns the definitions in evaluation order
func (rs *RuleSet) Rules() []domain.Rule {
	out := make([]domain.Rule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.rule
	}
	return out
}

// Engine evaluates the active rule set. Updates swap the whole snapshot atomically,
// so an evaluation never observes a partially applied rule set.
type Engine struct {
	current atomic.Pointer[RuleSet]
	writeMu sync.Mutex

	opts compileOptions
	log  *logger.Logger
}

// NewEngine creates an engine with an empty rule set (version 0)
func NewEngine(cfg *config.RulesConfig, log *logger.Logger) (*Engine, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	threshold := cfg.FuzzyMatchThreshold
	if threshold == 0 {
		threshold = 0.85
	}
	e := &Engine{
		opts: compileOptions{
			fuzzyThreshold: threshold,
			celEnv:         env,
			celCostLimit:   cfg.CELCostLimit,
		},
		log: log.Named("rules_engine"),
	}
	e.current.Store(&RuleSet{LoadedAt: time.Now().UTC()})
	return e, nil
}

// Current returns the active snapshot
func (e *Engine) Current() *RuleSet {
	return e.current.Load()
}

// Info summarizes the active snapshot
func (e *Engine) Info() domain.RuleSetInfo {
	rs := e.Current()
	return domain.RuleSetInfo{Version: rs.Version, LoadedAt: rs.LoadedAt, Rules: rs.Rules()}
}

// Load compiles rules and publishes them as the next version. Invalid rules are
// rejected individually and reported as diagnostics. If every supplied rule is
// invalid, nothing is published and a ConfigurationError is returned.
func (e *Engine) Load(source string, defs []domain.Rule) (*RuleSet, []domain.Diagnostic, error) {
	compiled := make([]compiledRule, 0, len(defs))
	var diags []domain.Diagnostic
	seen := make(map[string]bool, len(defs))

	for i, def := range defs {
		item := def.ID
		if item == "" {
			item = fmt.Sprintf("rules[%d]", i)
		}
		if err := validateRule(def); err != nil {
			diags = append(diags, domain.Diagnostic{Item: item, Reason: err.Error()})
			continue
		}
		if seen[def.ID] {
			diags = append(diags, domain.Diagnostic{Item: item, Reason: "duplicate rule id"})
			continue
		}
		m, err := compilePredicate(def.Predicate, e.opts)
		if err != nil {
			diags = append(diags, domain.Diagnostic{Item: item, Reason: err.Error()})
			continue
		}
		seen[def.ID] = true
		compiled = append(compiled, compiledRule{rule: def, match: m})
	}

	if len(defs) > 0 && len(compiled) == 0 {
		return nil, diags, &domain.ConfigurationError{Source: source, Diagnostics: diags}
	}

	// Higher priority first; ties keep document order
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority > compiled[j].rule.Priority
	})

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	next := &RuleSet{
		Version:  e.current.Load().Version + 1,
		LoadedAt: time.Now().UTC(),
		rules:    compiled,
	}
	e.current.Store(next)

	for _, d := range diags {
		e.log.Warn("rule rejected", logger.StringField("source", source), logger.StringField("rule", d.Item), logger.StringField("reason", d.Reason))
	}
	e.log.RuleSetLoaded(next.Version, len(compiled), len(diags))

	return next, diags, nil
}

func validateRule(r domain.Rule) error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch r.Severity {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
	default:
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	return nil
}

// Evaluate runs every enabled rule of the current snapshot against the transaction.
// Each rule is isolated: a failing rule yields a RuleEvaluationError and the rest still run.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction, customer *domain.Customer) ([]domain.RuleMatch, []domain.RuleEvaluationError) {
	rs := e.current.Load()
	subj := newSubject(tx, customer)

	var (
		matches []domain.RuleMatch
		errs    []domain.RuleEvaluationError
	)
	for _, cr := range rs.rules {
		if !cr.rule.Enabled {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, domain.RuleEvaluationError{RuleID: cr.rule.ID, TransactionID: tx.ID, Reason: ctx.Err().Error()})
			continue
		}

		ok, explanation, err := evalRule(cr, subj)
		if err != nil {
			e.log.RuleEvaluationFailed(cr.rule.ID, tx.ID, err.Error())
			errs = append(errs, domain.RuleEvaluationError{RuleID: cr.rule.ID, TransactionID: tx.ID, Reason: err.Error()})
			continue
		}
		if ok {
			matches = append(matches, domain.RuleMatch{
				RuleID:        cr.rule.ID,
				RuleName:      cr.rule.Name,
				RuleVersion:   rs.Version,
				TransactionID: tx.ID,
				Severity:      cr.rule.Severity,
				Explanation:   explanation,
			})
		}
	}
	return matches, errs
}

func evalRule(cr compiledRule, s *subject) (ok bool, explanation string, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, explanation, err = false, "", fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return cr.match(s)
}
