package rules

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

// ruleDocument is the on-disk layout of a rule file. JSON documents parse as YAML.
// Rules is a pointer so that a missing key is told apart from an explicit empty list.
type ruleDocument struct {
	Rules *[]ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Priority    int              `yaml:"priority"`
	Severity    string           `yaml:"severity"`
	Enabled     *bool            `yaml:"enabled"`
	Predicate   domain.Predicate `yaml:"predicate"`
}

func (s ruleSpec) toRule() domain.Rule {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	severity := domain.Severity(strings.ToUpper(s.Severity))
	if severity == "" {
		severity = domain.SeverityMedium
	}
	return domain.Rule{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Priority:    s.Priority,
		Severity:    severity,
		Enabled:     enabled,
		Predicate:   s.Predicate,
	}
}

// ParseDocument decodes a YAML or JSON rule document
func ParseDocument(source string, data []byte) ([]domain.Rule, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &domain.ConfigurationError{Source: source, Err: fmt.Errorf("empty document")}
	}
	var doc ruleDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &domain.ConfigurationError{Source: source, Err: err}
	}
	if doc.Rules == nil {
		return nil, &domain.ConfigurationError{Source: source, Err: fmt.Errorf("missing top-level \"rules\" list")}
	}
	out := make([]domain.Rule, len(*doc.Rules))
	for i, s := range *doc.Rules {
		out[i] = s.toRule()
	}
	return out, nil
}

// LoadDocument parses data and publishes it. A malformed document leaves the
// active rule set untouched.
func (e *Engine) LoadDocument(source string, data []byte) (*RuleSet, []domain.Diagnostic, error) {
	defs, err := ParseDocument(source, data)
	if err != nil {
		e.log.Error("rule document rejected", logger.StringField("source", source), logger.ErrorField(err))
		return nil, nil, err
	}
	return e.Load(source, defs)
}

// LoadFile reads and publishes a rule file
func (e *Engine) LoadFile(path string) (*RuleSet, []domain.Diagnostic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &domain.ConfigurationError{Source: path, Err: err}
	}
	return e.LoadDocument(path, data)
}
