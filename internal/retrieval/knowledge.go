package retrieval

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banking/aml-agents/internal/domain"
)

const (
	CategoryRegulation  = "regulation"
	CategoryTypology    = "typology"
	CategoryCountryRisk = "country_risk"
)

// knowledgeFile accepts either a flat document list or the categorized layout
type knowledgeFile struct {
	Documents []Document `yaml:"documents"`

	Regulations []struct {
		ID             string   `yaml:"id"`
		Name           string   `yaml:"name"`
		Requirements   []string `yaml:"requirements"`
		RiskIndicators []string `yaml:"risk_indicators"`
	} `yaml:"regulations"`

	Typologies []struct {
		ID          string   `yaml:"id"`
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Indicators  []string `yaml:"indicators"`
	} `yaml:"typologies"`

	HighRiskCountries []struct {
		Code        string   `yaml:"code"`
		Name        string   `yaml:"name"`
		RiskLevel   string   `yaml:"risk_level"`
		RiskFactors []string `yaml:"risk_factors"`
	} `yaml:"high_risk_countries"`
}

// ParseKnowledge decodes a YAML or JSON knowledge base into documents.
// Invalid entries are skipped and reported as diagnostics.
func ParseKnowledge(source string, data []byte) ([]Document, []domain.Diagnostic, error) {
	var kf knowledgeFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, nil, &domain.ConfigurationError{Source: source, Err: err}
	}

	var (
		docs  []Document
		diags []domain.Diagnostic
		seen  = make(map[string]bool)
	)
	add := func(d Document, item string) {
		switch {
		case strings.TrimSpace(d.Text) == "":
			diags = append(diags, domain.Diagnostic{Item: item, Reason: "text is required"})
		case seen[d.ID]:
			diags = append(diags, domain.Diagnostic{Item: item, Reason: "duplicate document id"})
		default:
			seen[d.ID] = true
			docs = append(docs, d)
		}
	}

	for i, d := range kf.Documents {
		if d.ID == "" {
			d.ID = fmt.Sprintf("doc-%d", i)
		}
		add(d, d.ID)
	}
	for i, r := range kf.Regulations {
		id := firstNonEmpty(r.ID, fmt.Sprintf("regulation-%d", i))
		if r.Name == "" {
			diags = append(diags, domain.Diagnostic{Item: id, Reason: "name is required"})
			continue
		}
		text := fmt.Sprintf("Regulation: %s\nRequirements: %s\nRisk Indicators: %s",
			r.Name, strings.Join(r.Requirements, " "), strings.Join(r.RiskIndicators, " "))
		add(Document{ID: id, Title: r.Name, Category: CategoryRegulation, Text: text}, id)
	}
	for i, t := range kf.Typologies {
		id := firstNonEmpty(t.ID, fmt.Sprintf("typology-%d", i))
		if t.Name == "" {
			diags = append(diags, domain.Diagnostic{Item: id, Reason: "name is required"})
			continue
		}
		text := fmt.Sprintf("Typology: %s\nDescription: %s\nIndicators: %s",
			t.Name, t.Description, strings.Join(t.Indicators, " "))
		add(Document{ID: id, Title: t.Name, Category: CategoryTypology, Text: text}, id)
	}
	for i, c := range kf.HighRiskCountries {
		id := "country-" + firstNonEmpty(strings.ToLower(c.Code), fmt.Sprint(i))
		if c.Name == "" {
			diags = append(diags, domain.Diagnostic{Item: id, Reason: "name is required"})
			continue
		}
		text := fmt.Sprintf("Country: %s\nRisk Level: %s\nRisk Factors: %s",
			c.Name, c.RiskLevel, strings.Join(c.RiskFactors, " "))
		add(Document{ID: id, Title: c.Name, Category: CategoryCountryRisk, Text: text}, id)
	}
	return docs, diags, nil
}

// LoadKnowledgeFile reads and parses a knowledge base file
func LoadKnowledgeFile(path string) ([]Document, []domain.Diagnostic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &domain.ConfigurationError{Source: path, Err: err}
	}
	return ParseKnowledge(path, data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
