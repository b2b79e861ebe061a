package agents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/banking/aml-agents/internal/domain"
)

// assessmentSchema is sent to the model as the output format and used to
// validate whatever comes back.
const assessmentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["risk_score", "rationale"],
  "properties": {
    "risk_score": {"type": "number", "minimum": 0, "maximum": 100},
    "risk_band": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
    "rationale": {"type": "string", "minLength": 1},
    "recommended_action": {"type": "string"},
    "risk_factors": {
      "oneOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}}
      ]
    },
    "needs_context": {"type": "boolean"},
    "context_request": {"type": "string"},
    "citations": {"type": "array", "items": {"type": "string"}}
  }
}`

var compiledAssessmentSchema = mustCompileSchema("assessment.json", assessmentSchema)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("agents: invalid schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

type rawAssessment struct {
	RiskScore         float64         `json:"risk_score"`
	RiskBand          string          `json:"risk_band"`
	Rationale         string          `json:"rationale"`
	RecommendedAction string          `json:"recommended_action"`
	RiskFactors       json.RawMessage `json:"risk_factors"`
	NeedsContext      bool            `json:"needs_context"`
	ContextRequest    string          `json:"context_request"`
	Citations         []string        `json:"citations"`
}

// parseAssessment validates model output against the assessment schema.
// Any failure yields an AgentSchemaError and no assessment.
func parseAssessment(role domain.AgentRole, content string) (*domain.RiskAssessment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &domain.AgentSchemaError{Role: role, Reason: "empty response"}
	}

	var doc any
	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &domain.AgentSchemaError{Role: role, Reason: "response is not JSON: " + err.Error()}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &domain.AgentSchemaError{Role: role, Reason: "response is not a JSON object"}
	}
	// models answer "High" as often as "HIGH"
	if band, ok := obj["risk_band"].(string); ok {
		obj["risk_band"] = strings.ToUpper(strings.TrimSpace(band))
	}

	if err := compiledAssessmentSchema.Validate(obj); err != nil {
		return nil, &domain.AgentSchemaError{Role: role, Reason: schemaReason(err)}
	}

	normalized, err := json.Marshal(obj)
	if err != nil {
		return nil, &domain.AgentSchemaError{Role: role, Reason: err.Error()}
	}
	var raw rawAssessment
	if err := json.Unmarshal(normalized, &raw); err != nil {
		return nil, &domain.AgentSchemaError{Role: role, Reason: err.Error()}
	}

	score := int(math.Round(raw.RiskScore))
	band := domain.RiskBand(raw.RiskBand)
	if band == "" {
		band = domain.CalculateRiskBand(score)
	}

	return &domain.RiskAssessment{
		Role:              role,
		RiskScore:         score,
		RiskBand:          band,
		Rationale:         strings.TrimSpace(raw.Rationale),
		RecommendedAction: strings.TrimSpace(raw.RecommendedAction),
		RiskFactors:       riskFactors(raw.RiskFactors),
		NeedsContext:      raw.NeedsContext,
		ContextRequest:    strings.TrimSpace(raw.ContextRequest),
		Citations:         raw.Citations,
	}, nil
}

// riskFactors accepts either a list or a "; "-separated string
func riskFactors(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return compact(list)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return compact(strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == '\n' }))
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func schemaReason(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		if leaf.InstanceLocation != "" {
			return leaf.InstanceLocation + ": " + leaf.Message
		}
		return leaf.Message
	}
	return err.Error()
}
