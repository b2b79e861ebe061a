package screening

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
)

// RiskCalculator scores the deterministic findings of a screening pass.
// The score never depends on agent output.
type RiskCalculator struct {
	highValue         decimal.Decimal
	highRiskCountries map[string]bool
}

// RiskFactor is one contribution to the findings score
type RiskFactor struct {
	Factor string
	Weight int
}

// Per-factor caps
const (
	maxPatternScore     = 35
	highRiskCountryRisk = 20
	crossBorderRisk     = 5
	highValueRisk       = 10
	veryHighValueRisk   = 15
	pepRisk             = 10
	customerProfileRisk = 10
)

// NewRiskCalculator creates a new risk calculator
func NewRiskCalculator(cfg *config.ScreeningConfig) *RiskCalculator {
	highRiskCountries := make(map[string]bool)
	for _, country := range cfg.HighRiskCountries {
		highRiskCountries[strings.ToUpper(country)] = true
	}

	return &RiskCalculator{
		highValue:         decimal.NewFromFloat(cfg.HighValueThreshold),
		highRiskCountries: highRiskCountries,
	}
}

// Factors lists the contributions for a transaction and its findings.
// Transaction and customer factors only count when a rule or pattern fired.
func (c *RiskCalculator) Factors(tx *domain.Transaction, customer *domain.Customer, rules []domain.RuleMatch, patterns []domain.PatternMatch) []RiskFactor {
	var factors []RiskFactor

	for _, m := range rules {
		factors = append(factors, RiskFactor{Factor: "RULE:" + m.RuleID, Weight: m.Severity.Weight()})
	}
	for _, p := range patterns {
		factors = append(factors, RiskFactor{Factor: string(p.Typology), Weight: int(p.Confidence * maxPatternScore)})
	}
	if len(factors) == 0 {
		return nil
	}

	if c.isHighRiskCountry(tx.Country) {
		factors = append(factors, RiskFactor{Factor: "HIGH_RISK_COUNTRY", Weight: highRiskCountryRisk})
	}
	if tx.IsCrossBorder(customer) {
		factors = append(factors, RiskFactor{Factor: "CROSS_BORDER", Weight: crossBorderRisk})
	}
	if c.highValue.IsPositive() && tx.IsHighValue(c.highValue) {
		if tx.IsHighValue(c.highValue.Mul(decimal.NewFromInt(5))) {
			factors = append(factors, RiskFactor{Factor: "HIGH_AMOUNT", Weight: veryHighValueRisk})
		} else {
			factors = append(factors, RiskFactor{Factor: "HIGH_AMOUNT", Weight: highValueRisk})
		}
	}
	if customer != nil {
		if customer.IsPEP {
			factors = append(factors, RiskFactor{Factor: "CUSTOMER_PEP", Weight: pepRisk})
		}
		if customer.RiskProfile.AtLeast(domain.RiskBandHigh) {
			factors = append(factors, RiskFactor{Factor: "CUSTOMER_RISK_PROFILE", Weight: customerProfileRisk})
		}
	}
	return factors
}

// Calculate computes the findings score, capped at 100
func (c *RiskCalculator) Calculate(tx *domain.Transaction, customer *domain.Customer, rules []domain.RuleMatch, patterns []domain.PatternMatch) int {
	return CalculateFromFactors(c.Factors(tx, customer, rules, patterns))
}

// CalculateFromFactors sums factor weights into 0-100
func CalculateFromFactors(factors []RiskFactor) int {
	totalScore := 0
	for _, f := range factors {
		totalScore += f.Weight
	}
	if totalScore > 100 {
		totalScore = 100
	}
	if totalScore < 0 {
		totalScore = 0
	}
	return totalScore
}

func (c *RiskCalculator) isHighRiskCountry(country string) bool {
	if country == "" {
		return false
	}
	return c.highRiskCountries[strings.ToUpper(country)]
}
