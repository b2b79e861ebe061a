package agents

import (
	"fmt"
	"sort"
	"strings"

	"github.com/banking/aml-agents/internal/domain"
)

var systemPrompts = map[domain.AgentRole]string{
	domain.RoleL1: `You are a Level 1 AML screening analyst. Look for basic red flags:
high-value transfers, transfers involving high-risk jurisdictions, politically exposed
customers, and the rule or pattern findings listed. Be conservative: score what you see,
do not speculate. Respond with JSON matching the provided schema only.`,

	domain.RoleL2: `You are a Level 2 AML investigator performing enhanced due diligence.
Analyse the transaction together with the related transactions and the Level 1 assessment.
Consider transaction patterns and relationships, customer behaviour, geographic risk,
stated purpose, and structuring or layering indicators. If regulatory or typology
background would change your conclusion and none is attached, set needs_context to true
and describe what you need in context_request. Respond with JSON matching the provided
schema only.`,

	domain.RoleRAG: `You are an AML regulatory specialist. Assess the transaction against the
retrieved regulations, typologies and country risk notes. Cite the ids of the passages
you rely on in citations. Respond with JSON matching the provided schema only.`,
}

func systemPrompt(role domain.AgentRole) string {
	if p, ok := systemPrompts[role]; ok {
		return p
	}
	return fmt.Sprintf("You are the %s AML screening specialist. Respond with JSON matching the provided schema only.", role)
}

// buildPrompt renders the request for the given role. L1 sees the transaction and
// the findings; later roles also see related activity, earlier assessments and any
// retrieved context.
func buildPrompt(role domain.AgentRole, req *domain.ScreeningRequest) string {
	var b strings.Builder
	writeTransaction(&b, req.Transaction)
	writeCustomer(&b, req.Customer)
	writeFindings(&b, req.RuleMatches, req.PatternMatches)

	if role != domain.RoleL1 {
		writeRelated(&b, req.RelatedTransactions)
		writePrior(&b, req.PriorAssessments)
		writeContext(&b, req.Context)
	}

	b.WriteString("\nProvide risk_score (0-100), risk_band, rationale, recommended_action and risk_factors.\n")
	return b.String()
}

func writeTransaction(b *strings.Builder, tx *domain.Transaction) {
	if tx == nil {
		return
	}
	b.WriteString("Transaction:\n")
	fmt.Fprintf(b, "  ID: %s\n", tx.ID)
	fmt.Fprintf(b, "  Time: %s\n", tx.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(b, "  Amount: %s %s\n", tx.Amount.StringFixed(2), tx.Currency)
	fmt.Fprintf(b, "  Sender: %s\n  Receiver: %s\n", tx.Sender, tx.Receiver)
	if tx.Channel != "" {
		fmt.Fprintf(b, "  Channel: %s\n", tx.Channel)
	}
	if tx.Country != "" {
		fmt.Fprintf(b, "  Country: %s\n", tx.Country)
	}
	for _, k := range sortedKeys(tx.Metadata) {
		fmt.Fprintf(b, "  %s: %s\n", k, tx.Metadata[k])
	}
}

func writeCustomer(b *strings.Builder, c *domain.Customer) {
	if c == nil {
		return
	}
	b.WriteString("Customer:\n")
	fmt.Fprintf(b, "  ID: %s\n", c.ID)
	if c.RiskProfile != "" {
		fmt.Fprintf(b, "  Risk profile: %s\n", c.RiskProfile)
	}
	if c.IsPEP {
		b.WriteString("  Politically exposed person: yes\n")
	}
	for _, k := range sortedKeys(c.KYCAttributes) {
		fmt.Fprintf(b, "  KYC %s: %s\n", k, c.KYCAttributes[k])
	}
}

func writeFindings(b *strings.Builder, rules []domain.RuleMatch, patterns []domain.PatternMatch) {
	if len(rules) == 0 && len(patterns) == 0 {
		b.WriteString("Findings: none\n")
		return
	}
	b.WriteString("Findings:\n")
	for _, m := range rules {
		fmt.Fprintf(b, "  Rule %s (%s, %s): %s\n", m.RuleID, m.RuleName, m.Severity, m.Explanation)
	}
	for _, p := range patterns {
		fmt.Fprintf(b, "  Pattern %s (confidence %.2f, %d transactions): %s\n",
			p.Typology, p.Confidence, len(p.Evidence), p.Description)
	}
}

func writeRelated(b *strings.Builder, related []domain.Transaction) {
	if len(related) == 0 {
		return
	}
	b.WriteString("Related transactions:\n")
	for i, tx := range related {
		fmt.Fprintf(b, "  TX %d: %s %s -> %s %s %s %s\n",
			i+1, tx.ID, tx.Sender, tx.Receiver, tx.Amount.StringFixed(2), tx.Currency, tx.Country)
	}
}

func writePrior(b *strings.Builder, prior []domain.RiskAssessment) {
	for _, a := range prior {
		fmt.Fprintf(b, "%s assessment: score %d, band %s. %s\n", a.Role, a.RiskScore, a.RiskBand, a.Rationale)
	}
}

func writeContext(b *strings.Builder, ctx *domain.ContextResult) {
	if ctx == nil {
		return
	}
	if len(ctx.Documents) == 0 {
		b.WriteString("Retrieved context: none available\n")
		return
	}
	b.WriteString("Retrieved context:\n")
	for _, d := range ctx.Documents {
		fmt.Fprintf(b, "  [%s] %s (%s, relevance %.2f)\n    %s\n", d.ID, d.Title, d.Category, d.Score, d.Text)
	}
}

// contextQueryFor derives a retrieval query from the transaction and findings
func contextQueryFor(req *domain.ScreeningRequest) string {
	var parts []string
	for _, p := range req.PatternMatches {
		parts = append(parts, strings.ToLower(string(p.Typology)))
	}
	for _, m := range req.RuleMatches {
		parts = append(parts, m.RuleName)
	}
	if tx := req.Transaction; tx != nil {
		if tx.Channel != "" {
			parts = append(parts, tx.Channel)
		}
		if tx.Country != "" {
			parts = append(parts, tx.Country)
		}
	}
	if len(parts) == 0 {
		return "money laundering red flags"
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
