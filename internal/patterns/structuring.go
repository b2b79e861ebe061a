package patterns

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/banking/aml-agents/internal/domain"
)

// detectStructuring looks for N_min or more sub-threshold transactions of one sender
// inside a structuring window whose total exceeds the threshold. Windows ending at tx
// and at every later entry within reach of tx are considered, so late arrivals are covered.
func (e *Engine) detectStructuring(w *window, tx *domain.Transaction) *domain.PatternMatch {
	threshold := e.cfg.structuringThreshold
	if !tx.Amount.LessThan(threshold) {
		return nil
	}

	span := e.cfg.StructuringWindow
	ends := w.between(tx.Timestamp, tx.Timestamp.Add(span))
	for _, end := range ends {
		candidates := w.between(end.Timestamp.Add(-span), end.Timestamp)

		var (
			evidence []*domain.Transaction
			sum      = decimal.Zero
		)
		for _, c := range candidates {
			if c.Amount.LessThan(threshold) {
				evidence = append(evidence, c)
				sum = sum.Add(c.Amount)
			}
		}
		if len(evidence) < e.cfg.StructuringMinTxCount || !sum.GreaterThan(threshold) {
			continue
		}
		if !containsTx(evidence, tx.ID) {
			continue
		}

		return &domain.PatternMatch{
			Typology:       domain.TypologyStructuring,
			WindowStart:    evidence[0].Timestamp,
			WindowEnd:      evidence[len(evidence)-1].Timestamp,
			ParticipantIDs: []string{tx.Sender},
			Confidence:     structuringConfidence(len(evidence), e.cfg.StructuringMinTxCount, sum, threshold),
			Evidence:       txIDs(evidence),
			Description: fmt.Sprintf("%d transactions below %s totalling %s within %s",
				len(evidence), threshold.StringFixed(2), sum.StringFixed(2), span),
			DetectedAt: time.Now().UTC(),
		}
	}
	return nil
}

// structuringConfidence grows with the count above the minimum and with how
// tightly the total sits above the threshold.
func structuringConfidence(count, minCount int, sum, threshold decimal.Decimal) float64 {
	countFactor := 0.0
	if minCount > 0 {
		countFactor = min(1.0, float64(count-minCount)/float64(minCount))
	}
	proximity := 0.0
	if sum.IsPositive() {
		proximity, _ = threshold.Div(sum).Float64()
	}
	return clamp01(0.5 + 0.25*countFactor + 0.25*proximity)
}

func containsTx(txs []*domain.Transaction, id string) bool {
	for _, t := range txs {
		if t.ID == id {
			return true
		}
	}
	return false
}

func txIDs(txs []*domain.Transaction) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.ID
	}
	return out
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
