package patterns

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/banking/aml-agents/internal/domain"
)

// maxPathsPerDirection bounds the DFS fan-out on dense accounts
const maxPathsPerDirection = 256

// chain is an ordered sequence of hops; hop i+1 is sent by the receiver of hop i.
type chain []*domain.Transaction

func (c chain) accounts() []string {
	out := make([]string, 0, len(c)+1)
	out = append(out, c[0].Sender)
	for _, h := range c {
		out = append(out, h.Receiver)
	}
	return out
}

func (c chain) span() time.Duration {
	return c[len(c)-1].Timestamp.Sub(c[0].Timestamp)
}

// feeStep reports whether next could be prev forwarded after a fee of at most tolerance
func feeStep(prev, next decimal.Decimal, tolerance decimal.Decimal) bool {
	if next.GreaterThan(prev) {
		return false
	}
	floor := prev.Mul(decimal.NewFromInt(1).Sub(tolerance))
	return next.GreaterThanOrEqual(floor)
}

// detectLayering searches chains passing through tx: backward paths ending at tx are
// joined with forward paths starting at tx. The longest valid chain with at least
// K distinct intermediates wins; ties go to the earliest start.
func (e *Engine) detectLayering(tx *domain.Transaction) *domain.PatternMatch {
	if !tx.Amount.IsPositive() || tx.Sender == tx.Receiver {
		return nil
	}

	e.graph.mu.RLock()
	backward := e.walk(tx, true)
	forward := e.walk(tx, false)
	e.graph.mu.RUnlock()

	var best chain
	for _, b := range backward {
		for _, f := range forward {
			c := make(chain, 0, len(b)+len(f)-1)
			c = append(c, b...)
			c = append(c, f[1:]...)
			if !e.validChain(c) {
				continue
			}
			if best == nil || betterChain(c, best) {
				best = c
			}
		}
	}
	if best == nil {
		return nil
	}

	accounts := best.accounts()
	participants := append([]string(nil), accounts...)
	sort.Strings(participants)

	return &domain.PatternMatch{
		Typology:       domain.TypologyLayering,
		WindowStart:    best[0].Timestamp,
		WindowEnd:      best[len(best)-1].Timestamp,
		ParticipantIDs: participants,
		Confidence:     e.layeringConfidence(best),
		Evidence:       txIDs(best),
		Description: fmt.Sprintf("funds moved %s through %d intermediaries within %s",
			strings.Join(accounts, " -> "), len(best)-1, best.span()),
		DetectedAt: time.Now().UTC(),
	}
}

// walk enumerates fee-consistent paths through tx in one direction, tx included.
// Backward paths are returned oldest hop first. Caller holds the graph read lock.
func (e *Engine) walk(tx *domain.Transaction, backward bool) []chain {
	var paths []chain
	visited := map[string]bool{tx.Sender: true, tx.Receiver: true}
	path := chain{tx}
	maxHops := e.cfg.LayeringMaxDepth

	var dfs func()
	dfs = func() {
		if len(paths) >= maxPathsPerDirection {
			return
		}
		snapshot := append(chain(nil), path...)
		if backward {
			// stored newest first while walking backwards
			for i, j := 0, len(snapshot)-1; i < j; i, j = i+1, j-1 {
				snapshot[i], snapshot[j] = snapshot[j], snapshot[i]
			}
		}
		paths = append(paths, snapshot)
		if len(path) >= maxHops {
			return
		}

		edge := path[len(path)-1]
		var candidates []*domain.Transaction
		if backward {
			candidates = e.graph.incoming[edge.Sender]
		} else {
			candidates = e.graph.outgoing[edge.Receiver]
		}
		for _, c := range candidates {
			var next string
			if backward {
				if c.Timestamp.After(edge.Timestamp) || !feeStep(c.Amount, edge.Amount, e.cfg.layeringTolerance) {
					continue
				}
				next = c.Sender
			} else {
				if c.Timestamp.Before(edge.Timestamp) || !feeStep(edge.Amount, c.Amount, e.cfg.layeringTolerance) {
					continue
				}
				next = c.Receiver
			}
			if visited[next] || c.ID == edge.ID {
				continue
			}
			visited[next] = true
			path = append(path, c)
			dfs()
			path = path[:len(path)-1]
			visited[next] = false
		}
	}
	dfs()
	return paths
}

func (e *Engine) validChain(c chain) bool {
	if len(c)-1 < e.cfg.LayeringMinIntermediates || len(c) > e.cfg.LayeringMaxDepth {
		return false
	}
	if c.span() > e.cfg.LayeringWindow {
		return false
	}
	seen := make(map[string]bool, len(c)+1)
	for _, a := range c.accounts() {
		if seen[a] {
			return false
		}
		seen[a] = true
	}
	return true
}

func betterChain(a, b chain) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	if !a[0].Timestamp.Equal(b[0].Timestamp) {
		return a[0].Timestamp.Before(b[0].Timestamp)
	}
	return strings.Join(txIDs(a), ",") < strings.Join(txIDs(b), ",")
}

// layeringConfidence rewards longer chains and smaller per-hop deductions
func (e *Engine) layeringConfidence(c chain) float64 {
	extra := float64(len(c) - 1 - e.cfg.LayeringMinIntermediates)
	tightness := 1.0
	if tol, _ := e.cfg.layeringTolerance.Float64(); tol > 0 {
		total := 0.0
		for i := 1; i < len(c); i++ {
			prev, _ := c[i-1].Amount.Float64()
			next, _ := c[i].Amount.Float64()
			if prev > 0 {
				total += (prev - next) / prev
			}
		}
		avg := total / float64(len(c)-1)
		tightness = 1 - avg/tol
	}
	return clamp01(0.6 + 0.1*extra + 0.2*tightness)
}
