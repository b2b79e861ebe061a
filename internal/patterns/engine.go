// Package patterns detects multi-transaction money laundering typologies over
// per-participant sliding windows.
package patterns

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/keylock"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

type settings struct {
	config.PatternsConfig
	structuringThreshold decimal.Decimal
	layeringTolerance    decimal.Decimal
}

// Engine keeps a bounded window per sender and a shared recent-transfer graph.
// Ingest calls for the same sender are serialized; different senders proceed in parallel.
type Engine struct {
	cfg settings

	windows sync.Map // sender -> *window
	locks   *keylock.Striped
	graph   *graph
	emitted *emittedSet

	log *logger.Logger
}

// NewEngine creates a pattern detection engine
func NewEngine(cfg *config.PatternsConfig, log *logger.Logger) *Engine {
	s := settings{
		PatternsConfig:       *cfg,
		structuringThreshold: decimal.NewFromFloat(cfg.StructuringThreshold),
		layeringTolerance:    decimal.NewFromFloat(cfg.LayeringTolerance),
	}
	if s.LayeringMaxDepth <= s.LayeringMinIntermediates {
		s.LayeringMaxDepth = s.LayeringMinIntermediates + 1
	}
	return &Engine{
		cfg:     s,
		locks:   keylock.New(256),
		graph:   newGraph(cfg.Window),
		emitted: newEmittedSet(cfg.Window),
		log:     log.Named("pattern_engine"),
	}
}

// Ingest adds tx to the sender's window and returns newly detected patterns.
// A transaction id already present, or one older than the retention horizon,
// produces no matches.
func (e *Engine) Ingest(ctx context.Context, tx *domain.Transaction) []domain.PatternMatch {
	if ctx.Err() != nil {
		return nil
	}

	var found []*domain.PatternMatch

	unlock := e.locks.Lock(tx.Sender)
	w := e.windowFor(tx.Sender)
	if w.has(tx.ID) || !w.insert(tx, e.cfg.Window, e.cfg.MaxEntriesPerParticipant) {
		unlock()
		return nil
	}
	if m := e.detectStructuring(w, tx); m != nil {
		found = append(found, m)
	}
	unlock()

	e.graph.add(tx)
	if m := e.detectLayering(tx); m != nil {
		found = append(found, m)
	}

	var out []domain.PatternMatch
	for _, m := range found {
		if !e.emitted.claim(m.Key(), m.WindowEnd) {
			continue
		}
		e.log.PatternDetected(tx.Sender, string(m.Typology), m.Confidence, len(m.Evidence))
		out = append(out, *m)
	}
	return out
}

func (e *Engine) windowFor(sender string) *window {
	if w, ok := e.windows.Load(sender); ok {
		return w.(*window)
	}
	w, _ := e.windows.LoadOrStore(sender, newWindow())
	return w.(*window)
}

// Related returns the most recent windowed transactions sharing tx's sender or receiver
func (e *Engine) Related(tx *domain.Transaction, limit int) []domain.Transaction {
	return e.graph.related(tx.Participants(), tx.ID, limit)
}

const (
	maxNetworkDepth    = 4
	maxNetworkAccounts = 500
)

// Network returns the accounts reachable from account within depth hops over
// windowed transfers, in either direction. depth is clamped to 1..4.
func (e *Engine) Network(account string, depth int) domain.AccountNetwork {
	if depth < 1 {
		depth = 1
	}
	if depth > maxNetworkDepth {
		depth = maxNetworkDepth
	}
	return e.graph.network(account, depth, maxNetworkAccounts)
}

// WindowSize returns the number of retained transactions for sender
func (e *Engine) WindowSize(sender string) int {
	unlock := e.locks.Lock(sender)
	defer unlock()
	if w, ok := e.windows.Load(sender); ok {
		return len(w.(*window).entries)
	}
	return 0
}

// Span returns the oldest and newest retained timestamps for sender
func (e *Engine) Span(sender string) (oldest, newest time.Time, ok bool) {
	unlock := e.locks.Lock(sender)
	defer unlock()
	v, found := e.windows.Load(sender)
	if !found || len(v.(*window).entries) == 0 {
		return time.Time{}, time.Time{}, false
	}
	entries := v.(*window).entries
	return entries[0].Timestamp, entries[len(entries)-1].Timestamp, true
}
