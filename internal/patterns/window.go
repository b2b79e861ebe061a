package patterns

import (
	"sort"
	"time"

	"github.com/banking/aml-agents/internal/domain"
)

// window is the bounded, timestamp-ordered history of one sender.
// It is only touched while the sender's stripe lock is held.
type window struct {
	entries   []*domain.Transaction
	ids       map[string]struct{}
	watermark time.Time
}

func newWindow() *window {
	return &window{ids: make(map[string]struct{})}
}

func (w *window) has(id string) bool {
	_, ok := w.ids[id]
	return ok
}

// insert places tx in timestamp order and evicts entries that fell out of span.
// It reports false when tx is already older than the eviction horizon.
func (w *window) insert(tx *domain.Transaction, span time.Duration, maxEntries int) bool {
	if tx.Timestamp.After(w.watermark) {
		w.watermark = tx.Timestamp
	}
	horizon := w.watermark.Add(-span)
	if tx.Timestamp.Before(horizon) {
		return false
	}

	// Equal timestamps keep arrival order
	i := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].Timestamp.After(tx.Timestamp)
	})
	w.entries = append(w.entries, nil)
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = tx
	w.ids[tx.ID] = struct{}{}

	w.evictBefore(horizon)
	for maxEntries > 0 && len(w.entries) > maxEntries {
		w.drop(1)
	}
	return true
}

func (w *window) evictBefore(horizon time.Time) {
	n := 0
	for n < len(w.entries) && w.entries[n].Timestamp.Before(horizon) {
		n++
	}
	w.drop(n)
}

func (w *window) drop(n int) {
	for _, e := range w.entries[:n] {
		delete(w.ids, e.ID)
	}
	w.entries = append(w.entries[:0], w.entries[n:]...)
}

// between returns entries with from <= ts <= to, oldest first
func (w *window) between(from, to time.Time) []*domain.Transaction {
	lo := sort.Search(len(w.entries), func(i int) bool {
		return !w.entries[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].Timestamp.After(to)
	})
	if lo >= hi {
		return nil
	}
	return w.entries[lo:hi]
}
