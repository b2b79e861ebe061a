package patterns

import (
	"sort"
	"sync"
	"time"

	"github.com/banking/aml-agents/internal/domain"
)

// graph indexes recent transfers by account in both directions for chain search.
// It has its own lock, separate from the per-sender windows.
type graph struct {
	mu        sync.RWMutex
	incoming  map[string][]*domain.Transaction // receiver -> transfers, oldest first
	outgoing  map[string][]*domain.Transaction // sender -> transfers, oldest first
	watermark time.Time
	span      time.Duration
	inserts   int
}

func newGraph(span time.Duration) *graph {
	return &graph{
		incoming: make(map[string][]*domain.Transaction),
		outgoing: make(map[string][]*domain.Transaction),
		span:     span,
	}
}

func (g *graph) add(tx *domain.Transaction) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tx.Timestamp.After(g.watermark) {
		g.watermark = tx.Timestamp
	}
	horizon := g.watermark.Add(-g.span)
	g.incoming[tx.Receiver] = insertSorted(evict(g.incoming[tx.Receiver], horizon), tx)
	g.outgoing[tx.Sender] = insertSorted(evict(g.outgoing[tx.Sender], horizon), tx)

	g.inserts++
	if g.inserts%1024 == 0 {
		g.sweep(horizon)
	}
}

// sweep drops accounts whose transfers all fell out of the window
func (g *graph) sweep(horizon time.Time) {
	for _, m := range []map[string][]*domain.Transaction{g.incoming, g.outgoing} {
		for k, list := range m {
			if list = evict(list, horizon); len(list) == 0 {
				delete(m, k)
			} else {
				m[k] = list
			}
		}
	}
}

func insertSorted(list []*domain.Transaction, tx *domain.Transaction) []*domain.Transaction {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(tx.Timestamp)
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = tx
	return list
}

func evict(list []*domain.Transaction, horizon time.Time) []*domain.Transaction {
	n := 0
	for n < len(list) && list[n].Timestamp.Before(horizon) {
		n++
	}
	if n == 0 {
		return list
	}
	return append(list[:0:0], list[n:]...)
}

// related returns up to limit recent transfers touching any of accounts, newest first, excluding skipID
func (g *graph) related(accounts []string, skipID string, limit int) []domain.Transaction {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]struct{}{skipID: {}}
	var out []*domain.Transaction
	for _, acc := range accounts {
		for _, list := range [][]*domain.Transaction{g.incoming[acc], g.outgoing[acc]} {
			for _, t := range list {
				if _, dup := seen[t.ID]; dup {
					continue
				}
				seen[t.ID] = struct{}{}
				out = append(out, t)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	res := make([]domain.Transaction, len(out))
	for i, t := range out {
		res[i] = *t
	}
	return res
}

// network walks transfers in both directions from account, up to depth hops,
// visiting at most maxAccounts accounts.
func (g *graph) network(account string, depth, maxAccounts int) domain.AccountNetwork {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := domain.AccountNetwork{Account: account, Depth: depth}
	visited := map[string]int{account: 0}
	queue := []string{account}
	seenTx := make(map[string]struct{})
	edges := make(map[[2]string]*domain.NetworkEdge)

	for len(queue) > 0 {
		acc := queue[0]
		queue = queue[1:]
		d := visited[acc]
		if d >= depth {
			continue
		}
		for _, list := range [][]*domain.Transaction{g.outgoing[acc], g.incoming[acc]} {
			for _, t := range list {
				if _, dup := seenTx[t.ID]; dup {
					continue
				}
				next := t.Receiver
				if next == acc {
					next = t.Sender
				}
				if _, ok := visited[next]; !ok {
					if len(visited) >= maxAccounts {
						out.Truncated = true
						continue
					}
					visited[next] = d + 1
					queue = append(queue, next)
				}
				seenTx[t.ID] = struct{}{}
				addEdge(edges, t)
			}
		}
	}

	out.Accounts = make([]string, 0, len(visited))
	for acc := range visited {
		out.Accounts = append(out.Accounts, acc)
	}
	sort.Strings(out.Accounts)

	out.Edges = make([]domain.NetworkEdge, 0, len(edges))
	for _, e := range edges {
		out.Edges = append(out.Edges, *e)
	}
	sort.Slice(out.Edges, func(i, j int) bool {
		if out.Edges[i].From != out.Edges[j].From {
			return out.Edges[i].From < out.Edges[j].From
		}
		return out.Edges[i].To < out.Edges[j].To
	})
	return out
}

func addEdge(edges map[[2]string]*domain.NetworkEdge, t *domain.Transaction) {
	key := [2]string{t.Sender, t.Receiver}
	e, ok := edges[key]
	if !ok {
		edges[key] = &domain.NetworkEdge{
			From:        t.Sender,
			To:          t.Receiver,
			Transfers:   1,
			TotalAmount: t.Amount,
			FirstSeen:   t.Timestamp,
			LastSeen:    t.Timestamp,
		}
		return
	}
	e.Transfers++
	e.TotalAmount = e.TotalAmount.Add(t.Amount)
	if t.Timestamp.Before(e.FirstSeen) {
		e.FirstSeen = t.Timestamp
	}
	if t.Timestamp.After(e.LastSeen) {
		e.LastSeen = t.Timestamp
	}
}
