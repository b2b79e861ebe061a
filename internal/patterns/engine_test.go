package patterns

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func testConfig() *config.PatternsConfig {
	return &config.PatternsConfig{
		Window:                   720 * time.Hour,
		MaxEntriesPerParticipant: 1000,
		StructuringWindow:        24 * time.Hour,
		StructuringThreshold:     10000,
		StructuringMinTxCount:    4,
		LayeringWindow:           72 * time.Hour,
		LayeringMinIntermediates: 2,
		LayeringTolerance:        0.1,
		LayeringMaxDepth:         6,
	}
}

func transfer(id, from, to string, amount int64, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		Timestamp: at,
		Sender:    from,
		Receiver:  to,
		Amount:    decimal.NewFromInt(amount),
		Currency:  "USD",
	}
}

func ingestAll(e *Engine, txs ...*domain.Transaction) []domain.PatternMatch {
	var out []domain.PatternMatch
	for _, tx := range txs {
		out = append(out, e.Ingest(context.Background(), tx)...)
	}
	return out
}

func byTypology(matches []domain.PatternMatch, typ domain.Typology) []domain.PatternMatch {
	var out []domain.PatternMatch
	for _, m := range matches {
		if m.Typology == typ {
			out = append(out, m)
		}
	}
	return out
}

func TestStructuringFiveBelowThreshold(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())

	var txs []*domain.Transaction
	for i := 0; i < 5; i++ {
		txs = append(txs, transfer(fmt.Sprintf("tx-%d", i), "ACC-1", "ACC-2", 9000, t0.Add(time.Duration(i)*time.Hour)))
	}
	matches := ingestAll(e, txs...)

	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, domain.TypologyStructuring, m.Typology)
	assert.Equal(t, []string{"ACC-1"}, m.ParticipantIDs)
	assert.Equal(t, []string{"tx-0", "tx-1", "tx-2", "tx-3"}, m.Evidence)
	assert.Equal(t, t0, m.WindowStart)
	assert.GreaterOrEqual(t, m.Confidence, 0.0)
	assert.LessOrEqual(t, m.Confidence, 1.0)

	// A sixth identical transfer extends the same episode and is not re-reported
	sixth := ingestAll(e, transfer("tx-5", "ACC-1", "ACC-2", 9000, t0.Add(5*time.Hour)))
	assert.Empty(t, sixth)
}

func TestStructuringParameterized(t *testing.T) {
	for _, minCount := range []int{2, 3, 5} {
		for _, span := range []time.Duration{time.Hour, 24 * time.Hour, 7 * 24 * time.Hour} {
			t.Run(fmt.Sprintf("N=%d/W=%s", minCount, span), func(t *testing.T) {
				cfg := testConfig()
				cfg.StructuringMinTxCount = minCount
				cfg.StructuringWindow = span
				cfg.StructuringThreshold = 1000
				e := NewEngine(cfg, logger.NewNop())

				step := span / time.Duration(minCount+3)
				var fired []int
				for i := 0; i < minCount+2; i++ {
					got := e.Ingest(context.Background(), transfer(fmt.Sprintf("tx-%d", i), "S", "R", 900, t0.Add(time.Duration(i)*step)))
					if len(got) > 0 {
						fired = append(fired, i)
					}
				}
				// Sum exceeds T as soon as two 900s are present, so the count is what gates detection
				assert.Equal(t, []int{minCount - 1}, fired)
			})
		}
	}
}

func TestStructuringRequiresWindowDensity(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	for i := 0; i < 6; i++ {
		got := e.Ingest(context.Background(), transfer(fmt.Sprintf("tx-%d", i), "S", "R", 9000, t0.Add(time.Duration(i)*25*time.Hour)))
		assert.Empty(t, got)
	}
}

func TestStructuringRequiresSumAboveThreshold(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	var matches []domain.PatternMatch
	for i := 0; i < 5; i++ {
		matches = append(matches, e.Ingest(context.Background(), transfer(fmt.Sprintf("tx-%d", i), "S", "R", 2000, t0.Add(time.Duration(i)*time.Minute)))...)
	}
	assert.Empty(t, matches, "5 x 2000 equals the threshold without exceeding it")

	matches = e.Ingest(context.Background(), transfer("tx-5", "S", "R", 2000, t0.Add(10*time.Minute)))
	require.Len(t, matches, 1)
	assert.Len(t, matches[0].Evidence, 6)
}

func TestTransactionsAtOrAboveThresholdAreNotEvidence(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	matches := ingestAll(e,
		transfer("a", "S", "R", 9500, t0),
		transfer("b", "S", "R", 15000, t0.Add(time.Minute)),
		transfer("c", "S", "R", 9500, t0.Add(2*time.Minute)),
		transfer("d", "S", "R", 9500, t0.Add(3*time.Minute)),
	)
	assert.Empty(t, matches)

	matches = ingestAll(e, transfer("e", "S", "R", 9500, t0.Add(4*time.Minute)))
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"a", "c", "d", "e"}, matches[0].Evidence)
}

func TestReingestIsNoop(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	tx := transfer("dup", "S", "R", 100, t0)
	ingestAll(e, tx)
	assert.Nil(t, e.Ingest(context.Background(), tx))
	assert.Equal(t, 1, e.WindowSize("S"))
}

func TestLateArrivalsAreOrderedAndDetected(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	matches := ingestAll(e,
		transfer("t3", "S", "R", 9000, t0.Add(3*time.Hour)),
		transfer("t1", "S", "R", 9000, t0.Add(1*time.Hour)),
		transfer("t4", "S", "R", 9000, t0.Add(4*time.Hour)),
	)
	assert.Empty(t, matches)

	oldest, newest, ok := e.Span("S")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), oldest)
	assert.Equal(t, t0.Add(4*time.Hour), newest)

	// The late t2 completes a set of four inside one window
	matches = e.Ingest(context.Background(), transfer("t2", "S", "R", 9000, t0.Add(2*time.Hour)))
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, matches[0].Evidence)
}

func TestWindowEviction(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	ingestAll(e,
		transfer("old", "S", "R", 100, t0),
		transfer("new", "S", "R", 100, t0.Add(31*24*time.Hour)),
	)
	assert.Equal(t, 1, e.WindowSize("S"))

	// Older than the retention horizon: dropped
	assert.Nil(t, e.Ingest(context.Background(), transfer("ancient", "S", "R", 100, t0.Add(-time.Hour))))
	assert.Equal(t, 1, e.WindowSize("S"))
}

func TestWindowEntryCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEntriesPerParticipant = 3
	e := NewEngine(cfg, logger.NewNop())
	for i := 0; i < 10; i++ {
		e.Ingest(context.Background(), transfer(fmt.Sprintf("tx-%d", i), "S", "R", 20000, t0.Add(time.Duration(i)*time.Minute)))
	}
	assert.Equal(t, 3, e.WindowSize("S"))
	oldest, _, _ := e.Span("S")
	assert.Equal(t, t0.Add(7*time.Minute), oldest)
}

func TestLayeringChain(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	matches := ingestAll(e,
		transfer("h1", "A", "B", 10000, t0),
		transfer("h2", "B", "C", 9800, t0.Add(time.Hour)),
	)
	assert.Empty(t, byTypology(matches, domain.TypologyLayering))

	matches = ingestAll(e, transfer("h3", "C", "D", 9600, t0.Add(2*time.Hour)))
	layering := byTypology(matches, domain.TypologyLayering)
	require.Len(t, layering, 1)
	m := layering[0]
	assert.Equal(t, []string{"A", "B", "C", "D"}, m.ParticipantIDs)
	assert.Equal(t, []string{"h1", "h2", "h3"}, m.Evidence)
	assert.Equal(t, t0, m.WindowStart)
	assert.Equal(t, t0.Add(2*time.Hour), m.WindowEnd)
	assert.Contains(t, m.Description, "A -> B -> C -> D")
}

func TestLayeringParameterizedOnIntermediates(t *testing.T) {
	for _, k := range []int{1, 2, 3, 4} {
		t.Run(fmt.Sprintf("K=%d", k), func(t *testing.T) {
			cfg := testConfig()
			cfg.LayeringMinIntermediates = k
			e := NewEngine(cfg, logger.NewNop())

			accounts := []string{"A", "B", "C", "D", "E", "F"}
			amount := int64(50000)
			firstHop := -1
			for i := 0; i+1 < len(accounts); i++ {
				got := byTypology(e.Ingest(context.Background(),
					transfer(fmt.Sprintf("h%d", i), accounts[i], accounts[i+1], amount, t0.Add(time.Duration(i)*time.Hour))),
					domain.TypologyLayering)
				if len(got) > 0 && firstHop < 0 {
					firstHop = i
				}
				amount = amount * 98 / 100
			}
			// K intermediates need K+1 hops; hop index is zero-based
			assert.Equal(t, k, firstHop)
		})
	}
}

func TestLayeringRespectsFeeTolerance(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	matches := ingestAll(e,
		transfer("h1", "A", "B", 10000, t0),
		transfer("h2", "B", "C", 5000, t0.Add(time.Hour)),
		transfer("h3", "C", "D", 4900, t0.Add(2*time.Hour)),
	)
	assert.Empty(t, byTypology(matches, domain.TypologyLayering))

	// Amounts may not grow along the chain
	e = NewEngine(testConfig(), logger.NewNop())
	matches = ingestAll(e,
		transfer("h1", "A", "B", 10000, t0),
		transfer("h2", "B", "C", 10500, t0.Add(time.Hour)),
		transfer("h3", "C", "D", 10400, t0.Add(2*time.Hour)),
	)
	assert.Empty(t, byTypology(matches, domain.TypologyLayering))
}

func TestLayeringRespectsWindowAndOrder(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	matches := ingestAll(e,
		transfer("h1", "A", "B", 10000, t0),
		transfer("h2", "B", "C", 9900, t0.Add(48*time.Hour)),
		transfer("h3", "C", "D", 9800, t0.Add(80*time.Hour)),
	)
	assert.Empty(t, byTypology(matches, domain.TypologyLayering), "chain spans more than the layering window")

	e = NewEngine(testConfig(), logger.NewNop())
	matches = ingestAll(e,
		transfer("h2", "B", "C", 9900, t0),
		transfer("h1", "A", "B", 10000, t0.Add(time.Hour)),
		transfer("h3", "C", "D", 9800, t0.Add(2*time.Hour)),
	)
	assert.Empty(t, byTypology(matches, domain.TypologyLayering), "funds cannot leave B before they arrive")
}

func TestLayeringDetectsLateMiddleHop(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	matches := ingestAll(e,
		transfer("h1", "A", "B", 10000, t0),
		transfer("h3", "C", "D", 9600, t0.Add(2*time.Hour)),
		transfer("h2", "B", "C", 9800, t0.Add(time.Hour)),
	)
	layering := byTypology(matches, domain.TypologyLayering)
	require.Len(t, layering, 1)
	assert.Equal(t, []string{"h1", "h2", "h3"}, layering[0].Evidence)
}

func TestLayeringCycleIsNotAChain(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	matches := ingestAll(e,
		transfer("h1", "A", "B", 10000, t0),
		transfer("h2", "B", "A", 9900, t0.Add(time.Hour)),
		transfer("h3", "A", "B", 9800, t0.Add(2*time.Hour)),
	)
	assert.Empty(t, byTypology(matches, domain.TypologyLayering))
}

func TestRelatedTransactions(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	ingestAll(e,
		transfer("a", "X", "Y", 100, t0),
		transfer("b", "Y", "Z", 100, t0.Add(time.Minute)),
		transfer("c", "Q", "X", 100, t0.Add(2*time.Minute)),
		transfer("d", "Q", "W", 100, t0.Add(3*time.Minute)),
	)
	current := transfer("e", "X", "Y", 100, t0.Add(4*time.Minute))
	ingestAll(e, current)

	related := e.Related(current, 5)
	ids := make([]string, len(related))
	for i, r := range related {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	assert.Len(t, e.Related(current, 2), 2)
}

func TestNetworkWalksBothDirections(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	ingestAll(e,
		transfer("a", "X", "Y", 100, t0),
		transfer("b", "Y", "Z", 100, t0.Add(time.Minute)),
		transfer("c", "Q", "X", 100, t0.Add(2*time.Minute)),
		transfer("d", "Q", "W", 100, t0.Add(3*time.Minute)),
		transfer("e", "X", "Y", 50, t0.Add(4*time.Minute)),
		transfer("f", "Z", "V", 100, t0.Add(5*time.Minute)),
	)

	one := e.Network("X", 0)
	assert.Equal(t, 1, one.Depth)
	assert.Equal(t, []string{"Q", "X", "Y"}, one.Accounts)
	require.Len(t, one.Edges, 2)
	assert.Equal(t, "Q", one.Edges[0].From)
	xy := one.Edges[1]
	assert.Equal(t, "X", xy.From)
	assert.Equal(t, "Y", xy.To)
	assert.Equal(t, 2, xy.Transfers)
	assert.Equal(t, "150", xy.TotalAmount.String())
	assert.Equal(t, t0, xy.FirstSeen)
	assert.Equal(t, t0.Add(4*time.Minute), xy.LastSeen)

	two := e.Network("X", 2)
	assert.Equal(t, []string{"Q", "W", "X", "Y", "Z"}, two.Accounts)
	assert.Len(t, two.Edges, 4)
	assert.False(t, two.Truncated)

	assert.Equal(t, 4, e.Network("X", 10).Depth)

	unknown := e.Network("nobody", 2)
	assert.Equal(t, []string{"nobody"}, unknown.Accounts)
	assert.Empty(t, unknown.Edges)
}

func TestNetworkIsBounded(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	ingestAll(e,
		transfer("a", "X", "Y", 100, t0),
		transfer("c", "Q", "X", 100, t0.Add(time.Minute)),
	)
	n := e.graph.network("X", 2, 2)
	assert.True(t, n.Truncated)
	assert.Equal(t, []string{"X", "Y"}, n.Accounts)
	require.Len(t, n.Edges, 1)
	assert.Equal(t, "Y", n.Edges[0].To)
}

func TestConcurrentIngestAcrossSenders(t *testing.T) {
	e := NewEngine(testConfig(), logger.NewNop())
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			sender := fmt.Sprintf("S%d", s)
			for i := 0; i < 5; i++ {
				got := e.Ingest(context.Background(), transfer(fmt.Sprintf("%s-%d", sender, i), sender, "SINK", 9000, t0.Add(time.Duration(i)*time.Minute)))
				mu.Lock()
				total += len(byTypology(got, domain.TypologyStructuring))
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 8, total)
	assert.Equal(t, 8, e.emitted.size())
}
