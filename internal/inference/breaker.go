package inference

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

// BreakerProvider trips after consecutive failures so a dead model runtime
// fails fast instead of holding every screening for the full call timeout.
type BreakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerProvider wraps next with a circuit breaker configured from cfg
func NewBreakerProvider(next Provider, name string, cfg *config.AgentsConfig, log *logger.Logger) *BreakerProvider {
	return &BreakerProvider{next: next, cb: newBreaker(name, cfg, log)}
}

func (b *BreakerProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Response), nil
}

// State reports the breaker state (closed, half-open, open)
func (b *BreakerProvider) State() string {
	return b.cb.State().String()
}

// embedder matches retrieval.Embedder without importing it
type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BreakerEmbedder is the embedding counterpart of BreakerProvider
type BreakerEmbedder struct {
	next embedder
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerEmbedder(next embedder, name string, cfg *config.AgentsConfig, log *logger.Logger) *BreakerEmbedder {
	return &BreakerEmbedder{next: next, cb: newBreaker(name, cfg, log)}
}

func (b *BreakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return res.([]float32), nil
}

// IsOpen reports whether err came from a breaker refusing the call
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func newBreaker(name string, cfg *config.AgentsConfig, log *logger.Logger) *gobreaker.CircuitBreaker {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	log = log.Named("breaker")
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.StringField("breaker", name),
				logger.StringField("from", from.String()),
				logger.StringField("to", to.String()),
			)
		},
	})
}
