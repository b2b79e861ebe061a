// Package alerts owns the alert and case lifecycles.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/banking/aml-agents/internal/domain"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// AlertRepository persists alerts. Implementations return copies; callers own what they get.
type AlertRepository interface {
	SaveAlert(ctx context.Context, a *domain.Alert) error
	GetAlert(ctx context.Context, id string) (*domain.Alert, error)
	ListAlerts(ctx context.Context, f domain.AlertFilter) ([]*domain.Alert, error)
}

// CaseRepository persists cases
type CaseRepository interface {
	SaveCase(ctx context.Context, c *domain.Case) error
	GetCase(ctx context.Context, id string) (*domain.Case, error)
	ListCases(ctx context.Context, f domain.CaseFilter) ([]*domain.Case, error)
}

// Notifier is told about every alert change. Failures are logged, never returned to callers.
type Notifier interface {
	Notify(ctx context.Context, event domain.AlertEvent) error
}

// Archiver stores closed cases for retention
type Archiver interface {
	Archive(ctx context.Context, c *domain.Case, alerts []*domain.Alert) error
}

// PageBounds clamps a limit/offset pair to the listing defaults
func PageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// MemoryStore is an in-process AlertRepository and CaseRepository
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*domain.Alert
	cases  map[string]*domain.Case
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*domain.Alert),
		cases:  make(map[string]*domain.Case),
	}
}

func (s *MemoryStore) SaveAlert(_ context.Context, a *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	return a.Clone(), nil
}

// ListAlerts returns matches newest first
func (s *MemoryStore) ListAlerts(_ context.Context, f domain.AlertFilter) ([]*domain.Alert, error) {
	s.mu.RLock()
	var out []*domain.Alert
	for _, a := range s.alerts {
		if f.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	limit, offset := PageBounds(f.Limit, f.Offset)
	return page(out, limit, offset), nil
}

func (s *MemoryStore) SaveCase(_ context.Context, c *domain.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetCase(_ context.Context, id string) (*domain.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, domain.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListCases(_ context.Context, f domain.CaseFilter) ([]*domain.Case, error) {
	s.mu.RLock()
	var out []*domain.Case
	for _, c := range s.cases {
		if f.Status == "" || c.Status == f.Status {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	limit, offset := PageBounds(f.Limit, f.Offset)
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
