package alerts

import (
	"context"
	"sync"
)

// TriggerIndex maps trigger keys to the alert that owns them. It is the
// idempotency record for alert creation and may be shared between replicas.
type TriggerIndex interface {
	// Claim assigns every key to alertID unless some key already has an owner,
	// in which case nothing is written and that owner is returned.
	Claim(ctx context.Context, alertID string, keys []string) (owner string, err error)
	// Add assigns keys to an existing alert; keys owned elsewhere are left alone.
	Add(ctx context.Context, alertID string, keys []string) error
	// Release drops keys still owned by alertID
	Release(ctx context.Context, alertID string, keys []string) error
}

// MemoryTriggerIndex is a process-local TriggerIndex
type MemoryTriggerIndex struct {
	mu    sync.Mutex
	owner map[string]string
}

func NewMemoryTriggerIndex() *MemoryTriggerIndex {
	return &MemoryTriggerIndex{owner: make(map[string]string)}
}

func (m *MemoryTriggerIndex) Claim(_ context.Context, alertID string, keys []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if id, ok := m.owner[k]; ok {
			return id, nil
		}
	}
	for _, k := range keys {
		m.owner[k] = alertID
	}
	return alertID, nil
}

func (m *MemoryTriggerIndex) Add(_ context.Context, alertID string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if _, ok := m.owner[k]; !ok {
			m.owner[k] = alertID
		}
	}
	return nil
}

func (m *MemoryTriggerIndex) Release(_ context.Context, alertID string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if m.owner[k] == alertID {
			delete(m.owner, k)
		}
	}
	return nil
}
