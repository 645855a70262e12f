package outbox

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory outbox for demo/development mode and tests.
type MemoryStore struct {
	events []*Event
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory outbox store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append records an event. Memory mode has no cross-store transactions;
// callers append after their own mutation succeeds.
func (m *MemoryStore) Append(e *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
}

func (m *MemoryStore) ListUnpublished(ctx context.Context, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, e := range m.events {
		if e.PublishedAt == nil {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkPublished(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.events {
		if e.ID == id {
			now := time.Now()
			e.PublishedAt = &now
			return nil
		}
	}
	return nil
}

// All returns every recorded event, for tests.
func (m *MemoryStore) All() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Event, 0, len(m.events))
	for _, e := range m.events {
		cp := *e
		result = append(result, &cp)
	}
	return result
}
