package audit

import (
	"context"
	"sync"

	"drillcore/internal/pagination"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory audit store for demo/development mode.
type MemoryStore struct {
	entries []*Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, copyEntry(entry))
	return nil
}

func (m *MemoryStore) List(ctx context.Context, kind, playerID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if kind != "" && e.Kind != kind {
			continue
		}
		if playerID != "" && e.PlayerID != playerID {
			continue
		}
		if before != nil && !olderThan(e, before) {
			continue
		}
		result = append(result, copyEntry(e))
	}
	return result, nil
}

func olderThan(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	if e.Detail != nil {
		cp.Detail = make(map[string]interface{}, len(e.Detail))
		for k, v := range e.Detail {
			cp.Detail[k] = v
		}
	}
	return &cp
}
