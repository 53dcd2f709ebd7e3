package exchange

import (
	"context"
	"sort"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory exchange store for demo/development mode.
type MemoryStore struct {
	requests  map[string]*Request
	order     []string
	fallbacks map[string]*Fallback
	fbOrder   []string
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory exchange store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*Request),
		fallbacks: make(map[string]*Fallback),
	}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = copyRequest(req)
	m.order = append(m.order, req.ID)
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(req), nil
}

func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Request
	for _, id := range m.order {
		req, ok := m.requests[id]
		if !ok || req.Status != StatusPending {
			continue
		}
		result = append(result, copyRequest(req))
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByPlayer(ctx context.Context, playerID string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Request
	for _, id := range m.order {
		if req, ok := m.requests[id]; ok && req.PlayerID == playerID {
			result = append(result, copyRequest(req))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateRequest(ctx context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; !ok {
		return ErrRequestNotFound
	}
	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *MemoryStore) CreateFallback(ctx context.Context, fb *Fallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks[fb.ID] = copyFallback(fb)
	m.fbOrder = append(m.fbOrder, fb.ID)
	return nil
}

func (m *MemoryStore) ListFallbacks(ctx context.Context, status FallbackStatus, limit int) ([]*Fallback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Fallback
	for _, id := range m.fbOrder {
		fb, ok := m.fallbacks[id]
		if !ok || fb.Status != status {
			continue
		}
		result = append(result, copyFallback(fb))
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) UpdateFallback(ctx context.Context, fb *Fallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fallbacks[fb.ID]; !ok {
		return ErrRequestNotFound
	}
	m.fallbacks[fb.ID] = copyFallback(fb)
	return nil
}

func (m *MemoryStore) GetFallback(ctx context.Context, id string) (*Fallback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fb, ok := m.fallbacks[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyFallback(fb), nil
}

func copyRequest(r *Request) *Request {
	cp := *r
	return &cp
}

func copyFallback(f *Fallback) *Fallback {
	cp := *f
	return &cp
}
