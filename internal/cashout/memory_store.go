package cashout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory cashout store for demo/development mode.
type MemoryStore struct {
	rounds    map[string]*Round
	requests  map[string]*Request
	byRound   map[string][]string
	byPlayer  map[string][]string
	payouts   map[string]*Payout // key roundID + "/" + playerID
	purchases map[string]*Purchase
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory cashout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:    make(map[string]*Round),
		requests:  make(map[string]*Request),
		byRound:   make(map[string][]string),
		byPlayer:  make(map[string][]string),
		payouts:   make(map[string]*Payout),
		purchases: make(map[string]*Purchase),
	}
}

func (m *MemoryStore) CreateRound(ctx context.Context, round *Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds[round.ID] = copyRound(round)
	return nil
}

func (m *MemoryStore) GetRound(ctx context.Context, id string) (*Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	round, ok := m.rounds[id]
	if !ok {
		return nil, ErrRoundNotFound
	}
	return copyRound(round), nil
}

func (m *MemoryStore) GetOpenRound(ctx context.Context, periodKey string) (*Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, round := range m.rounds {
		if round.PeriodKey == periodKey && round.Status == RoundOpen {
			return copyRound(round), nil
		}
	}
	return nil, ErrRoundNotFound
}

func (m *MemoryStore) UpdateRound(ctx context.Context, round *Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rounds[round.ID]; !ok {
		return ErrRoundNotFound
	}
	m.rounds[round.ID] = copyRound(round)
	return nil
}

func (m *MemoryStore) CreateRequest(ctx context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = copyRequest(req)
	m.byRound[req.RoundID] = append(m.byRound[req.RoundID], req.ID)
	m.byPlayer[req.PlayerID] = append(m.byPlayer[req.PlayerID], req.ID)
	return nil
}

func (m *MemoryStore) ListRequests(ctx context.Context, roundID string, statuses ...RequestStatus) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Request
	for _, id := range m.byRound[roundID] {
		req, ok := m.requests[id]
		if !ok || !statusMatches(req.Status, statuses) {
			continue
		}
		result = append(result, copyRequest(req))
	}
	return result, nil
}

func (m *MemoryStore) ListRequestsByPlayer(ctx context.Context, playerID string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byPlayer[playerID]
	var result []*Request
	for _, id := range ids {
		if req, ok := m.requests[id]; ok {
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

func (m *MemoryStore) UpsertPayout(ctx context.Context, payout *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := payout.RoundID + "/" + payout.PlayerID
	if existing, ok := m.payouts[key]; ok {
		cp := copyPayout(payout)
		cp.CreatedAt = existing.CreatedAt
		m.payouts[key] = cp
		return nil
	}
	m.payouts[key] = copyPayout(payout)
	return nil
}

func (m *MemoryStore) ListPayouts(ctx context.Context, roundID string) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Payout
	// Preserve request creation order so the remainder rule is stable
	// across Close and Recalculate.
	seen := make(map[string]bool)
	for _, id := range m.byRound[roundID] {
		req, ok := m.requests[id]
		if !ok || seen[req.PlayerID] {
			continue
		}
		seen[req.PlayerID] = true
		if payout, ok := m.payouts[roundID+"/"+req.PlayerID]; ok {
			result = append(result, copyPayout(payout))
		}
	}
	return result, nil
}

func (m *MemoryStore) GetPayout(ctx context.Context, roundID, playerID string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payout, ok := m.payouts[roundID+"/"+playerID]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	return copyPayout(payout), nil
}

func (m *MemoryStore) RecordPurchase(ctx context.Context, purchase *Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.purchases[purchase.Reference]; ok {
		return ErrDuplicatePurchase
	}
	cp := *purchase
	m.purchases[purchase.Reference] = &cp
	return nil
}

func (m *MemoryStore) HasPurchase(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.purchases[reference]
	return ok, nil
}

func (m *MemoryStore) SumPurchases(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := decimal.Zero
	for _, p := range m.purchases {
		if !p.PaidAt.Before(from) && p.PaidAt.Before(to) {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func statusMatches(status RequestStatus, statuses []RequestStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func copyRound(r *Round) *Round {
	cp := *r
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func copyRequest(r *Request) *Request {
	cp := *r
	return &cp
}

func copyPayout(p *Payout) *Payout {
	cp := *p
	return &cp
}
