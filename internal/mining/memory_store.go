package mining

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryLedgerStore is an in-memory ledger store for demo/development mode.
type MemoryLedgerStore struct {
	ledgers map[string]*Ledger
	mu      sync.RWMutex
}

// NewMemoryLedgerStore creates a new in-memory ledger store.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{ledgers: make(map[string]*Ledger)}
}

func (m *MemoryLedgerStore) GetOrCreate(ctx context.Context, playerID string) (*Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ledger, ok := m.ledgers[playerID]; ok {
		return copyLedger(ledger), nil
	}
	now := time.Now()
	ledger := &Ledger{
		PlayerID:     playerID,
		Oil:          decimal.Zero,
		Minerals:     make(map[string]int64),
		DailyResetAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.ledgers[playerID] = ledger
	return copyLedger(ledger), nil
}

func (m *MemoryLedgerStore) Update(ctx context.Context, ledger *Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.ledgers[ledger.PlayerID]; ok && current.Version != ledger.Version {
		return ErrLedgerConflict
	}
	cp := copyLedger(ledger)
	cp.Version++
	m.ledgers[ledger.PlayerID] = cp
	ledger.Version = cp.Version
	return nil
}

func copyLedger(l *Ledger) *Ledger {
	cp := *l
	cp.Minerals = make(map[string]int64, len(l.Minerals))
	for k, v := range l.Minerals {
		cp.Minerals[k] = v
	}
	return &cp
}

// MemoryMachineStore is an in-memory machine store for demo/development mode.
type MemoryMachineStore struct {
	machines map[string]*Machine
	byPlayer map[string][]string
	mu       sync.RWMutex
}

// NewMemoryMachineStore creates a new in-memory machine store.
func NewMemoryMachineStore() *MemoryMachineStore {
	return &MemoryMachineStore{
		machines: make(map[string]*Machine),
		byPlayer: make(map[string][]string),
	}
}

func (m *MemoryMachineStore) Create(ctx context.Context, machine *Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machines[machine.ID] = copyMachine(machine)
	m.byPlayer[machine.PlayerID] = append(m.byPlayer[machine.PlayerID], machine.ID)
	return nil
}

func (m *MemoryMachineStore) Get(ctx context.Context, id string) (*Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[id]
	if !ok {
		return nil, ErrMachineNotFound
	}
	return copyMachine(machine), nil
}

func (m *MemoryMachineStore) ListByPlayer(ctx context.Context, playerID string) ([]*Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byPlayer[playerID]
	result := make([]*Machine, 0, len(ids))
	for _, id := range ids {
		if machine, ok := m.machines[id]; ok {
			result = append(result, copyMachine(machine))
		}
	}
	return result, nil
}

func (m *MemoryMachineStore) Update(ctx context.Context, machine *Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.machines[machine.ID]; !ok {
		return ErrMachineNotFound
	}
	m.machines[machine.ID] = copyMachine(machine)
	return nil
}

func copyMachine(m *Machine) *Machine {
	cp := *m
	if m.LastProcessedAt != nil {
		t := *m.LastProcessedAt
		cp.LastProcessedAt = &t
	}
	return &cp
}
