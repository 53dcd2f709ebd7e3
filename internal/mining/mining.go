// Package mining implements the accrual engine for player machines.
//
// Flow:
//  1. Player buys a machine and refuels it with oil
//  2. Active machines burn fuel over elapsed time, producing actions
//  3. Each action rolls the mineral drop table and the diamond drop
//  4. Diamond drops past the daily cap convert to oil (or are discarded)
//
// Every read of a player's state runs the accrual first, so ledgers and
// machines are always "as of now" before anything else sees them.
package mining

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"drillcore/internal/gamecfg"
)

var (
	ErrMachineNotFound    = errors.New("machine not found")
	ErrNotMachineOwner    = errors.New("machine belongs to another player")
	ErrInsufficientOil    = errors.New("insufficient oil balance")
	ErrInsufficientTokens = errors.New("insufficient diamond balance")
	ErrMaxLevel           = errors.New("machine is already at max level")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrLedgerConflict     = errors.New("ledger modified concurrently")
)

// Ledger is a player's resource balances. Created lazily on first access,
// never destroyed. All balances are non-negative. Version is the
// optimistic write guard; it counts successful updates and never goes
// over the wire.
type Ledger struct {
	PlayerID         string           `json:"playerId"`
	Oil              decimal.Decimal  `json:"oil"`
	Diamonds         int64            `json:"diamonds"`
	Minerals         map[string]int64 `json:"minerals"`
	DailyDiamonds    int              `json:"dailyDiamonds"`
	DailyResetAt     time.Time        `json:"dailyResetAt"`
	AutoExchange     bool             `json:"autoExchange"`
	Version          int64            `json:"-"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Machine is one player-owned production unit.
type Machine struct {
	ID              string              `json:"id"`
	PlayerID        string              `json:"playerId"`
	Type            gamecfg.MachineType `json:"type"`
	Level           int                 `json:"level"`
	FuelLevel       float64             `json:"fuelLevel"`
	IsActive        bool                `json:"isActive"`
	LastProcessedAt *time.Time          `json:"lastProcessedAt,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// LedgerStore persists player ledgers. Update only lands if the row still
// carries the Version the ledger was read at, returning ErrLedgerConflict
// when another writer got there first; the service re-reads and retries.
// The service's per-player sharded mutex serializes writers inside one
// process, the version guard covers concurrent instances.
type LedgerStore interface {
	GetOrCreate(ctx context.Context, playerID string) (*Ledger, error)
	Update(ctx context.Context, ledger *Ledger) error
}

// MachineStore persists machines.
type MachineStore interface {
	Create(ctx context.Context, m *Machine) error
	Get(ctx context.Context, id string) (*Machine, error)
	ListByPlayer(ctx context.Context, playerID string) ([]*Machine, error)
	Update(ctx context.Context, m *Machine) error
}

// Clock abstracts time.Now so accrual math is testable with synthetic
// elapsed time.
type Clock func() time.Time

// Rand abstracts the drop rolls. *math/rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// BuyRequest is the request body for purchasing a machine.
type BuyRequest struct {
	Type string `json:"type" binding:"required"`
}

// RefuelRequest is the request body for refueling a machine.
type RefuelRequest struct {
	Amount float64 `json:"amount" binding:"required"`
}

// ActiveRequest is the request body for toggling a machine.
type ActiveRequest struct {
	Active bool `json:"active"`
}

// Status is the combined player view returned after an accrual pass.
type Status struct {
	Ledger   *Ledger    `json:"ledger"`
	Machines []*Machine `json:"machines"`
}
