package mining

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"drillcore/internal/economy"
	"drillcore/internal/gamecfg"
	"drillcore/internal/idgen"
	"drillcore/internal/logging"
	"drillcore/internal/metrics"
	"drillcore/internal/retry"
	"drillcore/internal/syncutil"
	"drillcore/internal/traces"
)

// ConfigProvider hands out the current economy snapshot.
type ConfigProvider interface {
	Current() gamecfg.Snapshot
}

// Service advances player state and executes machine actions.
type Service struct {
	ledgers  LedgerStore
	machines MachineStore
	cfg      ConfigProvider
	clock    Clock
	rng      Rand
	locks    syncutil.ShardedMutex
}

// NewService creates a mining service. clock and rng may be nil, in which
// case wall-clock time and a time-seeded source are used.
func NewService(ledgers LedgerStore, machines MachineStore, cfg ConfigProvider, clock Clock, rng Rand) *Service {
	if clock == nil {
		clock = time.Now
	}
	if rng == nil {
		rng = defaultRand()
	}
	return &Service{
		ledgers:  ledgers,
		machines: machines,
		cfg:      cfg,
		clock:    clock,
		rng:      rng,
	}
}

// mutateLedger loads the player's ledger, applies fn, and persists it.
// A version conflict means a writer on another instance landed between
// the read and the write; the mutation is reapplied to a fresh read. fn
// may therefore run more than once and must only touch the ledger it is
// handed.
func (s *Service) mutateLedger(ctx context.Context, playerID string, fn func(*Ledger) error) (*Ledger, error) {
	var ledger *Ledger
	err := retry.Do(ctx, 3, 5*time.Millisecond, func() error {
		var err error
		ledger, err = s.ledgers.GetOrCreate(ctx, playerID)
		if err != nil {
			return retry.Permanent(fmt.Errorf("load ledger: %w", err))
		}
		if err := fn(ledger); err != nil {
			return retry.Permanent(err)
		}
		if err := s.ledgers.Update(ctx, ledger); err != nil {
			if errors.Is(err, ErrLedgerConflict) {
				return err
			}
			return retry.Permanent(fmt.Errorf("persist ledger: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

// ProcessTick advances the player's ledger and machines to now and persists
// the deltas. It never raises player-visible errors for individual machines;
// malformed rows are skipped so the rest of the batch still settles.
func (s *Service) ProcessTick(ctx context.Context, playerID string) (*Status, error) {
	ctx, span := traces.StartSpan(ctx, "mining.ProcessTick", traces.PlayerID(playerID))
	defer span.End()

	unlock := s.locks.Lock(playerID)
	defer unlock()
	return s.processTickLocked(ctx, playerID)
}

func (s *Service) processTickLocked(ctx context.Context, playerID string) (*Status, error) {
	snap := s.cfg.Current()
	now := s.clock()

	// Machine mutations persist per machine inside the pass, so a ledger
	// conflict retry re-lists them with lastProcessedAt already advanced
	// and accrues only the remainder.
	var machines []*Machine
	ledger, err := s.mutateLedger(ctx, playerID, func(ledger *Ledger) error {
		// Daily diamond window rolls over every 24h.
		if now.Sub(ledger.DailyResetAt) >= 24*time.Hour {
			ledger.DailyDiamonds = 0
			ledger.DailyResetAt = now
		}

		var err error
		machines, err = s.machines.ListByPlayer(ctx, playerID)
		if err != nil {
			return fmt.Errorf("list machines: %w", err)
		}
		for _, m := range machines {
			s.accrueMachine(ctx, snap, ledger, m, now)
		}
		ledger.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Status{Ledger: ledger, Machines: machines}, nil
}

// accrueMachine applies elapsed production to one machine and the ledger.
// Mutations are persisted per machine; a failed update is logged and skipped.
func (s *Service) accrueMachine(ctx context.Context, snap gamecfg.Snapshot, ledger *Ledger, m *Machine, now time.Time) {
	if m.LastProcessedAt == nil {
		// First tick after activation: stamp, no production.
		m.LastProcessedAt = &now
		m.UpdatedAt = now
		s.updateMachine(ctx, m)
		return
	}
	if !m.IsActive {
		return
	}

	elapsed := now.Sub(*m.LastProcessedAt)
	if elapsed <= 0 {
		// Clock skew guard.
		return
	}

	def, err := snap.Machine(m.Type)
	if err != nil {
		// Unknown type in config: skip defensively, the batch continues.
		logging.L(ctx).Warn("skipping machine with unknown type",
			"machineId", m.ID, "type", string(m.Type))
		return
	}

	speed := economy.Speed(def, m.Level, snap.Progression)
	burn := economy.BurnRate(def, m.Level, snap.Progression)

	elapsedHours := elapsed.Hours()
	maxHoursByFuel := math.Inf(1)
	if burn > 0 {
		maxHoursByFuel = m.FuelLevel / burn
	}
	effectiveHours := math.Min(elapsedHours, maxHoursByFuel)

	if effectiveHours <= 0 {
		// Starved: fuel stays, nothing advances, machine goes idle.
		m.IsActive = false
		m.UpdatedAt = now
		s.updateMachine(ctx, m)
		return
	}

	actions := int(math.Floor(effectiveHours * speed))
	for i := 0; i < actions; i++ {
		for _, mineral := range snap.Minerals {
			if s.rng.Float64() < mineral.DropChance {
				if ledger.Minerals == nil {
					ledger.Minerals = make(map[string]int64)
				}
				ledger.Minerals[mineral.Kind]++
			}
		}
		if s.rng.Float64() < snap.Diamond.DropChance {
			s.awardDiamond(ledger, snap.Diamond)
		}
	}

	fuelUsed := effectiveHours * burn
	m.FuelLevel -= fuelUsed
	if m.FuelLevel < 0 {
		m.FuelLevel = 0
	}

	// Advance by exactly effectiveHours, not to wall-clock now: fractional
	// leftover beyond fuel exhaustion is preserved for the next tick.
	processed := m.LastProcessedAt.Add(time.Duration(effectiveHours * float64(time.Hour)))
	m.LastProcessedAt = &processed
	m.IsActive = m.FuelLevel > 0
	m.UpdatedAt = now
	s.updateMachine(ctx, m)

	metrics.MiningActionsTotal.Add(float64(actions))
}

// awardDiamond credits a diamond drop, converting over-cap drops into oil
// per the configured excess conversion value. A zero value discards the
// drop; either way it is counted so nothing vanishes untracked.
func (s *Service) awardDiamond(ledger *Ledger, rules gamecfg.DiamondRules) {
	if ledger.DailyDiamonds < rules.DailyCap {
		ledger.Diamonds++
		ledger.DailyDiamonds++
		metrics.DiamondsMinedTotal.Inc()
		return
	}
	if rules.ExcessConversionValue.IsPositive() {
		ledger.Oil = ledger.Oil.Add(rules.ExcessConversionValue)
	}
	metrics.DiamondOverflowTotal.Inc()
}

func (s *Service) updateMachine(ctx context.Context, m *Machine) {
	if err := s.machines.Update(ctx, m); err != nil {
		logging.L(ctx).Error("failed to persist machine", "machineId", m.ID, "error", err)
	}
}

// Status runs an accrual pass and returns the up-to-date player view.
func (s *Service) Status(ctx context.Context, playerID string) (*Status, error) {
	return s.ProcessTick(ctx, playerID)
}

// BuyMachine purchases a new machine of the given type, debiting oil.
// The machine starts at level 1, inactive, with an empty tank.
func (s *Service) BuyMachine(ctx context.Context, playerID string, machineType gamecfg.MachineType) (*Machine, error) {
	unlock := s.locks.Lock(playerID)
	defer unlock()

	snap := s.cfg.Current()
	def, err := snap.Machine(machineType)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if _, err := s.mutateLedger(ctx, playerID, func(ledger *Ledger) error {
		if ledger.Oil.LessThan(def.PurchaseCost) {
			return ErrInsufficientOil
		}
		ledger.Oil = ledger.Oil.Sub(def.PurchaseCost)
		ledger.UpdatedAt = now
		return nil
	}); err != nil {
		return nil, err
	}

	m := &Machine{
		ID:        idgen.WithPrefix("mch_"),
		PlayerID:  playerID,
		Type:      machineType,
		Level:     1,
		FuelLevel: 0,
		IsActive:  false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.machines.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}
	return m, nil
}

// Refuel converts oil into machine fuel, clamped to tank capacity, and
// reactivates the machine. A machine that has never ticked is stamped so
// refueling never produces retroactive output.
func (s *Service) Refuel(ctx context.Context, playerID, machineID string, amount float64) (*Machine, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(playerID)
	defer unlock()

	if _, err := s.processTickLocked(ctx, playerID); err != nil {
		return nil, err
	}

	snap := s.cfg.Current()
	m, err := s.ownedMachine(ctx, playerID, machineID)
	if err != nil {
		return nil, err
	}
	def, err := snap.Machine(m.Type)
	if err != nil {
		return nil, err
	}

	capacity := economy.TankCapacity(def, m.Level, snap.Progression)
	room := capacity - m.FuelLevel
	if room <= 0 {
		return m, nil
	}
	fill := math.Min(amount, room)
	cost := decimal.NewFromFloat(fill)

	now := s.clock()
	if _, err := s.mutateLedger(ctx, playerID, func(ledger *Ledger) error {
		if ledger.Oil.LessThan(cost) {
			return ErrInsufficientOil
		}
		ledger.Oil = ledger.Oil.Sub(cost)
		ledger.UpdatedAt = now
		return nil
	}); err != nil {
		return nil, err
	}

	m.FuelLevel += fill
	m.IsActive = true
	if m.LastProcessedAt == nil {
		m.LastProcessedAt = &now
	}
	m.UpdatedAt = now
	if err := s.machines.Update(ctx, m); err != nil {
		return nil, fmt.Errorf("persist machine: %w", err)
	}
	return m, nil
}

// Upgrade advances the machine one level, debiting the oil upgrade cost.
// Accrual runs first so production up to now is settled at the old level.
func (s *Service) Upgrade(ctx context.Context, playerID, machineID string) (*Machine, error) {
	unlock := s.locks.Lock(playerID)
	defer unlock()

	if _, err := s.processTickLocked(ctx, playerID); err != nil {
		return nil, err
	}

	snap := s.cfg.Current()
	m, err := s.ownedMachine(ctx, playerID, machineID)
	if err != nil {
		return nil, err
	}
	def, err := snap.Machine(m.Type)
	if err != nil {
		return nil, err
	}
	if !economy.CanUpgrade(def, m.Level) {
		return nil, ErrMaxLevel
	}

	cost := decimal.NewFromInt(economy.UpgradeCost(def, m.Level, snap.Progression))

	now := s.clock()
	if _, err := s.mutateLedger(ctx, playerID, func(ledger *Ledger) error {
		if ledger.Oil.LessThan(cost) {
			return ErrInsufficientOil
		}
		ledger.Oil = ledger.Oil.Sub(cost)
		ledger.UpdatedAt = now
		return nil
	}); err != nil {
		return nil, err
	}

	m.Level++
	m.UpdatedAt = now
	if err := s.machines.Update(ctx, m); err != nil {
		return nil, fmt.Errorf("persist machine: %w", err)
	}
	return m, nil
}

// SetActive toggles a machine. Reactivating stamps lastProcessedAt so idle
// wall-clock time is not mined retroactively.
func (s *Service) SetActive(ctx context.Context, playerID, machineID string, active bool) (*Machine, error) {
	unlock := s.locks.Lock(playerID)
	defer unlock()

	if _, err := s.processTickLocked(ctx, playerID); err != nil {
		return nil, err
	}

	m, err := s.ownedMachine(ctx, playerID, machineID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if active && !m.IsActive {
		m.LastProcessedAt = &now
	}
	m.IsActive = active && m.FuelLevel > 0
	m.UpdatedAt = now
	if err := s.machines.Update(ctx, m); err != nil {
		return nil, fmt.Errorf("persist machine: %w", err)
	}
	return m, nil
}

// CreditOil adds currency to a player's ledger (verified purchases,
// settlement adjustments). Amount must be positive.
func (s *Service) CreditOil(ctx context.Context, playerID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	unlock := s.locks.Lock(playerID)
	defer unlock()

	_, err := s.mutateLedger(ctx, playerID, func(ledger *Ledger) error {
		ledger.Oil = ledger.Oil.Add(amount)
		ledger.UpdatedAt = s.clock()
		return nil
	})
	return err
}

// DebitDiamonds removes claim-tokens from a player's ledger, rejecting any
// debit that would go negative. Used by cashout submission and exchange
// execution; serialized against concurrent mining ticks by the same lock.
func (s *Service) DebitDiamonds(ctx context.Context, playerID string, tokens int64) error {
	if tokens <= 0 {
		return ErrInvalidAmount
	}
	unlock := s.locks.Lock(playerID)
	defer unlock()

	_, err := s.mutateLedger(ctx, playerID, func(ledger *Ledger) error {
		if ledger.Diamonds < tokens {
			return ErrInsufficientTokens
		}
		ledger.Diamonds -= tokens
		ledger.UpdatedAt = s.clock()
		return nil
	})
	return err
}

// DiamondBalance returns the player's current claim-token balance.
func (s *Service) DiamondBalance(ctx context.Context, playerID string) (int64, error) {
	ledger, err := s.ledgers.GetOrCreate(ctx, playerID)
	if err != nil {
		return 0, err
	}
	return ledger.Diamonds, nil
}

// SetAutoExchange records the player's auto-exchange preference.
func (s *Service) SetAutoExchange(ctx context.Context, playerID string, enabled bool) error {
	unlock := s.locks.Lock(playerID)
	defer unlock()

	_, err := s.mutateLedger(ctx, playerID, func(ledger *Ledger) error {
		ledger.AutoExchange = enabled
		ledger.UpdatedAt = s.clock()
		return nil
	})
	return err
}

// AutoExchangeEnabled reports the player's auto-exchange preference.
func (s *Service) AutoExchangeEnabled(ctx context.Context, playerID string) (bool, error) {
	ledger, err := s.ledgers.GetOrCreate(ctx, playerID)
	if err != nil {
		return false, err
	}
	return ledger.AutoExchange, nil
}

func (s *Service) ownedMachine(ctx context.Context, playerID, machineID string) (*Machine, error) {
	m, err := s.machines.Get(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if m.PlayerID != playerID {
		return nil, ErrNotMachineOwner
	}
	return m, nil
}
