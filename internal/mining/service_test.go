package mining

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drillcore/internal/gamecfg"
	"drillcore/internal/idgen"
)

// fixedRand always returns the same roll. 0.0 hits every drop, 0.99 none
// (at the chances used in these tests).
type fixedRand struct{ v float64 }

func (r fixedRand) Float64() float64 { return r.v }

// testClock is a settable clock.
type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// staticProvider hands out a fixed snapshot.
type staticProvider struct{ snap gamecfg.Snapshot }

func (p staticProvider) Current() gamecfg.Snapshot { return p.snap }

func testSnapshot() gamecfg.Snapshot {
	return gamecfg.Snapshot{
		Machines: map[gamecfg.MachineType]gamecfg.MachineDef{
			gamecfg.TypeHandDrill: {
				Type:            gamecfg.TypeHandDrill,
				BaseSpeed:       10,
				BaseBurnRate:    5,
				BaseCapacity:    100,
				BaseUpgradeCost: 100,
				MaxLevel:        3,
				PurchaseCost:    decimal.NewFromInt(50),
			},
		},
		Minerals: []gamecfg.MineralDef{
			{Kind: "copper", DropChance: 0.5},
		},
		Progression: gamecfg.ProgressionRules{
			SpeedMultiplier:       0, // keep level-1 numbers exact
			BurnMultiplier:        0,
			CapacityMultiplier:    0,
			UpgradeCostMultiplier: 1.5,
		},
		Diamond: gamecfg.DiamondRules{
			DropChance:            0.5,
			DailyCap:              5,
			ExcessConversionValue: decimal.NewFromInt(2),
		},
		Cashout: gamecfg.CashoutRules{
			Mode:         gamecfg.ModeTokenRate,
			ExchangeRate: decimal.RequireFromString("0.10"),
		},
		Exchange: gamecfg.ExchangeRules{
			Enabled:             true,
			MaxTokensPerRequest: 1000,
			MinSlippagePercent:  0.1,
			MaxSlippagePercent:  5.0,
			Rate:                decimal.RequireFromString("0.10"),
		},
	}
}

func newTestService(t *testing.T, roll float64) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(
		NewMemoryLedgerStore(),
		NewMemoryMachineStore(),
		staticProvider{testSnapshot()},
		clock.Now,
		fixedRand{roll},
	)
	return svc, clock
}

func addMachine(t *testing.T, svc *Service, playerID string, fuel float64, active bool, last *time.Time) *Machine {
	t.Helper()
	now := svc.clock()
	m := &Machine{
		ID:              idgen.WithPrefix("mch_"),
		PlayerID:        playerID,
		Type:            gamecfg.TypeHandDrill,
		Level:           1,
		FuelLevel:       fuel,
		IsActive:        active,
		LastProcessedAt: last,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, svc.machines.Create(context.Background(), m))
	return m
}

func TestProcessTick_FuelBoundedProduction(t *testing.T) {
	// burnRate=5/hr, fuel=2, elapsed=1hr, speed=10/hr:
	// effectiveHours=0.4, actions=4, fuel ends at 0, machine goes idle.
	svc, clock := newTestService(t, 0.99) // no drops, isolate the fuel math
	start := clock.now
	addMachine(t, svc, "p1", 2, true, &start)

	clock.Advance(time.Hour)
	status, err := svc.ProcessTick(context.Background(), "p1")
	require.NoError(t, err)

	m := status.Machines[0]
	assert.Equal(t, 0.0, m.FuelLevel)
	assert.False(t, m.IsActive)

	// lastProcessedAt advanced by exactly 0.4h, not to wall-clock now.
	wantProcessed := start.Add(24 * time.Minute)
	assert.WithinDuration(t, wantProcessed, *m.LastProcessedAt, time.Millisecond)
}

func TestProcessTick_ActionsProduceDrops(t *testing.T) {
	svc, clock := newTestService(t, 0.0) // every roll hits
	start := clock.now
	addMachine(t, svc, "p1", 100, true, &start)

	clock.Advance(30 * time.Minute) // 0.5h * 10/hr = 5 actions
	status, err := svc.ProcessTick(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, int64(5), status.Ledger.Minerals["copper"])
	// Diamond cap is 5, so all 5 drops land as diamonds.
	assert.Equal(t, int64(5), status.Ledger.Diamonds)
	assert.Equal(t, 5, status.Ledger.DailyDiamonds)
	// Fuel: 0.5h * 5/hr = 2.5 used.
	assert.InDelta(t, 97.5, status.Machines[0].FuelLevel, 1e-9)
	assert.True(t, status.Machines[0].IsActive)
}

func TestProcessTick_DailyCapOverflowConvertsToOil(t *testing.T) {
	svc, clock := newTestService(t, 0.0)
	start := clock.now
	addMachine(t, svc, "p1", 100, true, &start)

	// Put the player at the cap already.
	ledger, err := svc.ledgers.GetOrCreate(context.Background(), "p1")
	require.NoError(t, err)
	ledger.DailyDiamonds = 5
	ledger.DailyResetAt = start
	require.NoError(t, svc.ledgers.Update(context.Background(), ledger))

	clock.Advance(6 * time.Minute) // 0.1h * 10/hr = 1 action
	status, err := svc.ProcessTick(context.Background(), "p1")
	require.NoError(t, err)

	// The drop converted: +2 oil, diamonds and counter unchanged.
	assert.True(t, status.Ledger.Oil.Equal(decimal.NewFromInt(2)),
		"oil = %s", status.Ledger.Oil)
	assert.Equal(t, int64(0), status.Ledger.Diamonds)
	assert.Equal(t, 5, status.Ledger.DailyDiamonds)
}

func TestProcessTick_DailyWindowResets(t *testing.T) {
	svc, clock := newTestService(t, 0.99)
	_, err := svc.ProcessTick(context.Background(), "p1")
	require.NoError(t, err)

	ledger, err := svc.ledgers.GetOrCreate(context.Background(), "p1")
	require.NoError(t, err)
	ledger.DailyDiamonds = 5
	require.NoError(t, svc.ledgers.Update(context.Background(), ledger))

	clock.Advance(25 * time.Hour)
	status, err := svc.ProcessTick(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, 0, status.Ledger.DailyDiamonds)
	assert.Equal(t, clock.now, status.Ledger.DailyResetAt)
}

func TestProcessTick_ClockSkewIsNoOp(t *testing.T) {
	svc, clock := newTestService(t, 0.0)
	future := clock.now.Add(time.Hour)
	addMachine(t, svc, "p1", 100, true, &future)

	status, err := svc.ProcessTick(context.Background(), "p1")
	require.NoError(t, err)

	m := status.Machines[0]
	assert.Equal(t, 100.0, m.FuelLevel)
	assert.Equal(t, future, *m.LastProcessedAt)
	assert.Equal(t, int64(0), status.Ledger.Diamonds)
}

func TestProcessTick_FirstTickStampsWithoutProduction(t *testing.T) {
	svc, clock := newTestService(t, 0.0)
	addMachine(t, svc, "p1", 100, true, nil)

	clock.Advance(time.Hour)
	status, err := svc.ProcessTick(context.Background(), "p1")
	require.NoError(t, err)

	m := status.Machines[0]
	require.NotNil(t, m.LastProcessedAt)
	assert.Equal(t, clock.now, *m.LastProcessedAt)
	assert.Equal(t, 100.0, m.FuelLevel)
	assert.Equal(t, int64(0), status.Ledger.Diamonds)
}

func TestProcessTick_UnknownMachineTypeSkipped(t *testing.T) {
	svc, clock := newTestService(t, 0.0)
	start := clock.now
	good := addMachine(t, svc, "p1", 100, true, &start)

	bad := addMachine(t, svc, "p1", 100, true, &start)
	bad.Type = gamecfg.MachineType("retired_rig")
	require.NoError(t, svc.machines.Update(context.Background(), bad))

	clock.Advance(6 * time.Minute)
	status, err := svc.ProcessTick(context.Background(), "p1")
	require.NoError(t, err)

	for _, m := range status.Machines {
		switch m.ID {
		case good.ID:
			assert.Less(t, m.FuelLevel, 100.0)
		case bad.ID:
			assert.Equal(t, 100.0, m.FuelLevel, "unknown type must not accrue")
		}
	}
}

func TestProcessTick_LeftoverTimePreservedAcrossRefuel(t *testing.T) {
	svc, clock := newTestService(t, 0.99)
	start := clock.now
	m := addMachine(t, svc, "p1", 2, true, &start)

	clock.Advance(time.Hour)
	_, err := svc.ProcessTick(context.Background(), "p1")
	require.NoError(t, err)

	// 0.6h of unmined elapsed time remains behind lastProcessedAt. Refuel
	// and tick again without advancing the clock: the leftover mines now.
	require.NoError(t, svc.CreditOil(context.Background(), "p1", decimal.NewFromInt(10)))
	_, err = svc.Refuel(context.Background(), "p1", m.ID, 10)
	require.NoError(t, err)

	_, err = svc.ProcessTick(context.Background(), "p1")
	require.NoError(t, err)

	got, _ := svc.machines.Get(context.Background(), m.ID)
	// 0.6h * 5/hr = 3 fuel burned out of the 10 refueled.
	assert.InDelta(t, 7.0, got.FuelLevel, 1e-9)
	assert.WithinDuration(t, clock.now, *got.LastProcessedAt, time.Millisecond)
}

func TestBuyMachine(t *testing.T) {
	svc, _ := newTestService(t, 0.99)
	ctx := context.Background()

	_, err := svc.BuyMachine(ctx, "p1", gamecfg.TypeHandDrill)
	assert.ErrorIs(t, err, ErrInsufficientOil)

	require.NoError(t, svc.CreditOil(ctx, "p1", decimal.NewFromInt(60)))
	m, err := svc.BuyMachine(ctx, "p1", gamecfg.TypeHandDrill)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Level)
	assert.False(t, m.IsActive)
	assert.Nil(t, m.LastProcessedAt)

	ledger, _ := svc.ledgers.GetOrCreate(ctx, "p1")
	assert.True(t, ledger.Oil.Equal(decimal.NewFromInt(10)))
}

func TestBuyMachine_UnknownType(t *testing.T) {
	svc, _ := newTestService(t, 0.99)
	_, err := svc.BuyMachine(context.Background(), "p1", gamecfg.MachineType("nope"))
	assert.ErrorIs(t, err, gamecfg.ErrUnknownMachineType)
}

func TestRefuel_ClampsToCapacity(t *testing.T) {
	svc, _ := newTestService(t, 0.99)
	ctx := context.Background()
	m := addMachine(t, svc, "p1", 90, false, nil)

	require.NoError(t, svc.CreditOil(ctx, "p1", decimal.NewFromInt(100)))
	got, err := svc.Refuel(ctx, "p1", m.ID, 50)
	require.NoError(t, err)

	// Capacity is 100, so only 10 fits and only 10 oil is spent.
	assert.Equal(t, 100.0, got.FuelLevel)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.LastProcessedAt)

	ledger, _ := svc.ledgers.GetOrCreate(ctx, "p1")
	assert.True(t, ledger.Oil.Equal(decimal.NewFromInt(90)), "oil = %s", ledger.Oil)
}

func TestUpgrade_RejectsAtMaxLevel(t *testing.T) {
	svc, _ := newTestService(t, 0.99)
	ctx := context.Background()
	m := addMachine(t, svc, "p1", 0, false, nil)
	require.NoError(t, svc.CreditOil(ctx, "p1", decimal.NewFromInt(100000)))

	// MaxLevel is 3: two upgrades succeed, the third is a state conflict.
	for i := 0; i < 2; i++ {
		var err error
		m, err = svc.Upgrade(ctx, "p1", m.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.Level)

	_, err := svc.Upgrade(ctx, "p1", m.ID)
	assert.ErrorIs(t, err, ErrMaxLevel)
}

func TestUpgrade_InsufficientOil(t *testing.T) {
	svc, _ := newTestService(t, 0.99)
	m := addMachine(t, svc, "p1", 0, false, nil)
	_, err := svc.Upgrade(context.Background(), "p1", m.ID)
	assert.ErrorIs(t, err, ErrInsufficientOil)
}

func TestDebitDiamonds(t *testing.T) {
	svc, _ := newTestService(t, 0.99)
	ctx := context.Background()

	err := svc.DebitDiamonds(ctx, "p1", 3)
	assert.ErrorIs(t, err, ErrInsufficientTokens)

	ledger, _ := svc.ledgers.GetOrCreate(ctx, "p1")
	ledger.Diamonds = 5
	require.NoError(t, svc.ledgers.Update(ctx, ledger))

	require.NoError(t, svc.DebitDiamonds(ctx, "p1", 3))
	bal, err := svc.DiamondBalance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)

	assert.ErrorIs(t, svc.DebitDiamonds(ctx, "p1", 3), ErrInsufficientTokens)
	assert.ErrorIs(t, svc.DebitDiamonds(ctx, "p1", 0), ErrInvalidAmount)
}

func TestLedgerStore_StaleWriteRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()

	// Two readers holding the same version, as two server instances would.
	a, err := store.GetOrCreate(ctx, "p1")
	require.NoError(t, err)
	b, err := store.GetOrCreate(ctx, "p1")
	require.NoError(t, err)

	a.Diamonds = 5
	require.NoError(t, store.Update(ctx, a))

	// b's write is built on a stale read and must not clobber a's.
	b.Diamonds = 0
	assert.ErrorIs(t, store.Update(ctx, b), ErrLedgerConflict)

	got, err := store.GetOrCreate(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Diamonds)
}

// racingLedgerStore slips a competing write in ahead of the first Update,
// standing in for a second server instance hitting the same row.
type racingLedgerStore struct {
	*MemoryLedgerStore
	raceOnce bool
}

func (s *racingLedgerStore) Update(ctx context.Context, ledger *Ledger) error {
	if s.raceOnce {
		s.raceOnce = false
		other, err := s.MemoryLedgerStore.GetOrCreate(ctx, ledger.PlayerID)
		if err != nil {
			return err
		}
		other.Diamonds += 7
		if err := s.MemoryLedgerStore.Update(ctx, other); err != nil {
			return err
		}
	}
	return s.MemoryLedgerStore.Update(ctx, ledger)
}

func TestService_LedgerConflictRetriesWithoutLosingWrites(t *testing.T) {
	ctx := context.Background()
	store := &racingLedgerStore{MemoryLedgerStore: NewMemoryLedgerStore(), raceOnce: true}
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(store, NewMemoryMachineStore(), staticProvider{testSnapshot()}, clock.Now, fixedRand{0.99})

	// The first persist loses the version race and is retried against the
	// fresh row, so both the competing diamonds and this credit survive.
	require.NoError(t, svc.CreditOil(ctx, "p1", decimal.NewFromInt(5)))

	ledger, err := store.GetOrCreate(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), ledger.Diamonds, "competing write must not be lost")
	assert.True(t, ledger.Oil.Equal(decimal.NewFromInt(5)), "oil = %s", ledger.Oil)
}

func TestSetActive_RequiresFuel(t *testing.T) {
	svc, _ := newTestService(t, 0.99)
	ctx := context.Background()
	m := addMachine(t, svc, "p1", 0, false, nil)

	got, err := svc.SetActive(ctx, "p1", m.ID, true)
	require.NoError(t, err)
	assert.False(t, got.IsActive, "empty tank cannot activate")
}

func TestOwnership(t *testing.T) {
	svc, _ := newTestService(t, 0.99)
	m := addMachine(t, svc, "p1", 10, false, nil)

	_, err := svc.Refuel(context.Background(), "p2", m.ID, 5)
	assert.ErrorIs(t, err, ErrNotMachineOwner)
}
