// Package gamecfg provides the game economy configuration.
//
// Every operation captures one immutable Snapshot up front and threads it
// through all component calls. The live snapshot is replaced atomically on
// admin reload; it is never mutated in place.
package gamecfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

var ErrUnknownMachineType = errors.New("unknown machine type")

// MachineType identifies a configured machine kind.
type MachineType string

const (
	TypeHandDrill  MachineType = "hand_drill"
	TypePumpjack   MachineType = "pumpjack"
	TypeExcavator  MachineType = "excavator"
	TypeBoreEngine MachineType = "bore_engine"
)

// MachineDef holds the base attributes of a machine kind. Level scaling is
// applied by the economy package.
type MachineDef struct {
	Type            MachineType     `json:"type"`
	BaseSpeed       float64         `json:"baseSpeed"`    // actions per hour at level 1
	BaseBurnRate    float64         `json:"baseBurnRate"` // fuel per hour at level 1
	BaseCapacity    float64         `json:"baseCapacity"` // tank size at level 1
	BaseUpgradeCost int64           `json:"baseUpgradeCost"`
	MaxLevel        int             `json:"maxLevel"`
	PurchaseCost    decimal.Decimal `json:"purchaseCost"` // oil cost to buy one
}

// MineralDef is one entry of the secondary resource drop table.
type MineralDef struct {
	Kind       string  `json:"kind"`
	DropChance float64 `json:"dropChance"` // per action, [0,1]
}

// DiamondRules governs claim-token accrual.
type DiamondRules struct {
	DropChance float64 `json:"dropChance"` // per action, [0,1]
	DailyCap   int     `json:"dailyCap"`
	// ExcessConversionValue is the oil credited per diamond drop beyond the
	// daily cap. Zero means the drop is discarded (still counted in metrics).
	ExcessConversionValue decimal.Decimal `json:"excessConversionValue"`
}

// CashoutMode selects how a round's payout pool is derived when no manual
// override is supplied at close time.
type CashoutMode string

const (
	// ModeTokenRate derives the pool from submitted diamonds at a fixed rate.
	ModeTokenRate CashoutMode = "token_rate"
	// ModeRevenueShare derives the pool from observed window revenue.
	ModeRevenueShare CashoutMode = "revenue_share"
)

// CashoutRules governs round settlement.
type CashoutRules struct {
	Mode             CashoutMode     `json:"mode"`
	ExchangeRate     decimal.Decimal `json:"exchangeRate"`     // currency per diamond (token_rate)
	PayoutPercentage decimal.Decimal `json:"payoutPercentage"` // fraction of revenue (revenue_share)
}

// ExchangeRules governs the auto-exchange path.
type ExchangeRules struct {
	Enabled             bool            `json:"enabled"`
	MaxTokensPerRequest int64           `json:"maxTokensPerRequest"`
	MinSlippagePercent  float64         `json:"minSlippagePercent"`
	MaxSlippagePercent  float64         `json:"maxSlippagePercent"`
	Rate                decimal.Decimal `json:"rate"` // currency per diamond
}

// ProgressionRules holds the per-level linear multipliers shared by all
// machine kinds.
type ProgressionRules struct {
	SpeedMultiplier       float64 `json:"speedMultiplier"`
	BurnMultiplier        float64 `json:"burnMultiplier"`
	CapacityMultiplier    float64 `json:"capacityMultiplier"`
	UpgradeCostMultiplier float64 `json:"upgradeCostMultiplier"`
}

// Snapshot is one immutable version of the economy configuration.
type Snapshot struct {
	Version     int                         `json:"version"`
	LoadedAt    time.Time                   `json:"loadedAt"`
	Machines    map[MachineType]MachineDef  `json:"machines"`
	Minerals    []MineralDef                `json:"minerals"`
	Progression ProgressionRules            `json:"progression"`
	Diamond     DiamondRules                `json:"diamond"`
	Cashout     CashoutRules                `json:"cashout"`
	Exchange    ExchangeRules               `json:"exchange"`
}

// Machine looks up a machine definition by type.
func (s Snapshot) Machine(t MachineType) (MachineDef, error) {
	def, ok := s.Machines[t]
	if !ok {
		return MachineDef{}, fmt.Errorf("%w: %q", ErrUnknownMachineType, t)
	}
	return def, nil
}

// Validate checks snapshot internal consistency.
func (s Snapshot) Validate() error {
	if len(s.Machines) == 0 {
		return errors.New("at least one machine type is required")
	}
	for t, def := range s.Machines {
		if def.BaseSpeed <= 0 {
			return fmt.Errorf("machine %q: baseSpeed must be positive", t)
		}
		if def.BaseBurnRate < 0 {
			return fmt.Errorf("machine %q: baseBurnRate must be non-negative", t)
		}
		if def.MaxLevel < 1 {
			return fmt.Errorf("machine %q: maxLevel must be at least 1", t)
		}
	}
	for _, m := range s.Minerals {
		if m.DropChance < 0 || m.DropChance > 1 {
			return fmt.Errorf("mineral %q: dropChance must be in [0,1]", m.Kind)
		}
	}
	if s.Diamond.DropChance < 0 || s.Diamond.DropChance > 1 {
		return errors.New("diamond dropChance must be in [0,1]")
	}
	if s.Diamond.DailyCap < 0 {
		return errors.New("diamond dailyCap must be non-negative")
	}
	switch s.Cashout.Mode {
	case ModeTokenRate, ModeRevenueShare:
	default:
		return fmt.Errorf("unknown cashout mode %q", s.Cashout.Mode)
	}
	if s.Exchange.MinSlippagePercent <= 0 || s.Exchange.MaxSlippagePercent < s.Exchange.MinSlippagePercent {
		return errors.New("invalid slippage bounds")
	}
	return nil
}

// clone deep-copies the snapshot so callers can never alias the live maps.
func (s Snapshot) clone() Snapshot {
	cp := s
	cp.Machines = make(map[MachineType]MachineDef, len(s.Machines))
	for t, def := range s.Machines {
		cp.Machines[t] = def
	}
	cp.Minerals = append([]MineralDef(nil), s.Minerals...)
	return cp
}

// Provider hands out the current snapshot and swaps in new versions.
type Provider struct {
	current atomic.Pointer[Snapshot]
}

// NewProvider creates a provider seeded with the given snapshot.
func NewProvider(s Snapshot) (*Provider, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid game config: %w", err)
	}
	p := &Provider{}
	seeded := s.clone()
	seeded.Version = 1
	seeded.LoadedAt = time.Now()
	p.current.Store(&seeded)
	return p, nil
}

// Current returns an independent copy of the live snapshot.
func (p *Provider) Current() Snapshot {
	return p.current.Load().clone()
}

// Replace validates and atomically installs a new snapshot, bumping the
// version. In-flight operations keep the snapshot they already captured.
func (p *Provider) Replace(s Snapshot) (Snapshot, error) {
	if err := s.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("invalid game config: %w", err)
	}
	next := s.clone()
	next.Version = p.current.Load().Version + 1
	next.LoadedAt = time.Now()
	p.current.Store(&next)
	return next.clone(), nil
}

// Default returns the compiled-in economy tuning.
func Default() Snapshot {
	return Snapshot{
		Machines: map[MachineType]MachineDef{
			TypeHandDrill: {
				Type:            TypeHandDrill,
				BaseSpeed:       10,
				BaseBurnRate:    2,
				BaseCapacity:    50,
				BaseUpgradeCost: 100,
				MaxLevel:        10,
				PurchaseCost:    decimal.NewFromInt(50),
			},
			TypePumpjack: {
				Type:            TypePumpjack,
				BaseSpeed:       30,
				BaseBurnRate:    8,
				BaseCapacity:    200,
				BaseUpgradeCost: 400,
				MaxLevel:        15,
				PurchaseCost:    decimal.NewFromInt(300),
			},
			TypeExcavator: {
				Type:            TypeExcavator,
				BaseSpeed:       80,
				BaseBurnRate:    25,
				BaseCapacity:    600,
				BaseUpgradeCost: 1500,
				MaxLevel:        20,
				PurchaseCost:    decimal.NewFromInt(1200),
			},
			TypeBoreEngine: {
				Type:            TypeBoreEngine,
				BaseSpeed:       200,
				BaseBurnRate:    70,
				BaseCapacity:    2000,
				BaseUpgradeCost: 6000,
				MaxLevel:        25,
				PurchaseCost:    decimal.NewFromInt(5000),
			},
		},
		Minerals: []MineralDef{
			{Kind: "copper", DropChance: 0.30},
			{Kind: "silver", DropChance: 0.12},
			{Kind: "gold", DropChance: 0.04},
		},
		Progression: ProgressionRules{
			SpeedMultiplier:       0.25,
			BurnMultiplier:        0.15,
			CapacityMultiplier:    0.20,
			UpgradeCostMultiplier: 1.5,
		},
		Diamond: DiamondRules{
			DropChance:            0.01,
			DailyCap:              5,
			ExcessConversionValue: decimal.NewFromInt(2),
		},
		Cashout: CashoutRules{
			Mode:             ModeTokenRate,
			ExchangeRate:     decimal.RequireFromString("0.10"),
			PayoutPercentage: decimal.RequireFromString("0.60"),
		},
		Exchange: ExchangeRules{
			Enabled:             true,
			MaxTokensPerRequest: 1000,
			MinSlippagePercent:  0.1,
			MaxSlippagePercent:  5.0,
			Rate:                decimal.RequireFromString("0.10"),
		},
	}
}

// FromJSON builds a snapshot from a JSON blob layered over the defaults.
// Used for the GAME_CONFIG_JSON env override and the admin reload endpoint.
func FromJSON(data []byte) (Snapshot, error) {
	s := Default()
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("parse game config: %w", err)
	}
	return s, nil
}

// FromFile builds a snapshot from a JSON document on disk layered over the
// defaults. Used for the GAME_CONFIG_PATH startup override.
func FromFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read game config: %w", err)
	}
	return FromJSON(data)
}
