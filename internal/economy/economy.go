// Package economy holds the pure machine leveling formulas.
//
// Nothing here touches storage or the clock: every function maps a machine
// definition and a level onto a number, so accrual math and upgrade pricing
// stay independently testable.
package economy

import (
	"math"

	"drillcore/internal/gamecfg"
)

// Scaled applies the shared linear per-level multiplier:
// base * (1 + max(0, level-1) * mult). Level 1 always yields the base value.
func Scaled(base float64, level int, mult float64) float64 {
	steps := level - 1
	if steps < 0 {
		steps = 0
	}
	return base * (1 + float64(steps)*mult)
}

// Speed returns actions per hour at the given level.
func Speed(def gamecfg.MachineDef, level int, p gamecfg.ProgressionRules) float64 {
	return Scaled(def.BaseSpeed, level, p.SpeedMultiplier)
}

// BurnRate returns fuel consumed per hour at the given level.
func BurnRate(def gamecfg.MachineDef, level int, p gamecfg.ProgressionRules) float64 {
	return Scaled(def.BaseBurnRate, level, p.BurnMultiplier)
}

// TankCapacity returns the fuel tank size at the given level.
func TankCapacity(def gamecfg.MachineDef, level int, p gamecfg.ProgressionRules) float64 {
	return Scaled(def.BaseCapacity, level, p.CapacityMultiplier)
}

// UpgradeCost returns the whole-currency cost to go from level to level+1.
// The multiplier is linear in the current level, not compounding, and the
// result floors to an integer currency unit.
func UpgradeCost(def gamecfg.MachineDef, level int, p gamecfg.ProgressionRules) int64 {
	if level < 1 {
		level = 1
	}
	return int64(math.Floor(float64(def.BaseUpgradeCost) * float64(level) * p.UpgradeCostMultiplier))
}

// CanUpgrade reports whether the machine may advance another level.
func CanUpgrade(def gamecfg.MachineDef, level int) bool {
	return level < def.MaxLevel
}
