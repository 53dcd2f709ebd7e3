package economy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"drillcore/internal/gamecfg"
)

var testProgression = gamecfg.ProgressionRules{
	SpeedMultiplier:       0.25,
	BurnMultiplier:        0.15,
	CapacityMultiplier:    0.20,
	UpgradeCostMultiplier: 1.5,
}

func testDef() gamecfg.MachineDef {
	return gamecfg.MachineDef{
		Type:            gamecfg.TypeHandDrill,
		BaseSpeed:       10,
		BaseBurnRate:    2,
		BaseCapacity:    50,
		BaseUpgradeCost: 100,
		MaxLevel:        10,
	}
}

func TestScaled_LevelOneIsBase(t *testing.T) {
	assert.Equal(t, 10.0, Scaled(10, 1, 0.25))
	// Defensive: level 0 and below clamp to the base value too.
	assert.Equal(t, 10.0, Scaled(10, 0, 0.25))
	assert.Equal(t, 10.0, Scaled(10, -3, 0.25))
}

func TestScaled_LinearGrowth(t *testing.T) {
	assert.InDelta(t, 12.5, Scaled(10, 2, 0.25), 1e-9)
	assert.InDelta(t, 20.0, Scaled(10, 5, 0.25), 1e-9)
}

func TestSpeedBurnCapacity(t *testing.T) {
	def := testDef()
	assert.InDelta(t, 17.5, Speed(def, 4, testProgression), 1e-9)
	assert.InDelta(t, 2.9, BurnRate(def, 4, testProgression), 1e-9)
	assert.InDelta(t, 80.0, TankCapacity(def, 4, testProgression), 1e-9)
}

func TestUpgradeCost_LinearNotCompounding(t *testing.T) {
	def := testDef()
	// floor(100 * level * 1.5)
	assert.Equal(t, int64(150), UpgradeCost(def, 1, testProgression))
	assert.Equal(t, int64(300), UpgradeCost(def, 2, testProgression))
	assert.Equal(t, int64(450), UpgradeCost(def, 3, testProgression))
}

func TestUpgradeCost_FloorsToWholeUnits(t *testing.T) {
	def := testDef()
	def.BaseUpgradeCost = 33
	p := testProgression
	p.UpgradeCostMultiplier = 1.1
	// 33 * 1 * 1.1 = 36.3 → 36
	assert.Equal(t, int64(36), UpgradeCost(def, 1, p))
}

func TestUpgradeCost_MonotonicInLevel(t *testing.T) {
	def := testDef()
	prev := int64(-1)
	for level := 1; level <= def.MaxLevel; level++ {
		cost := UpgradeCost(def, level, testProgression)
		assert.GreaterOrEqual(t, cost, prev, "cost must be non-decreasing at level %d", level)
		prev = cost
	}
}

func TestCanUpgrade_RejectsAtMaxLevel(t *testing.T) {
	def := testDef()
	assert.True(t, CanUpgrade(def, 1))
	assert.True(t, CanUpgrade(def, def.MaxLevel-1))
	assert.False(t, CanUpgrade(def, def.MaxLevel))
	assert.False(t, CanUpgrade(def, def.MaxLevel+1))
}
