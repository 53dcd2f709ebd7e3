package exchange

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"drillcore/internal/idgen"
)

// Rand abstracts the jitter roll. *math/rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// SimulatedProvider is a swap provider for demo/development mode. It fills
// at the target amount minus a small random jitter, so slippage handling
// is exercised end to end without a real venue.
type SimulatedProvider struct {
	maxJitterPercent decimal.Decimal
	rng              Rand
}

// NewSimulatedProvider creates a simulated swap provider. maxJitterPercent
// caps the random downward fill deviation.
func NewSimulatedProvider(maxJitterPercent decimal.Decimal, rng Rand) *SimulatedProvider {
	if rng == nil {
		rng = &lockedRand{src: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
	return &SimulatedProvider{maxJitterPercent: maxJitterPercent, rng: rng}
}

func (p *SimulatedProvider) Swap(ctx context.Context, playerID string, tokens int64, targetAmount decimal.Decimal) (*SwapResult, error) {
	jitter := decimal.NewFromFloat(p.rng.Float64()).Mul(p.maxJitterPercent).Div(decimal.NewFromInt(100))
	return &SwapResult{
		AmountReceived: targetAmount.Mul(decimal.NewFromInt(1).Sub(jitter)),
		TxReference:    idgen.WithPrefix("tx_"),
	}, nil
}

type lockedRand struct {
	mu  sync.Mutex
	src *rand.Rand
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Float64()
}
