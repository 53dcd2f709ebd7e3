package mining

import (
	"math/rand"
	"sync"
	"time"
)

// lockedRand wraps math/rand so concurrent accrual passes can share one
// source. Drop rolls do not need crypto-grade randomness.
type lockedRand struct {
	mu  sync.Mutex
	src *rand.Rand
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Float64()
}

func defaultRand() Rand {
	return &lockedRand{src: rand.New(rand.NewSource(time.Now().UnixNano()))}
}
