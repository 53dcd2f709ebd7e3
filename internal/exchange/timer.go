package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const drainBatchSize = 50

// Executor periodically drains the pending exchange queue.
type Executor struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewExecutor creates a new exchange executor.
func NewExecutor(service *Service, interval time.Duration, logger *slog.Logger) *Executor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Executor{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the executor loop is actively running.
func (e *Executor) Running() bool {
	return e.running.Load()
}

// Start begins the periodic drain loop. Call in a goroutine.
func (e *Executor) Start(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.safeDrain(ctx)
		}
	}
}

// Stop signals the executor to stop.
func (e *Executor) Stop() {
	select {
	case e.stop <- struct{}{}:
	default:
	}
}

func (e *Executor) safeDrain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in exchange executor", "panic", fmt.Sprint(r))
		}
	}()

	done, err := e.service.DrainPending(ctx, drainBatchSize)
	if err != nil {
		e.logger.Warn("exchange drain failed", "error", err)
		return
	}
	if done > 0 {
		e.logger.Info("exchange queue drained", "executed", done)
	}
}
