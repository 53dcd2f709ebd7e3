package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"drillcore/internal/circuitbreaker"
	"drillcore/internal/gamecfg"
	"drillcore/internal/idgen"
	"drillcore/internal/logging"
	"drillcore/internal/metrics"
	"drillcore/internal/syncutil"
	"drillcore/internal/traces"
)

// swapBreakerKey is the circuit breaker key for the swap provider.
const swapBreakerKey = "swap_provider"

// Clock returns the current time. Injectable for tests.
type Clock func() time.Time

// ConfigProvider supplies the current tuning snapshot.
type ConfigProvider interface {
	Current() gamecfg.Snapshot
}

// Service accepts exchange requests and executes them against the swap
// provider.
type Service struct {
	store    Store
	ledger   LedgerService
	cfg      ConfigProvider
	provider SwapProvider
	audit    Auditor
	clock    Clock
	locks    *syncutil.ContextShardedMutex
	breaker  *circuitbreaker.Breaker
}

// NewService creates an exchange service. audit may be nil in demo mode.
func NewService(store Store, ledger LedgerService, cfg ConfigProvider, provider SwapProvider, audit Auditor, clock Clock) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		cfg:      cfg,
		provider: provider,
		audit:    audit,
		clock:    clock,
		locks:    syncutil.NewContextShardedMutex(),
		breaker:  circuitbreaker.New(5, 30*time.Second),
	}
}

// Submit validates and queues an exchange request. No diamonds move here;
// the debit is deferred until the swap succeeds inside the slippage bound.
// A nil slippage falls back to the configured minimum; an explicit value
// must be inside the band, so an explicit zero is rejected.
func (s *Service) Submit(ctx context.Context, playerID string, tokens int64, slippage *decimal.Decimal) (*Request, error) {
	rules := s.cfg.Current().Exchange
	if !rules.Enabled {
		return nil, ErrFeatureDisabled
	}

	enabled, err := s.ledger.AutoExchangeEnabled(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("check preference: %w", err)
	}
	if !enabled {
		return nil, ErrPreferenceDisabled
	}

	if tokens <= 0 || tokens > rules.MaxTokensPerRequest {
		return nil, ErrInvalidTokens
	}
	minSlip := decimal.NewFromFloat(rules.MinSlippagePercent)
	maxSlip := decimal.NewFromFloat(rules.MaxSlippagePercent)
	slip := minSlip
	if slippage != nil {
		slip = *slippage
		if slip.LessThan(minSlip) || slip.GreaterThan(maxSlip) {
			return nil, ErrSlippageOutOfRange
		}
	}

	// Soft balance check for fast feedback. The authoritative check runs
	// again at execution time.
	balance, err := s.ledger.DiamondBalance(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("check balance: %w", err)
	}
	if balance < tokens {
		return nil, ErrInsufficientTokens
	}

	now := s.clock()
	req := &Request{
		ID:              idgen.WithPrefix("exr_"),
		PlayerID:        playerID,
		Tokens:          tokens,
		SlippagePercent: slip,
		TargetAmount:    decimal.NewFromInt(tokens).Mul(rules.Rate),
		ReceivedAmount:  decimal.Zero,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// GetRequest returns a player's exchange request.
func (s *Service) GetRequest(ctx context.Context, playerID, requestID string) (*Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.PlayerID != playerID {
		return nil, ErrNotRequestOwner
	}
	return req, nil
}

// ListPlayerRequests returns a player's recent exchange requests.
func (s *Service) ListPlayerRequests(ctx context.Context, playerID string, limit int) ([]*Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByPlayer(ctx, playerID, limit)
}

// SetPreference toggles the player's auto-exchange opt-in.
func (s *Service) SetPreference(ctx context.Context, playerID string, enabled bool) error {
	return s.ledger.SetAutoExchange(ctx, playerID, enabled)
}

// Execute runs one pending request to a terminal state. It never returns
// a request stuck in executing: any failure, including a panic unwinding
// through here, parks the request in the fallback queue with the player's
// diamonds untouched.
func (s *Service) Execute(ctx context.Context, requestID string) error {
	ctx, span := traces.StartSpan(ctx, "exchange.Execute", traces.RequestID(requestID))
	defer span.End()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return nil
	}

	// Serialize executions per player so two requests cannot both pass the
	// balance recheck against the same diamonds.
	unlock, err := s.locks.LockContext(ctx, req.PlayerID)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under the lock; another execution may have advanced it.
	req, err = s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return nil
	}

	// A tripped breaker means the provider is down. Leave the request
	// pending for a later drain instead of mass-parking the queue.
	if !s.breaker.Allow(swapBreakerKey) {
		logging.L(ctx).Warn("swap provider circuit open, deferring request", "request_id", req.ID)
		return nil
	}

	now := s.clock()
	req.Status = StatusExecuting
	req.RetryCount++
	req.UpdatedAt = now
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("mark executing: %w", err)
	}

	defer func() {
		if req.Status == StatusExecuting {
			s.park(ctx, req, "execution aborted before reaching a terminal state")
		}
	}()

	balance, err := s.ledger.DiamondBalance(ctx, req.PlayerID)
	if err != nil {
		s.park(ctx, req, fmt.Sprintf("balance check failed: %v", err))
		return nil
	}
	if balance < req.Tokens {
		s.park(ctx, req, "insufficient diamond balance at execution time")
		return nil
	}

	result, err := s.provider.Swap(ctx, req.PlayerID, req.Tokens, req.TargetAmount)
	if err != nil {
		s.breaker.RecordFailure(swapBreakerKey)
		s.park(ctx, req, fmt.Sprintf("swap provider failed: %v", err))
		return nil
	}
	s.breaker.RecordSuccess(swapBreakerKey)
	received := result.AmountReceived

	// received must be at least target * (1 - slippage/100).
	floor := req.TargetAmount.Mul(decimal.NewFromInt(1).Sub(req.SlippagePercent.Div(decimal.NewFromInt(100))))
	if received.LessThan(floor) {
		s.park(ctx, req, fmt.Sprintf("received %s below slippage floor %s", received, floor))
		return nil
	}

	if err := s.ledger.DebitDiamonds(ctx, req.PlayerID, req.Tokens); err != nil {
		s.park(ctx, req, fmt.Sprintf("debit failed after swap: %v", err))
		return nil
	}

	req.Status = StatusCompleted
	req.ReceivedAmount = received
	req.TxReference = result.TxReference
	req.UpdatedAt = s.clock()
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		// The debit already happened. Park with an explicit reason so the
		// reviewer knows the diamonds are gone.
		logging.L(ctx).Error("exchange completion not persisted",
			"request_id", req.ID, "player_id", req.PlayerID, "error", err)
		s.park(ctx, req, "completion not persisted; diamonds were already debited")
		return nil
	}

	metrics.ExchangesCompleted.Inc()
	logging.L(ctx).Info("exchange completed",
		"request_id", req.ID,
		"player_id", req.PlayerID,
		"tokens", req.Tokens,
		"received", received.String(),
		"tx_reference", req.TxReference,
	)
	if s.audit != nil {
		s.audit.Record(ctx, "exchange.completed", req.PlayerID, req.ID, map[string]interface{}{
			"tokens":      req.Tokens,
			"received":    received.String(),
			"txReference": req.TxReference,
		})
	}
	return nil
}

// park moves a request to fallback with its reason recorded. Best effort:
// persistence failures here are logged, not returned, so the executor
// keeps draining the queue.
func (s *Service) park(ctx context.Context, req *Request, reason string) {
	now := s.clock()
	fb := &Fallback{
		ID:        idgen.WithPrefix("fbk_"),
		RequestID: req.ID,
		PlayerID:  req.PlayerID,
		Tokens:    req.Tokens,
		Reason:    reason,
		Status:    FallbackOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateFallback(ctx, fb); err != nil {
		logging.L(ctx).Error("fallback not persisted",
			"request_id", req.ID, "reason", reason, "error", err)
	}

	req.Status = StatusFallback
	req.ErrorMessage = reason
	req.UpdatedAt = now
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		logging.L(ctx).Error("fallback status not persisted",
			"request_id", req.ID, "error", err)
	}

	metrics.ExchangeFallbacks.Inc()
	logging.L(ctx).Warn("exchange parked for manual review",
		"request_id", req.ID, "player_id", req.PlayerID, "reason", reason)
	if s.audit != nil {
		s.audit.Record(ctx, "exchange.fallback", req.PlayerID, req.ID, map[string]interface{}{
			"tokens": req.Tokens,
			"reason": reason,
		})
	}
}

// DrainPending executes up to limit pending requests, oldest first.
// Returns the number of requests that reached a terminal state.
func (s *Service) DrainPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.store.ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	done := 0
	for _, req := range pending {
		if err := s.Execute(ctx, req.ID); err != nil {
			if errors.Is(err, ErrRequestNotFound) {
				continue
			}
			logging.L(ctx).Error("exchange execution error",
				"request_id", req.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

// ListFallbacks returns open fallback entries for operator review.
func (s *Service) ListFallbacks(ctx context.Context, limit int) ([]*Fallback, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.store.ListFallbacks(ctx, FallbackOpen, limit)
}

// ResolveFallback marks a fallback entry as handled.
func (s *Service) ResolveFallback(ctx context.Context, id string) (*Fallback, error) {
	fb, err := s.store.GetFallback(ctx, id)
	if err != nil {
		return nil, err
	}
	if fb.Status == FallbackResolved {
		return fb, nil
	}
	fb.Status = FallbackResolved
	fb.UpdatedAt = s.clock()
	if err := s.store.UpdateFallback(ctx, fb); err != nil {
		return nil, fmt.Errorf("resolve fallback: %w", err)
	}
	return fb, nil
}
