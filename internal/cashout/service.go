package cashout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"drillcore/internal/gamecfg"
	"drillcore/internal/idgen"
	"drillcore/internal/logging"
	"drillcore/internal/metrics"
	"drillcore/internal/traces"
)

// Clock returns the current time. Injectable for tests.
type Clock func() time.Time

// ConfigProvider supplies the current tuning snapshot.
type ConfigProvider interface {
	Current() gamecfg.Snapshot
}

// Service implements round lifecycle, settlement, and purchase recording.
type Service struct {
	store    Store
	ledger   LedgerService
	cfg      ConfigProvider
	verifier PaymentVerifier
	audit    Auditor
	clock    Clock

	// Serializes open-round lookup-or-create so a period gets one round.
	roundMu sync.Mutex
}

// NewService creates a new cashout service. verifier and audit may be nil
// in demo mode.
func NewService(store Store, ledger LedgerService, cfg ConfigProvider, verifier PaymentVerifier, audit Auditor, clock Clock) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		cfg:      cfg,
		verifier: verifier,
		audit:    audit,
		clock:    clock,
	}
}

// periodKey formats the calendar period a timestamp falls in.
func periodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func periodWindow(t time.Time) (time.Time, time.Time) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// CurrentRound returns the open round for the current period, creating it
// on first use.
func (s *Service) CurrentRound(ctx context.Context) (*Round, error) {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	now := s.clock()
	key := periodKey(now)
	round, err := s.store.GetOpenRound(ctx, key)
	if err == nil {
		return round, nil
	}
	if !errors.Is(err, ErrRoundNotFound) {
		return nil, fmt.Errorf("get open round: %w", err)
	}

	start, end := periodWindow(now)
	round = &Round{
		ID:          idgen.WithPrefix("rnd_"),
		PeriodKey:   key,
		Status:      RoundOpen,
		WindowStart: start,
		WindowEnd:   end,
		Revenue:     decimal.Zero,
		PayoutPool:  decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRound(ctx, round); err != nil {
		return nil, fmt.Errorf("create round: %w", err)
	}
	logging.L(ctx).Info("cashout round opened", "round_id", round.ID, "period", key)
	return round, nil
}

// Submit debits the player's diamonds and records a pending redemption
// request in the current open round. The debit happens first so a player
// can never submit more than they hold.
func (s *Service) Submit(ctx context.Context, playerID string, tokens int64) (*Request, error) {
	if tokens <= 0 {
		return nil, ErrInvalidAmount
	}

	round, err := s.CurrentRound(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.DebitDiamonds(ctx, playerID, tokens); err != nil {
		return nil, fmt.Errorf("debit diamonds: %w", err)
	}

	now := s.clock()
	req := &Request{
		ID:        idgen.WithPrefix("req_"),
		RoundID:   round.ID,
		PlayerID:  playerID,
		Tokens:    tokens,
		Status:    RequestPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		// The debit already happened. Refund by re-crediting is not
		// possible for diamonds without widening LedgerService, so
		// surface loudly for the operator.
		logging.L(ctx).Error("redemption request not persisted after debit",
			"player_id", playerID, "tokens", tokens, "error", err)
		return nil, fmt.Errorf("create request: %w", err)
	}

	metrics.CashoutTokensSubmitted.Add(float64(tokens))
	return req, nil
}

// ListPlayerRequests returns a player's recent redemption requests.
func (s *Service) ListPlayerRequests(ctx context.Context, playerID string, limit int) ([]*Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListRequestsByPlayer(ctx, playerID, limit)
}

// GetRound returns a round by ID.
func (s *Service) GetRound(ctx context.Context, roundID string) (*Round, error) {
	return s.store.GetRound(ctx, roundID)
}

// ListPayouts returns a round's payouts.
func (s *Service) ListPayouts(ctx context.Context, roundID string) ([]*Payout, error) {
	if _, err := s.store.GetRound(ctx, roundID); err != nil {
		return nil, err
	}
	return s.store.ListPayouts(ctx, roundID)
}

// Close settles a round: derives the payout pool, distributes it
// proportionally over submitted diamonds, approves the requests, and marks
// the round closed.
//
// The distribution is at-least-once safe. Payout rows are idempotent
// upserts and requests already approved by a previous partial run are
// included in the weight set without being re-approved, so a retry after a
// mid-loop failure converges on the same amounts. The round is only marked
// closed once every payout row has been written.
func (s *Service) Close(ctx context.Context, roundID string, manualPool *decimal.Decimal) (*CloseSummary, error) {
	ctx, span := traces.StartSpan(ctx, "cashout.Close", traces.RoundID(roundID))
	defer span.End()

	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round.Status == RoundClosed {
		return nil, ErrRoundClosed
	}

	pending, err := s.store.ListRequests(ctx, roundID, RequestPending)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	approved, err := s.store.ListRequests(ctx, roundID, RequestApproved)
	if err != nil {
		return nil, fmt.Errorf("list approved requests: %w", err)
	}

	// Weight set spans pending and previously approved so a crashed or
	// partially failed close redistributes over the full population.
	targets := make([]*Request, 0, len(pending)+len(approved))
	targets = append(targets, approved...)
	targets = append(targets, pending...)

	// A player may submit several requests in one round but receives a
	// single payout row, so weights aggregate per player. First-seen
	// order determines who absorbs the rounding remainder.
	shares := aggregate(targets)

	now := s.clock()
	revenue, err := s.store.SumPurchases(ctx, round.WindowStart, round.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("sum window revenue: %w", err)
	}

	var totalTokens int64
	for _, sh := range shares {
		totalTokens += sh.tokens
	}

	pool := s.derivePool(manualPool, revenue, totalTokens)
	if totalTokens == 0 {
		// Nothing submitted. Close the empty round without distribution.
		pool = decimal.Zero
	}

	amounts := distribute(pool, shares)
	var distErrs []error
	written := 0
	for i, sh := range shares {
		payout := &Payout{
			RoundID:      round.ID,
			PlayerID:     sh.playerID,
			TokensBurned: sh.tokens,
			Amount:       amounts[i],
			Status:       PayoutPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.UpsertPayout(ctx, payout); err != nil {
			distErrs = append(distErrs, fmt.Errorf("payout for %s: %w", sh.playerID, err))
			continue
		}
		written++
		for _, req := range sh.requests {
			if req.Status != RequestPending {
				continue
			}
			req.Status = RequestApproved
			req.UpdatedAt = now
			if err := s.store.UpdateRequest(ctx, req); err != nil {
				distErrs = append(distErrs, fmt.Errorf("approve request %s: %w", req.ID, err))
			}
		}
	}

	round.Revenue = revenue
	round.PayoutPool = pool
	round.TotalTokens = totalTokens
	round.UpdatedAt = now

	if len(distErrs) > 0 {
		// Leave the round open so the operator can retry the close; the
		// rows already written will be upserted with identical values.
		if err := s.store.UpdateRound(ctx, round); err != nil {
			distErrs = append(distErrs, fmt.Errorf("update round: %w", err))
		}
		return nil, fmt.Errorf("close round %s: %w", round.ID, errors.Join(distErrs...))
	}

	round.Status = RoundClosed
	round.ClosedAt = &now
	if err := s.store.UpdateRound(ctx, round); err != nil {
		return nil, fmt.Errorf("close round: %w", err)
	}

	metrics.CashoutRoundsClosed.Inc()
	logging.L(ctx).Info("cashout round closed",
		"round_id", round.ID,
		"total_tokens", totalTokens,
		"pool", pool.String(),
		"payouts", written,
	)
	if s.audit != nil {
		s.audit.Record(ctx, "cashout.closed", "", round.ID, map[string]interface{}{
			"totalTokens": totalTokens,
			"pool":        pool.String(),
			"payouts":     written,
		})
	}

	return &CloseSummary{
		RoundID:     round.ID,
		TotalTokens: totalTokens,
		PayoutPool:  pool,
		Payouts:     written,
	}, nil
}

// derivePool picks the pool for a close. A manual override always wins;
// otherwise the configured mode decides.
func (s *Service) derivePool(manual *decimal.Decimal, revenue decimal.Decimal, totalTokens int64) decimal.Decimal {
	if manual != nil {
		if manual.IsNegative() {
			return decimal.Zero
		}
		return *manual
	}
	rules := s.cfg.Current().Cashout
	switch rules.Mode {
	case gamecfg.ModeRevenueShare:
		return revenue.Mul(rules.PayoutPercentage)
	default:
		return decimal.NewFromInt(totalTokens).Mul(rules.ExchangeRate)
	}
}

// playerShare is one player's aggregated weight in a round.
type playerShare struct {
	playerID string
	tokens   int64
	requests []*Request
}

// aggregate folds a round's requests into per-player shares, keeping
// first-seen order stable.
func aggregate(requests []*Request) []*playerShare {
	index := make(map[string]*playerShare)
	var shares []*playerShare
	for _, req := range requests {
		sh, ok := index[req.PlayerID]
		if !ok {
			sh = &playerShare{playerID: req.PlayerID}
			index[req.PlayerID] = sh
			shares = append(shares, sh)
		}
		sh.tokens += req.Tokens
		sh.requests = append(sh.requests, req)
	}
	return shares
}

// distribute splits pool proportionally over the shares' token weights.
// Every entry except the last is rounded to 6 decimal places; the last
// receives pool minus the running sum, so the amounts sum to pool exactly.
func distribute(pool decimal.Decimal, shares []*playerShare) []decimal.Decimal {
	amounts := make([]decimal.Decimal, len(shares))
	for i := range amounts {
		amounts[i] = decimal.Zero
	}
	if len(shares) == 0 || pool.Sign() <= 0 {
		return amounts
	}

	var totalTokens int64
	for _, sh := range shares {
		totalTokens += sh.tokens
	}
	if totalTokens == 0 {
		return amounts
	}

	total := decimal.NewFromInt(totalTokens)
	running := decimal.Zero
	for i, sh := range shares {
		if i == len(shares)-1 {
			rest := pool.Sub(running)
			if rest.IsNegative() {
				rest = decimal.Zero
			}
			amounts[i] = rest
			break
		}
		share := pool.Mul(decimal.NewFromInt(sh.tokens)).Div(total).Round(6)
		amounts[i] = share
		running = running.Add(share)
	}
	return amounts
}

// Recalculate revises a round's pool and rewrites its payouts with the new
// amounts, preserving the original token weights. The same remainder rule
// as Close applies, so the rewritten amounts still sum to the new pool.
func (s *Service) Recalculate(ctx context.Context, roundID string, newPool decimal.Decimal) (*CloseSummary, error) {
	if newPool.IsNegative() {
		return nil, ErrInvalidAmount
	}
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}

	payouts, err := s.store.ListPayouts(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}

	var totalTokens int64
	for _, p := range payouts {
		totalTokens += p.TokensBurned
	}

	now := s.clock()
	written := 0
	if totalTokens > 0 {
		total := decimal.NewFromInt(totalTokens)
		running := decimal.Zero
		var errs []error
		for i, p := range payouts {
			var share decimal.Decimal
			if i == len(payouts)-1 {
				share = newPool.Sub(running)
				if share.IsNegative() {
					share = decimal.Zero
				}
			} else {
				share = newPool.Mul(decimal.NewFromInt(p.TokensBurned)).Div(total).Round(6)
			}
			running = running.Add(share)
			p.Amount = share
			p.UpdatedAt = now
			if err := s.store.UpsertPayout(ctx, p); err != nil {
				errs = append(errs, fmt.Errorf("payout for %s: %w", p.PlayerID, err))
				continue
			}
			written++
		}
		if len(errs) > 0 {
			return nil, fmt.Errorf("recalculate round %s: %w", round.ID, errors.Join(errs...))
		}
	}

	round.PayoutPool = newPool
	round.UpdatedAt = now
	if err := s.store.UpdateRound(ctx, round); err != nil {
		return nil, fmt.Errorf("update round: %w", err)
	}

	logging.L(ctx).Info("cashout round recalculated",
		"round_id", round.ID, "pool", newPool.String(), "payouts", written)
	if s.audit != nil {
		s.audit.Record(ctx, "cashout.recalculated", "", round.ID, map[string]interface{}{
			"pool":    newPool.String(),
			"payouts": written,
		})
	}

	return &CloseSummary{
		RoundID:     round.ID,
		TotalTokens: totalTokens,
		PayoutPool:  newPool,
		Payouts:     written,
	}, nil
}

// MarkPaid flags a payout as disbursed.
func (s *Service) MarkPaid(ctx context.Context, roundID, playerID string) (*Payout, error) {
	payout, err := s.store.GetPayout(ctx, roundID, playerID)
	if err != nil {
		return nil, err
	}
	if payout.Status == PayoutPaid {
		return payout, nil
	}
	payout.Status = PayoutPaid
	payout.UpdatedAt = s.clock()
	if err := s.store.UpsertPayout(ctx, payout); err != nil {
		return nil, fmt.Errorf("mark paid: %w", err)
	}
	return payout, nil
}

// RecordPurchase verifies an external payment reference, credits the
// player's oil one-to-one with the amount paid, and records the purchase
// for window revenue. References are idempotent.
func (s *Service) RecordPurchase(ctx context.Context, playerID, reference string) (*Purchase, error) {
	if reference == "" {
		return nil, ErrInvalidAmount
	}
	exists, err := s.store.HasPurchase(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("check purchase: %w", err)
	}
	if exists {
		return nil, ErrDuplicatePurchase
	}

	status, amount, err := s.verifier.Verify(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("verify payment: %w", err)
	}
	if status != "succeeded" || amount.Sign() <= 0 {
		return nil, ErrPaymentRejected
	}

	purchase := &Purchase{
		Reference: reference,
		PlayerID:  playerID,
		Amount:    amount,
		PaidAt:    s.clock(),
	}
	if err := s.store.RecordPurchase(ctx, purchase); err != nil {
		return nil, fmt.Errorf("record purchase: %w", err)
	}
	if err := s.ledger.CreditOil(ctx, playerID, amount); err != nil {
		return nil, fmt.Errorf("credit oil: %w", err)
	}

	metrics.PurchasesRecorded.Inc()
	logging.L(ctx).Info("oil purchase recorded",
		"player_id", playerID, "reference", reference, "amount", amount.String())
	return purchase, nil
}
