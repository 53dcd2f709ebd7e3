package cashout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drillcore/internal/gamecfg"
)

type fakeLedger struct {
	mu       sync.Mutex
	diamonds map[string]int64
	oil      map[string]decimal.Decimal
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		diamonds: make(map[string]int64),
		oil:      make(map[string]decimal.Decimal),
	}
}

func (f *fakeLedger) DebitDiamonds(ctx context.Context, playerID string, tokens int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.diamonds[playerID] < tokens {
		return ErrInsufficientTokens
	}
	f.diamonds[playerID] -= tokens
	return nil
}

func (f *fakeLedger) CreditOil(ctx context.Context, playerID string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.oil[playerID]
	if !ok {
		cur = decimal.Zero
	}
	f.oil[playerID] = cur.Add(amount)
	return nil
}

type fakeVerifier struct {
	status string
	amount decimal.Decimal
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, reference string) (string, decimal.Decimal, error) {
	return f.status, f.amount, f.err
}

type staticProvider struct {
	snap gamecfg.Snapshot
}

func (s *staticProvider) Current() gamecfg.Snapshot { return s.snap }

func testSnapshot() gamecfg.Snapshot {
	snap := gamecfg.Default()
	snap.Cashout = gamecfg.CashoutRules{
		Mode:             gamecfg.ModeTokenRate,
		ExchangeRate:     decimal.RequireFromString("0.1"),
		PayoutPercentage: decimal.RequireFromString("0.3"),
	}
	return snap
}

func fixedTime() time.Time {
	return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *fakeLedger) {
	t.Helper()
	store := NewMemoryStore()
	ledger := newFakeLedger()
	svc := NewService(store, ledger, &staticProvider{snap: testSnapshot()}, &fakeVerifier{status: "succeeded", amount: decimal.RequireFromString("9.99")}, nil, fixedTime)
	return svc, store, ledger
}

func TestSubmit_DebitsAndRecords(t *testing.T) {
	svc, store, ledger := newTestService(t)
	ctx := context.Background()
	ledger.diamonds["alice"] = 50

	req, err := svc.Submit(ctx, "alice", 30)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, req.Status)
	assert.Equal(t, int64(30), req.Tokens)
	assert.Equal(t, int64(20), ledger.diamonds["alice"])

	round, err := store.GetRound(ctx, req.RoundID)
	require.NoError(t, err)
	assert.Equal(t, "2026-06", round.PeriodKey)
	assert.Equal(t, RoundOpen, round.Status)
}

func TestSubmit_InsufficientDiamonds(t *testing.T) {
	svc, _, ledger := newTestService(t)
	ledger.diamonds["alice"] = 5

	_, err := svc.Submit(context.Background(), "alice", 30)
	assert.ErrorIs(t, err, ErrInsufficientTokens)
}

func TestSubmit_RejectsNonPositive(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Submit(context.Background(), "alice", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Submit(context.Background(), "alice", -3)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestClose_ProportionalExact(t *testing.T) {
	svc, store, ledger := newTestService(t)
	ctx := context.Background()
	ledger.diamonds["alice"] = 30
	ledger.diamonds["bob"] = 70

	reqA, err := svc.Submit(ctx, "alice", 30)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "bob", 70)
	require.NoError(t, err)

	pool := decimal.RequireFromString("10")
	summary, err := svc.Close(ctx, reqA.RoundID, &pool)
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary.TotalTokens)
	assert.Equal(t, 2, summary.Payouts)

	payouts, err := store.ListPayouts(ctx, reqA.RoundID)
	require.NoError(t, err)
	require.Len(t, payouts, 2)

	byPlayer := make(map[string]*Payout)
	for _, p := range payouts {
		byPlayer[p.PlayerID] = p
	}
	assert.True(t, byPlayer["alice"].Amount.Equal(decimal.RequireFromString("3")),
		"alice got %s", byPlayer["alice"].Amount)
	assert.True(t, byPlayer["bob"].Amount.Equal(decimal.RequireFromString("7")),
		"bob got %s", byPlayer["bob"].Amount)

	round, err := store.GetRound(ctx, reqA.RoundID)
	require.NoError(t, err)
	assert.Equal(t, RoundClosed, round.Status)
	require.NotNil(t, round.ClosedAt)
}

func TestClose_RemainderGoesToLastPlayer(t *testing.T) {
	svc, store, ledger := newTestService(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		ledger.diamonds[id] = 1
		_, err := svc.Submit(ctx, id, 1)
		require.NoError(t, err)
	}

	round, err := svc.CurrentRound(ctx)
	require.NoError(t, err)

	pool := decimal.RequireFromString("10")
	_, err = svc.Close(ctx, round.ID, &pool)
	require.NoError(t, err)

	payouts, err := store.ListPayouts(ctx, round.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 3)

	sum := decimal.Zero
	for _, p := range payouts {
		sum = sum.Add(p.Amount)
	}
	assert.True(t, sum.Equal(pool), "payouts sum to %s, want %s", sum, pool)
	// 10/3 rounds to 3.333333 for the first two; the last absorbs the rest.
	assert.True(t, payouts[0].Amount.Equal(decimal.RequireFromString("3.333333")))
	assert.True(t, payouts[1].Amount.Equal(decimal.RequireFromString("3.333333")))
	assert.True(t, payouts[2].Amount.Equal(decimal.RequireFromString("3.333334")))
}

func TestClose_AggregatesMultipleRequestsPerPlayer(t *testing.T) {
	svc, store, ledger := newTestService(t)
	ctx := context.Background()
	ledger.diamonds["alice"] = 100

	req, err := svc.Submit(ctx, "alice", 40)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "alice", 60)
	require.NoError(t, err)

	pool := decimal.RequireFromString("25")
	summary, err := svc.Close(ctx, req.RoundID, &pool)
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary.TotalTokens)
	assert.Equal(t, 1, summary.Payouts)

	payout, err := store.GetPayout(ctx, req.RoundID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), payout.TokensBurned)
	assert.True(t, payout.Amount.Equal(pool))
}

func TestClose_TokenRateModeDerivesPool(t *testing.T) {
	svc, store, ledger := newTestService(t)
	ctx := context.Background()
	ledger.diamonds["alice"] = 50

	req, err := svc.Submit(ctx, "alice", 50)
	require.NoError(t, err)

	// 50 tokens at rate 0.1 with no manual override.
	summary, err := svc.Close(ctx, req.RoundID, nil)
	require.NoError(t, err)
	assert.True(t, summary.PayoutPool.Equal(decimal.RequireFromString("5")),
		"pool %s", summary.PayoutPool)

	payout, err := store.GetPayout(ctx, req.RoundID, "alice")
	require.NoError(t, err)
	assert.True(t, payout.Amount.Equal(decimal.RequireFromString("5")))
}

func TestClose_RevenueShareModeDerivesPool(t *testing.T) {
	store := NewMemoryStore()
	ledger := newFakeLedger()
	snap := testSnapshot()
	snap.Cashout.Mode = gamecfg.ModeRevenueShare
	svc := NewService(store, ledger, &staticProvider{snap: snap},
		&fakeVerifier{status: "succeeded", amount: decimal.RequireFromString("100")}, nil, fixedTime)
	ctx := context.Background()
	ledger.diamonds["alice"] = 10

	_, err := svc.RecordPurchase(ctx, "alice", "pi_test_1")
	require.NoError(t, err)

	req, err := svc.Submit(ctx, "alice", 10)
	require.NoError(t, err)

	// Window revenue 100 at 30 percent share.
	summary, err := svc.Close(ctx, req.RoundID, nil)
	require.NoError(t, err)
	assert.True(t, summary.PayoutPool.Equal(decimal.RequireFromString("30")),
		"pool %s", summary.PayoutPool)
}

func TestClose_AlreadyClosed(t *testing.T) {
	svc, _, ledger := newTestService(t)
	ctx := context.Background()
	ledger.diamonds["alice"] = 10

	req, err := svc.Submit(ctx, "alice", 10)
	require.NoError(t, err)

	pool := decimal.RequireFromString("1")
	_, err = svc.Close(ctx, req.RoundID, &pool)
	require.NoError(t, err)

	_, err = svc.Close(ctx, req.RoundID, &pool)
	assert.ErrorIs(t, err, ErrRoundClosed)
}

func TestClose_EmptyRound(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	round, err := svc.CurrentRound(ctx)
	require.NoError(t, err)

	summary, err := svc.Close(ctx, round.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.TotalTokens)
	assert.Equal(t, 0, summary.Payouts)
	assert.True(t, summary.PayoutPool.IsZero())

	got, err := store.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, RoundClosed, got.Status)
}

func TestClose_RecoversApprovedRequests(t *testing.T) {
	// Simulates a close that approved requests but crashed before marking
	// the round closed. The retry must redistribute over the approved set.
	svc, store, ledger := newTestService(t)
	ctx := context.Background()
	ledger.diamonds["alice"] = 30
	ledger.diamonds["bob"] = 70

	reqA, err := svc.Submit(ctx, "alice", 30)
	require.NoError(t, err)
	reqB, err := svc.Submit(ctx, "bob", 70)
	require.NoError(t, err)

	reqA.Status = RequestApproved
	require.NoError(t, store.UpdateRequest(ctx, reqA))

	pool := decimal.RequireFromString("10")
	summary, err := svc.Close(ctx, reqA.RoundID, &pool)
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary.TotalTokens)
	assert.Equal(t, 2, summary.Payouts)

	payoutA, err := store.GetPayout(ctx, reqA.RoundID, "alice")
	require.NoError(t, err)
	payoutB, err := store.GetPayout(ctx, reqB.RoundID, "bob")
	require.NoError(t, err)
	assert.True(t, payoutA.Amount.Add(payoutB.Amount).Equal(pool))
	assert.True(t, payoutA.Amount.Equal(decimal.RequireFromString("3")))
}

func TestRecalculate_RewritesAmountsExactly(t *testing.T) {
	svc, store, ledger := newTestService(t)
	ctx := context.Background()
	ledger.diamonds["alice"] = 30
	ledger.diamonds["bob"] = 70

	req, err := svc.Submit(ctx, "alice", 30)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "bob", 70)
	require.NoError(t, err)

	pool := decimal.RequireFromString("10")
	_, err = svc.Close(ctx, req.RoundID, &pool)
	require.NoError(t, err)

	newPool := decimal.RequireFromString("20")
	summary, err := svc.Recalculate(ctx, req.RoundID, newPool)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Payouts)

	payouts, err := store.ListPayouts(ctx, req.RoundID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, p := range payouts {
		sum = sum.Add(p.Amount)
	}
	assert.True(t, sum.Equal(newPool), "payouts sum to %s, want %s", sum, newPool)

	payoutA, err := store.GetPayout(ctx, req.RoundID, "alice")
	require.NoError(t, err)
	assert.True(t, payoutA.Amount.Equal(decimal.RequireFromString("6")))

	round, err := store.GetRound(ctx, req.RoundID)
	require.NoError(t, err)
	assert.True(t, round.PayoutPool.Equal(newPool))
}

func TestRecalculate_RejectsNegativePool(t *testing.T) {
	svc, _, _ := newTestService(t)
	round, err := svc.CurrentRound(context.Background())
	require.NoError(t, err)

	_, err = svc.Recalculate(context.Background(), round.ID, decimal.RequireFromString("-1"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMarkPaid_Idempotent(t *testing.T) {
	svc, _, ledger := newTestService(t)
	ctx := context.Background()
	ledger.diamonds["alice"] = 10

	req, err := svc.Submit(ctx, "alice", 10)
	require.NoError(t, err)
	pool := decimal.RequireFromString("1")
	_, err = svc.Close(ctx, req.RoundID, &pool)
	require.NoError(t, err)

	payout, err := svc.MarkPaid(ctx, req.RoundID, "alice")
	require.NoError(t, err)
	assert.Equal(t, PayoutPaid, payout.Status)

	again, err := svc.MarkPaid(ctx, req.RoundID, "alice")
	require.NoError(t, err)
	assert.Equal(t, PayoutPaid, again.Status)
}

func TestRecordPurchase_CreditsOil(t *testing.T) {
	svc, _, ledger := newTestService(t)
	ctx := context.Background()

	purchase, err := svc.RecordPurchase(ctx, "alice", "pi_abc")
	require.NoError(t, err)
	assert.True(t, purchase.Amount.Equal(decimal.RequireFromString("9.99")))
	assert.True(t, ledger.oil["alice"].Equal(decimal.RequireFromString("9.99")))
}

func TestRecordPurchase_DuplicateReference(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordPurchase(ctx, "alice", "pi_abc")
	require.NoError(t, err)

	_, err = svc.RecordPurchase(ctx, "alice", "pi_abc")
	assert.ErrorIs(t, err, ErrDuplicatePurchase)
}

func TestRecordPurchase_RejectedPayment(t *testing.T) {
	store := NewMemoryStore()
	ledger := newFakeLedger()
	svc := NewService(store, ledger, &staticProvider{snap: testSnapshot()},
		&fakeVerifier{status: "requires_payment_method", amount: decimal.Zero}, nil, fixedTime)

	_, err := svc.RecordPurchase(context.Background(), "alice", "pi_bad")
	assert.ErrorIs(t, err, ErrPaymentRejected)
	assert.True(t, ledger.oil["alice"].IsZero())
}
