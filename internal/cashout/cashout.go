// Package cashout implements batched redemption of diamonds for currency.
//
// Players submit redemption requests against the current open round. An
// operator closes the round, which derives a shared payout pool and
// distributes it proportionally to submitted diamonds. Distribution is
// at-least-once safe: payouts are idempotent upserts keyed by
// (round, player), so a partially failed close can simply be retried.
package cashout

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRoundNotFound      = errors.New("cashout round not found")
	ErrRoundClosed        = errors.New("cashout round is already closed")
	ErrRequestNotFound    = errors.New("redemption request not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientTokens = errors.New("insufficient diamond balance")
	ErrDuplicatePurchase  = errors.New("purchase reference already recorded")
	ErrPaymentRejected    = errors.New("payment not confirmed by provider")
	ErrPayoutNotFound     = errors.New("payout not found")
)

// RoundStatus represents the state of a cashout round.
type RoundStatus string

const (
	RoundOpen   RoundStatus = "open"
	RoundClosed RoundStatus = "closed"
)

// RequestStatus represents the state of a redemption request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestPaid     RequestStatus = "paid"
)

// PayoutStatus represents the state of a payout.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
)

// Round is a time-boxed settlement batch. At most one round is open per
// calendar period; closing is terminal on the primary path.
type Round struct {
	ID          string          `json:"id"`
	PeriodKey   string          `json:"periodKey"` // e.g. "2025-06"
	Status      RoundStatus     `json:"status"`
	WindowStart time.Time       `json:"windowStart"`
	WindowEnd   time.Time       `json:"windowEnd"`
	Revenue     decimal.Decimal `json:"revenue"`     // observed window revenue, audit only
	PayoutPool  decimal.Decimal `json:"payoutPool"`  // distributed currency
	TotalTokens int64           `json:"totalTokens"` // diamonds submitted
	ClosedAt    *time.Time      `json:"closedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Request is one player's ask to redeem diamonds in a round. Diamonds are
// debited at submission.
type Request struct {
	ID        string        `json:"id"`
	RoundID   string        `json:"roundId"`
	PlayerID  string        `json:"playerId"`
	Tokens    int64         `json:"tokens"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Payout is the settled amount for one (round, player) pair. The sum of a
// round's payout amounts equals its pool exactly.
type Payout struct {
	RoundID      string          `json:"roundId"`
	PlayerID     string          `json:"playerId"`
	TokensBurned int64           `json:"tokensBurned"`
	Amount       decimal.Decimal `json:"amount"`
	Status       PayoutStatus    `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Purchase is a verified external oil purchase, recorded for window revenue.
type Purchase struct {
	Reference string          `json:"reference"`
	PlayerID  string          `json:"playerId"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    time.Time       `json:"paidAt"`
}

// Store persists rounds, requests, payouts, and purchases.
type Store interface {
	CreateRound(ctx context.Context, round *Round) error
	GetRound(ctx context.Context, id string) (*Round, error)
	GetOpenRound(ctx context.Context, periodKey string) (*Round, error)
	UpdateRound(ctx context.Context, round *Round) error

	CreateRequest(ctx context.Context, req *Request) error
	// ListRequests returns a round's requests in creation order, optionally
	// filtered by status. Creation order matters: the last request in
	// iteration order absorbs the distribution remainder.
	ListRequests(ctx context.Context, roundID string, statuses ...RequestStatus) ([]*Request, error)
	ListRequestsByPlayer(ctx context.Context, playerID string, limit int) ([]*Request, error)
	UpdateRequest(ctx context.Context, req *Request) error

	// UpsertPayout inserts or overwrites the payout keyed by
	// (RoundID, PlayerID). Re-running a distribution must not double-insert.
	UpsertPayout(ctx context.Context, payout *Payout) error
	ListPayouts(ctx context.Context, roundID string) ([]*Payout, error)
	GetPayout(ctx context.Context, roundID, playerID string) (*Payout, error)

	RecordPurchase(ctx context.Context, purchase *Purchase) error
	HasPurchase(ctx context.Context, reference string) (bool, error)
	SumPurchases(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
}

// LedgerService abstracts the player ledger so cashout doesn't import mining.
// Implementations translate their balance errors to ErrInsufficientTokens.
type LedgerService interface {
	DebitDiamonds(ctx context.Context, playerID string, tokens int64) error
	CreditOil(ctx context.Context, playerID string, amount decimal.Decimal) error
}

// PaymentVerifier checks an external payment reference and returns the
// normalized confirmation.
type PaymentVerifier interface {
	Verify(ctx context.Context, reference string) (status string, amountPaid decimal.Decimal, err error)
}

// Auditor records settlement events. May be nil-safe no-op in demo mode.
type Auditor interface {
	Record(ctx context.Context, kind, playerID, reference string, detail map[string]interface{})
}

// SubmitRequest is the request body for submitting a redemption.
type SubmitRequest struct {
	Tokens int64 `json:"tokens" binding:"required"`
}

// CloseRequest is the request body for closing a round. ManualPool, when
// set, overrides the configured pool sourcing mode.
type CloseRequest struct {
	ManualPool *decimal.Decimal `json:"manualPool,omitempty"`
}

// RecalculateRequest is the request body for revising a round's pool.
type RecalculateRequest struct {
	NewPool decimal.Decimal `json:"newPool" binding:"required"`
}

// PurchaseRequest is the request body for recording a verified oil purchase.
type PurchaseRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// CloseSummary reports the outcome of a round close.
type CloseSummary struct {
	RoundID     string          `json:"roundId"`
	TotalTokens int64           `json:"totalTokens"`
	PayoutPool  decimal.Decimal `json:"payoutPool"`
	Payouts     int             `json:"payouts"`
}
