// Package exchange implements opt-in automatic conversion of diamonds to an
// external token via a pluggable swap provider.
//
// Requests are accepted cheaply and executed asynchronously. Nothing is
// debited at submission; the debit happens only after a swap completes
// within the player's slippage bound. Every failure path lands in a
// fallback queue for manual review, so no request is silently dropped.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrFeatureDisabled    = errors.New("auto-exchange is disabled")
	ErrPreferenceDisabled = errors.New("player has not enabled auto-exchange")
	ErrRequestNotFound    = errors.New("exchange request not found")
	ErrInvalidTokens      = errors.New("token amount out of range")
	ErrSlippageOutOfRange = errors.New("slippage tolerance out of range")
	ErrInsufficientTokens = errors.New("insufficient diamond balance")
	ErrSlippageExceeded   = errors.New("swap result below slippage bound")
	ErrNotRequestOwner    = errors.New("request belongs to another player")
)

// Status represents the lifecycle state of an exchange request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFallback  Status = "fallback"
)

// FallbackStatus represents the review state of a fallback entry.
type FallbackStatus string

const (
	FallbackOpen     FallbackStatus = "open"
	FallbackResolved FallbackStatus = "resolved"
)

// Request is one player's ask to swap diamonds for external tokens.
// TargetAmount is fixed at submission from the rate in effect, so a later
// tuning change cannot move the goalposts mid-flight.
type Request struct {
	ID              string          `json:"id"`
	PlayerID        string          `json:"playerId"`
	Tokens          int64           `json:"tokens"`
	SlippagePercent decimal.Decimal `json:"slippagePercent"`
	TargetAmount    decimal.Decimal `json:"targetAmount"`
	ReceivedAmount  decimal.Decimal `json:"receivedAmount"`
	TxReference     string          `json:"txReference,omitempty"`
	Status          Status          `json:"status"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	RetryCount      int             `json:"retryCount"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Fallback is a failed exchange parked for manual review. The player's
// diamonds are untouched when one of these exists, with one exception:
// a completed swap whose final status write failed is parked with the
// debit already applied, and the reason records that.
type Fallback struct {
	ID        string         `json:"id"`
	RequestID string         `json:"requestId"`
	PlayerID  string         `json:"playerId"`
	Tokens    int64          `json:"tokens"`
	Reason    string         `json:"reason"`
	Status    FallbackStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Store persists exchange requests and fallbacks.
type Store interface {
	CreateRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	// ListPending returns up to limit pending requests, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Request, error)
	ListByPlayer(ctx context.Context, playerID string, limit int) ([]*Request, error)
	UpdateRequest(ctx context.Context, req *Request) error

	CreateFallback(ctx context.Context, fb *Fallback) error
	ListFallbacks(ctx context.Context, status FallbackStatus, limit int) ([]*Fallback, error)
	UpdateFallback(ctx context.Context, fb *Fallback) error
	GetFallback(ctx context.Context, id string) (*Fallback, error)
}

// LedgerService abstracts the player ledger. Implementations translate
// their balance errors to ErrInsufficientTokens.
type LedgerService interface {
	DiamondBalance(ctx context.Context, playerID string) (int64, error)
	DebitDiamonds(ctx context.Context, playerID string, tokens int64) error
	AutoExchangeEnabled(ctx context.Context, playerID string) (bool, error)
	SetAutoExchange(ctx context.Context, playerID string, enabled bool) error
}

// SwapResult is what a successful swap settled at: the amount actually
// received and the venue's transaction reference.
type SwapResult struct {
	AmountReceived decimal.Decimal
	TxReference    string
}

// SwapProvider executes the external token swap. Implementations return
// the fill; the service enforces the slippage bound.
type SwapProvider interface {
	Swap(ctx context.Context, playerID string, tokens int64, targetAmount decimal.Decimal) (*SwapResult, error)
}

// Auditor records exchange outcomes.
type Auditor interface {
	Record(ctx context.Context, kind, playerID, reference string, detail map[string]interface{})
}

// SubmitRequest is the request body for submitting an exchange. A nil
// SlippagePercent means the player did not set one; an explicit value,
// zero included, is validated against the configured band.
type SubmitRequest struct {
	Tokens          int64            `json:"tokens" binding:"required"`
	SlippagePercent *decimal.Decimal `json:"slippagePercent"`
}

// PreferenceRequest is the request body for toggling auto-exchange.
type PreferenceRequest struct {
	Enabled bool `json:"enabled"`
}
