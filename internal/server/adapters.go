package server

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"drillcore/internal/cashout"
	"drillcore/internal/exchange"
	"drillcore/internal/mining"
)

// cashoutLedgerAdapter exposes the mining ledger to the cashout service,
// translating mining sentinels into the cashout package's vocabulary.
type cashoutLedgerAdapter struct {
	mining *mining.Service
}

var _ cashout.LedgerService = (*cashoutLedgerAdapter)(nil)

func (a *cashoutLedgerAdapter) DebitDiamonds(ctx context.Context, playerID string, tokens int64) error {
	err := a.mining.DebitDiamonds(ctx, playerID, tokens)
	if errors.Is(err, mining.ErrInsufficientTokens) {
		return cashout.ErrInsufficientTokens
	}
	return err
}

func (a *cashoutLedgerAdapter) CreditOil(ctx context.Context, playerID string, amount decimal.Decimal) error {
	return a.mining.CreditOil(ctx, playerID, amount)
}

// exchangeLedgerAdapter exposes the mining ledger to the exchange service.
type exchangeLedgerAdapter struct {
	mining *mining.Service
}

var _ exchange.LedgerService = (*exchangeLedgerAdapter)(nil)

func (a *exchangeLedgerAdapter) DiamondBalance(ctx context.Context, playerID string) (int64, error) {
	return a.mining.DiamondBalance(ctx, playerID)
}

func (a *exchangeLedgerAdapter) DebitDiamonds(ctx context.Context, playerID string, tokens int64) error {
	err := a.mining.DebitDiamonds(ctx, playerID, tokens)
	if errors.Is(err, mining.ErrInsufficientTokens) {
		return exchange.ErrInsufficientTokens
	}
	return err
}

func (a *exchangeLedgerAdapter) AutoExchangeEnabled(ctx context.Context, playerID string) (bool, error) {
	return a.mining.AutoExchangeEnabled(ctx, playerID)
}

func (a *exchangeLedgerAdapter) SetAutoExchange(ctx context.Context, playerID string, enabled bool) error {
	return a.mining.SetAutoExchange(ctx, playerID, enabled)
}
