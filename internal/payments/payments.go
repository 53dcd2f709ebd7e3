// Package payments verifies external payment references before oil is
// credited. The production implementation asks Stripe; demo mode uses a
// static verifier that accepts everything at a fixed amount.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"drillcore/internal/retry"
)

var ErrUnknownReference = errors.New("unknown payment reference")

// StatusSucceeded is the normalized status for a confirmed payment.
const StatusSucceeded = "succeeded"

// StripeVerifier confirms payment intents against Stripe.
type StripeVerifier struct{}

// NewStripeVerifier creates a Stripe-backed verifier. The API key is
// process-global per the Stripe SDK.
func NewStripeVerifier(apiKey string) *StripeVerifier {
	stripe.Key = apiKey
	return &StripeVerifier{}
}

// Verify fetches the payment intent and normalizes its state. The amount
// returned is the amount actually received, in major currency units.
// Transient Stripe failures are retried; a missing reference is not.
func (v *StripeVerifier) Verify(ctx context.Context, reference string) (string, decimal.Decimal, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	var pi *stripe.PaymentIntent
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var err error
		pi, err = paymentintent.Get(reference, params)
		if err != nil {
			var stripeErr *stripe.Error
			if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
				return retry.Permanent(ErrUnknownReference)
			}
			return fmt.Errorf("fetch payment intent: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", decimal.Zero, err
	}

	// Stripe amounts are minor units (cents).
	amount := decimal.NewFromInt(pi.AmountReceived).Div(decimal.NewFromInt(100))
	return string(pi.Status), amount, nil
}

// StaticVerifier accepts every reference at a fixed amount. Demo mode only.
type StaticVerifier struct {
	Amount decimal.Decimal
}

// NewStaticVerifier creates a verifier that confirms everything.
func NewStaticVerifier(amount decimal.Decimal) *StaticVerifier {
	return &StaticVerifier{Amount: amount}
}

func (v *StaticVerifier) Verify(ctx context.Context, reference string) (string, decimal.Decimal, error) {
	return StatusSucceeded, v.Amount, nil
}
