// Package payments is the boundary to the card processor. The core treats it
// as an opaque charge service.
package payments

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/example/ride-bidding/internal/models"
)

type ChargeRequest struct {
	RideID   string
	RiderID  string
	Amount   decimal.Decimal
	Currency string
	// IdempotencyKey is stable for one attempt at one ride and price, so a
	// resumed charge never collects twice.
	IdempotencyKey string
}

// ChargeResult is the processor's verdict. Transport failures come back as
// errors instead.
type ChargeResult struct {
	Status      models.PaymentStatus
	ProviderRef string
	Reason      string
}

type Provider interface {
	HasPaymentMethod(ctx context.Context, riderID string) (bool, error)
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// Capturer is implemented by providers that place a hold first and collect
// when the ride completes.
type Capturer interface {
	Capture(ctx context.Context, providerRef string) error
}

// Releaser drops a hold on cancellation.
type Releaser interface {
	Release(ctx context.Context, providerRef string) error
}

// MinorUnits converts an amount to cents.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
