package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/paymentmethod"

	"github.com/example/ride-bidding/internal/models"
)

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
// Rider ids are Stripe customer ids.
type StripeClient struct {
	currency string
}

// NewStripeClient sets the process-wide stripe key.
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeClient{currency: strings.ToLower(currency)}
}

func (s *StripeClient) HasPaymentMethod(ctx context.Context, riderID string) (bool, error) {
	_, ok, err := s.defaultCard(ctx, riderID)
	return ok, err
}

func (s *StripeClient) defaultCard(ctx context.Context, customerID string) (string, bool, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	it := paymentmethod.List(params)
	if it.Next() {
		return it.PaymentMethod().ID, true, nil
	}
	if err := it.Err(); err != nil {
		return "", false, err
	}
	return "", false, nil
}

// Charge holds the amount on the rider's saved card with
// capture_method=manual. A successful hold counts as paid; Capture collects it.
func (s *StripeClient) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	pm, ok, err := s.defaultCard(ctx, req.RiderID)
	if err != nil {
		return ChargeResult{}, err
	}
	if !ok {
		return ChargeResult{Status: models.PaymentFailed, Reason: "no saved card"}, nil
	}
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(MinorUnits(req.Amount)),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(req.RiderID),
		PaymentMethod: stripe.String(pm),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.Context = ctx
	params.AddMetadata("ride_id", req.RideID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			res := ChargeResult{Status: models.PaymentFailed, Reason: se.Msg}
			if se.Code == stripe.ErrorCodeAuthenticationRequired {
				res.Status = models.PaymentRequiresAction
			}
			if se.PaymentIntent != nil {
				res.ProviderRef = se.PaymentIntent.ID
			}
			return res, nil
		}
		return ChargeResult{}, err
	}
	return resultFor(pi), nil
}

func resultFor(pi *stripe.PaymentIntent) ChargeResult {
	res := ChargeResult{ProviderRef: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusProcessing:
		res.Status = models.PaymentSucceeded
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		res.Status = models.PaymentRequiresAction
	default:
		res.Status = models.PaymentFailed
		res.Reason = fmt.Sprintf("payment intent %s", pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			res.Reason = pi.LastPaymentError.Msg
		}
	}
	return res
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Release cancels the PaymentIntent, dropping the hold.
func (s *StripeClient) Release(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}
