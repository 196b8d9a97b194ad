package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/payments"
	"github.com/example/ride-bidding/internal/ride"
	"github.com/example/ride-bidding/internal/storage"
)

// inFlightWindow is how long a claimed attempt blocks a concurrent retry.
// A claim older than this is assumed abandoned and is resumed with the same
// provider key.
const inFlightWindow = time.Minute

// RetryPayment charges a ride left in payment_pending by an earlier failure.
// The attempt is keyed by ride and price, so a charge that already went
// through is never collected again.
func (c *Coordinator) RetryPayment(ctx context.Context, rideID string) (models.Ride, error) {
	r, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if !awaitingPayment(r) {
		return models.Ride{}, &models.TransitionError{From: r.Status, To: models.StatusPaid}
	}
	if err := c.requirePaymentMethod(ctx, r.RiderID, r.FinalPrice.Decimal); err != nil {
		return models.Ride{}, err
	}
	return c.collectPayment(ctx, rideID)
}

func awaitingPayment(r models.Ride) bool {
	if r.Status == models.StatusEditPending {
		return r.PreEditStatus == models.StatusPaymentPending
	}
	return r.Status == models.StatusPaymentPending
}

func (c *Coordinator) requirePaymentMethod(ctx context.Context, riderID string, amount decimal.Decimal) error {
	if c.payments == nil || !amount.IsPositive() {
		return nil
	}
	ok, err := c.payments.HasPaymentMethod(ctx, riderID)
	if err != nil {
		return &models.PaymentError{Kind: models.ErrPaymentUnavailable, Reason: err.Error()}
	}
	if !ok {
		return &models.PaymentError{Kind: models.ErrPaymentMethodRequired, Reason: "rider has no saved payment method"}
	}
	return nil
}

// collectPayment claims an attempt under the ride lock, charges outside it,
// then records the outcome and marks the ride paid under the lock again.
// On failure it returns a zero ride and a *models.PaymentError.
func (c *Coordinator) collectPayment(ctx context.Context, rideID string) (models.Ride, error) {
	if c.payments == nil {
		return models.Ride{}, &models.PaymentError{Kind: models.ErrPaymentUnavailable, Reason: "no payment provider configured"}
	}

	var (
		claim    models.PaymentAttempt
		settled  bool
		snapshot models.Ride
	)
	err := c.withRide(ctx, rideID, func(tx storage.Store) error {
		r, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if !awaitingPayment(r) {
			return &models.TransitionError{From: r.Status, To: models.StatusPaid}
		}
		snapshot = r
		key := models.PaymentKey(r.ID, r.FinalPrice.Decimal)
		a, err := tx.GetPaymentAttempt(ctx, key)
		switch {
		case errors.Is(err, models.ErrNotFound):
			a = models.PaymentAttempt{Key: key, RideID: r.ID, RiderID: r.RiderID, Amount: r.FinalPrice.Decimal}
		case err != nil:
			return err
		}

		now := c.now()
		switch {
		case a.Status == models.PaymentSucceeded:
			claim, settled = a, true
			return nil
		case a.Status == models.PaymentPending && a.LastError == "" && now.Sub(a.UpdatedAt) < inFlightWindow:
			return fmt.Errorf("%w: payment for ride %s is in flight", models.ErrConflict, r.ID)
		case a.Status == models.PaymentPending:
			// outcome unknown: resume with the same provider key
		case a.Attempts >= c.maxAttempts:
			return &models.PaymentError{Kind: models.ErrPaymentAttemptsExhausted, Reason: a.LastError}
		default:
			a.Attempts++
		}
		a.Status = models.PaymentPending
		a.LastError = ""
		a.UpdatedAt = now
		claim = a
		return tx.SavePaymentAttempt(ctx, a)
	})
	if err != nil {
		if errors.Is(err, models.ErrPaymentAttemptsExhausted) {
			observability.PaymentAttempts.WithLabelValues("exhausted").Inc()
		}
		return models.Ride{}, err
	}

	res := payments.ChargeResult{Status: models.PaymentSucceeded, ProviderRef: claim.ProviderRef}
	var chargeErr error
	if !settled {
		res, chargeErr = c.payments.Charge(ctx, payments.ChargeRequest{
			RideID:   claim.RideID,
			RiderID:  claim.RiderID,
			Amount:   claim.Amount,
			Currency: c.currency,
			// a declined key stays declined at the processor, so each
			// attempt gets its own
			IdempotencyKey: fmt.Sprintf("%s#%d", claim.Key, claim.Attempts),
		})
	}
	return c.settlePayment(ctx, snapshot, claim, res, chargeErr)
}

func (c *Coordinator) settlePayment(ctx context.Context, snapshot models.Ride, claim models.PaymentAttempt, res payments.ChargeResult, chargeErr error) (models.Ride, error) {
	a := claim
	a.UpdatedAt = c.now()
	switch {
	case chargeErr != nil:
		a.Status = models.PaymentPending
		a.LastError = chargeErr.Error()
	case res.Status == models.PaymentSucceeded || res.Status == models.PaymentRequiresAction:
		a.Status = res.Status
		a.ProviderRef = res.ProviderRef
		a.LastError = res.Reason
	default:
		a.Status = models.PaymentFailed
		a.LastError = res.Reason
	}

	var (
		before, after models.Ride
		orphaned      bool
	)
	err := c.withRide(ctx, snapshot.ID, func(tx storage.Store) error {
		if err := tx.SavePaymentAttempt(ctx, a); err != nil {
			return err
		}
		if a.Status != models.PaymentSucceeded {
			return nil
		}
		cur, err := tx.GetRide(ctx, snapshot.ID)
		if err != nil {
			return err
		}
		if !awaitingPayment(cur) || !cur.FinalPrice.Decimal.Equal(a.Amount) {
			orphaned = true
			return nil
		}
		paid, err := ride.MarkPaid(cur, a.ProviderRef, c.now())
		if err != nil {
			return err
		}
		before = cur
		after, err = tx.UpdateRide(ctx, paid)
		return err
	})
	if err != nil {
		c.log.Error("record payment outcome failed", "ride_id", snapshot.ID, "key", a.Key, "status", a.Status, "error", err)
		return models.Ride{}, err
	}

	log := c.log.With("ride_id", snapshot.ID, "key", a.Key, "attempt", a.Attempts)
	switch {
	case chargeErr != nil:
		observability.PaymentAttempts.WithLabelValues("error").Inc()
		log.Warn("payment provider error", "error", chargeErr)
		return models.Ride{}, &models.PaymentError{Kind: models.ErrPaymentUnavailable, Reason: chargeErr.Error()}

	case a.Status == models.PaymentSucceeded && orphaned:
		observability.PaymentAttempts.WithLabelValues("orphaned").Inc()
		log.Warn("payment succeeded after ride left payment_pending, releasing hold", "provider_ref", a.ProviderRef)
		c.release(ctx, snapshot.ID, a.ProviderRef)
		return models.Ride{}, fmt.Errorf("%w: ride %s changed while payment was in flight", models.ErrConflict, snapshot.ID)

	case a.Status == models.PaymentSucceeded:
		observability.PaymentAttempts.WithLabelValues("succeeded").Inc()
		log.Info("payment succeeded", "provider_ref", a.ProviderRef)
		c.publish(ctx, events.PaymentSucceeded, snapshot.ID, map[string]any{
			"amount":       a.Amount.StringFixed(2),
			"provider_ref": a.ProviderRef,
			"attempt":      a.Attempts,
		})
		c.transitioned(ctx, before, after)
		return after, nil
	}

	kind := models.ErrPaymentDeclined
	if a.Status == models.PaymentRequiresAction {
		kind = models.ErrPaymentVerificationRequired
	}
	observability.PaymentAttempts.WithLabelValues(string(a.Status)).Inc()
	log.Warn("payment not collected", "status", a.Status, "reason", a.LastError)
	c.publish(ctx, events.PaymentFailed, snapshot.ID, map[string]any{
		"status":  a.Status,
		"reason":  a.LastError,
		"attempt": a.Attempts,
	})
	perr := &models.PaymentError{Kind: kind, Reason: a.LastError}
	c.notify(ctx, snapshot.RiderID, events.PaymentFailed, map[string]any{
		"ride_id":   snapshot.ID,
		"error":     perr.Error(),
		"retryable": models.Retryable(perr) && a.Attempts < c.maxAttempts,
	})
	return models.Ride{}, perr
}

func (c *Coordinator) release(ctx context.Context, rideID, ref string) {
	rel, ok := c.payments.(payments.Releaser)
	if !ok || ref == "" {
		return
	}
	if err := rel.Release(ctx, ref); err != nil {
		c.log.Error("release payment hold failed", "ride_id", rideID, "provider_ref", ref, "error", err)
	}
}

func (c *Coordinator) capture(ctx context.Context, rideID, ref string) {
	cp, ok := c.payments.(payments.Capturer)
	if !ok || ref == "" {
		return
	}
	if err := cp.Capture(ctx, ref); err != nil {
		c.log.Error("capture payment failed", "ride_id", rideID, "provider_ref", ref, "error", err)
	}
}
