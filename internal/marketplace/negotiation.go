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
	"github.com/example/ride-bidding/internal/ride"
	"github.com/example/ride-bidding/internal/storage"
)

// SubmitBid places a driver's opening offer. The first bid on a requested
// ride opens bidding.
func (c *Coordinator) SubmitBid(ctx context.Context, rideID, driverID string, amount decimal.Decimal, notes string) (models.Bid, error) {
	var (
		bid           models.Bid
		before, after models.Ride
	)
	err := c.withRide(ctx, rideID, func(tx storage.Store) error {
		r, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		before, after = r, r
		if bid, err = c.ledger.With(tx).Place(ctx, r, driverID, amount, notes); err != nil {
			return err
		}
		if r.Status != models.StatusRequested {
			return nil
		}
		next, err := ride.StartBidding(r, c.now())
		if err != nil {
			return err
		}
		after, err = tx.UpdateRide(ctx, next)
		return err
	})
	if err != nil {
		return models.Bid{}, err
	}

	observability.BidsPlaced.Inc()
	c.log.Info("bid placed", "ride_id", rideID, "bid_id", bid.ID, "driver_id", driverID, "amount", bid.Amount.StringFixed(2))
	c.publish(ctx, events.BidPlaced, rideID, map[string]any{
		"bid_id":    bid.ID,
		"driver_id": bid.DriverID,
		"amount":    bid.Amount.StringFixed(2),
	})
	c.notify(ctx, after.RiderID, events.BidPlaced, bid)
	c.transitioned(ctx, before, after)
	return bid, nil
}

// CounterResult is the outcome of a counter offer. MaxReached means the chain
// hit the round limit and can only be accepted upstream or abandoned.
type CounterResult struct {
	Bid        models.Bid `json:"bid"`
	MaxReached bool       `json:"max_reached"`
}

// SubmitCounter chains a counter offer from proposedBy onto parentBidID.
func (c *Coordinator) SubmitCounter(ctx context.Context, parentBidID string, proposedBy models.Party, amount decimal.Decimal, notes string) (CounterResult, error) {
	parent, err := c.store.GetBid(ctx, parentBidID)
	if err != nil {
		return CounterResult{}, err
	}
	var (
		bid models.Bid
		r   models.Ride
	)
	err = c.withRide(ctx, parent.RideID, func(tx storage.Store) error {
		if r, err = tx.GetRide(ctx, parent.RideID); err != nil {
			return err
		}
		bid, err = c.ledger.With(tx).Counter(ctx, r, parentBidID, proposedBy, amount, notes)
		return err
	})
	if err != nil {
		return CounterResult{}, err
	}

	res := CounterResult{Bid: bid, MaxReached: bid.Status == models.BidMaxReached}
	observability.CountersPlaced.WithLabelValues(string(proposedBy), string(bid.Status)).Inc()
	c.log.Info("counter offer placed",
		"ride_id", r.ID, "bid_id", bid.ID, "parent_bid_id", parentBidID,
		"party", proposedBy, "round", bid.Round, "status", bid.Status)
	c.publish(ctx, events.BidCountered, r.ID, map[string]any{
		"bid_id":        bid.ID,
		"parent_bid_id": parentBidID,
		"party":         proposedBy,
		"amount":        bid.Amount.StringFixed(2),
		"round":         bid.Round,
		"max_reached":   res.MaxReached,
	})
	counterpart := bid.DriverID
	if proposedBy == models.PartyDriver {
		counterpart = r.RiderID
	}
	c.notify(ctx, counterpart, events.BidCountered, res)
	return res, nil
}

// SelectBid marks a bid as the rider's tentative choice and tells the driver.
func (c *Coordinator) SelectBid(ctx context.Context, bidID string) (models.Bid, error) {
	b, err := c.store.GetBid(ctx, bidID)
	if err != nil {
		return models.Bid{}, err
	}
	err = c.withRide(ctx, b.RideID, func(tx storage.Store) error {
		r, err := tx.GetRide(ctx, b.RideID)
		if err != nil {
			return err
		}
		if r.Status != models.StatusRequested && r.Status != models.StatusBidding {
			return &models.TransitionError{From: r.Status, To: models.StatusBidding}
		}
		b, err = c.ledger.With(tx).MarkSelected(ctx, bidID)
		return err
	})
	if err != nil {
		return models.Bid{}, err
	}
	c.notify(ctx, b.DriverID, "bid.selected", b)
	return b, nil
}

// AcceptResult is returned by AcceptBid. Ride and Bid are set whenever the
// bid was accepted, even if the payment that followed failed.
type AcceptResult struct {
	Ride models.Ride `json:"ride"`
	Bid  models.Bid  `json:"bid"`
}

// AcceptBid locks the bid's price and driver onto the ride, closes every
// other open bid and, when a charge is due, collects payment. A failed
// payment leaves the ride in payment_pending; RetryPayment resumes it.
func (c *Coordinator) AcceptBid(ctx context.Context, bidID string) (AcceptResult, error) {
	start := time.Now()
	defer func() { observability.AcceptLatency.Observe(time.Since(start).Seconds()) }()

	target, err := c.store.GetBid(ctx, bidID)
	if err != nil {
		return AcceptResult{}, err
	}
	snapshot, err := c.store.GetRide(ctx, target.RideID)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := c.requirePaymentMethod(ctx, snapshot.RiderID, target.Amount); err != nil {
		observability.BidAccepts.WithLabelValues("payment_method_required").Inc()
		return AcceptResult{}, err
	}

	var (
		res      AcceptResult
		before   models.Ride
		rejected []models.Bid
	)
	err = c.withRide(ctx, target.RideID, func(tx storage.Store) error {
		r, err := tx.GetRide(ctx, target.RideID)
		if err != nil {
			return err
		}
		before = r
		if r.DriverID != "" {
			return fmt.Errorf("%w: ride %s has driver %s", models.ErrAlreadyAssigned, r.ID, r.DriverID)
		}
		next := models.StatusPaymentPending
		if c.payments == nil || !target.Amount.IsPositive() {
			next = models.StatusScheduled
		}
		if r.Status == models.StatusRequested {
			if r, err = ride.StartBidding(r, c.now()); err != nil {
				return err
			}
		}
		if r.Status != models.StatusBidding {
			return &models.TransitionError{From: r.Status, To: next}
		}
		accepted, closed, err := c.ledger.With(tx).Accept(ctx, bidID)
		if err != nil {
			return err
		}
		assigned, err := ride.Assign(r, accepted, next, c.now())
		if err != nil {
			return err
		}
		if res.Ride, err = tx.UpdateRide(ctx, assigned); err != nil {
			return err
		}
		res.Bid, rejected = accepted, closed
		return nil
	})
	if err != nil {
		observability.BidAccepts.WithLabelValues(acceptOutcome(err)).Inc()
		return AcceptResult{}, err
	}

	observability.BidAccepts.WithLabelValues("accepted").Inc()
	c.log.Info("bid accepted",
		"ride_id", res.Ride.ID, "bid_id", res.Bid.ID, "driver_id", res.Bid.DriverID,
		"final_price", res.Bid.Amount.StringFixed(2), "status", res.Ride.Status)
	c.publish(ctx, events.BidAccepted, res.Ride.ID, map[string]any{
		"bid_id":    res.Bid.ID,
		"driver_id": res.Bid.DriverID,
		"amount":    res.Bid.Amount.StringFixed(2),
		"rejected":  len(rejected),
	})
	c.notify(ctx, res.Bid.DriverID, events.BidAccepted, res.Bid)
	told := map[string]bool{res.Bid.DriverID: true}
	for _, b := range rejected {
		if told[b.DriverID] {
			continue
		}
		told[b.DriverID] = true
		c.notify(ctx, b.DriverID, "bid.rejected", b)
	}
	c.transitioned(ctx, before, res.Ride)

	if res.Ride.Status != models.StatusPaymentPending {
		return res, nil
	}
	paid, err := c.collectPayment(ctx, res.Ride.ID)
	if paid.ID != "" {
		res.Ride = paid
	}
	return res, err
}

func acceptOutcome(err error) string {
	switch {
	case errors.Is(err, models.ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, models.ErrBidTerminal):
		return "bid_terminal"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	}
	return "error"
}

// BidHistory returns the negotiation chain a bid belongs to, oldest first.
func (c *Coordinator) BidHistory(ctx context.Context, bidID string) ([]models.Bid, error) {
	return c.ledger.History(ctx, bidID)
}

// RideBidHistory returns every bid placed on a ride, oldest first.
func (c *Coordinator) RideBidHistory(ctx context.Context, rideID string) ([]models.Bid, error) {
	if _, err := c.store.GetRide(ctx, rideID); err != nil {
		return nil, err
	}
	return c.ledger.RideHistory(ctx, rideID)
}
