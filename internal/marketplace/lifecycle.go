package marketplace

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/example/ride-bidding/internal/edits"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/pricing"
	"github.com/example/ride-bidding/internal/ride"
	"github.com/example/ride-bidding/internal/storage"
)

// AdvanceRideStatus performs a driver milestone (en_route, arrived,
// in_progress, completed). When driverID is set it must be the assigned
// driver. Completing a ride captures its payment hold.
func (c *Coordinator) AdvanceRideStatus(ctx context.Context, rideID, driverID string, next models.RideStatus) (models.Ride, error) {
	var before, after models.Ride
	err := c.withRide(ctx, rideID, func(tx storage.Store) error {
		r, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		moved, err := ride.Advance(r, next, c.now())
		if err != nil {
			return err
		}
		if driverID != "" && r.DriverID != driverID {
			return models.Validationf("driver %s is not assigned to ride %s", driverID, r.ID)
		}
		before = r
		after, err = tx.UpdateRide(ctx, moved)
		return err
	})
	if err != nil {
		return models.Ride{}, err
	}
	c.transitioned(ctx, before, after)
	if after.Status == models.StatusCompleted {
		c.capture(ctx, after.ID, after.PaymentRef)
	}
	return after, nil
}

// CancelOutcome reports what a cancellation cost and whom it affected.
type CancelOutcome struct {
	Ride            models.Ride     `json:"ride"`
	Late            bool            `json:"late"`
	Fee             decimal.Decimal `json:"fee"`
	FeeApplied      bool            `json:"fee_applied"`
	ReliabilityFlag bool            `json:"reliability_flag"`
	FormerDriverID  string          `json:"former_driver_id,omitempty"`
}

// CancelRide cancels a ride on behalf of initiator. A rider cancelling
// inside the late window owes the configured fee whether or not a driver was
// assigned; a driver doing the same is flagged for reliability. Open bids are closed and any
// payment hold is released.
func (c *Coordinator) CancelRide(ctx context.Context, rideID string, initiator models.Party) (CancelOutcome, error) {
	settings := c.pricing.Current()
	var (
		out    CancelOutcome
		before models.Ride
		closed []models.Bid
	)
	err := c.withRide(ctx, rideID, func(tx storage.Store) error {
		r, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		now := c.now()
		cancel := ride.Cancellation{
			Initiator: initiator,
			Late:      pricing.IsLateCancellation(r.ScheduledTime, now),
			Fee:       pricing.ComputeCancellationFee(r, now, settings),
		}
		cancelled, err := ride.Cancel(r, cancel, now)
		if err != nil {
			return err
		}
		if closed, err = c.ledger.With(tx).CloseOpen(ctx, r.ID); err != nil {
			return err
		}
		before = r
		if out.Ride, err = tx.UpdateRide(ctx, cancelled); err != nil {
			return err
		}
		out.Late = cancel.Late
		out.FormerDriverID = r.DriverID
		return nil
	})
	if err != nil {
		return CancelOutcome{}, err
	}
	out.FeeApplied = out.Ride.CancellationFee.Valid
	out.Fee = decimal.Zero
	if out.FeeApplied {
		out.Fee = out.Ride.CancellationFee.Decimal
	}
	out.ReliabilityFlag = out.Ride.ReliabilityFlag

	observability.Cancellations.WithLabelValues(string(initiator), strconv.FormatBool(out.Late)).Inc()
	c.log.Info("ride cancelled",
		"ride_id", out.Ride.ID, "initiator", initiator, "late", out.Late,
		"fee", out.Fee.StringFixed(2), "reliability_flag", out.ReliabilityFlag)
	c.publish(ctx, events.RideCancelled, out.Ride.ID, map[string]any{
		"initiator":        initiator,
		"late":             out.Late,
		"fee":              out.Fee.StringFixed(2),
		"reliability_flag": out.ReliabilityFlag,
		"driver_id":        out.FormerDriverID,
	})
	c.transitioned(ctx, before, out.Ride)
	for _, b := range closed {
		if b.DriverID != out.FormerDriverID {
			c.notify(ctx, b.DriverID, "bid.rejected", b)
		}
	}
	if out.Ride.PaymentRef != "" {
		c.release(ctx, out.Ride.ID, out.Ride.PaymentRef)
	}
	return out, nil
}

// ProposeEdit parks an assigned ride in edit_pending until the other party
// responds.
func (c *Coordinator) ProposeEdit(ctx context.Context, p edits.Proposal) (models.RideEdit, error) {
	var (
		edit          models.RideEdit
		before, after models.Ride
	)
	err := c.withRide(ctx, p.RideID, func(tx storage.Store) error {
		var err error
		if before, err = tx.GetRide(ctx, p.RideID); err != nil {
			return err
		}
		edit, after, err = c.edits.With(tx).Propose(ctx, p)
		return err
	})
	if err != nil {
		return models.RideEdit{}, err
	}
	observability.EditRequests.WithLabelValues("proposed").Inc()
	c.log.Info("edit proposed", "ride_id", after.ID, "edit_id", edit.ID, "proposed_by", edit.ProposedBy, "prior_status", edit.PriorStatus)
	c.publish(ctx, events.EditProposed, after.ID, map[string]any{
		"edit_id":      edit.ID,
		"proposed_by":  edit.ProposedBy,
		"prior_status": edit.PriorStatus,
	})
	c.notify(ctx, counterpartOf(after, edit.ProposedBy), events.EditProposed, edit)
	c.transitioned(ctx, before, after)
	return edit, nil
}

// RespondToEdit accepts or rejects a pending edit and returns the ride to the
// status it had before the proposal.
func (c *Coordinator) RespondToEdit(ctx context.Context, editID string, accept bool, notes string) (models.RideEdit, models.Ride, error) {
	pending, err := c.store.GetEdit(ctx, editID)
	if err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}
	var (
		edit          models.RideEdit
		before, after models.Ride
	)
	err = c.withRide(ctx, pending.RideID, func(tx storage.Store) error {
		var err error
		if before, err = tx.GetRide(ctx, pending.RideID); err != nil {
			return err
		}
		edit, after, err = c.edits.With(tx).Respond(ctx, editID, accept, notes)
		return err
	})
	if err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}
	typ, action := events.EditRejected, "rejected"
	if accept {
		typ, action = events.EditAccepted, "accepted"
	}
	observability.EditRequests.WithLabelValues(action).Inc()
	c.log.Info("edit "+action, "ride_id", after.ID, "edit_id", edit.ID, "status", after.Status)
	c.publish(ctx, typ, after.ID, map[string]any{"edit_id": edit.ID})
	c.notify(ctx, partyID(after, edit.ProposedBy), typ, edit)
	c.transitioned(ctx, before, after)
	return edit, after, nil
}

// ListEdits returns a ride's edit requests, oldest first.
func (c *Coordinator) ListEdits(ctx context.Context, rideID string) ([]models.RideEdit, error) {
	return c.store.ListEdits(ctx, rideID)
}

func partyID(r models.Ride, p models.Party) string {
	if p == models.PartyDriver {
		return r.DriverID
	}
	return r.RiderID
}

func counterpartOf(r models.Ride, p models.Party) string {
	if p == models.PartyDriver {
		return r.RiderID
	}
	return r.DriverID
}
