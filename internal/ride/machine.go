// Package ride is the ride lifecycle state machine. Every function takes a
// ride snapshot and returns the next snapshot; persisting it is the caller's
// job.
package ride

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-bidding/internal/models"
)

// AllowedTransitions is the lifecycle diagram as code. Leaving edit_pending
// is not listed: it always returns to the status recorded when the edit was
// proposed (see ExitEdit).
var AllowedTransitions = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:      {models.StatusBidding, models.StatusCancelled},
	models.StatusBidding:        {models.StatusScheduled, models.StatusPaymentPending, models.StatusCancelled},
	models.StatusScheduled:      {models.StatusPaid, models.StatusEnRoute, models.StatusCancelled, models.StatusEditPending},
	models.StatusPaymentPending: {models.StatusPaid, models.StatusCancelled, models.StatusEditPending},
	models.StatusPaid:           {models.StatusEnRoute, models.StatusCancelled, models.StatusEditPending},
	models.StatusEnRoute:        {models.StatusArrived, models.StatusEditPending},
	models.StatusArrived:        {models.StatusInProgress, models.StatusEditPending},
	models.StatusInProgress:     {models.StatusCompleted, models.StatusEditPending},
}

func CanTransition(from, to models.RideStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// driverMilestones are the statuses only the assigned driver may set, via Advance.
var driverMilestones = map[models.RideStatus]bool{
	models.StatusEnRoute:    true,
	models.StatusArrived:    true,
	models.StatusInProgress: true,
	models.StatusCompleted:  true,
}

func IsDriverMilestone(s models.RideStatus) bool { return driverMilestones[s] }

func transition(r models.Ride, to models.RideStatus, now time.Time) (models.Ride, error) {
	if !CanTransition(r.Status, to) {
		return r, &models.TransitionError{From: r.Status, To: to}
	}
	r.Status = to
	r.UpdatedAt = now
	return r, nil
}

// New validates a fresh ride. A positive rider bid seeds the bidding pool, so
// such rides start in bidding rather than requested.
func New(r models.Ride, now time.Time) (models.Ride, error) {
	if r.RiderID == "" {
		return r, models.Validationf("rider_id is required")
	}
	if r.Pickup.Address == "" && r.Pickup.Coord == nil {
		return r, models.Validationf("pickup location is required")
	}
	if r.Dropoff.Address == "" && r.Dropoff.Coord == nil {
		return r, models.Validationf("dropoff location is required")
	}
	if r.ScheduledTime.IsZero() {
		return r, models.Validationf("scheduled_time is required")
	}
	if r.VehicleType == "" {
		r.VehicleType = models.VehicleStandard
	}
	if !r.VehicleType.Valid() {
		return r, models.Validationf("unknown vehicle_type %q", r.VehicleType)
	}
	if r.Accessibility.WaitTimeMinutes < 0 {
		return r, models.Validationf("wait_time_minutes must be >= 0")
	}
	if r.RiderBid.Valid && r.RiderBid.Decimal.IsNegative() {
		return r, models.Validationf("rider_bid must be positive")
	}
	r.DriverID = ""
	r.FinalPrice = decimal.NullDecimal{}
	r.PreEditStatus = ""
	r.Status = models.StatusRequested
	if r.RiderBid.Valid && r.RiderBid.Decimal.IsPositive() {
		r.Status = models.StatusBidding
	}
	r.Version = 0
	r.CreatedAt = now
	r.UpdatedAt = now
	return r, Check(r)
}

// StartBidding moves a requested ride into bidding. It is a no-op for rides
// already bidding.
func StartBidding(r models.Ride, now time.Time) (models.Ride, error) {
	if r.Status == models.StatusBidding {
		return r, nil
	}
	return transition(r, models.StatusBidding, now)
}

// Assign locks the accepted bid's price and driver onto the ride. next is
// payment_pending, or scheduled when no payment is due.
func Assign(r models.Ride, bid models.Bid, next models.RideStatus, now time.Time) (models.Ride, error) {
	if r.DriverID != "" || r.FinalPrice.Valid {
		return r, fmt.Errorf("%w: ride %s has driver %s", models.ErrAlreadyAssigned, r.ID, r.DriverID)
	}
	if next != models.StatusScheduled && next != models.StatusPaymentPending {
		return r, &models.TransitionError{From: r.Status, To: next}
	}
	if bid.RideID != r.ID {
		return r, models.Validationf("bid %s belongs to ride %s", bid.ID, bid.RideID)
	}
	out, err := transition(r, next, now)
	if err != nil {
		return r, err
	}
	out.DriverID = bid.DriverID
	out.FinalPrice = decimal.NewNullDecimal(bid.Amount)
	return out, Check(out)
}

// MarkPaid records a successful charge. A payment confirmed while an edit is
// pending updates the status the ride will return to.
func MarkPaid(r models.Ride, paymentRef string, now time.Time) (models.Ride, error) {
	if r.Status == models.StatusEditPending &&
		(r.PreEditStatus == models.StatusPaymentPending || r.PreEditStatus == models.StatusScheduled) {
		r.PreEditStatus = models.StatusPaid
		r.PaymentRef = paymentRef
		r.UpdatedAt = now
		return r, Check(r)
	}
	out, err := transition(r, models.StatusPaid, now)
	if err != nil {
		return r, err
	}
	out.PaymentRef = paymentRef
	return out, Check(out)
}

// Advance performs a driver milestone. Steps cannot be skipped.
func Advance(r models.Ride, next models.RideStatus, now time.Time) (models.Ride, error) {
	if !IsDriverMilestone(next) {
		return r, &models.TransitionError{From: r.Status, To: next}
	}
	out, err := transition(r, next, now)
	if err != nil {
		return r, err
	}
	return out, Check(out)
}

// Cancellation describes a cancel request after fee computation.
type Cancellation struct {
	Initiator models.Party
	Late      bool
	Fee       decimal.Decimal
}

// Cancel moves the ride to cancelled. A late rider cancellation records the
// fee; a late driver cancellation records the reliability flag instead.
func Cancel(r models.Ride, c Cancellation, now time.Time) (models.Ride, error) {
	if !c.Initiator.Valid() {
		return r, models.Validationf("unknown initiator %q", c.Initiator)
	}
	if c.Initiator == models.PartyDriver && r.DriverID == "" {
		return r, models.Validationf("ride %s has no assigned driver", r.ID)
	}
	out, err := transition(r, models.StatusCancelled, now)
	if err != nil {
		return r, err
	}
	out.CancelledBy = c.Initiator
	switch c.Initiator {
	case models.PartyRider:
		if c.Late && c.Fee.IsPositive() {
			out.CancellationFee = decimal.NewNullDecimal(c.Fee)
		}
	case models.PartyDriver:
		out.ReliabilityFlag = c.Late
	}
	out.DriverID = ""
	out.FinalPrice = decimal.NullDecimal{}
	return out, Check(out)
}

// EnterEdit parks an assigned ride in edit_pending and remembers where it was.
func EnterEdit(r models.Ride, now time.Time) (models.Ride, error) {
	if !r.Status.Assigned() {
		return r, &models.TransitionError{From: r.Status, To: models.StatusEditPending}
	}
	prior := r.Status
	out, err := transition(r, models.StatusEditPending, now)
	if err != nil {
		return r, err
	}
	out.PreEditStatus = prior
	return out, Check(out)
}

// ExitEdit returns the ride to its pre-edit status. A non-nil itinerary
// replaces the ride's itinerary first.
func ExitEdit(r models.Ride, itinerary *models.Itinerary, now time.Time) (models.Ride, error) {
	if r.Status != models.StatusEditPending {
		return r, &models.TransitionError{From: r.Status, To: r.PreEditStatus}
	}
	if !r.PreEditStatus.Assigned() {
		return r, fmt.Errorf("%w: ride %s has no pre-edit status", models.ErrInvariant, r.ID)
	}
	if itinerary != nil {
		r.Itinerary = *itinerary
	}
	r.Status = r.PreEditStatus
	r.PreEditStatus = ""
	r.UpdatedAt = now
	return r, Check(r)
}

// Check enforces the price/driver/status invariants on a snapshot.
func Check(r models.Ride) error {
	if r.FinalPrice.Valid != r.Status.Priced() {
		return fmt.Errorf("%w: ride %s status %s final_price set=%v", models.ErrInvariant, r.ID, r.Status, r.FinalPrice.Valid)
	}
	if r.FinalPrice.Valid && r.FinalPrice.Decimal.IsNegative() {
		return fmt.Errorf("%w: ride %s has negative final price", models.ErrInvariant, r.ID)
	}
	if (r.DriverID != "") != r.FinalPrice.Valid {
		return fmt.Errorf("%w: ride %s driver set=%v final_price set=%v", models.ErrInvariant, r.ID, r.DriverID != "", r.FinalPrice.Valid)
	}
	if (r.PreEditStatus != "") != (r.Status == models.StatusEditPending) {
		return fmt.Errorf("%w: ride %s pre-edit status %q in status %s", models.ErrInvariant, r.ID, r.PreEditStatus, r.Status)
	}
	return nil
}
