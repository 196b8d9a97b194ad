// Package marketplace sequences the ride state machine, the bid ledger, the
// edit workflow, pricing and payment. It is the only writer of ride status.
//
// Every mutation of one ride runs inside that ride's lock and a storage
// transaction. Notifications and events are sent after the lock is released.
// The external payment call runs outside the lock.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-bidding/internal/bids"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/distance"
	"github.com/example/ride-bidding/internal/edits"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/invite"
	"github.com/example/ride-bidding/internal/lock"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/payments"
	"github.com/example/ride-bidding/internal/pricing"
	"github.com/example/ride-bidding/internal/ride"
	"github.com/example/ride-bidding/internal/storage"
)

const DefaultMaxPaymentAttempts = 3

type Inviter interface {
	Invite(ctx context.Context, r models.Ride) ([]invite.Candidate, error)
}

// Deps wires a Coordinator. Store, Locker and Pricing are required; the
// rest are optional.
type Deps struct {
	Store    storage.Store
	Locker   lock.Locker
	Pricing  *pricing.Registry
	Distance distance.Provider
	Payments payments.Provider
	Notifier dispatch.Notifier
	Events   events.Publisher
	Inviter  Inviter
	Log      *slog.Logger
	Now      func() time.Time

	MaxNegotiationRounds int
	MaxPaymentAttempts   int
	Currency             string
	// LockWait bounds how long an operation waits for a busy ride before
	// failing with models.ErrConflict. Zero waits for the caller's context.
	LockWait time.Duration
}

type Coordinator struct {
	store    storage.Store
	locker   lock.Locker
	pricing  *pricing.Registry
	distance distance.Provider
	payments payments.Provider
	notifier dispatch.Notifier
	events   events.Publisher
	inviter  Inviter
	log      *slog.Logger
	now      func() time.Time

	ledger      *bids.Ledger
	edits       *edits.Workflow
	maxAttempts int
	currency    string
	lockWait    time.Duration
}

func New(d Deps) *Coordinator {
	c := &Coordinator{
		store:       d.Store,
		locker:      d.Locker,
		pricing:     d.Pricing,
		distance:    d.Distance,
		payments:    d.Payments,
		notifier:    d.Notifier,
		events:      d.Events,
		inviter:     d.Inviter,
		log:         d.Log,
		now:         d.Now,
		maxAttempts: d.MaxPaymentAttempts,
		currency:    d.Currency,
		lockWait:    d.LockWait,
	}
	if c.locker == nil {
		c.locker = lock.NewLocal()
	}
	if c.notifier == nil {
		c.notifier = dispatch.Nop{}
	}
	if c.events == nil {
		c.events = events.NopPublisher{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxPaymentAttempts
	}
	c.ledger = bids.NewLedger(d.Store, d.MaxNegotiationRounds, bids.WithClock(c.now))
	c.edits = edits.NewWorkflow(d.Store, c.now)
	return c
}

// withRide runs fn under the ride's lock inside a storage transaction.
func (c *Coordinator) withRide(ctx context.Context, rideID string, fn func(tx storage.Store) error) error {
	lockCtx := ctx
	if c.lockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, c.lockWait)
		defer cancel()
	}
	unlock, err := c.locker.Lock(lockCtx, rideID)
	if err != nil {
		return err
	}
	defer unlock()
	return c.store.Atomic(ctx, fn)
}

func (c *Coordinator) notify(ctx context.Context, userID, event string, payload any) {
	if userID == "" {
		return
	}
	if err := c.notifier.Notify(ctx, userID, event, payload); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
		c.log.Debug("notify failed", "user_id", userID, "event", event, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, typ, rideID string, data map[string]any) {
	e := events.Event{Type: typ, RideID: rideID, At: c.now().UTC(), Data: data}
	if err := c.events.Publish(ctx, e); err != nil {
		observability.EventsPublishFailed.Inc()
		c.log.Warn("publish event failed", "type", typ, "ride_id", rideID, "error", err)
	}
}

func (c *Coordinator) transitioned(ctx context.Context, from, to models.Ride) {
	if from.Status == to.Status {
		return
	}
	observability.RideTransitions.WithLabelValues(string(from.Status), string(to.Status)).Inc()
	c.log.Info("ride status changed", "ride_id", to.ID, "from", from.Status, "status", to.Status)
	c.publish(ctx, events.RideStatusChanged, to.ID, map[string]any{"from": from.Status, "to": to.Status})
	payload := map[string]any{"ride_id": to.ID, "status": to.Status}
	c.notify(ctx, to.RiderID, events.RideStatusChanged, payload)
	driver := to.DriverID
	if driver == "" {
		driver = from.DriverID
	}
	c.notify(ctx, driver, events.RideStatusChanged, payload)
}

// RideRequest is what a rider submits to book a ride.
type RideRequest struct {
	RiderID       string
	Itinerary     models.Itinerary
	IsRoundTrip   bool
	VehicleType   models.VehicleType
	Accessibility models.Accessibility
	RiderBid      decimal.NullDecimal
}

// RequestRide creates a ride. A positive rider bid opens bidding at once.
// Nearby drivers are invited when the pickup has a coordinate.
func (c *Coordinator) RequestRide(ctx context.Context, req RideRequest) (models.Ride, error) {
	r, err := ride.New(models.Ride{
		ID:            uuid.NewString(),
		RiderID:       req.RiderID,
		Itinerary:     req.Itinerary,
		IsRoundTrip:   req.IsRoundTrip,
		VehicleType:   req.VehicleType,
		Accessibility: req.Accessibility,
		RiderBid:      req.RiderBid,
	}, c.now())
	if err != nil {
		return models.Ride{}, err
	}
	if r.RiderBid.Valid {
		r.RiderBid = decimal.NewNullDecimal(r.RiderBid.Decimal.Round(2))
	}
	if err := c.store.CreateRide(ctx, r); err != nil {
		return models.Ride{}, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesRequested.Inc()
	c.log.Info("ride requested", "ride_id", r.ID, "rider_id", r.RiderID, "status", r.Status)
	c.publish(ctx, events.RideRequested, r.ID, map[string]any{
		"rider_id":     r.RiderID,
		"status":       r.Status,
		"vehicle_type": r.VehicleType,
	})
	if c.inviter != nil {
		if _, err := c.inviter.Invite(ctx, r); err != nil {
			c.log.Warn("invite drivers failed", "ride_id", r.ID, "error", err)
		}
	}
	return r, nil
}

func (c *Coordinator) GetRide(ctx context.Context, id string) (models.Ride, error) {
	return c.store.GetRide(ctx, id)
}

func (c *Coordinator) ListRides(ctx context.Context, f storage.RideFilter) ([]models.Ride, error) {
	return c.store.ListRides(ctx, f)
}

// DisplayPrice computes the price shown for a ride right now. The distance
// provider is only consulted when nothing better is known.
func (c *Coordinator) DisplayPrice(ctx context.Context, rideID string) (pricing.Quote, error) {
	r, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return pricing.Quote{}, err
	}
	settings := c.pricing.Current()
	in := pricing.InputFor(r)
	if r.Status == models.StatusRequested || r.Status == models.StatusBidding {
		all, err := c.store.ListBidsByRide(ctx, r.ID)
		if err != nil {
			return pricing.Quote{}, err
		}
		in.HighestLiveBid = bids.HighestLive(all)
	}
	q := pricing.ComputePrice(in, settings)
	if q.Determined() || c.distance == nil {
		return q, nil
	}
	miles, err := c.distance.DistanceMiles(ctx, r.Pickup, r.Dropoff)
	if err != nil {
		c.log.Debug("distance unavailable", "ride_id", r.ID, "error", err)
		return q, nil
	}
	in.DistanceMiles = &miles
	return pricing.ComputePrice(in, settings), nil
}

func (c *Coordinator) GetPricingSettings() pricing.Settings {
	return c.pricing.Current()
}

func (c *Coordinator) UpdatePricingSettings(ctx context.Context, s pricing.Settings) (pricing.Settings, error) {
	saved, err := c.pricing.Update(ctx, s)
	if err != nil {
		return pricing.Settings{}, err
	}
	c.log.Info("pricing settings updated", "surge_factor", saved.SurgeFactor.String(), "time_zone", saved.TimeZone)
	return saved, nil
}
