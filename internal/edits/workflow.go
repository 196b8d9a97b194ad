// Package edits runs itinerary change requests on assigned rides. It is the
// only writer of edit status and of a ride's itinerary after assignment.
package edits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/ride"
)

// Store is the slice of storage the workflow writes through.
type Store interface {
	GetRide(ctx context.Context, id string) (models.Ride, error)
	UpdateRide(ctx context.Context, r models.Ride) (models.Ride, error)
	CreateEdit(ctx context.Context, e models.RideEdit) error
	GetEdit(ctx context.Context, id string) (models.RideEdit, error)
	UpdateEdit(ctx context.Context, e models.RideEdit) error
	PendingEdit(ctx context.Context, rideID string) (models.RideEdit, error)
}

type Workflow struct {
	store Store
	now   func() time.Time
}

func NewWorkflow(store Store, now func() time.Time) *Workflow {
	if now == nil {
		now = time.Now
	}
	return &Workflow{store: store, now: now}
}

func (w *Workflow) With(store Store) *Workflow {
	c := *w
	c.store = store
	return &c
}

type Proposal struct {
	RideID     string
	ProposedBy models.Party
	Patch      models.ItineraryPatch
	Notes      string
}

// Propose parks the ride in edit_pending and records the request.
func (w *Workflow) Propose(ctx context.Context, p Proposal) (models.RideEdit, models.Ride, error) {
	if p.ProposedBy == "" {
		p.ProposedBy = models.PartyRider
	}
	if !p.ProposedBy.Valid() {
		return models.RideEdit{}, models.Ride{}, models.Validationf("unknown party %q", p.ProposedBy)
	}
	if err := validatePatch(p.Patch); err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}
	r, err := w.store.GetRide(ctx, p.RideID)
	if err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}
	pending, err := w.store.PendingEdit(ctx, r.ID)
	switch {
	case err == nil:
		return models.RideEdit{}, models.Ride{}, fmt.Errorf("%w: edit %s", models.ErrEditAlreadyPending, pending.ID)
	case !errors.Is(err, models.ErrNotFound):
		return models.RideEdit{}, models.Ride{}, err
	}

	now := w.now()
	next, err := ride.EnterEdit(r, now)
	if err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}
	e := models.RideEdit{
		ID:           uuid.NewString(),
		RideID:       r.ID,
		ProposedBy:   p.ProposedBy,
		ProposedData: p.Patch,
		RequestNotes: p.Notes,
		Status:       models.EditPending,
		PriorStatus:  r.Status,
		CreatedAt:    now,
	}
	if err := w.store.CreateEdit(ctx, e); err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}
	saved, err := w.store.UpdateRide(ctx, next)
	if err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}
	return e, saved, nil
}

// Respond closes a pending edit. Accepting merges the patch onto the ride's
// itinerary; both outcomes return the ride to its pre-edit status.
func (w *Workflow) Respond(ctx context.Context, editID string, accept bool, notes string) (models.RideEdit, models.Ride, error) {
	e, err := w.store.GetEdit(ctx, editID)
	if err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}
	if e.Status != models.EditPending {
		return models.RideEdit{}, models.Ride{}, fmt.Errorf("%w: edit %s is %s", models.ErrEditNotPending, e.ID, e.Status)
	}
	r, err := w.store.GetRide(ctx, e.RideID)
	if err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}

	now := w.now()
	var itinerary *models.Itinerary
	if accept {
		merged := e.ProposedData.Apply(r.Itinerary)
		itinerary = &merged
	}
	next, err := ride.ExitEdit(r, itinerary, now)
	if err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}
	saved, err := w.store.UpdateRide(ctx, next)
	if err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}

	e.Status = models.EditRejected
	if accept {
		e.Status = models.EditAccepted
	}
	e.ResponseNotes = notes
	e.RespondedAt = &now
	if err := w.store.UpdateEdit(ctx, e); err != nil {
		return models.RideEdit{}, models.Ride{}, err
	}
	return e, saved, nil
}

func validatePatch(p models.ItineraryPatch) error {
	if p.Empty() {
		return models.Validationf("edit changes nothing")
	}
	if p.Pickup != nil && p.Pickup.Address == "" && p.Pickup.Coord == nil {
		return models.Validationf("pickup must have an address or coordinate")
	}
	if p.Dropoff != nil && p.Dropoff.Address == "" && p.Dropoff.Coord == nil {
		return models.Validationf("dropoff must have an address or coordinate")
	}
	if p.ScheduledTime != nil && p.ScheduledTime.IsZero() {
		return models.Validationf("scheduled_time cannot be cleared")
	}
	return nil
}
