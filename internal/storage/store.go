package storage

import (
	"context"

	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/pricing"
)

type RideFilter struct {
	RiderID  string
	DriverID string
	Statuses []models.RideStatus
	Limit    int
}

// RideStore persists rides. UpdateRide is a compare-and-swap on Version: it
// fails with models.ErrConflict when the stored version differs and returns
// the saved ride with its version bumped.
type RideStore interface {
	CreateRide(ctx context.Context, r models.Ride) error
	GetRide(ctx context.Context, id string) (models.Ride, error)
	UpdateRide(ctx context.Context, r models.Ride) (models.Ride, error)
	ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error)
}

// BidStore persists bids. ListBidsByRide orders by creation time.
type BidStore interface {
	CreateBid(ctx context.Context, b models.Bid) error
	GetBid(ctx context.Context, id string) (models.Bid, error)
	UpdateBidStatus(ctx context.Context, id string, status models.BidStatus) error
	ListBidsByRide(ctx context.Context, rideID string) ([]models.Bid, error)
}

// EditStore persists ride edits. CreateEdit fails with
// models.ErrEditAlreadyPending if the ride already has a pending edit.
type EditStore interface {
	CreateEdit(ctx context.Context, e models.RideEdit) error
	GetEdit(ctx context.Context, id string) (models.RideEdit, error)
	UpdateEdit(ctx context.Context, e models.RideEdit) error
	PendingEdit(ctx context.Context, rideID string) (models.RideEdit, error)
	ListEdits(ctx context.Context, rideID string) ([]models.RideEdit, error)
}

type PaymentStore interface {
	GetPaymentAttempt(ctx context.Context, key string) (models.PaymentAttempt, error)
	SavePaymentAttempt(ctx context.Context, a models.PaymentAttempt) error
}

type Store interface {
	RideStore
	BidStore
	EditStore
	PaymentStore
	pricing.SettingsStore

	// Atomic runs fn against a store whose writes commit together.
	Atomic(ctx context.Context, fn func(Store) error) error
}
