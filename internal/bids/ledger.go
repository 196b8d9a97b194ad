// Package bids owns the offers and counter-offers attached to a ride. It is
// the only writer of bid status. Callers serialize mutations per ride.
package bids

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/storage"
)

const DefaultMaxRounds = 5

// chainStep keeps CreatedAt strictly increasing along a chain when two
// offers land within the clock's resolution. Postgres stores microseconds.
const chainStep = time.Microsecond

type Ledger struct {
	store     storage.BidStore
	maxRounds int
	now       func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func NewLedger(store storage.BidStore, maxRounds int, opts ...Option) *Ledger {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	l := &Ledger{store: store, maxRounds: maxRounds, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// With returns a ledger writing through store, typically a transaction.
func (l *Ledger) With(store storage.BidStore) *Ledger {
	c := *l
	c.store = store
	return &c
}

func (l *Ledger) MaxRounds() int { return l.maxRounds }

// Place records a new opening offer from driverID.
func (l *Ledger) Place(ctx context.Context, ride models.Ride, driverID string, amount decimal.Decimal, notes string) (models.Bid, error) {
	if driverID == "" {
		return models.Bid{}, models.Validationf("driver_id is required")
	}
	if !amount.IsPositive() {
		return models.Bid{}, models.Validationf("bid amount must be positive, got %s", amount)
	}
	if err := openForBids(ride); err != nil {
		return models.Bid{}, err
	}
	existing, err := l.store.ListBidsByRide(ctx, ride.ID)
	if err != nil {
		return models.Bid{}, err
	}
	for _, b := range existing {
		if b.DriverID != driverID {
			continue
		}
		switch {
		case b.Status.Live():
			return models.Bid{}, fmt.Errorf("%w: bid %s", models.ErrDuplicateBid, b.ID)
		case b.Status == models.BidMaxReached:
			// a fresh chain would restart the round count
			return models.Bid{}, fmt.Errorf("%w: driver %s exhausted negotiation on bid %s", models.ErrNegotiationDepthExceeded, driverID, b.ID)
		}
	}
	b := models.Bid{
		ID:           uuid.NewString(),
		RideID:       ride.ID,
		DriverID:     driverID,
		Amount:       amount.Round(2),
		Notes:        notes,
		Status:       models.BidActive,
		CounterParty: models.PartyDriver,
		Round:        1,
		CreatedAt:    l.now(),
	}
	if err := l.store.CreateBid(ctx, b); err != nil {
		return models.Bid{}, err
	}
	return b, nil
}

// Counter chains a new offer onto parentID and closes the parent. Past the
// round limit the new bid is created as maxReached, which ends the chain;
// the caller inspects the returned status to tell the user.
func (l *Ledger) Counter(ctx context.Context, ride models.Ride, parentID string, proposedBy models.Party, amount decimal.Decimal, notes string) (models.Bid, error) {
	if !proposedBy.Valid() {
		return models.Bid{}, models.Validationf("unknown party %q", proposedBy)
	}
	if !amount.IsPositive() {
		return models.Bid{}, models.Validationf("bid amount must be positive, got %s", amount)
	}
	parent, err := l.store.GetBid(ctx, parentID)
	if err != nil {
		return models.Bid{}, err
	}
	if parent.RideID != ride.ID {
		return models.Bid{}, models.Validationf("bid %s belongs to ride %s", parent.ID, parent.RideID)
	}
	if err := openForBids(ride); err != nil {
		return models.Bid{}, err
	}
	switch {
	case parent.Status == models.BidMaxReached:
		return models.Bid{}, fmt.Errorf("%w: bid %s reached %d rounds", models.ErrNegotiationDepthExceeded, parent.ID, l.maxRounds)
	case !parent.Status.Live():
		return models.Bid{}, fmt.Errorf("%w: bid %s is %s", models.ErrBidTerminal, parent.ID, parent.Status)
	}

	created := l.now()
	if !created.After(parent.CreatedAt) {
		created = parent.CreatedAt.Add(chainStep)
	}
	b := models.Bid{
		ID:           uuid.NewString(),
		RideID:       parent.RideID,
		DriverID:     parent.DriverID,
		Amount:       amount.Round(2),
		Notes:        notes,
		Status:       models.BidActive,
		ParentBidID:  parent.ID,
		CounterParty: proposedBy,
		Round:        parent.Round + 1,
		CreatedAt:    created,
	}
	if b.Round > l.maxRounds {
		b.Status = models.BidMaxReached
	}
	if err := l.store.UpdateBidStatus(ctx, parent.ID, models.BidCountered); err != nil {
		return models.Bid{}, err
	}
	if err := l.store.CreateBid(ctx, b); err != nil {
		return models.Bid{}, err
	}
	return b, nil
}

// Accept marks bidID accepted and rejects every other open bid on the ride.
// It returns the accepted bid and the bids it rejected.
func (l *Ledger) Accept(ctx context.Context, bidID string) (models.Bid, []models.Bid, error) {
	target, err := l.store.GetBid(ctx, bidID)
	if err != nil {
		return models.Bid{}, nil, err
	}
	all, err := l.store.ListBidsByRide(ctx, target.RideID)
	if err != nil {
		return models.Bid{}, nil, err
	}
	for _, b := range all {
		if b.Status == models.BidAccepted {
			return models.Bid{}, nil, fmt.Errorf("%w: bid %s already accepted", models.ErrAlreadyAssigned, b.ID)
		}
	}
	if !target.Status.Live() {
		return models.Bid{}, nil, fmt.Errorf("%w: bid %s is %s", models.ErrBidTerminal, target.ID, target.Status)
	}
	if err := l.store.UpdateBidStatus(ctx, target.ID, models.BidAccepted); err != nil {
		return models.Bid{}, nil, err
	}
	rejected, err := l.reject(ctx, all, target.ID)
	if err != nil {
		return models.Bid{}, nil, err
	}
	target.Status = models.BidAccepted
	return target, rejected, nil
}

// CloseOpen rejects every open bid on a ride that will not be assigned.
func (l *Ledger) CloseOpen(ctx context.Context, rideID string) ([]models.Bid, error) {
	all, err := l.store.ListBidsByRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return l.reject(ctx, all, "")
}

func (l *Ledger) reject(ctx context.Context, all []models.Bid, keep string) ([]models.Bid, error) {
	var rejected []models.Bid
	for _, b := range all {
		if b.ID == keep {
			continue
		}
		if b.Status.Live() || b.Status == models.BidCountered {
			if err := l.store.UpdateBidStatus(ctx, b.ID, models.BidRejected); err != nil {
				return nil, err
			}
			b.Status = models.BidRejected
			rejected = append(rejected, b)
		}
	}
	return rejected, nil
}

// MarkSelected flags a bid the rider has tentatively chosen. Other bids are
// untouched.
func (l *Ledger) MarkSelected(ctx context.Context, bidID string) (models.Bid, error) {
	b, err := l.store.GetBid(ctx, bidID)
	if err != nil {
		return models.Bid{}, err
	}
	switch b.Status {
	case models.BidSelected:
		return b, nil
	case models.BidActive:
	default:
		return models.Bid{}, fmt.Errorf("%w: bid %s is %s", models.ErrBidTerminal, b.ID, b.Status)
	}
	if err := l.store.UpdateBidStatus(ctx, b.ID, models.BidSelected); err != nil {
		return models.Bid{}, err
	}
	b.Status = models.BidSelected
	return b, nil
}

// History returns the whole negotiation chain bidID belongs to, oldest first.
func (l *Ledger) History(ctx context.Context, bidID string) ([]models.Bid, error) {
	b, err := l.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	all, err := l.store.ListBidsByRide(ctx, b.RideID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Bid, len(all))
	for _, x := range all {
		byID[x.ID] = x
	}
	root := rootOf(b, byID)
	out := make([]models.Bid, 0)
	for _, x := range all {
		if rootOf(x, byID) == root {
			out = append(out, x)
		}
	}
	sortByCreated(out)
	return out, nil
}

// RideHistory returns every bid on the ride, oldest first.
func (l *Ledger) RideHistory(ctx context.Context, rideID string) ([]models.Bid, error) {
	all, err := l.store.ListBidsByRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	sortByCreated(all)
	return all, nil
}

// HighestLive is the largest amount among live bids, if any.
func HighestLive(bids []models.Bid) decimal.NullDecimal {
	var best decimal.NullDecimal
	for _, b := range bids {
		if !b.Status.Live() {
			continue
		}
		if !best.Valid || b.Amount.GreaterThan(best.Decimal) {
			best = decimal.NewNullDecimal(b.Amount)
		}
	}
	return best
}

func openForBids(r models.Ride) error {
	if r.Status != models.StatusRequested && r.Status != models.StatusBidding {
		return &models.TransitionError{From: r.Status, To: models.StatusBidding}
	}
	return nil
}

func rootOf(b models.Bid, byID map[string]models.Bid) string {
	seen := map[string]bool{}
	for b.ParentBidID != "" && !seen[b.ID] {
		seen[b.ID] = true
		p, ok := byID[b.ParentBidID]
		if !ok {
			break
		}
		b = p
	}
	return b.ID
}

func sortByCreated(bs []models.Bid) {
	sort.SliceStable(bs, func(i, j int) bool { return bs[i].CreatedAt.Before(bs[j].CreatedAt) })
}
