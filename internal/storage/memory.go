package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/pricing"
)

const defaultListLimit = 50

// MemoryStore keeps everything in process. It hands out copies, so callers
// only ever see snapshots. Atomic does not roll back: callers serialize
// writes per ride and validate before writing.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]models.Ride
	bids     map[string]models.Bid
	bidOrder map[string][]string // ride id -> bid ids in insertion order
	edits    map[string]models.RideEdit
	payments map[string]models.PaymentAttempt
	settings *pricing.Settings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.Ride),
		bids:     make(map[string]models.Bid),
		bidOrder: make(map[string][]string),
		edits:    make(map[string]models.RideEdit),
		payments: make(map[string]models.PaymentAttempt),
	}
}

func (m *MemoryStore) Atomic(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}

func (m *MemoryStore) CreateRide(ctx context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return models.Validationf("ride %s already exists", r.ID)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, models.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r models.Ride) (models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return models.Ride{}, models.ErrNotFound
	}
	if cur.Version != r.Version {
		return models.Ride{}, models.ErrConflict
	}
	r.Version++
	m.rides[r.ID] = r.Clone()
	return r.Clone(), nil
}

func (m *MemoryStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[models.RideStatus]bool, len(f.Statuses))
	for _, s := range f.Statuses {
		want[s] = true
	}
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if f.RiderID != "" && r.RiderID != f.RiderID {
			continue
		}
		if f.DriverID != "" && r.DriverID != f.DriverID {
			continue
		}
		if len(want) > 0 && !want[r.Status] {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateBid(ctx context.Context, b models.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bids[b.ID]; ok {
		return models.Validationf("bid %s already exists", b.ID)
	}
	m.bids[b.ID] = b
	m.bidOrder[b.RideID] = append(m.bidOrder[b.RideID], b.ID)
	return nil
}

func (m *MemoryStore) GetBid(ctx context.Context, id string) (models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[id]
	if !ok {
		return models.Bid{}, models.ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) UpdateBidStatus(ctx context.Context, id string, status models.BidStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return models.ErrNotFound
	}
	b.Status = status
	m.bids[id] = b
	return nil
}

func (m *MemoryStore) ListBidsByRide(ctx context.Context, rideID string) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bidOrder[rideID]
	out := make([]models.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.bids[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateEdit(ctx context.Context, e models.RideEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Status == models.EditPending {
		for _, other := range m.edits {
			if other.RideID == e.RideID && other.Status == models.EditPending {
				return models.ErrEditAlreadyPending
			}
		}
	}
	m.edits[e.ID] = e
	return nil
}

func (m *MemoryStore) GetEdit(ctx context.Context, id string) (models.RideEdit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.edits[id]
	if !ok {
		return models.RideEdit{}, models.ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) UpdateEdit(ctx context.Context, e models.RideEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.edits[e.ID]; !ok {
		return models.ErrNotFound
	}
	m.edits[e.ID] = e
	return nil
}

func (m *MemoryStore) PendingEdit(ctx context.Context, rideID string) (models.RideEdit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.edits {
		if e.RideID == rideID && e.Status == models.EditPending {
			return e, nil
		}
	}
	return models.RideEdit{}, models.ErrNotFound
}

func (m *MemoryStore) ListEdits(ctx context.Context, rideID string) ([]models.RideEdit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RideEdit, 0)
	for _, e := range m.edits {
		if e.RideID == rideID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetPaymentAttempt(ctx context.Context, key string) (models.PaymentAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.payments[key]
	if !ok {
		return models.PaymentAttempt{}, models.ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) SavePaymentAttempt(ctx context.Context, a models.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[a.Key] = a
	return nil
}

func (m *MemoryStore) LoadPricingSettings(ctx context.Context) (pricing.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return pricing.Settings{}, models.ErrNotFound
	}
	return *m.settings, nil
}

func (m *MemoryStore) SavePricingSettings(ctx context.Context, s pricing.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	return nil
}
