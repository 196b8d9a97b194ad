// Package invite tells nearby drivers that a ride is open for bids.
package invite

import (
	"context"
	"log/slog"
	"sort"

	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/distance"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
)

const EventBiddingOpen = "ride.bidding_open"

type Geo interface {
	Nearby(ctx context.Context, at models.Coord, limit int) ([]models.DriverPosition, error)
}

type Service struct {
	Geo    Geo
	Notify dispatch.Notifier
	TopN   int
	Log    *slog.Logger
}

// Candidate is a ranked driver.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	Cost       float64 `json:"cost"`
}

// Rank orders drivers by cost = distance_km + 2*(5 - rating), cheapest first.
func Rank(pickup models.Coord, drivers []models.DriverPosition) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		km := distance.Haversine(pickup, d.Loc) / 1000
		out = append(out, Candidate{DriverID: d.ID, DistanceKm: km, Cost: km + 2.0*(5.0-d.Rating)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cost < out[j].Cost })
	return out
}

// Invite notifies the best TopN drivers near the pickup. Rides booked by
// address only invite nobody.
func (s *Service) Invite(ctx context.Context, r models.Ride) ([]Candidate, error) {
	if r.Pickup.Coord == nil {
		return nil, nil
	}
	topN := s.TopN
	if topN <= 0 {
		topN = 8
	}
	// over-fetch: rating can reorder the closest drivers
	near, err := s.Geo.Nearby(ctx, *r.Pickup.Coord, topN*3)
	if err != nil {
		return nil, err
	}
	ranked := Rank(*r.Pickup.Coord, near)
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	for _, c := range ranked {
		payload := map[string]any{
			"ride_id":        r.ID,
			"pickup":         r.Pickup,
			"scheduled_time": r.ScheduledTime,
			"vehicle_type":   r.VehicleType,
			"distance_km":    c.DistanceKm,
		}
		if err := s.Notify.Notify(ctx, c.DriverID, EventBiddingOpen, payload); err != nil && s.Log != nil {
			s.Log.Debug("invite failed", "ride_id", r.ID, "driver_id", c.DriverID, "error", err)
		}
	}
	observability.InvitesSent.Add(float64(len(ranked)))
	return ranked, nil
}
