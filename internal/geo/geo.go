// Package geo indexes live driver positions so new rides can invite nearby
// drivers to bid.
package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-bidding/internal/distance"
	"github.com/example/ride-bidding/internal/models"
)

// DefaultRadiusMeters bounds Nearby lookups.
const DefaultRadiusMeters = 5000.0

// Geo is the minimal interface required by the inviter and handlers.
type Geo interface {
	Nearby(ctx context.Context, at models.Coord, limit int) ([]models.DriverPosition, error)
	Upsert(ctx context.Context, d models.DriverPosition) error
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPosition
	radius  float64
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverPosition), radius: DefaultRadiusMeters, now: time.Now}
}

func (g *Index) Upsert(ctx context.Context, d models.DriverPosition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = g.now()
	g.drivers[d.ID] = d
	return nil
}

// OnlineCount is the number of drivers currently reporting online.
func (g *Index) OnlineCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, d := range g.drivers {
		if d.Online {
			n++
		}
	}
	return n
}

// Nearby returns online drivers within the radius, closest first.
// naive scan; in prod use the Redis index
func (g *Index) Nearby(ctx context.Context, at models.Coord, limit int) ([]models.DriverPosition, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.DriverPosition
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := distance.Haversine(at, d.Loc)
		if dist > g.radius {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.DriverPosition, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}
