// Package distance answers "how many miles between two points". Pricing
// treats the answer as optional.
package distance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-bidding/internal/models"
)

var ErrUnavailable = errors.New("distance unavailable")

const metersPerMile = 1609.344

type Provider interface {
	DistanceMiles(ctx context.Context, from, to models.Location) (float64, error)
}

// Chain asks each provider in turn and returns the first answer.
type Chain []Provider

func (c Chain) DistanceMiles(ctx context.Context, from, to models.Location) (float64, error) {
	var errs []error
	for _, p := range c {
		d, err := p.DistanceMiles(ctx, from, to)
		if err == nil {
			return d, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return 0, fmt.Errorf("%w: %v", ErrUnavailable, errors.Join(errs...))
}

// GreatCircle is the last-resort provider: straight-line miles between two
// coordinates.
type GreatCircle struct{}

func (GreatCircle) DistanceMiles(ctx context.Context, from, to models.Location) (float64, error) {
	if from.Coord == nil || to.Coord == nil {
		return 0, ErrUnavailable
	}
	return Haversine(*from.Coord, *to.Coord) / metersPerMile, nil
}

// Haversine distance in meters
func Haversine(a, b models.Coord) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Cached memoizes another provider's answers for ttl. Failures are not cached.
// Expired entries are swept on write, at most once per ttl.
type Cached struct {
	next  Provider
	ttl   time.Duration
	mu    sync.RWMutex
	store map[string]cacheEntry
	swept time.Time
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCached(next Provider, ttl time.Duration) *Cached {
	return &Cached{next: next, ttl: ttl, store: make(map[string]cacheEntry), now: time.Now}
}

func keyFor(a, b models.Location) string {
	return fmtLocation(a) + "->" + fmtLocation(b)
}

func fmtLocation(l models.Location) string {
	if l.Coord != nil {
		return fmt.Sprintf("%.6f,%.6f", l.Coord.Lat, l.Coord.Lon)
	}
	return l.Address
}

func (c *Cached) DistanceMiles(ctx context.Context, from, to models.Location) (float64, error) {
	k := keyFor(from, to)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.ts) <= c.ttl {
		return e.v, nil
	}
	v, err := c.next.DistanceMiles(ctx, from, to)
	if err != nil {
		return 0, err
	}
	now := c.now()
	c.mu.Lock()
	if now.Sub(c.swept) > c.ttl {
		for key, e := range c.store {
			if now.Sub(e.ts) > c.ttl {
				delete(c.store, key)
			}
		}
		c.swept = now
	}
	c.store[k] = cacheEntry{v: v, ts: now}
	c.mu.Unlock()
	return v, nil
}

func (c *Cached) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
