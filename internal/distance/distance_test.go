package distance

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-bidding/internal/models"
)

func at(lat, lon float64) models.Location {
	return models.Location{Coord: &models.Coord{Lat: lat, Lon: lon}}
}

func TestHaversineZero(t *testing.T) {
	d := Haversine(models.Coord{}, models.Coord{})
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestGreatCircleMiles(t *testing.T) {
	// one degree of latitude is about 69 miles
	d, err := GreatCircle{}.DistanceMiles(context.Background(), at(0, 0), at(1, 0))
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if math.Abs(d-69.09) > 0.1 {
		t.Fatalf("expected ~69.09 miles, got %f", d)
	}
	if _, err := (GreatCircle{}).DistanceMiles(context.Background(), models.Location{Address: "x"}, at(1, 0)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

type stub struct {
	v     float64
	err   error
	calls int
}

func (s *stub) DistanceMiles(ctx context.Context, from, to models.Location) (float64, error) {
	s.calls++
	return s.v, s.err
}

func TestChainFallsThrough(t *testing.T) {
	first := &stub{err: errors.New("down")}
	second := &stub{v: 12.5}
	d, err := Chain{first, second}.DistanceMiles(context.Background(), at(0, 0), at(1, 1))
	if err != nil || d != 12.5 {
		t.Fatalf("expected 12.5, got %v %v", d, err)
	}

	_, err = Chain{first, &stub{err: ErrUnavailable}}.DistanceMiles(context.Background(), at(0, 0), at(1, 1))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCachedExpires(t *testing.T) {
	next := &stub{v: 3}
	c := NewCached(next, time.Minute)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if _, err := c.DistanceMiles(context.Background(), at(0, 0), at(1, 1)); err != nil {
			t.Fatalf("distance: %v", err)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", next.calls)
	}
	clock = clock.Add(2 * time.Minute)
	_, _ = c.DistanceMiles(context.Background(), at(0, 0), at(1, 1))
	if next.calls != 2 {
		t.Fatalf("expected refresh after ttl, got %d calls", next.calls)
	}
}

func TestCachedSweepsExpiredEntries(t *testing.T) {
	c := NewCached(&stub{v: 1}, time.Minute)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = c.DistanceMiles(ctx, at(float64(i), 0), at(1, 1))
	}
	if c.size() != 5 {
		t.Fatalf("expected 5 entries, got %d", c.size())
	}
	clock = clock.Add(2 * time.Minute)
	_, _ = c.DistanceMiles(ctx, at(9, 9), at(1, 1))
	if c.size() != 1 {
		t.Fatalf("expired entries kept: %d", c.size())
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/v1/driving/-74.000000,40.700000;-73.900000,40.800000" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":16093.44,"duration":900}]}`))
	}))
	defer srv.Close()

	o := NewOSRMClient(srv.URL)
	d, err := o.DistanceMiles(context.Background(), at(40.7, -74.0), at(40.8, -73.9))
	if err != nil {
		t.Fatalf("osrm: %v", err)
	}
	if math.Abs(d-10) > 1e-9 {
		t.Fatalf("expected 10 miles, got %f", d)
	}
	if _, err := o.DistanceMiles(context.Background(), models.Location{Address: "a"}, at(1, 1)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable without coords, got %v", err)
	}
}
