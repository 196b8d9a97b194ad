package geo

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-bidding/internal/models"
)

func TestIndexNearbyOrdersAndFilters(t *testing.T) {
	g := NewIndex()
	ctx := context.Background()
	origin := models.Coord{Lat: 40.7128, Lon: -74.0060}
	_ = g.Upsert(ctx, models.DriverPosition{ID: "far", Loc: models.Coord{Lat: 40.7300, Lon: -74.0060}, Online: true})
	_ = g.Upsert(ctx, models.DriverPosition{ID: "near", Loc: models.Coord{Lat: 40.7130, Lon: -74.0060}, Online: true})
	_ = g.Upsert(ctx, models.DriverPosition{ID: "offline", Loc: origin, Online: false})
	_ = g.Upsert(ctx, models.DriverPosition{ID: "other-city", Loc: models.Coord{Lat: 42.36, Lon: -71.06}, Online: true})

	got, err := g.Nearby(ctx, origin, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 || got[0].ID != "near" || got[1].ID != "far" {
		t.Fatalf("unexpected result %+v", got)
	}

	got, _ = g.Nearby(ctx, origin, 1)
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("limit not applied: %+v", got)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	fields := MetaFields(models.DriverPosition{ID: "d1", Rating: 4.5, Online: true}, now)
	m := make(map[string]string, len(fields))
	for k, v := range fields {
		m[k] = v.(string)
	}
	var d models.DriverPosition
	applyMeta(&d, m)
	if d.Rating != 4.5 || !d.Online || !d.Updated.Equal(now) {
		t.Fatalf("unexpected driver %+v", d)
	}
}
