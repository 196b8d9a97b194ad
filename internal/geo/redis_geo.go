package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-bidding/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Metadata lives in a hash
// per driver next to the GEO set.
type RedisGeo struct {
	client *redis.Client
	key    string
	radius float64
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key, radius: DefaultRadiusMeters}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.DriverPosition) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(d.ID), MetaFields(d, time.Now())).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, limit int) ([]models.DriverPosition, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  at.Lon,
			Latitude:   at.Lat,
			Radius:     r.radius,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search %s: %w", r.key, err)
	}
	out := make([]models.DriverPosition, 0, len(res))
	for _, g := range res {
		d := models.DriverPosition{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			return nil, err
		}
		applyMeta(&d, m)
		if !d.Online {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash written for each driver. The consumer writes the
// same shape.
func MetaFields(d models.DriverPosition, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":  strconv.FormatBool(d.Online),
		"updated": now.UTC().Format(time.RFC3339),
	}
}

func applyMeta(d *models.DriverPosition, m map[string]string) {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	if v, ok := m["online"]; ok {
		d.Online = v == "true"
	}
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = ts
		}
	}
}
