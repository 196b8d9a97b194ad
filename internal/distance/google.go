package distance

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-bidding/internal/models"
)

// GoogleMaps uses the Distance Matrix API. Unlike the other providers it
// can resolve bare addresses.
type GoogleMaps struct {
	client *maps.Client
}

func NewGoogleMaps(apiKey string) (*GoogleMaps, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMaps{client: client}, nil
}

func (g *GoogleMaps) DistanceMiles(ctx context.Context, from, to models.Location) (float64, error) {
	origin, dest := place(from), place(to)
	if origin == "" || dest == "" {
		return 0, ErrUnavailable
	}
	resp, err := g.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{origin},
		Destinations: []string{dest},
		Mode:         maps.TravelModeDriving,
		Units:        maps.UnitsImperial,
	})
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return 0, fmt.Errorf("no route found")
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return 0, fmt.Errorf("no route found: %s", el.Status)
	}
	return float64(el.Distance.Meters) / metersPerMile, nil
}

func place(l models.Location) string {
	if l.Coord != nil {
		return fmt.Sprintf("%f,%f", l.Coord.Lat, l.Coord.Lon)
	}
	return l.Address
}
