package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-coordination/internal/models"
)

// GoogleMaps answers both routing and reverse geocoding through the Google
// Maps platform.
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

func latLng(c models.Coord) string { return fmt.Sprintf("%f,%f", c.Lat, c.Lng) }

func (g *GoogleMaps) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	routes, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	})
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, fmt.Errorf("no route found")
	}
	var meters int
	var minutes float64
	for _, leg := range routes[0].Legs {
		meters += leg.Distance.Meters
		minutes += leg.Duration.Minutes()
	}
	return Route{
		DistanceKm:  round2(float64(meters) / 1000),
		DurationMin: round2(minutes),
		Polyline:    routes[0].OverviewPolyline.Points,
		Source:      "google",
	}, nil
}

func (g *GoogleMaps) Reverse(ctx context.Context, at models.Coord) (string, error) {
	res, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: at.Lat, Lng: at.Lng},
	})
	if err != nil {
		return "", fmt.Errorf("reverse geocoding failed: %w", err)
	}
	if len(res) == 0 || res[0].FormattedAddress == "" {
		return "", fmt.Errorf("no address for %s", latLng(at))
	}
	return res[0].FormattedAddress, nil
}
