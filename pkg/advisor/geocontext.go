package advisor

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/perimeterhq/perimeter/pkg/logx"
)

// Geocoder resolves a coordinate into a human-readable area description for
// advisory prompts
type Geocoder interface {
	DescribeArea(ctx context.Context, lat, lon float64) (string, error)
}

// GoogleGeocoder implements Geocoder with the Google Maps reverse geocoding
// API
type GoogleGeocoder struct {
	client *maps.Client
	logger *logx.Logger
}

// NewGoogleGeocoder creates a reverse geocoder
func NewGoogleGeocoder(apiKey string, logger *logx.Logger) (*GoogleGeocoder, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleGeocoder{client: client, logger: logger}, nil
}

// DescribeArea reverse-geocodes a coordinate to its formatted address
func (g *GoogleGeocoder) DescribeArea(ctx context.Context, lat, lon float64) (string, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: lat, Lng: lon},
	})
	if err != nil {
		return "", fmt.Errorf("reverse geocode failed: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("no geocoding results for %.5f,%.5f", lat, lon)
	}

	if g.logger != nil {
		g.logger.Debug("area_resolved", "lat", lat, "lon", lon, "address", results[0].FormattedAddress)
	}
	return results[0].FormattedAddress, nil
}
