// Package geocode resolves map coordinates into display addresses.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ridebus/internal/models"
	"github.com/example/ridebus/internal/observability"
)

// ErrNoAddress is returned when a lookup succeeds but carries no name.
var ErrNoAddress = errors.New("geocode: no display name")

// Geocoder is a reverse lookup from a coordinate to a display name.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

// FormatCoords is the address used when no display name is available.
func FormatCoords(lat, lng float64) string {
	return fmt.Sprintf("%.4f, %.4f", lat, lng)
}

// Resolver wraps a Geocoder and never fails: lookup errors fall back to the
// formatted coordinates.
type Resolver struct {
	Geocoder Geocoder
	Logger   *slog.Logger
}

func NewResolver(g Geocoder, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{Geocoder: g, Logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, lat, lng float64) models.GeoPoint {
	p := models.GeoPoint{Lat: lat, Lng: lng}
	if r.Geocoder == nil {
		p.Address = FormatCoords(lat, lng)
		return p
	}
	addr, err := r.Geocoder.Reverse(ctx, lat, lng)
	if err != nil || addr == "" {
		if err == nil {
			err = ErrNoAddress
		}
		observability.GeocodeFallbacks.Inc()
		r.Logger.Debug("reverse geocode fallback", "lat", lat, "lng", lng, "error", err)
		p.Address = FormatCoords(lat, lng)
		return p
	}
	p.Address = addr
	return p
}
