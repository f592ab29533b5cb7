package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
)

// Resolver calls the collaborators under bounded timeouts and substitutes
// the degraded answer on any failure. It never returns an error.
type Resolver struct {
	Router         Router
	Geocoder       Geocoder
	RouteTimeout   time.Duration
	GeocodeTimeout time.Duration
	Logger         *slog.Logger
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Route returns the provider's route or the great-circle estimate.
func (r *Resolver) Route(ctx context.Context, from, to models.Coord) Route {
	if r.Router == nil {
		observability.CollaboratorFallbacks.WithLabelValues("routing").Inc()
		return Estimate(from, to)
	}
	ctx, cancel := context.WithTimeout(ctx, orDefault(r.RouteTimeout, 3*time.Second))
	defer cancel()
	start := time.Now()
	route, err := r.Router.Route(ctx, from, to)
	observability.RouteLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger().Warn("routing unavailable, using estimate",
			"error", fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err))
		observability.CollaboratorFallbacks.WithLabelValues("routing").Inc()
		return Estimate(from, to)
	}
	return route
}

// Address returns the geocoded address or the formatted coordinates.
func (r *Resolver) Address(ctx context.Context, at models.Coord) string {
	if r.Geocoder == nil {
		return FormatCoord(at)
	}
	ctx, cancel := context.WithTimeout(ctx, orDefault(r.GeocodeTimeout, 2*time.Second))
	defer cancel()
	addr, err := r.Geocoder.Reverse(ctx, at)
	if err != nil || addr == "" {
		r.logger().Warn("geocoding unavailable, using coordinates",
			"error", fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err))
		observability.CollaboratorFallbacks.WithLabelValues("geocoding").Inc()
		return FormatCoord(at)
	}
	return addr
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
