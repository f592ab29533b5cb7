// Package routing wraps the external routing and reverse-geocoding
// collaborators and the degraded answers used when they are unavailable.
package routing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-coordination/internal/geo"
	"github.com/example/ride-coordination/internal/models"
)

// Route is what the ride state machine needs from a routing provider.
type Route struct {
	DistanceKm  float64
	DurationMin float64
	Polyline    string
	Source      string
}

// Router is implemented by routing providers.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Geocoder turns a coordinate into a short address.
type Geocoder interface {
	Reverse(ctx context.Context, at models.Coord) (string, error)
}

// SourceEstimate marks a route produced by the great-circle fallback.
const SourceEstimate = "estimate"

// minutesPerKm is the fallback city pace.
const minutesPerKm = 2.0

// Estimate is the straight-line fallback used when no provider answers.
func Estimate(from, to models.Coord) Route {
	d := geo.DistanceKm(from, to)
	return Route{
		DistanceKm:  round2(d),
		DurationMin: math.Round(d * minutesPerKm),
		Source:      SourceEstimate,
	}
}

// FormatCoord is the geocoding fallback.
func FormatCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f, %.5f", c.Lat, c.Lng)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// CachedRouter memoises a Router.
type CachedRouter struct {
	Next  Router
	Cache *Cache
}

func (c *CachedRouter) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if r, ok := c.Cache.Get(from, to); ok {
		return r, nil
	}
	r, err := c.Next.Route(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	c.Cache.Set(from, to, r)
	return r, nil
}
