package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

type stubRouter struct {
	route Route
	err   error
	calls int
	delay time.Duration
}

func (s *stubRouter) Route(ctx context.Context, _, _ models.Coord) (Route, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Route{}, ctx.Err()
		}
	}
	return s.route, s.err
}

type stubGeocoder struct{ err error }

func (s stubGeocoder) Reverse(context.Context, models.Coord) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "1 Main St", nil
}

var (
	pickup = models.Coord{Lat: 10, Lng: 20}
	drop   = models.Coord{Lat: 10.1, Lng: 20.1}
)

func TestEstimateUsesGreatCircle(t *testing.T) {
	r := Estimate(pickup, drop)
	if r.Source != SourceEstimate {
		t.Fatalf("unexpected source %q", r.Source)
	}
	if r.DistanceKm < 15 || r.DistanceKm > 16 {
		t.Fatalf("expected ~15.5km, got %f", r.DistanceKm)
	}
	if r.DurationMin != 31 {
		t.Fatalf("expected 31 minutes at 2min/km, got %f", r.DurationMin)
	}
}

func TestResolverFallsBackOnError(t *testing.T) {
	res := &Resolver{Router: &stubRouter{err: errors.New("boom")}}
	got := res.Route(context.Background(), pickup, drop)
	if got.Source != SourceEstimate {
		t.Fatalf("expected estimate fallback, got %+v", got)
	}
}

func TestResolverBoundsSlowProvider(t *testing.T) {
	res := &Resolver{Router: &stubRouter{delay: time.Second}, RouteTimeout: 20 * time.Millisecond}
	start := time.Now()
	got := res.Route(context.Background(), pickup, drop)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("timeout not enforced")
	}
	if got.Source != SourceEstimate {
		t.Fatalf("expected estimate fallback, got %+v", got)
	}
}

func TestResolverAddressFallback(t *testing.T) {
	res := &Resolver{Geocoder: stubGeocoder{err: errors.New("down")}}
	if got := res.Address(context.Background(), pickup); got != "10.00000, 20.00000" {
		t.Fatalf("unexpected fallback address %q", got)
	}
	res.Geocoder = stubGeocoder{}
	if got := res.Address(context.Background(), pickup); got != "1 Main St" {
		t.Fatalf("unexpected address %q", got)
	}
}

func TestCachedRouter(t *testing.T) {
	s := &stubRouter{route: Route{DistanceKm: 3, Source: "osrm"}}
	c := &CachedRouter{Next: s, Cache: NewCache(time.Minute)}
	for i := 0; i < 3; i++ {
		if _, err := c.Route(context.Background(), pickup, drop); err != nil {
			t.Fatal(err)
		}
	}
	if s.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", s.calls)
	}
}

func TestOSRMClientParsesRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":12340,"duration":900,"geometry":"abc"}]}`))
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).Route(context.Background(), pickup, drop)
	if err != nil {
		t.Fatal(err)
	}
	if got.DistanceKm != 12.34 || got.DurationMin != 15 || got.Polyline != "abc" {
		t.Fatalf("unexpected route %+v", got)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).Route(context.Background(), pickup, drop); err == nil {
		t.Fatal("expected error")
	}
}
