package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/dispatch/dispatchtest"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeLocations struct {
	mu    sync.Mutex
	count int
	last  map[string]models.Driver
}

func (f *fakeLocations) PublishLocation(_ context.Context, d models.Driver) error {
	f.mu.Lock()
	f.count++
	if f.last == nil {
		f.last = map[string]models.Driver{}
	}
	f.last[d.ID] = d
	f.mu.Unlock()
	return nil
}

func (f *fakeLocations) lastFor(id string) (models.Driver, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.last[id]
	return d, ok
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	reg   *dispatch.Registry
	clock *clock
	locs  *fakeLocations
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := dispatch.NewRegistry()
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	locs := &fakeLocations{}
	svc := NewService(Config{
		Drivers:   store,
		Rides:     store,
		Notifier:  dispatch.NewNotifier(reg, nil),
		Locations: locs,
		Now:       c.Now,
	})
	return &fixture{svc: svc, store: store, reg: reg, clock: c, locs: locs}
}

func (f *fixture) register(t *testing.T, phone string) *models.Driver {
	t.Helper()
	d, _, err := f.svc.Register(context.Background(), RegisterDriver{Name: "Dev", Phone: phone, VehicleType: "Mini", VehicleNumber: "AB-123"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return d
}

func TestRegisterIsIdempotentByPhone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.register(t, "555-0100")
	again, existing, err := f.svc.Register(ctx, RegisterDriver{Name: "Other", Phone: "555-0100", VehicleType: "SUV", VehicleNumber: "ZZ-999"})
	if err != nil {
		t.Fatal(err)
	}
	if !existing || again.ID != first.ID || again.VehicleType != "Mini" {
		t.Fatalf("expected existing record, got %+v existing=%v", again, existing)
	}
	if first.Rating != models.DefaultRating || first.Available {
		t.Fatalf("unexpected defaults %+v", first)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Register(context.Background(), RegisterDriver{Name: "x"})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestReportPresenceBroadcastsTransitionsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.register(t, "555-0100")
	rider := dispatchtest.NewConn("rider")
	other := dispatchtest.NewConn("other")
	f.reg.Bind("u1", models.RoleRider, rider)
	f.reg.Attach(other)

	loc := &models.Coord{Lat: 10, Lng: 20}
	if _, err := f.svc.ReportPresence(ctx, d.ID, loc, true); err != nil {
		t.Fatal(err)
	}
	for _, c := range []*dispatchtest.Conn{rider, other} {
		evs := c.OfType(models.EventDriverAvailable)
		if len(evs) != 1 {
			t.Fatalf("%s: expected one driver-available, got %d", c.ID(), len(evs))
		}
		p := evs[0].Data.(models.DriverAvailable)
		if p.DriverID != d.ID || p.Name != "Dev" || p.VehicleType != "Mini" || p.Location == nil || p.Rating != models.DefaultRating {
			t.Fatalf("incomplete payload %+v", p)
		}
	}

	// heartbeat while already online: no new event
	if _, err := f.svc.ReportPresence(ctx, d.ID, loc, true); err != nil {
		t.Fatal(err)
	}
	if n := len(rider.Events()); n != 1 {
		t.Fatalf("expected no event on heartbeat, got %d total", n)
	}

	if _, err := f.svc.ReportPresence(ctx, d.ID, nil, false); err != nil {
		t.Fatal(err)
	}
	evs := other.OfType(models.EventDriverUnavailable)
	if len(evs) != 1 || evs[0].Data.(models.DriverUnavailable).DriverID != d.ID {
		t.Fatalf("expected driver-unavailable with id, got %+v", evs)
	}
	if f.locs.count != 3 {
		t.Fatalf("expected 3 location publishes, got %d", f.locs.count)
	}
}

func TestReportPresenceUnknownDriver(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ReportPresence(context.Background(), "ghost", nil, true)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryAvailableHonoursFreshness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.register(t, "1")
	fresh := f.register(t, "2")
	off := f.register(t, "3")

	_, _ = f.svc.ReportPresence(ctx, stale.ID, &models.Coord{Lat: 1, Lng: 1}, true)
	f.clock.Advance(11 * time.Minute)
	_, _ = f.svc.ReportPresence(ctx, fresh.ID, &models.Coord{Lat: 10, Lng: 20}, true)
	_, _ = f.svc.ReportPresence(ctx, off.ID, &models.Coord{Lat: 10, Lng: 20}, false)

	got, err := f.svc.QueryAvailable(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Fatalf("expected only the fresh driver, got %+v", got)
	}
	if got[0].DistanceKm != nil {
		t.Fatalf("distance must be absent without a reference point")
	}
}

func TestQueryAvailableNearDoesNotFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	far := f.register(t, "1")
	_, _ = f.svc.ReportPresence(ctx, far.ID, &models.Coord{Lat: 50, Lng: 50}, true)

	got, err := f.svc.QueryAvailable(ctx, Query{Near: &models.Coord{Lat: 10, Lng: 20}, RadiusKm: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected far driver to be returned, got %d", len(got))
	}
	if got[0].DistanceKm == nil || *got[0].DistanceKm < 1000 {
		t.Fatalf("expected distance annotation, got %v", got[0].DistanceKm)
	}
}

func TestLocationDuringRideTargetsRiderOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.register(t, "555-0100")
	_, _ = f.svc.ReportPresence(ctx, d.ID, &models.Coord{Lat: 10, Lng: 20}, true)
	_ = f.store.CreateRide(ctx, &models.Ride{ID: "r1", RiderID: "u1", DriverID: d.ID, Status: models.StatusArriving})
	_ = f.store.CreateRide(ctx, &models.Ride{ID: "r0", RiderID: "u2", DriverID: d.ID, Status: models.StatusCompleted})

	rider := dispatchtest.NewConn("rider")
	other := dispatchtest.NewConn("other")
	f.reg.Bind("u1", models.RoleRider, rider)
	f.reg.Bind("u2", models.RoleRider, other)

	if _, err := f.svc.ReportLocationDuringRide(ctx, d.ID, models.Coord{Lat: 10.01, Lng: 20.01}); err != nil {
		t.Fatal(err)
	}
	evs := rider.OfType(models.EventDriverLocationChanged)
	if len(evs) != 1 {
		t.Fatalf("expected one location event for rider, got %d", len(evs))
	}
	p := evs[0].Data.(models.DriverLocationChanged)
	if p.RideID != "r1" || p.Status != models.StatusArriving || p.Location.Lat != 10.01 {
		t.Fatalf("unexpected payload %+v", p)
	}
	if len(other.Events()) != 0 {
		t.Fatalf("location leaked to another rider: %+v", other.Events())
	}
	if len(rider.OfType(models.EventDriverAvailable)) != 0 {
		t.Fatalf("location update must not re-broadcast availability")
	}
}

func TestLocationDuringRideUnboundRiderIsNotBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.register(t, "555-0100")
	_ = f.store.CreateRide(ctx, &models.Ride{ID: "r1", RiderID: "u1", DriverID: d.ID, Status: models.StatusStarted})
	bystander := dispatchtest.NewConn("b")
	f.reg.Attach(bystander)

	if _, err := f.svc.ReportLocationDuringRide(ctx, d.ID, models.Coord{Lat: 1, Lng: 1}); err != nil {
		t.Fatal(err)
	}
	if len(bystander.Events()) != 0 {
		t.Fatalf("rider location must never fall back to broadcast")
	}
}

func TestForceOfflineEmitsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.register(t, "555-0100")
	_, _ = f.svc.ReportPresence(ctx, d.ID, &models.Coord{Lat: 10, Lng: 20}, true)
	watcher := dispatchtest.NewConn("w")
	f.reg.Attach(watcher)

	got, err := f.svc.ForceOffline(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Available {
		t.Fatal("expected driver offline")
	}
	if len(watcher.OfType(models.EventDriverUnavailable)) != 1 {
		t.Fatalf("expected driver-unavailable broadcast")
	}
	if pub, ok := f.locs.lastFor(d.ID); !ok || pub.Available {
		t.Fatalf("forced offline must be published as unavailable, got %+v", pub)
	}
	if f.locs.count != 2 {
		t.Fatalf("expected online and offline publishes, got %d", f.locs.count)
	}
	// already offline: nothing more to say
	_, _ = f.svc.ForceOffline(ctx, d.ID)
	if len(watcher.Events()) != 1 {
		t.Fatalf("expected no duplicate event, got %d", len(watcher.Events()))
	}
}

func TestPurgeAndIncrementTrips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.register(t, "555-0100")
	if err := f.svc.IncrementTrips(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.Get(ctx, d.ID)
	if got.TotalTrips != 1 {
		t.Fatalf("expected 1 trip, got %d", got.TotalTrips)
	}
	if _, err := f.svc.ReportPresence(ctx, d.ID, &models.Coord{Lat: 10, Lng: 20}, true); err != nil {
		t.Fatal(err)
	}
	n, err := f.svc.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge: %d %v", n, err)
	}
	if pub, ok := f.locs.lastFor(d.ID); !ok || pub.Available {
		t.Fatalf("purged driver must be published as unavailable, got %+v", pub)
	}
	if _, err := f.svc.Get(ctx, d.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected purged driver to be gone, got %v", err)
	}
}
