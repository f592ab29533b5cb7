package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordination/internal/ingest"
	"github.com/example/ride-coordination/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	remCalls int
	hCalls   int

	geo  map[string]redis.GeoLocation
	meta map[string]map[string]interface{}
}

func newFakeUpdater() *fakeUpdater {
	return &fakeUpdater{geo: map[string]redis.GeoLocation{}, meta: map[string]map[string]interface{}{}}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.geo[key+"/"+loc.Name] = *loc
	return nil
}

func (f *fakeUpdater) GeoRemove(ctx context.Context, key, member string) error {
	f.remCalls++
	delete(f.geo, key+"/"+member)
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.meta[key] = values
	return nil
}

func encode(t *testing.T, msg ingest.LocationMessage) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func sample(available bool) ingest.LocationMessage {
	return ingest.LocationMessage{
		DriverID:  "d1",
		Location:  models.Coord{Lat: 12.97, Lng: 77.59},
		Available: available,
		Rating:    4.5,
		UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestProjectionAddsAvailableDriver(t *testing.T) {
	f := newFakeUpdater()
	p := &projection{store: f, prefix: "rc", attempts: 1}
	if err := p.handle(context.Background(), encode(t, sample(true))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	loc, ok := f.geo["rc:drivers:geo/d1"]
	if !ok || loc.Latitude != 12.97 || loc.Longitude != 77.59 {
		t.Fatalf("expected geo entry, got %+v", f.geo)
	}
	meta := f.meta["rc:driver:meta:d1"]
	if meta["isAvailable"] != true || meta["rating"] != 4.5 {
		t.Fatalf("unexpected meta %+v", meta)
	}
}

func TestProjectionRemovesUnavailableDriver(t *testing.T) {
	f := newFakeUpdater()
	p := &projection{store: f, prefix: "rc", attempts: 1}
	ctx := context.Background()
	if err := p.handle(ctx, encode(t, sample(true))); err != nil {
		t.Fatal(err)
	}
	if err := p.handle(ctx, encode(t, sample(false))); err != nil {
		t.Fatal(err)
	}
	if len(f.geo) != 0 || f.remCalls != 1 {
		t.Fatalf("driver should leave the geo set, geo=%v rem=%d", f.geo, f.remCalls)
	}
	if f.meta["rc:driver:meta:d1"]["isAvailable"] != false {
		t.Fatal("meta should record unavailability")
	}
}

func TestProjectionRejectsInvalidMessages(t *testing.T) {
	p := &projection{store: newFakeUpdater(), prefix: "rc", attempts: 1}
	bad := sample(true)
	bad.Location.Lat = 120
	for name, raw := range map[string][]byte{
		"not json":     []byte("{"),
		"no driver id": []byte(`{"location":{"lat":1,"lng":2}}`),
		"out of range": encode(t, bad),
	} {
		if err := p.handle(context.Background(), raw); !isInvalid(err) {
			t.Fatalf("%s: expected invalid message error, got %v", name, err)
		}
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := newFakeUpdater()
	f.failGeo, f.failH = 1, 1
	p := &projection{store: f, prefix: "rc", attempts: 3, delay: 10 * time.Millisecond}
	msg := sample(true)
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), p, &msg); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := newFakeUpdater()
	f.failGeo = 5
	p := &projection{store: f, prefix: "rc", attempts: 3, delay: 5 * time.Millisecond}
	msg := sample(true)
	if err := updateRedisWithRetry(context.Background(), p, &msg); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := newFakeUpdater()
	f.failGeo = 5
	p := &projection{store: f, prefix: "rc", attempts: 3, delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg := sample(true)
	if err := updateRedisWithRetry(ctx, p, &msg); err == nil {
		t.Fatal("expected error")
	}
	if f.geoCalls != 1 {
		t.Fatalf("cancelled context must stop retries, got %d calls", f.geoCalls)
	}
}
