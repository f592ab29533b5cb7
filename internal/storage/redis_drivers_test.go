package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordination/internal/models"
)

func TestFieldArgsRoundTripsThroughParse(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := &models.Driver{
		ID: "d1", Name: "Dev", Phone: "555-0100", VehicleType: "Mini", VehicleNumber: "AB-123",
		Available: true, Location: &models.Coord{Lat: 12.5, Lng: 77.25}, Rating: 4.8, TotalTrips: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	args := fieldArgs(driverFields(d))
	if len(args)%2 != 0 {
		t.Fatalf("expected field/value pairs, got %d args", len(args))
	}
	m := map[string]string{}
	for i := 0; i < len(args); i += 2 {
		m[args[i].(string)] = fmt.Sprint(args[i+1])
	}
	got, err := parseDriver(m)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != d.ID || !got.Available || got.Location == nil || *got.Location != *d.Location || got.TotalTrips != 3 || got.Rating != 4.8 {
		t.Fatalf("round trip lost data: %+v", got)
	}
}

// newRedisStore connects to REDIS_TEST_ADDR under a throwaway prefix.
func newRedisStore(t *testing.T) (*RedisDriverStore, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	if err := rc.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	s := NewRedisDriverStore(rc, "test-"+uuid.NewString())
	t.Cleanup(func() {
		_, _ = s.PurgeDrivers(context.Background())
		_ = rc.Close()
	})
	return s, rc
}

func TestRedisCreateDriverConcurrentSamePhone(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const n = 16
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	created := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, existing, err := s.CreateDriver(ctx, &models.Driver{
				ID: uuid.NewString(), Name: "Dev", Phone: "555-0100", CreatedAt: now, UpdatedAt: now,
			})
			errs[i] = err
			created[i] = !existing
			if d != nil {
				ids[i] = d.ID
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("registration %d failed: %v", i, errs[i])
		}
		if created[i] {
			winners++
		}
		if ids[i] != ids[0] {
			t.Fatalf("same phone resolved to different drivers: %s vs %s", ids[i], ids[0])
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one new driver, got %d", winners)
	}
}

func TestRedisCreateDriverReclaimsOrphanedPhone(t *testing.T) {
	s, rc := newRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// a phone claim left behind without its driver hash
	if err := rc.HSet(ctx, s.phoneKey(), "555-0199", "ghost").Err(); err != nil {
		t.Fatal(err)
	}
	d, existing, err := s.CreateDriver(ctx, &models.Driver{ID: "d-new", Name: "Dev", Phone: "555-0199", CreatedAt: now, UpdatedAt: now})
	if err != nil || existing || d.ID != "d-new" {
		t.Fatalf("expected fresh driver, got %+v existing=%v err=%v", d, existing, err)
	}
	if _, err := s.GetDriver(ctx, "d-new"); err != nil {
		t.Fatalf("driver hash missing: %v", err)
	}
	if _, err := s.GetDriver(ctx, "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ghost to stay absent, got %v", err)
	}
}
