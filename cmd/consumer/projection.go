package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordination/internal/ingest"
)

var errInvalidMessage = errors.New("invalid location message")

func isInvalid(err error) bool { return errors.Is(err, errInvalidMessage) }

// RedisUpdater defines the small subset of redis operations the projection needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	GeoRemove(ctx context.Context, key, member string) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

// GeoRemove uses ZREM since a GEO set is a sorted set underneath.
func (r *redisAdapter) GeoRemove(ctx context.Context, key, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// projection keeps a GEO set of available drivers and a meta hash per
// driver in step with the driver-locations topic.
type projection struct {
	store    RedisUpdater
	prefix   string
	attempts int
	delay    time.Duration
}

func (p *projection) geoKey() string           { return p.prefix + ":drivers:geo" }
func (p *projection) metaKey(id string) string { return p.prefix + ":driver:meta:" + id }

func (p *projection) handle(ctx context.Context, raw []byte) error {
	var msg ingest.LocationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if msg.DriverID == "" {
		return fmt.Errorf("%w: missing driverId", errInvalidMessage)
	}
	if msg.Location.Lat < -90 || msg.Location.Lat > 90 || msg.Location.Lng < -180 || msg.Location.Lng > 180 {
		return fmt.Errorf("%w: coordinates out of range", errInvalidMessage)
	}
	return updateRedisWithRetry(ctx, p, &msg)
}

func (p *projection) apply(ctx context.Context, msg *ingest.LocationMessage) error {
	if msg.Available {
		loc := &redis.GeoLocation{Longitude: msg.Location.Lng, Latitude: msg.Location.Lat, Name: msg.DriverID}
		if err := p.store.GeoAdd(ctx, p.geoKey(), loc); err != nil {
			return err
		}
	} else if err := p.store.GeoRemove(ctx, p.geoKey(), msg.DriverID); err != nil {
		return err
	}
	return p.store.HSet(ctx, p.metaKey(msg.DriverID), map[string]interface{}{
		"rating":      msg.Rating,
		"isAvailable": msg.Available,
		"lat":         msg.Location.Lat,
		"lng":         msg.Location.Lng,
		"lastUpdated": msg.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// updateRedisWithRetry applies msg with doubling backoff between attempts.
func updateRedisWithRetry(ctx context.Context, p *projection, msg *ingest.LocationMessage) error {
	delay := p.delay
	var err error
	for i := 0; i < p.attempts; i++ {
		if err = p.apply(ctx, msg); err == nil {
			return nil
		}
		if i == p.attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
