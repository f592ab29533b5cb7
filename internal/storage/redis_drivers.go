package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordination/internal/models"
)

// RedisDriverStore implements DriverStore with one hash per driver, a phone
// index hash claimed with HSETNX, and a set of all driver ids.
type RedisDriverStore struct {
	client *redis.Client
	prefix string
}

func NewRedisDriverStore(client *redis.Client, prefix string) *RedisDriverStore {
	if prefix == "" {
		prefix = "rc"
	}
	return &RedisDriverStore{client: client, prefix: prefix}
}

func (r *RedisDriverStore) driverKey(id string) string { return r.prefix + ":driver:" + id }
func (r *RedisDriverStore) phoneKey() string          { return r.prefix + ":drivers:phone" }
func (r *RedisDriverStore) allKey() string            { return r.prefix + ":drivers:all" }

func driverFields(d *models.Driver) map[string]interface{} {
	f := map[string]interface{}{
		"id":             d.ID,
		"name":           d.Name,
		"phone":          d.Phone,
		"vehicle_type":   d.VehicleType,
		"vehicle_number": d.VehicleNumber,
		"available":      strconv.FormatBool(d.Available),
		"updated":        d.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"rating":         strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"total_trips":    strconv.Itoa(d.TotalTrips),
		"created":        d.CreatedAt.UTC().Format(time.RFC3339Nano),
		"lat":            "",
		"lng":            "",
	}
	if d.Location != nil {
		f["lat"] = strconv.FormatFloat(d.Location.Lat, 'f', -1, 64)
		f["lng"] = strconv.FormatFloat(d.Location.Lng, 'f', -1, 64)
	}
	return f
}

func parseDriver(m map[string]string) (*models.Driver, error) {
	d := &models.Driver{
		ID:            m["id"],
		Name:          m["name"],
		Phone:         m["phone"],
		VehicleType:   m["vehicle_type"],
		VehicleNumber: m["vehicle_number"],
		Available:     m["available"] == "true",
	}
	var err error
	if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, m["updated"]); err != nil {
		return nil, fmt.Errorf("driver %s updated: %w", d.ID, err)
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, m["created"]); err != nil {
		return nil, fmt.Errorf("driver %s created: %w", d.ID, err)
	}
	if v := m["rating"]; v != "" {
		if d.Rating, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, err
		}
	}
	if v := m["total_trips"]; v != "" {
		if d.TotalTrips, err = strconv.Atoi(v); err != nil {
			return nil, err
		}
	}
	if m["lat"] != "" && m["lng"] != "" {
		lat, err1 := strconv.ParseFloat(m["lat"], 64)
		lng, err2 := strconv.ParseFloat(m["lng"], 64)
		if err := errors.Join(err1, err2); err != nil {
			return nil, err
		}
		d.Location = &models.Coord{Lat: lat, Lng: lng}
	}
	return d, nil
}

// createDriverScript claims the phone and writes the driver hash in one
// step, so a claimed phone always resolves to a stored driver. A claim
// whose driver hash is missing is treated as free.
//
// KEYS: phone index, driver hash, all-ids set.
// ARGV: phone, id, driver key prefix, then field/value pairs.
var createDriverScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing and redis.call('EXISTS', ARGV[3] .. existing) == 1 then
	return {0, existing}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], unpack(ARGV, 4))
redis.call('SADD', KEYS[3], ARGV[2])
return {1, ARGV[2]}
`)

func (r *RedisDriverStore) CreateDriver(ctx context.Context, d *models.Driver) (*models.Driver, bool, error) {
	keys := []string{r.phoneKey(), r.driverKey(d.ID), r.allKey()}
	args := append([]interface{}{d.Phone, d.ID, r.driverKey("")}, fieldArgs(driverFields(d))...)
	res, err := createDriverScript.Run(ctx, r.client, keys, args...).Slice()
	if err != nil {
		return nil, false, err
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("create driver: unexpected script reply %v", res)
	}
	if created, _ := res[0].(int64); created == 1 {
		return d.Clone(), false, nil
	}
	id, _ := res[1].(string)
	existing, err := r.GetDriver(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// fieldArgs flattens a hash in key order for script arguments.
func fieldArgs(m map[string]interface{}) []interface{} {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]interface{}, 0, 2*len(m))
	for _, k := range names {
		out = append(out, k, m[k])
	}
	return out
}

func (r *RedisDriverStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m, err := r.client.HGetAll(ctx, r.driverKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, notFound("driver", id)
	}
	return parseDriver(m)
}

func (r *RedisDriverStore) UpdateDriver(ctx context.Context, d *models.Driver) error {
	n, err := r.client.Exists(ctx, r.driverKey(d.ID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("driver", d.ID)
	}
	return r.client.HSet(ctx, r.driverKey(d.ID), driverFields(d)).Err()
}

func (r *RedisDriverStore) ListDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error) {
	ids, err := r.client.SMembers(ctx, r.allKey()).Result()
	if err != nil {
		return nil, err
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.driverKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Driver, 0, len(ids))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		d, err := parseDriver(m)
		if err != nil {
			return nil, err
		}
		if f.Match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *RedisDriverStore) PurgeDrivers(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, r.allKey()).Result()
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(ids)+2)
	for _, id := range ids {
		keys = append(keys, r.driverKey(id))
	}
	keys = append(keys, r.phoneKey(), r.allKey())
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return len(ids), nil
}
