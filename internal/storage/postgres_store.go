package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/example/ride-coordination/internal/models"
)

// PostgresStore implements DriverStore and TripStore on top of lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const driverColumns = `id, name, phone, vehicle_type, vehicle_number, lat, lng, available, updated_at, rating, total_trips, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	var lat, lng sql.NullFloat64
	if err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.VehicleType, &d.VehicleNumber, &lat, &lng,
		&d.Available, &d.UpdatedAt, &d.Rating, &d.TotalTrips, &d.CreatedAt); err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		d.Location = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &d, nil
}

func nullCoord(c *models.Coord) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lng, Valid: true}
}

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) (*models.Driver, bool, error) {
	lat, lng := nullCoord(d.Location)
	res, err := p.db.ExecContext(ctx, `INSERT INTO drivers(`+driverColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) ON CONFLICT (phone) DO NOTHING`,
		d.ID, d.Name, d.Phone, d.VehicleType, d.VehicleNumber, lat, lng, d.Available, d.UpdatedAt, d.Rating, d.TotalTrips, d.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return d.Clone(), false, nil
	}
	existing, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE phone=$1`, d.Phone))
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("driver", id)
	}
	return d, err
}

func (p *PostgresStore) UpdateDriver(ctx context.Context, d *models.Driver) error {
	lat, lng := nullCoord(d.Location)
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET name=$1, vehicle_type=$2, vehicle_number=$3, lat=$4, lng=$5, available=$6, updated_at=$7, rating=$8, total_trips=$9 WHERE id=$10`,
		d.Name, d.VehicleType, d.VehicleNumber, lat, lng, d.Available, d.UpdatedAt, d.Rating, d.TotalTrips, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("driver", d.ID)
	}
	return nil
}

func (p *PostgresStore) ListDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error) {
	var where []string
	var args []any
	if f.AvailableOnly {
		where = append(where, "available")
	}
	if !f.UpdatedAfter.IsZero() {
		args = append(args, f.UpdatedAfter)
		where = append(where, fmt.Sprintf("updated_at > $%d", len(args)))
	}
	q := `SELECT ` + driverColumns + ` FROM drivers`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := p.db.QueryContext(ctx, q+" ORDER BY created_at", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PurgeDrivers(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM drivers`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const rideColumns = `id, rider_id, driver_id, pickup, dropoff, status, fare, distance_km, duration_min, polyline, route_source, otp, otp_attempts, timeline, lapsed, created_at, updated_at`

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID sql.NullString
	var pickup, drop, timeline, lapsed []byte
	if err := row.Scan(&r.ID, &r.RiderID, &driverID, &pickup, &drop, &r.Status, &r.Fare, &r.DistanceKm, &r.DurationMin,
		&r.Polyline, &r.RouteSource, &r.OTP, &r.OTPAttempts, &timeline, &lapsed, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	for _, f := range []struct {
		raw []byte
		dst any
	}{{pickup, &r.Pickup}, {drop, &r.Drop}, {timeline, &r.Timeline}, {lapsed, &r.Lapsed}} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode ride %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

type rideDocs struct {
	pickup, drop, timeline, lapsed []byte
}

func encodeRide(r *models.Ride) (rideDocs, error) {
	var docs rideDocs
	var err error
	if docs.pickup, err = json.Marshal(r.Pickup); err != nil {
		return docs, err
	}
	if docs.drop, err = json.Marshal(r.Drop); err != nil {
		return docs, err
	}
	if docs.timeline, err = json.Marshal(r.Timeline); err != nil {
		return docs, err
	}
	lapsed := r.Lapsed
	if lapsed == nil {
		lapsed = []models.LapsedOffer{}
	}
	docs.lapsed, err = json.Marshal(lapsed)
	return docs, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	docs, err := encodeRide(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.RiderID, nullString(r.DriverID), docs.pickup, docs.drop, r.Status, r.Fare, r.DistanceKm, r.DurationMin,
		r.Polyline, r.RouteSource, r.OTP, r.OTPAttempts, docs.timeline, docs.lapsed, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("ride", id)
	}
	return r, err
}

// updateRide writes every mutable column. When from is non-empty the write
// only applies if the stored status still equals from.
func (p *PostgresStore) updateRide(ctx context.Context, r *models.Ride, from models.Status) (bool, error) {
	docs, err := encodeRide(r)
	if err != nil {
		return false, err
	}
	q := `UPDATE rides SET driver_id=$1, status=$2, otp=$3, otp_attempts=$4, timeline=$5, lapsed=$6, updated_at=$7 WHERE id=$8`
	args := []any{nullString(r.DriverID), r.Status, r.OTP, r.OTPAttempts, docs.timeline, docs.lapsed, r.UpdatedAt, r.ID}
	if from != "" {
		q += " AND status=$9"
		args = append(args, from)
	}
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	ok, err := p.updateRide(ctx, r, "")
	if err != nil {
		return err
	}
	if !ok {
		return notFound("ride", r.ID)
	}
	return nil
}

func (p *PostgresStore) CompareAndSwapStatus(ctx context.Context, id string, from models.Status, mutate func(*models.Ride)) (*models.Ride, error) {
	cur, err := p.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != from {
		return nil, fmt.Errorf("%w: ride %s is %s, not %s", models.ErrConflict, id, cur.Status, from)
	}
	mutate(cur)
	ok, err := p.updateRide(ctx, cur, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: ride %s left %s concurrently", models.ErrConflict, id, from)
	}
	return cur, nil
}

func (p *PostgresStore) FindRides(ctx context.Context, f RideFilter) ([]*models.Ride, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.RiderID != "" {
		add("rider_id = $%d", f.RiderID)
	}
	if f.DriverID != "" {
		add("driver_id = $%d", f.DriverID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}
	q := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := p.db.QueryContext(ctx, q+" ORDER BY created_at", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
