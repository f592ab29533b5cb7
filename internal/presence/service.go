// Package presence owns driver registration, availability and location.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/geo"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/storage"
	"github.com/example/ride-coordination/internal/syncx"
)

// DefaultFreshness is how recently a driver must have reported to be
// listed as available.
const DefaultFreshness = 10 * time.Minute

// LocationPublisher forwards presence reports downstream (Kafka).
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

var activeStatuses = []models.Status{models.StatusAccepted, models.StatusArriving, models.StatusStarted}

type Service struct {
	drivers   storage.DriverStore
	rides     storage.TripStore
	notify    *dispatch.Notifier
	locations LocationPublisher
	locks     *syncx.KeyedMutex
	freshness time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type Config struct {
	Drivers   storage.DriverStore
	Rides     storage.TripStore
	Notifier  *dispatch.Notifier
	Locations LocationPublisher
	Freshness time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

func NewService(cfg Config) *Service {
	s := &Service{
		drivers:   cfg.Drivers,
		rides:     cfg.Rides,
		notify:    cfg.Notifier,
		locations: cfg.Locations,
		locks:     syncx.NewKeyedMutex(),
		freshness: cfg.Freshness,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
	if s.freshness <= 0 {
		s.freshness = DefaultFreshness
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "presence")
	return s
}

type RegisterDriver struct {
	Name          string
	Phone         string
	VehicleType   string
	VehicleNumber string
}

// Register creates a driver keyed by phone. Registering an existing phone
// returns the stored record untouched with existing=true.
func (s *Service) Register(ctx context.Context, in RegisterDriver) (*models.Driver, bool, error) {
	var missing []string
	for _, f := range [...]struct{ name, v string }{
		{"name", in.Name}, {"phone", in.Phone}, {"vehicleType", in.VehicleType}, {"vehicleNumber", in.VehicleNumber},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, false, fmt.Errorf("%w: missing %s", models.ErrValidation, strings.Join(missing, ", "))
	}
	now := s.now().UTC()
	d, existing, err := s.drivers.CreateDriver(ctx, &models.Driver{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(in.Name),
		Phone:         strings.TrimSpace(in.Phone),
		VehicleType:   in.VehicleType,
		VehicleNumber: in.VehicleNumber,
		Rating:        models.DefaultRating,
		UpdatedAt:     now,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, false, err
	}
	if !existing {
		s.logger.Info("driver registered", "driver_id", d.ID)
	}
	return d, existing, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Driver, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: driver id required", models.ErrValidation)
	}
	return s.drivers.GetDriver(ctx, id)
}

// ReportPresence upserts location and availability. A false→true flip is
// broadcast as driver-available, true→false as driver-unavailable.
func (s *Service) ReportPresence(ctx context.Context, driverID string, loc *models.Coord, available bool) (*models.Driver, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver id required", models.ErrValidation)
	}
	if loc != nil && !geo.Valid(*loc) {
		return nil, fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	return s.setAvailability(ctx, driverID, loc, available, true)
}

// ForceOffline marks a driver unavailable after its connection dropped. It
// emits exactly what a voluntary offline report would.
func (s *Service) ForceOffline(ctx context.Context, driverID string) (*models.Driver, error) {
	return s.setAvailability(ctx, driverID, nil, false, false)
}

func (s *Service) setAvailability(ctx context.Context, driverID string, loc *models.Coord, available, touch bool) (*models.Driver, error) {
	unlock := s.locks.Lock(driverID)
	defer unlock()

	d, err := s.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	was := d.Available
	if loc != nil {
		c := *loc
		d.Location = &c
	}
	d.Available = available
	if touch {
		d.UpdatedAt = s.now().UTC()
	}
	if err := s.drivers.UpdateDriver(ctx, d); err != nil {
		return nil, err
	}
	// forced changes are published as well
	s.publishLocation(ctx, d)

	switch {
	case !was && available:
		observability.DriversOnline.Inc()
		s.logger.Info("driver online", "driver_id", d.ID)
		s.notify.Broadcast(ctx, models.NewEvent(models.EventDriverAvailable, models.DriverAvailable{
			DriverID:      d.ID,
			Name:          d.Name,
			VehicleType:   d.VehicleType,
			VehicleNumber: d.VehicleNumber,
			Location:      d.Location,
			Rating:        d.Rating,
			Available:     true,
		}))
	case was && !available:
		observability.DriversOnline.Dec()
		s.logger.Info("driver offline", "driver_id", d.ID, "forced", !touch)
		s.notify.Broadcast(ctx, models.NewEvent(models.EventDriverUnavailable, models.DriverUnavailable{DriverID: d.ID}))
	}
	return d, nil
}

// ReportLocationDuringRide moves the driver and relays the position to the
// rider of the driver's active ride only. Availability is not re-broadcast.
func (s *Service) ReportLocationDuringRide(ctx context.Context, driverID string, loc models.Coord) (*models.Driver, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver id required", models.ErrValidation)
	}
	if !geo.Valid(loc) {
		return nil, fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	unlock := s.locks.Lock(driverID)
	d, err := s.drivers.GetDriver(ctx, driverID)
	if err != nil {
		unlock()
		return nil, err
	}
	d.Location = &loc
	d.UpdatedAt = s.now().UTC()
	err = s.drivers.UpdateDriver(ctx, d)
	unlock()
	if err != nil {
		return nil, err
	}
	s.publishLocation(ctx, d)

	active, err := s.rides.FindRides(ctx, storage.RideFilter{DriverID: driverID, Statuses: activeStatuses})
	if err != nil {
		return nil, err
	}
	for _, r := range active {
		_, err := s.notify.Deliver(ctx, r.RiderID, models.NewEvent(models.EventDriverLocationChanged, models.DriverLocationChanged{
			DriverID: driverID,
			RideID:   r.ID,
			Status:   r.Status,
			Location: loc,
		}), dispatch.FallbackNone)
		if err != nil && !errors.Is(err, dispatch.ErrNoSession) {
			s.logger.Warn("location relay failed", "ride_id", r.ID, "error", err)
		}
	}
	return d, nil
}

// IncrementTrips bumps the trip counter once a ride completes.
func (s *Service) IncrementTrips(ctx context.Context, driverID string) error {
	unlock := s.locks.Lock(driverID)
	defer unlock()
	d, err := s.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	d.TotalTrips++
	return s.drivers.UpdateDriver(ctx, d)
}

type Query struct {
	Near     *models.Coord
	RadiusKm float64
}

// AvailableDriver annotates a driver with its distance from Query.Near.
type AvailableDriver struct {
	*models.Driver
	DistanceKm *float64 `json:"distanceKm,omitempty"`
}

// QueryAvailable lists available drivers that reported within the
// freshness window. Near/RadiusKm do not filter; when Near is given each
// result carries its distance so callers can filter themselves.
func (s *Service) QueryAvailable(ctx context.Context, q Query) ([]AvailableDriver, error) {
	drivers, err := s.drivers.ListDrivers(ctx, storage.DriverFilter{
		AvailableOnly: true,
		UpdatedAfter:  s.now().Add(-s.freshness),
	})
	if err != nil {
		return nil, err
	}
	out := make([]AvailableDriver, 0, len(drivers))
	for _, d := range drivers {
		ad := AvailableDriver{Driver: d}
		if q.Near != nil && d.Location != nil {
			km := geo.DistanceKm(*q.Near, *d.Location)
			ad.DistanceKm = &km
		}
		out = append(out, ad)
	}
	return out, nil
}

// List returns every registered driver.
func (s *Service) List(ctx context.Context) ([]*models.Driver, error) {
	return s.drivers.ListDrivers(ctx, storage.DriverFilter{})
}

// Purge deletes every driver record. Drivers that were available are
// published as unavailable so the location projection forgets them.
func (s *Service) Purge(ctx context.Context) (int, error) {
	online, err := s.drivers.ListDrivers(ctx, storage.DriverFilter{AvailableOnly: true})
	if err != nil {
		return 0, err
	}
	n, err := s.drivers.PurgeDrivers(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range online {
		d.Available = false
		d.UpdatedAt = s.now().UTC()
		s.publishLocation(ctx, d)
	}
	observability.DriversOnline.Set(0)
	s.logger.Warn("all drivers purged", "count", n)
	return n, nil
}

func (s *Service) publishLocation(ctx context.Context, d *models.Driver) {
	if s.locations == nil {
		return
	}
	if err := s.locations.PublishLocation(ctx, *d); err != nil {
		s.logger.Warn("location publish failed", "driver_id", d.ID, "error", err)
	}
}
