// Package rides implements the ride lifecycle: request, first-accept-wins
// assignment, the pairing code handshake and terminal transitions.
package rides

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/geo"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/routing"
	"github.com/example/ride-coordination/internal/storage"
	"github.com/example/ride-coordination/internal/syncx"
)

// DefaultMaxOTPAttempts is how many wrong codes clear the pairing code.
const DefaultMaxOTPAttempts = 5

// SystemActor is recorded on transitions nobody asked for, such as expiry.
const SystemActor = "system"

// Drivers is the slice of the presence service the lifecycle needs.
type Drivers interface {
	Get(ctx context.Context, id string) (*models.Driver, error)
	IncrementTrips(ctx context.Context, driverID string) error
}

type Config struct {
	Rides          storage.TripStore
	Drivers        Drivers
	Notifier       *dispatch.Notifier
	Resolver       *routing.Resolver
	Fares          FarePolicy
	MaxOTPAttempts int
	Now            func() time.Time
	// NewOTP overrides pairing code generation in tests.
	NewOTP func() (string, error)
	Logger *slog.Logger
}

type Service struct {
	rides       storage.TripStore
	drivers     Drivers
	notify      *dispatch.Notifier
	resolver    *routing.Resolver
	fares       FarePolicy
	maxAttempts int
	now         func() time.Time
	newOTP      func() (string, error)
	rideLocks   *syncx.KeyedMutex
	driverLocks *syncx.KeyedMutex
	logger      *slog.Logger
}

func NewService(cfg Config) *Service {
	s := &Service{
		rides:       cfg.Rides,
		drivers:     cfg.Drivers,
		notify:      cfg.Notifier,
		resolver:    cfg.Resolver,
		fares:       cfg.Fares,
		maxAttempts: cfg.MaxOTPAttempts,
		now:         cfg.Now,
		newOTP:      cfg.NewOTP,
		rideLocks:   syncx.NewKeyedMutex(),
		driverLocks: syncx.NewKeyedMutex(),
		logger:      cfg.Logger,
	}
	if s.resolver == nil {
		s.resolver = &routing.Resolver{}
	}
	if s.notify == nil {
		s.notify = dispatch.NewNotifier(dispatch.NewRegistry(), cfg.Logger)
	}
	if s.fares == (FarePolicy{}) {
		s.fares = DefaultFarePolicy
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxOTPAttempts
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newOTP == nil {
		s.newOTP = GenerateCode
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "rides")
	return s
}

// GenerateCode returns a uniformly random 6-digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

type RequestRide struct {
	RiderID string
	Pickup  *models.Place
	Drop    *models.Place
}

// Request creates a REQUESTED ride priced from the resolved route and
// offers it to every connected driver. Routing or geocoding outages
// degrade the ride's details; they never fail the request.
func (s *Service) Request(ctx context.Context, in RequestRide) (*models.Ride, error) {
	if strings.TrimSpace(in.RiderID) == "" {
		return nil, fmt.Errorf("%w: riderId required", models.ErrValidation)
	}
	if in.Pickup == nil || in.Drop == nil {
		return nil, fmt.Errorf("%w: pickupLocation and dropLocation required", models.ErrValidation)
	}
	if !geo.Valid(in.Pickup.Coord()) || !geo.Valid(in.Drop.Coord()) {
		return nil, fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	pickup, drop := *in.Pickup, *in.Drop
	if pickup.Address == "" {
		pickup.Address = s.resolver.Address(ctx, pickup.Coord())
	}
	if drop.Address == "" {
		drop.Address = s.resolver.Address(ctx, drop.Coord())
	}
	route := s.resolver.Route(ctx, pickup.Coord(), drop.Coord())

	now := s.now().UTC()
	r := &models.Ride{
		ID:          uuid.NewString(),
		RiderID:     in.RiderID,
		Pickup:      pickup,
		Drop:        drop,
		Fare:        s.fares.Quote(route.DistanceKm),
		DistanceKm:  route.DistanceKm,
		DurationMin: route.DurationMin,
		Polyline:    route.Polyline,
		RouteSource: route.Source,
		CreatedAt:   now,
	}
	at := pickup.Coord()
	r.Append(models.StatusRequested, now, &at, in.RiderID)
	if err := s.rides.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	observability.RidesRequested.Inc()
	s.logger.Info("ride requested", "ride_id", r.ID, "rider_id", r.RiderID, "route_source", r.RouteSource)

	s.notify.BroadcastTo(ctx, models.RoleDriver, models.NewEvent(models.EventNewRideAvailable, models.NewRideAvailable{
		RideID:      r.ID,
		Status:      r.Status,
		Pickup:      r.Pickup,
		Drop:        r.Drop,
		Fare:        r.Fare,
		DistanceKm:  r.DistanceKm,
		DurationMin: r.DurationMin,
	}))
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Ride, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: ride id required", models.ErrValidation)
	}
	return s.rides.GetRide(ctx, id)
}

// ActiveForDriver returns the ride the driver is currently serving.
func (s *Service) ActiveForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return s.active(ctx, storage.RideFilter{DriverID: driverID, Statuses: activeStatuses}, "driver", driverID)
}

// ActiveForRider returns the rider's newest non-terminal ride.
func (s *Service) ActiveForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	return s.active(ctx, storage.RideFilter{
		RiderID:  riderID,
		Statuses: append([]models.Status{models.StatusRequested}, activeStatuses...),
	}, "rider", riderID)
}

func (s *Service) active(ctx context.Context, f storage.RideFilter, kind, id string) (*models.Ride, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: %s id required", models.ErrValidation, kind)
	}
	found, err := s.rides.FindRides(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no active ride for %s %s", models.ErrNotFound, kind, id)
	}
	return found[len(found)-1], nil
}

// Accept assigns the ride to driverID if it is still REQUESTED. Of any
// number of concurrent accepts exactly one succeeds; the rest get
// ErrConflict. A driver already serving a ride cannot accept another.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, fmt.Errorf("%w: rideId and driverId required", models.ErrValidation)
	}
	if _, err := s.drivers.Get(ctx, driverID); err != nil {
		return nil, err
	}

	unlockDriver := s.driverLocks.Lock(driverID)
	defer unlockDriver()
	busy, err := s.rides.FindRides(ctx, storage.RideFilter{DriverID: driverID, Statuses: activeStatuses})
	if err != nil {
		return nil, err
	}
	if len(busy) > 0 {
		return nil, fmt.Errorf("%w: driver %s already serving ride %s", models.ErrConflict, driverID, busy[0].ID)
	}

	unlock := s.rideLocks.Lock(rideID)
	defer unlock()
	cur, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusRequested {
		observability.AcceptConflicts.Inc()
		return nil, fmt.Errorf("%w: ride %s is %s", models.ErrConflict, rideID, cur.Status)
	}
	now := s.now().UTC()
	r, err := s.rides.CompareAndSwapStatus(ctx, rideID, models.StatusRequested, func(r *models.Ride) {
		r.DriverID = driverID
		r.Append(models.StatusAccepted, now, nil, driverID)
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			observability.AcceptConflicts.Inc()
		}
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(r.Status)).Inc()
	s.logger.Info("ride accepted", "ride_id", r.ID, "driver_id", driverID)

	s.deliver(ctx, r.RiderID, models.NewEvent(models.EventRideAccepted, update(r, nil)), dispatch.FallbackBroadcast)
	s.notify.BroadcastTo(ctx, models.RoleDriver, models.NewEvent(models.EventRideStatusUpdated, models.RideUpdate{
		RideID:   r.ID,
		DriverID: r.DriverID,
		Status:   r.Status,
	}))
	return r, nil
}

// Reject records that driverID declined the offer. The ride stays
// REQUESTED and open to other drivers.
func (s *Service) Reject(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, fmt.Errorf("%w: rideId and driverId required", models.ErrValidation)
	}
	unlock := s.rideLocks.Lock(rideID)
	defer unlock()
	cur, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusRequested {
		return nil, fmt.Errorf("%w: ride %s is %s", models.ErrConflict, rideID, cur.Status)
	}
	now := s.now().UTC()
	r, err := s.rides.CompareAndSwapStatus(ctx, rideID, models.StatusRequested, func(r *models.Ride) {
		r.Lapsed = append(r.Lapsed, models.LapsedOffer{DriverID: driverID, At: now})
		r.UpdatedAt = now
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ride offer rejected", "ride_id", rideID, "driver_id", driverID)
	return r, nil
}

// Advance moves the ride along the driver-reported path. STARTED is only
// reachable through VerifyOTP and ACCEPTED only through Accept.
func (s *Service) Advance(ctx context.Context, rideID string, to models.Status, loc *models.Coord, actorID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, fmt.Errorf("%w: rideId required", models.ErrValidation)
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, to)
	}
	if loc != nil && !geo.Valid(*loc) {
		return nil, fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	switch to {
	case models.StatusCancelled:
		return s.Cancel(ctx, rideID, actorID)
	case models.StatusCompleted:
		return s.complete(ctx, rideID, loc, actorID)
	case models.StatusArriving:
		return s.transition(ctx, rideID, to, loc, actorID, nil)
	case models.StatusStarted:
		return nil, fmt.Errorf("%w: STARTED requires pairing code verification", models.ErrInvalidTransition)
	default:
		return nil, fmt.Errorf("%w: cannot move ride to %s directly", models.ErrInvalidTransition, to)
	}
}

// Complete finishes a STARTED ride and credits the driver with a trip.
func (s *Service) Complete(ctx context.Context, rideID, actorID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, fmt.Errorf("%w: rideId required", models.ErrValidation)
	}
	return s.complete(ctx, rideID, nil, actorID)
}

func (s *Service) complete(ctx context.Context, rideID string, loc *models.Coord, actorID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.StatusCompleted, loc, actorID, func(r *models.Ride) {
		if r.DriverID == "" {
			return
		}
		if err := s.drivers.IncrementTrips(ctx, r.DriverID); err != nil {
			s.logger.Warn("trip count not updated", "driver_id", r.DriverID, "error", err)
		}
	})
}

// Cancel ends a ride that has not started yet.
func (s *Service) Cancel(ctx context.Context, rideID, actorID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, fmt.Errorf("%w: rideId required", models.ErrValidation)
	}
	return s.transition(ctx, rideID, models.StatusCancelled, nil, actorID, s.closeOffer)
}

// closeOffer tells drivers that an unassigned ride is gone.
func (s *Service) closeOffer(r *models.Ride) {
	if r.DriverID != "" {
		return
	}
	s.notify.BroadcastTo(context.Background(), models.RoleDriver, models.NewEvent(models.EventRideStatusUpdated, models.RideUpdate{
		RideID: r.ID,
		Status: r.Status,
	}))
}

// transition applies one legal status change under the ride's lock, appends
// exactly one timeline entry and notifies both parties. after runs while
// the lock is still held.
func (s *Service) transition(ctx context.Context, rideID string, to models.Status, loc *models.Coord, actorID string, after func(*models.Ride)) (*models.Ride, error) {
	return s.transitionFrom(ctx, rideID, "", to, loc, actorID, after)
}

// transitionFrom is transition restricted to rides currently in from; an
// empty from accepts any legal predecessor.
func (s *Service) transitionFrom(ctx context.Context, rideID string, from, to models.Status, loc *models.Coord, actorID string, after func(*models.Ride)) (*models.Ride, error) {
	unlock := s.rideLocks.Lock(rideID)
	defer unlock()
	cur, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if from != "" && cur.Status != from {
		return nil, fmt.Errorf("%w: ride %s is %s", models.ErrConflict, rideID, cur.Status)
	}
	if !CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("%w: ride %s cannot move from %s to %s", models.ErrInvalidTransition, rideID, cur.Status, to)
	}
	now := s.now().UTC()
	r, err := s.rides.CompareAndSwapStatus(ctx, rideID, cur.Status, func(r *models.Ride) {
		if to.Terminal() {
			r.OTP = ""
			r.OTPAttempts = 0
		}
		r.Append(to, now, loc, actorID)
	})
	if err != nil {
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(to)).Inc()
	s.logger.Info("ride status changed", "ride_id", rideID, "from", cur.Status, "to", to, "actor", actorID)
	if after != nil {
		after(r)
	}
	s.notifyParties(ctx, r, loc)
	return r, nil
}

// GenerateOTP issues a fresh pairing code for an ACCEPTED or ARRIVING ride,
// replacing any previous one, and pushes it to the rider.
func (s *Service) GenerateOTP(ctx context.Context, rideID string) (string, error) {
	if rideID == "" {
		return "", fmt.Errorf("%w: rideId required", models.ErrValidation)
	}
	unlock := s.rideLocks.Lock(rideID)
	defer unlock()
	cur, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return "", err
	}
	if cur.Status != models.StatusAccepted && cur.Status != models.StatusArriving {
		return "", fmt.Errorf("%w: ride %s is %s", models.ErrConflict, rideID, cur.Status)
	}
	code, err := s.newOTP()
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	now := s.now().UTC()
	r, err := s.rides.CompareAndSwapStatus(ctx, rideID, cur.Status, func(r *models.Ride) {
		r.OTP = code
		r.OTPAttempts = 0
		r.UpdatedAt = now
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("pairing code issued", "ride_id", rideID)
	s.deliver(ctx, r.RiderID, models.NewEvent(models.EventRideOTPIssued, models.RideOTPIssued{
		RideID: r.ID,
		Status: r.Status,
		OTP:    code,
	}), dispatch.FallbackPush)
	return code, nil
}

// VerifyOTP starts the ride when code matches the live pairing code. A
// wrong code returns ErrAuth; after MaxOTPAttempts misses the code is
// cleared and further attempts get ErrConflict until a new one is issued.
func (s *Service) VerifyOTP(ctx context.Context, rideID, code string, loc *models.Coord, actorID string) (*models.Ride, error) {
	if rideID == "" || strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: rideId and otp required", models.ErrValidation)
	}
	unlock := s.rideLocks.Lock(rideID)
	defer unlock()
	cur, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusAccepted && cur.Status != models.StatusArriving {
		observability.OTPFailures.WithLabelValues("state").Inc()
		return nil, fmt.Errorf("%w: ride %s is %s", models.ErrConflict, rideID, cur.Status)
	}
	if cur.OTP == "" {
		observability.OTPFailures.WithLabelValues("no_code").Inc()
		return nil, fmt.Errorf("%w: no pairing code issued for ride %s", models.ErrConflict, rideID)
	}

	now := s.now().UTC()
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(code)), []byte(cur.OTP)) != 1 {
		observability.OTPFailures.WithLabelValues("mismatch").Inc()
		locked := false
		_, err := s.rides.CompareAndSwapStatus(ctx, rideID, cur.Status, func(r *models.Ride) {
			r.OTPAttempts++
			if r.OTPAttempts >= s.maxAttempts {
				r.OTP = ""
				r.OTPAttempts = 0
				locked = true
			}
			r.UpdatedAt = now
		})
		if err != nil {
			return nil, err
		}
		if locked {
			s.logger.Warn("pairing code cleared after repeated failures", "ride_id", rideID)
			return nil, fmt.Errorf("%w: too many attempts, request a new code", models.ErrAuth)
		}
		return nil, fmt.Errorf("%w: invalid pairing code", models.ErrAuth)
	}

	r, err := s.rides.CompareAndSwapStatus(ctx, rideID, cur.Status, func(r *models.Ride) {
		r.OTP = ""
		r.OTPAttempts = 0
		r.Append(models.StatusStarted, now, loc, actorID)
	})
	if err != nil {
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(r.Status)).Inc()
	s.logger.Info("ride started", "ride_id", rideID, "actor", actorID)
	s.notifyParties(ctx, r, loc)
	return r, nil
}

// ExpireStale cancels REQUESTED rides older than ttl. Rides accepted in the
// meantime are left alone.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	stale, err := s.rides.FindRides(ctx, storage.RideFilter{
		Statuses:      []models.Status{models.StatusRequested},
		CreatedBefore: s.now().Add(-ttl),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range stale {
		_, err := s.transitionFrom(ctx, r.ID, models.StatusRequested, models.StatusCancelled, nil, SystemActor, s.closeOffer)
		switch {
		case err == nil:
			n++
		case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrConflict):
		default:
			return n, err
		}
	}
	if n > 0 {
		s.logger.Info("expired unaccepted rides", "count", n)
	}
	return n, nil
}

// RunExpiry calls ExpireStale every interval until ctx is done.
func (s *Service) RunExpiry(ctx context.Context, ttl, every time.Duration) {
	if ttl <= 0 {
		return
	}
	if every <= 0 {
		every = ttl / 2
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx, ttl); err != nil {
				s.logger.Error("ride expiry failed", "error", err)
			}
		}
	}
}

// notifyParties sends ride-status-updated to the driver and the rider. The
// rider falls back to a broadcast when it has no live session.
func (s *Service) notifyParties(ctx context.Context, r *models.Ride, loc *models.Coord) {
	ev := models.NewEvent(models.EventRideStatusUpdated, update(r, loc))
	if r.DriverID != "" {
		s.deliver(ctx, r.DriverID, ev, dispatch.FallbackNone)
	}
	s.deliver(ctx, r.RiderID, ev, dispatch.FallbackBroadcast)
}

func (s *Service) deliver(ctx context.Context, actorID string, ev models.Event, fb dispatch.Fallback) {
	if _, err := s.notify.Deliver(ctx, actorID, ev, fb); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
		s.logger.Warn("event delivery failed", "actor_id", actorID, "type", ev.Type, "error", err)
	}
}

func update(r *models.Ride, loc *models.Coord) models.RideUpdate {
	return models.RideUpdate{
		RideID:   r.ID,
		DriverID: r.DriverID,
		RiderID:  r.RiderID,
		Status:   r.Status,
		Location: loc,
	}
}
