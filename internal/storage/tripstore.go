package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

// DriverFilter narrows ListDrivers. Zero values match everything.
type DriverFilter struct {
	AvailableOnly bool
	UpdatedAfter  time.Time
}

func (f DriverFilter) Match(d *models.Driver) bool {
	if f.AvailableOnly && !d.Available {
		return false
	}
	if !f.UpdatedAfter.IsZero() && !d.UpdatedAt.After(f.UpdatedAfter) {
		return false
	}
	return true
}

// RideFilter narrows FindRides. Zero values match everything.
type RideFilter struct {
	RiderID       string
	DriverID      string
	Statuses      []models.Status
	CreatedBefore time.Time
}

func (f RideFilter) Match(r *models.Ride) bool {
	if f.RiderID != "" && r.RiderID != f.RiderID {
		return false
	}
	if f.DriverID != "" && r.DriverID != f.DriverID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// DriverStore persists driver records keyed by id, unique by phone.
type DriverStore interface {
	// CreateDriver inserts d unless a driver with the same phone exists, in
	// which case the existing record is returned with existing=true.
	CreateDriver(ctx context.Context, d *models.Driver) (stored *models.Driver, existing bool, err error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriver(ctx context.Context, d *models.Driver) error
	ListDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error)
	PurgeDrivers(ctx context.Context) (int, error)
}

// TripStore defines persistence operations for rides.
type TripStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRide(ctx context.Context, r *models.Ride) error
	// CompareAndSwapStatus applies mutate to the ride only if its current
	// status equals from. It fails with models.ErrConflict otherwise.
	CompareAndSwapStatus(ctx context.Context, id string, from models.Status, mutate func(*models.Ride)) (*models.Ride, error)
	FindRides(ctx context.Context, f RideFilter) ([]*models.Ride, error)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", models.ErrNotFound, kind, id)
}

// MemoryStore keeps drivers and rides in process. Every read returns a copy.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	drivers map[string]*models.Driver
	phones  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		drivers: make(map[string]*models.Driver),
		phones:  make(map[string]string),
	}
}

func (m *MemoryStore) CreateDriver(_ context.Context, d *models.Driver) (*models.Driver, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.phones[d.Phone]; ok {
		return m.drivers[id].Clone(), true, nil
	}
	m.drivers[d.ID] = d.Clone()
	m.phones[d.Phone] = d.ID
	return d.Clone(), false, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, notFound("driver", id)
	}
	return d.Clone(), nil
}

func (m *MemoryStore) UpdateDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; !ok {
		return notFound("driver", d.ID)
	}
	m.drivers[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) ListDrivers(_ context.Context, f DriverFilter) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if f.Match(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PurgeDrivers(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.drivers)
	m.drivers = make(map[string]*models.Driver)
	m.phones = make(map[string]string)
	return n, nil
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("%w: ride %s already exists", models.ErrConflict, r.ID)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, notFound("ride", id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return notFound("ride", r.ID)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) CompareAndSwapStatus(_ context.Context, id string, from models.Status, mutate func(*models.Ride)) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return nil, notFound("ride", id)
	}
	if cur.Status != from {
		return nil, fmt.Errorf("%w: ride %s is %s, not %s", models.ErrConflict, id, cur.Status, from)
	}
	next := cur.Clone()
	mutate(next)
	m.rides[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) FindRides(_ context.Context, f RideFilter) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
