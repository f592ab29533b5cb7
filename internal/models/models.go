package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a coordinate with an optional human readable address.
type Place struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

type Driver struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	VehicleType   string    `json:"vehicleType"`
	VehicleNumber string    `json:"vehicleNumber"`
	Location      *Coord    `json:"location,omitempty"`
	Available     bool      `json:"isAvailable"`
	UpdatedAt     time.Time `json:"lastUpdated"`
	Rating        float64   `json:"rating"` // 0..5
	TotalTrips    int       `json:"totalTrips"`
	CreatedAt     time.Time `json:"createdAt"`
}

// DefaultRating is assigned to freshly registered drivers.
const DefaultRating = 4.9

type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusArriving  Status = "ARRIVING"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusArriving, StatusStarted, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type TimelineEntry struct {
	Status   Status    `json:"status"`
	At       time.Time `json:"at"`
	Location *Coord    `json:"location,omitempty"`
	ActorID  string    `json:"actorId,omitempty"`
}

// LapsedOffer notes that a driver declined a ride that stayed open.
type LapsedOffer struct {
	DriverID string    `json:"driverId"`
	At       time.Time `json:"at"`
}

type Ride struct {
	ID          string          `json:"id"`
	RiderID     string          `json:"riderId"`
	DriverID    string          `json:"driverId,omitempty"`
	Pickup      Place           `json:"pickupLocation"`
	Drop        Place           `json:"dropLocation"`
	Status      Status          `json:"status"`
	Fare        float64         `json:"fare"`
	DistanceKm  float64         `json:"distance"`
	DurationMin float64         `json:"duration"`
	Polyline    string          `json:"polyline,omitempty"`
	RouteSource string          `json:"routeSource,omitempty"`
	OTP         string          `json:"-"`
	OTPAttempts int             `json:"-"`
	Timeline    []TimelineEntry `json:"timeline"`
	Lapsed      []LapsedOffer   `json:"lapsedOffers,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without sharing slices
// with a stored record.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.Timeline = make([]TimelineEntry, len(r.Timeline))
	for i, e := range r.Timeline {
		if e.Location != nil {
			loc := *e.Location
			e.Location = &loc
		}
		c.Timeline[i] = e
	}
	if r.Lapsed != nil {
		c.Lapsed = append([]LapsedOffer(nil), r.Lapsed...)
	}
	return &c
}

// Append records a status transition on the timeline.
func (r *Ride) Append(status Status, at time.Time, loc *Coord, actorID string) {
	r.Status = status
	r.UpdatedAt = at
	r.Timeline = append(r.Timeline, TimelineEntry{Status: status, At: at, Location: loc, ActorID: actorID})
}

func (d *Driver) Clone() *Driver {
	if d == nil {
		return nil
	}
	c := *d
	if d.Location != nil {
		loc := *d.Location
		c.Location = &loc
	}
	return &c
}
