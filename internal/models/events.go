package models

import "time"

type EventType string

const (
	EventDriverAvailable       EventType = "driver-available"
	EventDriverUnavailable     EventType = "driver-unavailable"
	EventDriverLocationChanged EventType = "driver-location-changed"
	EventNewRideAvailable      EventType = "new-ride-available"
	EventRideAccepted          EventType = "ride-accepted"
	EventRideStatusUpdated     EventType = "ride-status-updated"
	EventRideOTPIssued         EventType = "ride-otp-issued"

	// replies to the sending socket only
	EventRegistered EventType = "registered"
	EventError      EventType = "error"
)

// Event is the envelope pushed to connected clients.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

func NewEvent(t EventType, data any) Event {
	return Event{Type: t, At: time.Now().UTC(), Data: data}
}

// Redacted returns a copy of e without secrets meant only for the live
// recipient. Journals and logs get this form.
func (e Event) Redacted() Event {
	switch d := e.Data.(type) {
	case RideOTPIssued:
		d.OTP = ""
		e.Data = d
	case *RideOTPIssued:
		if d != nil {
			c := *d
			c.OTP = ""
			e.Data = &c
		}
	}
	return e
}

type DriverAvailable struct {
	DriverID      string  `json:"driverId"`
	Name          string  `json:"name"`
	VehicleType   string  `json:"vehicleType"`
	VehicleNumber string  `json:"vehicleNumber"`
	Location      *Coord  `json:"location,omitempty"`
	Rating        float64 `json:"rating"`
	Available     bool    `json:"isAvailable"`
}

type DriverUnavailable struct {
	DriverID string `json:"driverId"`
}

type DriverLocationChanged struct {
	DriverID string `json:"driverId"`
	RideID   string `json:"rideId"`
	Status   Status `json:"status"`
	Location Coord  `json:"location"`
}

type NewRideAvailable struct {
	RideID      string  `json:"rideId"`
	Status      Status  `json:"status"`
	Pickup      Place   `json:"pickup"`
	Drop        Place   `json:"drop"`
	Fare        float64 `json:"fare"`
	DistanceKm  float64 `json:"distance"`
	DurationMin float64 `json:"duration"`
}

// RideUpdate is carried by ride-accepted and ride-status-updated. Status is
// always populated so receivers never have to infer it.
type RideUpdate struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId,omitempty"`
	RiderID  string `json:"riderId,omitempty"`
	Status   Status `json:"status"`
	Location *Coord `json:"location,omitempty"`
}

type RideOTPIssued struct {
	RideID string `json:"rideId"`
	Status Status `json:"status"`
	OTP    string `json:"otp,omitempty"`
}

type Registered struct {
	ActorID string `json:"actorId"`
	Role    Role   `json:"role"`
}

type ErrorReply struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
