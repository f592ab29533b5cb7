package httpapi

import "github.com/example/ride-coordination/internal/models"

type registerDriverRequest struct {
	Name          string `json:"name" validate:"required"`
	Phone         string `json:"phone" validate:"required"`
	VehicleType   string `json:"vehicleType" validate:"required"`
	VehicleNumber string `json:"vehicleNumber" validate:"required"`
}

type updateLocationRequest struct {
	DriverID  string   `json:"driverId" validate:"required"`
	Lat       *float64 `json:"lat" validate:"required_with=Lng,omitempty,gte=-90,lte=90"`
	Lng       *float64 `json:"lng" validate:"required_with=Lat,omitempty,gte=-180,lte=180"`
	Available *bool    `json:"isAvailable"`
}

func (u updateLocationRequest) coord() *models.Coord {
	if u.Lat == nil || u.Lng == nil {
		return nil
	}
	return &models.Coord{Lat: *u.Lat, Lng: *u.Lng}
}

type placeDTO struct {
	Lat     *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng     *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
	Address string   `json:"address"`
}

func (p *placeDTO) place() *models.Place {
	return &models.Place{Lat: *p.Lat, Lng: *p.Lng, Address: p.Address}
}

type rideRequest struct {
	RiderID string    `json:"riderId" validate:"required_without=UserID"`
	UserID  string    `json:"userId"`
	Pickup  *placeDTO `json:"pickupLocation" validate:"required"`
	Drop    *placeDTO `json:"dropLocation" validate:"required"`
}

func (r rideRequest) rider() string {
	if r.RiderID != "" {
		return r.RiderID
	}
	return r.UserID
}

type rideDriverRequest struct {
	RideID   string `json:"rideId" validate:"required"`
	DriverID string `json:"driverId" validate:"required"`
}

type updateStatusRequest struct {
	RideID   string        `json:"rideId" validate:"required"`
	Status   models.Status `json:"status" validate:"required"`
	Location *models.Coord `json:"location"`
	ActorID  string        `json:"actorId"`
}

type rideRef struct {
	RideID  string `json:"rideId" validate:"required"`
	ActorID string `json:"actorId"`
}

type verifyOTPRequest struct {
	RideID   string        `json:"rideId" validate:"required"`
	OTP      string        `json:"otp" validate:"required"`
	Location *models.Coord `json:"location"`
	DriverID string        `json:"driverId"`
}
