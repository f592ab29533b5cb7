package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/presence"
	"github.com/example/ride-coordination/internal/rides"
)

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) error

type Deps struct {
	Presence *presence.Service
	Rides    *rides.Service
	// Realtime serves /ws; nil disables the endpoint.
	Realtime       http.Handler
	Readiness      map[string]Checker
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Server struct {
	presence  *presence.Service
	rides     *rides.Service
	realtime  http.Handler
	readiness map[string]Checker
	origins   []string
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		presence:  d.Presence,
		rides:     d.Rides,
		realtime:  d.Realtime,
		readiness: d.Readiness,
		origins:   d.AllowedOrigins,
		logger:    logger.With("component", "http"),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api").Subrouter()

	api.HandleFunc("/driver/register", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/driver/update-location", s.handleUpdateLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/available", s.handleAvailableDrivers).Methods(http.MethodGet)
	api.HandleFunc("/driver/{id}", s.handleGetDriver).Methods(http.MethodGet)

	api.HandleFunc("/rides/request", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/accept", s.handleAcceptRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/reject", s.handleRejectRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/update-status", s.handleUpdateStatus).Methods(http.MethodPost)
	api.HandleFunc("/rides/generate-otp", s.handleGenerateOTP).Methods(http.MethodPost)
	api.HandleFunc("/rides/verify-otp", s.handleVerifyOTP).Methods(http.MethodPost)
	api.HandleFunc("/rides/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/complete", s.handleCompleteRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)

	api.HandleFunc("/debug/drivers", s.handleListDrivers).Methods(http.MethodGet)
	api.HandleFunc("/debug/make-available/{driverId}", s.handleMakeAvailable).Methods(http.MethodPost)
	api.HandleFunc("/debug/clear-all", s.handleClearAll).Methods(http.MethodDelete)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.realtime != nil {
		s.mux.Handle("/ws", s.realtime)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req registerDriverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, existing, err := s.presence.Register(r.Context(), presence.RegisterDriver{
		Name:          req.Name,
		Phone:         req.Phone,
		VehicleType:   req.VehicleType,
		VehicleNumber: req.VehicleNumber,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"success": true, "driver": d}
	if existing {
		resp["message"] = "Driver already exists"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUpdateLocation reports presence when isAvailable is given. Without
// it the call is a plain location update that leaves availability alone.
func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req updateLocationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var (
		d   *models.Driver
		err error
	)
	loc := req.coord()
	switch {
	case req.Available != nil:
		d, err = s.presence.ReportPresence(r.Context(), req.DriverID, loc, *req.Available)
	case loc != nil:
		d, err = s.presence.ReportLocationDuringRide(r.Context(), req.DriverID, *loc)
	default:
		d, err = s.presence.Get(r.Context(), req.DriverID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "driver": d})
}

func (s *Server) handleAvailableDrivers(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	drivers, err := s.presence.QueryAvailable(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(drivers), "drivers": drivers})
}

func parseQuery(r *http.Request) (presence.Query, error) {
	var q presence.Query
	v := r.URL.Query()
	latS, lngS := v.Get("lat"), v.Get("lng")
	if latS != "" && lngS != "" {
		lat, err1 := strconv.ParseFloat(latS, 64)
		lng, err2 := strconv.ParseFloat(lngS, 64)
		if err1 != nil || err2 != nil {
			return q, validationf("lat and lng must be numbers")
		}
		q.Near = &models.Coord{Lat: lat, Lng: lng}
	}
	q.RadiusKm = 50
	if rs := v.Get("radius"); rs != "" {
		radius, err := strconv.ParseFloat(rs, 64)
		if err != nil || radius < 0 {
			return q, validationf("radius must be a non-negative number")
		}
		q.RadiusKm = radius
	}
	return q, nil
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.presence.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "driver": d})
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req rideRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Request(r.Context(), rides.RequestRide{
		RiderID: req.rider(),
		Pickup:  req.Pickup.place(),
		Drop:    req.Drop.place(),
	})
	s.writeRide(w, r, ride, err)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	var req rideDriverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Accept(r.Context(), req.RideID, req.DriverID)
	s.writeRide(w, r, ride, err)
}

func (s *Server) handleRejectRide(w http.ResponseWriter, r *http.Request) {
	var req rideDriverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Reject(r.Context(), req.RideID, req.DriverID)
	s.writeRide(w, r, ride, err)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Advance(r.Context(), req.RideID, req.Status, req.Location, req.ActorID)
	s.writeRide(w, r, ride, err)
}

// handleGenerateOTP never echoes the code; only the rider receives it.
func (s *Server) handleGenerateOTP(w http.ResponseWriter, r *http.Request) {
	var req rideRef
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.rides.GenerateOTP(r.Context(), req.RideID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "rideId": req.RideID, "message": "OTP sent to rider"})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.VerifyOTP(r.Context(), req.RideID, req.OTP, req.Location, req.DriverID)
	s.writeRide(w, r, ride, err)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var req rideRef
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Cancel(r.Context(), req.RideID, req.ActorID)
	s.writeRide(w, r, ride, err)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	var req rideRef
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Complete(r.Context(), req.RideID, req.ActorID)
	s.writeRide(w, r, ride, err)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	s.writeRide(w, r, ride, err)
}

func (s *Server) writeRide(w http.ResponseWriter, r *http.Request, ride *models.Ride, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ride": ride})
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.presence.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(drivers), "drivers": drivers})
}

func (s *Server) handleMakeAvailable(w http.ResponseWriter, r *http.Request) {
	d, err := s.presence.ReportPresence(r.Context(), mux.Vars(r)["driverId"], nil, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "driver": d})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.presence.Purge(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": n, "message": "All drivers deleted"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failing := map[string]string{}
	for name, check := range s.readiness {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}
