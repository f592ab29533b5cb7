// Package realtime runs the websocket side of the service: it binds
// sockets to the actors they identify as and cleans up when they drop.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
)

// Inbound message types.
const (
	MsgRegisterDriver       = "register-driver"
	MsgRegisterRider        = "register-rider"
	MsgDriverOnline         = "driver-online"
	MsgDriverOffline        = "driver-offline"
	MsgDriverLocationUpdate = "driver-location-update"
)

// Presence is what the manager needs from the presence service.
type Presence interface {
	Get(ctx context.Context, id string) (*models.Driver, error)
	ReportPresence(ctx context.Context, driverID string, loc *models.Coord, available bool) (*models.Driver, error)
	ReportLocationDuringRide(ctx context.Context, driverID string, loc models.Coord) (*models.Driver, error)
	ForceOffline(ctx context.Context, driverID string) (*models.Driver, error)
}

type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type payload struct {
	DriverID string        `json:"driverId"`
	RiderID  string        `json:"riderId"`
	Lat      *float64      `json:"lat"`
	Lng      *float64      `json:"lng"`
	Location *models.Coord `json:"location"`
}

func (p payload) coord() *models.Coord {
	if p.Location != nil {
		return p.Location
	}
	if p.Lat != nil && p.Lng != nil {
		return &models.Coord{Lat: *p.Lat, Lng: *p.Lng}
	}
	return nil
}

type Manager struct {
	reg      *dispatch.Registry
	presence Presence
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewManager builds a manager. An empty allowedOrigins accepts any origin.
func NewManager(reg *dispatch.Registry, presence Presence, allowedOrigins []string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		reg:      reg,
		presence: presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With("component", "realtime"),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP upgrades the request and blocks until the socket closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	c := NewClient(ws, m.logger)
	m.Connect(c)
	go c.writePump()
	c.readPump(func(raw []byte) {
		_ = m.HandleMessage(ctx, c, raw)
	})
	m.Disconnect(ctx, c)
}

// Connect makes conn reachable by broadcasts.
func (m *Manager) Connect(conn dispatch.Conn) {
	m.reg.Attach(conn)
	observability.ConnectedClients.Inc()
	m.logger.Debug("client connected", "conn_id", conn.ID())
}

// Disconnect tears conn down. A driver still bound to it is forced offline
// with the same event a voluntary offline produces; riders are only
// unbound. A socket that was already replaced by a newer one changes
// nothing.
func (m *Manager) Disconnect(ctx context.Context, conn dispatch.Conn) {
	b, bound := m.reg.UnbindByConnection(conn.ID())
	_ = conn.Close()
	observability.ConnectedClients.Dec()
	if !bound {
		return
	}
	m.logger.Info("client disconnected", "conn_id", conn.ID(), "actor_id", b.ActorID, "role", b.Role)
	if b.Role != models.RoleDriver {
		return
	}
	if _, err := m.presence.ForceOffline(ctx, b.ActorID); err != nil {
		m.logger.Warn("force offline failed", "driver_id", b.ActorID, "error", err)
	}
}

// HandleMessage applies one inbound frame. Failures are answered on conn
// with an error event and returned.
func (m *Manager) HandleMessage(ctx context.Context, conn dispatch.Conn, raw []byte) error {
	err := m.handle(ctx, conn, raw)
	if err != nil {
		m.logger.Debug("message rejected", "conn_id", conn.ID(), "error", err)
		_ = conn.Send(models.NewEvent(models.EventError, models.ErrorReply{Message: err.Error(), Code: models.Code(err)}))
	}
	return err
}

func (m *Manager) handle(ctx context.Context, conn dispatch.Conn, raw []byte) error {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: malformed message", models.ErrValidation)
	}
	var p payload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return fmt.Errorf("%w: malformed %s payload", models.ErrValidation, msg.Type)
		}
	}

	switch msg.Type {
	case MsgRegisterRider:
		if p.RiderID == "" {
			return fmt.Errorf("%w: riderId required", models.ErrValidation)
		}
		m.bind(conn, p.RiderID, models.RoleRider)
		return conn.Send(models.NewEvent(models.EventRegistered, models.Registered{ActorID: p.RiderID, Role: models.RoleRider}))

	case MsgRegisterDriver:
		if err := m.bindDriver(ctx, conn, p.DriverID); err != nil {
			return err
		}
		return conn.Send(models.NewEvent(models.EventRegistered, models.Registered{ActorID: p.DriverID, Role: models.RoleDriver}))

	case MsgDriverOnline:
		if err := m.bindDriver(ctx, conn, p.DriverID); err != nil {
			return err
		}
		_, err := m.presence.ReportPresence(ctx, p.DriverID, p.coord(), true)
		return err

	case MsgDriverOffline:
		if p.DriverID == "" {
			return fmt.Errorf("%w: driverId required", models.ErrValidation)
		}
		_, err := m.presence.ReportPresence(ctx, p.DriverID, p.coord(), false)
		return err

	case MsgDriverLocationUpdate:
		loc := p.coord()
		if loc == nil {
			return fmt.Errorf("%w: location required", models.ErrValidation)
		}
		if err := m.bindDriver(ctx, conn, p.DriverID); err != nil {
			return err
		}
		_, err := m.presence.ReportLocationDuringRide(ctx, p.DriverID, *loc)
		return err

	default:
		return fmt.Errorf("%w: unknown message type %q", models.ErrValidation, msg.Type)
	}
}

// bindDriver binds conn to an existing driver unless it already is.
func (m *Manager) bindDriver(ctx context.Context, conn dispatch.Conn, driverID string) error {
	if driverID == "" {
		return fmt.Errorf("%w: driverId required", models.ErrValidation)
	}
	if b, ok := m.reg.BindingOf(conn.ID()); ok && b.ActorID == driverID && b.Role == models.RoleDriver {
		return nil
	}
	if _, err := m.presence.Get(ctx, driverID); err != nil {
		return err
	}
	m.bind(conn, driverID, models.RoleDriver)
	return nil
}

func (m *Manager) bind(conn dispatch.Conn, actorID string, role models.Role) {
	if replaced := m.reg.Bind(actorID, role, conn); replaced != nil {
		m.logger.Info("session replaced", "actor_id", actorID, "old_conn", replaced.ID(), "new_conn", conn.ID())
		_ = replaced.Close()
	}
}
