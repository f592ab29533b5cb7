package dispatch

import (
	"errors"
	"sync"

	"github.com/example/ride-coordination/internal/models"
)

// Conn is a live client connection the registry can deliver events to.
type Conn interface {
	ID() string
	Send(ev models.Event) error
	Close() error
}

// ErrNoSession is returned when an actor has no bound connection.
var ErrNoSession = errors.New("no live session")

// Binding associates an actor with the connection it registered on.
type Binding struct {
	ActorID string
	Role    models.Role
	Conn    Conn
}

// Registry tracks every live connection and the actor bound to it. It is
// owned by one server instance and safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]Conn
	byActor map[string]Binding
	byConn  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]Conn),
		byActor: make(map[string]Binding),
		byConn:  make(map[string]string),
	}
}

// Attach makes conn reachable by broadcasts before it identifies itself.
func (r *Registry) Attach(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

// Bind points actorID at conn, replacing any previous binding for the actor.
// The replaced connection, if different from conn, is returned so the caller
// can close it.
func (r *Registry) Bind(actorID string, role models.Role, conn Conn) (replaced Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn

	// a connection identifies as one actor at a time
	if prev, ok := r.byConn[conn.ID()]; ok && prev != actorID {
		delete(r.byActor, prev)
	}
	if old, ok := r.byActor[actorID]; ok && old.Conn.ID() != conn.ID() {
		delete(r.byConn, old.Conn.ID())
		replaced = old.Conn
	}
	r.byActor[actorID] = Binding{ActorID: actorID, Role: role, Conn: conn}
	r.byConn[conn.ID()] = actorID
	return replaced
}

func (r *Registry) Lookup(actorID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byActor[actorID]
	if !ok {
		return nil, false
	}
	return b.Conn, true
}

// BindingOf returns the binding held by connection connID.
func (r *Registry) BindingOf(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actor, ok := r.byConn[connID]
	if !ok {
		return Binding{}, false
	}
	return r.byActor[actor], true
}

// UnbindByConnection drops connID and, if it still holds one, its actor
// binding. A stale connection closing after its actor rebound elsewhere
// leaves the newer binding untouched.
func (r *Registry) UnbindByConnection(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
	actor, ok := r.byConn[connID]
	if !ok {
		return Binding{}, false
	}
	delete(r.byConn, connID)
	b := r.byActor[actor]
	delete(r.byActor, actor)
	return b, true
}

// Connections snapshots live connections. With a role only bound
// connections of that role are returned.
func (r *Registry) Connections(role models.Role) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if role == "" {
		out := make([]Conn, 0, len(r.conns))
		for _, c := range r.conns {
			out = append(out, c)
		}
		return out
	}
	var out []Conn
	for _, b := range r.byActor {
		if b.Role == role {
			out = append(out, b.Conn)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
