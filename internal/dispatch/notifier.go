package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
)

// Fallback decides what happens to a targeted event whose actor has no
// bound connection.
type Fallback int

const (
	// FallbackBroadcast sends the event to every live connection.
	FallbackBroadcast Fallback = iota
	// FallbackPush hands the event to the push gateway. Never broadcast.
	FallbackPush
	// FallbackNone drops the event.
	FallbackNone
)

// Delivery modes reported by Deliver and used as metric labels.
const (
	ModeTargeted  = "targeted"
	ModeBroadcast = "broadcast"
	ModePush      = "push"
	ModeDropped   = "dropped"
)

// Journal receives a redacted copy of every event the notifier emits.
type Journal interface {
	PublishEvent(ctx context.Context, key string, ev models.Event) error
}

// Pusher delivers to actors that are not connected right now.
type Pusher interface {
	Push(ctx context.Context, actorID string, ev models.Event) error
}

type Notifier struct {
	reg     *Registry
	push    Pusher
	journal Journal
	logger  *slog.Logger
}

type Option func(*Notifier)

func WithPusher(p Pusher) Option   { return func(n *Notifier) { n.push = p } }
func WithJournal(j Journal) Option { return func(n *Notifier) { n.journal = j } }

func NewNotifier(reg *Registry, logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{reg: reg, logger: logger.With("component", "notifier")}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *Notifier) Registry() *Registry { return n.reg }

// Broadcast sends ev to every live connection and returns how many accepted it.
func (n *Notifier) Broadcast(ctx context.Context, ev models.Event) int {
	n.mirror(ctx, "", ev)
	return n.fanOut(ev, n.reg.Connections(""))
}

// BroadcastTo sends ev to every connection bound with role.
func (n *Notifier) BroadcastTo(ctx context.Context, role models.Role, ev models.Event) int {
	n.mirror(ctx, string(role), ev)
	return n.fanOut(ev, n.reg.Connections(role))
}

// Deliver sends ev only to the connection bound to actorID. On a miss, or
// when that send fails, fb decides the outcome.
func (n *Notifier) Deliver(ctx context.Context, actorID string, ev models.Event, fb Fallback) (string, error) {
	n.mirror(ctx, actorID, ev)
	if conn, ok := n.reg.Lookup(actorID); ok {
		err := conn.Send(ev)
		if err == nil {
			observability.EventsDelivered.WithLabelValues(string(ev.Type), ModeTargeted).Inc()
			return ModeTargeted, nil
		}
		n.logger.Warn("targeted send failed", "actor_id", actorID, "event", ev.Type, "error", err)
	}
	switch fb {
	case FallbackBroadcast:
		n.logger.Debug("no binding, broadcasting", "actor_id", actorID, "event", ev.Type)
		n.fanOut(ev, n.reg.Connections(""))
		return ModeBroadcast, nil
	case FallbackPush:
		if n.push == nil {
			break
		}
		if err := n.push.Push(ctx, actorID, ev); err != nil {
			n.logger.Warn("push fallback failed", "actor_id", actorID, "event", ev.Type, "error", err)
			break
		}
		observability.EventsDelivered.WithLabelValues(string(ev.Type), ModePush).Inc()
		return ModePush, nil
	}
	observability.EventsDelivered.WithLabelValues(string(ev.Type), ModeDropped).Inc()
	return ModeDropped, ErrNoSession
}

func (n *Notifier) fanOut(ev models.Event, conns []Conn) int {
	sent := 0
	for _, c := range conns {
		if err := c.Send(ev); err != nil {
			n.logger.Warn("broadcast send failed", "conn_id", c.ID(), "event", ev.Type, "error", err)
			continue
		}
		sent++
	}
	observability.EventsDelivered.WithLabelValues(string(ev.Type), ModeBroadcast).Add(float64(sent))
	return sent
}

func (n *Notifier) mirror(ctx context.Context, key string, ev models.Event) {
	if n.journal == nil {
		return
	}
	if err := n.journal.PublishEvent(ctx, key, ev.Redacted()); err != nil {
		n.logger.Warn("event journal publish failed", "event", ev.Type, "error", err)
	}
}
