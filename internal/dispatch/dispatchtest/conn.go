// Package dispatchtest provides an in-memory dispatch.Conn for tests.
package dispatchtest

import (
	"errors"
	"sync"

	"github.com/example/ride-coordination/internal/models"
)

var ErrClosed = errors.New("conn closed")

// Conn records every event sent to it.
type Conn struct {
	id     string
	mu     sync.Mutex
	events []models.Event
	closed bool
	fail   bool
}

func NewConn(id string) *Conn { return &Conn{id: id} }

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(ev models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.fail {
		return ErrClosed
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailSends makes every later Send return an error.
func (c *Conn) FailSends() {
	c.mu.Lock()
	c.fail = true
	c.mu.Unlock()
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Events() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

// OfType returns the recorded events of type t.
func (c *Conn) OfType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
