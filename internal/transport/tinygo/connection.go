package tinygo

import (
	"context"
	"sync"

	"github.com/srg/blesession/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// connection is the transport.Handle for a tinygo device.
type connection struct {
	id     string
	device bluetooth.Device
	chars  map[string]bluetooth.DeviceCharacteristic

	mu     sync.Mutex
	closed bool
	lost   error
	onLost func(error)
}

func (c *connection) DeviceID() string {
	return c.id
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// close marks the connection closed and reports whether this call did it.
func (c *connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.onLost = nil
	return true
}

func (c *connection) markLost(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onLost
	if fn == nil {
		c.lost = err
	}
	c.mu.Unlock()

	if fn != nil {
		groutine.Go(context.Background(), "tinygo-link-lost", func(context.Context) {
			fn(err)
		})
	}
}

func (c *connection) setLostHandler(fn func(error)) {
	c.mu.Lock()
	lost := c.lost
	c.lost = nil
	if lost == nil {
		c.onLost = fn
	}
	c.mu.Unlock()

	if lost != nil && fn != nil {
		groutine.Go(context.Background(), "tinygo-late-loss", func(context.Context) {
			fn(lost)
		})
	}
}

type subscription struct {
	conn *connection
	char bluetooth.DeviceCharacteristic
	once sync.Once
}

// Unsubscribe disables notifications by clearing the callback.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.conn.isClosed() {
			return
		}
		err = s.char.EnableNotifications(nil)
	})
	return err
}
