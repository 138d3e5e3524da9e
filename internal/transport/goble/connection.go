package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/groutine"
)

// connection is the transport.Handle for a go-ble client.
type connection struct {
	id     string
	client ble.Client
	logger *logrus.Logger

	services map[string]*ble.Service        // normalized service UUID
	chars    map[string]*ble.Characteristic // normalized characteristic UUID

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	lost   error // set when the link dropped before a handler was registered
	onLost func(error)
	done   chan struct{}
}

func newConnection(id string, client ble.Client, profile *ble.Profile, logger *logrus.Logger) *connection {
	c := &connection{
		id:       id,
		client:   client,
		logger:   logger,
		services: make(map[string]*ble.Service),
		chars:    make(map[string]*ble.Characteristic),
		done:     make(chan struct{}),
	}
	for _, svc := range profile.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		c.services[svcUUID] = svc
		for _, char := range svc.Characteristics {
			charUUID := device.NormalizeUUID(char.UUID.String())
			if _, dup := c.chars[charUUID]; !dup {
				c.chars[charUUID] = char
			}
		}
	}
	return c
}

func (c *connection) DeviceID() string {
	return c.id
}

// validate checks that the service and all characteristics are present.
func (c *connection) validate(serviceID string, characteristicIDs []string) error {
	if serviceID != "" {
		svc, ok := c.services[device.NormalizeUUID(serviceID)]
		if !ok {
			return device.Errorf(device.KindRejected, "service %s not found on %s", serviceID, c.id)
		}
		inService := make(map[string]bool, len(svc.Characteristics))
		for _, char := range svc.Characteristics {
			inService[device.NormalizeUUID(char.UUID.String())] = true
		}
		for _, id := range characteristicIDs {
			if !inService[device.NormalizeUUID(id)] {
				return device.Errorf(device.KindRejected, "characteristic %s not found in service %s", id, serviceID)
			}
		}
		return nil
	}

	for _, id := range characteristicIDs {
		if _, ok := c.chars[device.NormalizeUUID(id)]; !ok {
			return device.Errorf(device.KindRejected, "characteristic %s not found on %s", id, c.id)
		}
	}
	return nil
}

func (c *connection) characteristic(id string) (*ble.Characteristic, error) {
	if c.isClosed() {
		return nil, device.Errorf(device.KindNotConnected, "connection to %s is closed", c.id)
	}
	char, ok := c.chars[device.NormalizeUUID(id)]
	if !ok {
		return nil, device.Errorf(device.KindRejected, "characteristic %s not found on %s", id, c.id)
	}
	return char, nil
}

// monitor watches the client's Disconnected() channel when the platform
// exposes one.
func (c *connection) monitor() {
	watcher, ok := c.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		c.logger.Debug("Client does not expose Disconnected() channel, link loss will surface on the next operation")
		return
	}

	groutine.Go(context.Background(), "goble-connection-monitor", func(ctx context.Context) {
		select {
		case <-watcher.Disconnected():
			c.logger.WithField("address", c.id).Warn("BLE device disconnected")
			c.markLost(device.Errorf(device.KindNotConnected, "peripheral %s dropped the link", c.id))
		case <-c.done:
			c.logger.Debugf("%s: local disconnect, exiting", groutine.GetName(ctx))
		}
	})
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
		fn(err)
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
		groutine.Go(context.Background(), "goble-late-loss", func(context.Context) {
			fn(lost)
		})
	}
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// close cancels the client connection. Subsequent calls are no-ops.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onLost = nil
	close(c.done)
	c.mu.Unlock()

	if err := c.client.CancelConnection(); err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": c.id,
			"error":   err,
		}).Warn("Failed to cancel BLE connection")
		return err
	}
	c.logger.WithField("address", c.id).Info("BLE device disconnected")
	return nil
}
