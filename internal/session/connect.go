package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/config"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/transport"
)

// ConnectionManager establishes connections with per-attempt timeouts and a
// bounded number of retries.
type ConnectionManager struct {
	tr       transport.Transport
	logger   *logrus.Logger
	attempts atomic.Int64
}

// NewConnectionManager creates a manager over tr.
func NewConnectionManager(tr transport.Transport, logger *logrus.Logger) *ConnectionManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConnectionManager{tr: tr, logger: logger}
}

// Attempts returns the total number of transport connect attempts made.
func (cm *ConnectionManager) Attempts() int64 {
	return cm.attempts.Load()
}

// Connect dials rec, retrying up to cfg.ConnectRetries extra times. An
// unavailable transport or a cancelled ctx stops retrying at once. The
// returned error carries the last attempt's kind.
func (cm *ConnectionManager) Connect(ctx context.Context, rec device.Record, cfg config.Session) (*Connection, error) {
	attempts := cfg.ConnectRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", device.ErrCancelled, err)
		}

		cm.attempts.Add(1)
		log := cm.logger.WithFields(logrus.Fields{
			"id":      rec.ID,
			"attempt": attempt,
			"of":      attempts,
		})
		log.Info("Connecting to device...")

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		h, err := cm.tr.Connect(attemptCtx, rec.ID, cfg.ServiceID, cfg.CharacteristicIDs)
		cancel()

		if err == nil {
			conn := newConnection(cm.tr, h, rec, cm.logger)
			cm.tr.OnDisconnect(h, conn.markLost)
			log.Info("Device connected")
			return conn, nil
		}

		err = transport.NormalizeError(err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", device.ErrCancelled, err)
		}
		if errors.Is(err, device.ErrTransportUnavailable) {
			log.WithField("error", err).Error("Transport unavailable, giving up")
			return nil, err
		}

		log.WithField("error", err).Warn("Connect attempt failed")
		lastErr = err
	}

	return nil, fmt.Errorf("connect to %s failed after %d attempt(s): %w", rec.DisplayName(), attempts, lastErr)
}

// Connection is an established link to the selected device.
type Connection struct {
	tr     transport.Transport
	handle transport.Handle
	device device.Record
	logger *logrus.Logger

	disconnectOnce sync.Once
	disconnectErr  error

	lostOnce sync.Once
	lost     chan struct{}
	lostErr  error
}

func newConnection(tr transport.Transport, h transport.Handle, rec device.Record, logger *logrus.Logger) *Connection {
	return &Connection{
		tr:     tr,
		handle: h,
		device: rec,
		logger: logger,
		lost:   make(chan struct{}),
	}
}

// Handle returns the transport handle.
func (c *Connection) Handle() transport.Handle {
	return c.handle
}

// Device returns the connected device record.
func (c *Connection) Device() device.Record {
	return c.device
}

// Lost is closed when the peripheral drops the link.
func (c *Connection) Lost() <-chan struct{} {
	return c.lost
}

// LostErr returns the loss reason once Lost is closed.
func (c *Connection) LostErr() error {
	select {
	case <-c.lost:
		return c.lostErr
	default:
		return nil
	}
}

// markLost is the transport loss callback; it never blocks.
func (c *Connection) markLost(err error) {
	c.lostOnce.Do(func() {
		if err == nil {
			err = device.ErrNotConnected
		}
		c.lostErr = err
		close(c.lost)
	})
}

// Read reads one characteristic value.
func (c *Connection) Read(ctx context.Context, charID string) ([]byte, error) {
	return c.tr.Read(ctx, c.handle, charID)
}

// Write writes data with response.
func (c *Connection) Write(ctx context.Context, charID string, data []byte) error {
	return c.tr.Write(ctx, c.handle, charID, data, true)
}

// Subscribe enables notifications for charID.
func (c *Connection) Subscribe(charID string, onData func([]byte)) (transport.Subscription, error) {
	return c.tr.Subscribe(c.handle, charID, onData)
}

// Disconnect releases the link. Only the first call reaches the transport.
func (c *Connection) Disconnect() error {
	c.disconnectOnce.Do(func() {
		c.disconnectErr = c.tr.Disconnect(c.handle)
		if c.disconnectErr != nil {
			c.logger.WithFields(logrus.Fields{
				"id":    c.device.ID,
				"error": c.disconnectErr,
			}).Warn("Disconnect failed")
			return
		}
		c.logger.WithField("id", c.device.ID).Debug("Connection released")
	})
	return c.disconnectErr
}
