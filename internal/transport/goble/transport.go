// Package goble implements transport.Transport on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/transport"
)

const (
	// DefaultBLEWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines ATT_MTU of 23 bytes (20 bytes payload after ATT header overhead).
	DefaultBLEWriteChunkSize = 20

	// DefaultBLEWriteDelay is the delay between consecutive write chunks.
	DefaultBLEWriteDelay = 10 * time.Millisecond
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = newPlatformDevice

// Transport drives a single go-ble HCI/CoreBluetooth device.
type Transport struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// New creates a go-ble transport. The underlying device is opened lazily on
// first use so that constructing a transport never touches the radio.
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, transport.NormalizeError(fmt.Errorf("failed to create BLE device: %w", err))
	}
	t.dev = dev
	return dev, nil
}

// Scan reports advertisements until ctx is done.
func (t *Transport) Scan(ctx context.Context, onFound func(transport.Advertisement)) error {
	dev, err := t.device()
	if err != nil {
		return err
	}

	handler := func(adv ble.Advertisement) {
		if ctx.Err() != nil {
			return
		}
		onFound(transport.Advertisement{
			ID:   adv.Addr().String(),
			Name: adv.LocalName(),
			RSSI: adv.RSSI(),
		})
	}

	err = dev.Scan(ctx, true, handler)
	if err != nil && ctx.Err() == nil {
		return transport.NormalizeError(fmt.Errorf("scan failed: %w", err))
	}
	return nil
}

// Connect dials the device, discovers its profile and checks the requested
// service and characteristics exist.
func (t *Transport) Connect(ctx context.Context, id, serviceID string, characteristicIDs []string) (transport.Handle, error) {
	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"address": id,
		"service": serviceID,
	}).Info("Connecting to BLE device...")

	client, err := dev.Dial(ctx, ble.NewAddr(id))
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": id,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, transport.NormalizeError(fmt.Errorf("failed to connect to device with address %q: %w", id, err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, transport.NormalizeError(fmt.Errorf("failed to discover profile: %w", err))
	}

	conn := newConnection(id, client, profile, t.logger)
	if err := conn.validate(serviceID, characteristicIDs); err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after profile validation failure")
		}
		return nil, err
	}

	conn.monitor()

	t.logger.WithFields(logrus.Fields{
		"address":         id,
		"services":        len(profile.Services),
		"characteristics": len(conn.chars),
	}).Info("BLE device connected successfully")
	return conn, nil
}

// Read performs a single characteristic read bounded by ctx.
func (t *Transport) Read(ctx context.Context, h transport.Handle, charID string) ([]byte, error) {
	conn, char, err := lookup(h, charID)
	if err != nil {
		return nil, err
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, err := conn.client.ReadCharacteristic(char)
		resultCh <- readResult{data: data, err: err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, transport.NormalizeError(fmt.Errorf("failed to read characteristic %s: %w", charID, result.err))
		}
		return result.data, nil
	case <-ctx.Done():
		return nil, transport.NormalizeError(fmt.Errorf("reading characteristic %s: %w", charID, ctx.Err()))
	}
}

// Write writes data in ATT-sized chunks.
func (t *Transport) Write(ctx context.Context, h transport.Handle, charID string, data []byte, withResponse bool) error {
	conn, char, err := lookup(h, charID)
	if err != nil {
		return err
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return transport.NormalizeError(err)
		}
		n := len(data)
		if n > DefaultBLEWriteChunkSize {
			n = DefaultBLEWriteChunkSize
		}
		if err := conn.client.WriteCharacteristic(char, data[:n], !withResponse); err != nil {
			return transport.NormalizeError(fmt.Errorf("failed to write to characteristic %s: %w", charID, err))
		}
		data = data[n:]
		if len(data) > 0 {
			time.Sleep(DefaultBLEWriteDelay)
		}
	}
	return nil
}

// Subscribe enables notifications (or indications when notify is unsupported).
func (t *Transport) Subscribe(h transport.Handle, charID string, onData func([]byte)) (transport.Subscription, error) {
	conn, char, err := lookup(h, charID)
	if err != nil {
		return nil, err
	}

	indicate := char.Property&ble.CharNotify == 0
	if indicate && char.Property&ble.CharIndicate == 0 {
		return nil, fmt.Errorf("characteristic %s: notifications %w", charID, device.Errorf(device.KindRejected, "not supported"))
	}

	if err := conn.client.Subscribe(char, indicate, func(data []byte) { onData(data) }); err != nil {
		return nil, transport.NormalizeError(fmt.Errorf("failed to subscribe to characteristic %s: %w", charID, err))
	}

	t.logger.WithFields(logrus.Fields{
		"address":  conn.id,
		"charUUID": charID,
	}).Debug("Subscribed to characteristic notifications")

	return &subscription{conn: conn, char: char, indicate: indicate}, nil
}

// Disconnect cancels the connection. Safe to call more than once.
func (t *Transport) Disconnect(h transport.Handle) error {
	conn, ok := h.(*connection)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	return conn.close()
}

// OnDisconnect registers the connection-loss callback.
func (t *Transport) OnDisconnect(h transport.Handle, fn func(error)) {
	conn, ok := h.(*connection)
	if !ok {
		return
	}
	conn.setLostHandler(fn)
}

func lookup(h transport.Handle, charID string) (*connection, *ble.Characteristic, error) {
	conn, ok := h.(*connection)
	if !ok {
		return nil, nil, fmt.Errorf("foreign handle %T", h)
	}
	char, err := conn.characteristic(charID)
	if err != nil {
		return nil, nil, err
	}
	return conn, char, nil
}

type subscription struct {
	conn     *connection
	char     *ble.Characteristic
	indicate bool
	once     sync.Once
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.conn.isClosed() {
			return
		}
		err = transport.NormalizeError(s.conn.client.Unsubscribe(s.char, s.indicate))
	})
	return err
}
