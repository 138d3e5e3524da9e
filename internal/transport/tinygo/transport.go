// Package tinygo implements transport.Transport on top of tinygo.org/x/bluetooth.
//
// On macOS device IDs are CoreBluetooth UUIDs rather than MAC addresses;
// Address.Set parses either form.
package tinygo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/internal/transport"
	"tinygo.org/x/bluetooth"
)

// maxAttributeSize is the largest ATT attribute value.
const maxAttributeSize = 512

const (
	// stopScanRetryInterval paces StopScan retries while the adapter has not
	// started scanning yet.
	stopScanRetryInterval = 10 * time.Millisecond

	// notScanningMessage is the text of tinygo's unexported errNotScanning.
	notScanningMessage = "there is no scan in progress"
)

// scanRadio is the scanning surface of *bluetooth.Adapter (can be replaced in tests).
type scanRadio interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// Transport wraps a tinygo bluetooth adapter.
type Transport struct {
	adapter *bluetooth.Adapter
	radio   scanRadio
	logger  *logrus.Logger

	enableOnce sync.Once
	enableErr  error

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*connection // keyed by device address
}

// New creates a transport over the default adapter.
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		adapter:     bluetooth.DefaultAdapter,
		radio:       bluetooth.DefaultAdapter,
		logger:      logger,
		connections: make(map[string]*connection),
	}
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = transport.NormalizeError(fmt.Errorf("failed to enable BLE adapter: %w", err))
			if device.KindOf(t.enableErr) == "" {
				t.enableErr = fmt.Errorf("%w: %v", device.ErrTransportUnavailable, err)
			}
			return
		}

		// The adapter-level handler fires with connected=false when a
		// peripheral drops the link.
		t.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			id := d.Address.String()
			t.mu.Lock()
			conn, ok := t.connections[id]
			delete(t.connections, id)
			t.mu.Unlock()
			if ok {
				t.logger.WithField("address", id).Warn("BLE device disconnected")
				conn.markLost(device.Errorf(device.KindNotConnected, "peripheral %s dropped the link", id))
			}
		})
	})
	return t.enableErr
}

// Scan reports advertisements until ctx is done.
func (t *Transport) Scan(ctx context.Context, onFound func(transport.Advertisement)) error {
	if err := t.enable(); err != nil {
		return err
	}
	// Enable can be slow; a scan started after ctx ended would never be stopped.
	if ctx.Err() != nil {
		return nil
	}

	var mu sync.Mutex
	stopped := false

	done := make(chan struct{})
	groutine.Go(ctx, "tinygo-scan-stopper", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		mu.Lock()
		stopped = true
		mu.Unlock()
		t.stopScan(done)
	})

	err := t.radio.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		onFound(transport.Advertisement{
			ID:   result.Address.String(),
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return transport.NormalizeError(fmt.Errorf("scan failed: %w", err))
	}
	return nil
}

// stopScan stops the running scan. The adapter reports "not scanning" until
// Scan has registered itself, so the call is retried until Scan returns.
func (t *Transport) stopScan(done <-chan struct{}) {
	ticker := time.NewTicker(stopScanRetryInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		err := t.radio.StopScan()
		if err == nil {
			return
		}
		if !strings.Contains(err.Error(), notScanningMessage) {
			t.logger.WithField("error", err).Warn("Failed to stop BLE scan")
			return
		}
		t.logger.WithField("attempt", attempt).Debug("Scan not started yet, retrying stop")

		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// Connect dials the device and discovers the requested characteristics.
// tinygo's Connect cannot be cancelled, so on ctx expiry a late success is
// disconnected in the background.
func (t *Transport) Connect(ctx context.Context, id, serviceID string, characteristicIDs []string) (transport.Handle, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}

	var addr bluetooth.Address
	addr.Set(id)

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	groutine.Go(ctx, "tinygo-connect", func(context.Context) {
		d, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{d, err}
	})

	var dev bluetooth.Device
	select {
	case <-ctx.Done():
		groutine.Go(context.Background(), "tinygo-late-connect-release", func(context.Context) {
			if result := <-ch; result.err == nil {
				t.logger.WithField("address", id).Debug("Releasing connection that completed after its deadline")
				if err := result.device.Disconnect(); err != nil {
					t.logger.WithFields(logrus.Fields{
						"address": id,
						"error":   err,
					}).Warn("Failed to release late BLE connection")
				}
			}
		})
		return nil, transport.NormalizeError(fmt.Errorf("connect to %s: %w", id, ctx.Err()))
	case result := <-ch:
		if result.err != nil {
			return nil, transport.NormalizeError(fmt.Errorf("connect to %s: %w", id, result.err))
		}
		dev = result.device
	}

	conn, err := discover(id, dev, serviceID, characteristicIDs)
	if err != nil {
		if cancelErr := dev.Disconnect(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after profile validation failure")
		}
		return nil, err
	}

	t.mu.Lock()
	t.connections[id] = conn
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"address":         id,
		"characteristics": len(conn.chars),
	}).Info("BLE device connected successfully")
	return conn, nil
}

func discover(id string, dev bluetooth.Device, serviceID string, characteristicIDs []string) (*connection, error) {
	var filter []bluetooth.UUID
	if serviceID != "" {
		u, err := parseUUID(serviceID)
		if err != nil {
			return nil, err
		}
		filter = []bluetooth.UUID{u}
	}

	svcs, err := dev.DiscoverServices(filter)
	if err != nil {
		return nil, transport.NormalizeError(fmt.Errorf("discover services: %w", err))
	}
	if serviceID != "" && len(svcs) == 0 {
		return nil, device.Errorf(device.KindRejected, "service %s not found on %s", serviceID, id)
	}

	conn := &connection{
		id:     id,
		device: dev,
		chars:  make(map[string]bluetooth.DeviceCharacteristic),
	}
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, transport.NormalizeError(fmt.Errorf("discover characteristics: %w", err))
		}
		for _, char := range chars {
			key := device.NormalizeUUID(char.UUID().String())
			if _, dup := conn.chars[key]; !dup {
				conn.chars[key] = char
			}
		}
	}

	for _, cid := range characteristicIDs {
		if _, ok := conn.chars[device.NormalizeUUID(cid)]; !ok {
			return nil, device.Errorf(device.KindRejected, "characteristic %s not found on %s", cid, id)
		}
	}
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
	ch := make(chan readResult, 1)
	groutine.Go(ctx, "tinygo-read", func(context.Context) {
		buf := make([]byte, maxAttributeSize)
		n, err := char.Read(buf)
		ch <- readResult{buf[:n], err}
	})

	select {
	case result := <-ch:
		if result.err != nil {
			return nil, transport.NormalizeError(fmt.Errorf("failed to read characteristic %s on %s: %w", charID, conn.id, result.err))
		}
		return result.data, nil
	case <-ctx.Done():
		return nil, transport.NormalizeError(fmt.Errorf("reading characteristic %s: %w", charID, ctx.Err()))
	}
}

// Write writes data to a characteristic.
func (t *Transport) Write(ctx context.Context, h transport.Handle, charID string, data []byte, withResponse bool) error {
	_, char, err := lookup(h, charID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transport.NormalizeError(err)
	}

	if withResponse {
		_, err = char.Write(data)
	} else {
		_, err = char.WriteWithoutResponse(data)
	}
	if err != nil {
		return transport.NormalizeError(fmt.Errorf("failed to write to characteristic %s: %w", charID, err))
	}
	return nil
}

// Subscribe enables notifications on a characteristic.
func (t *Transport) Subscribe(h transport.Handle, charID string, onData func([]byte)) (transport.Subscription, error) {
	conn, char, err := lookup(h, charID)
	if err != nil {
		return nil, err
	}

	if err := char.EnableNotifications(func(buf []byte) {
		onData(buf)
	}); err != nil {
		return nil, transport.NormalizeError(fmt.Errorf("failed to subscribe to characteristic %s: %w", charID, err))
	}
	return &subscription{conn: conn, char: char}, nil
}

// Disconnect releases the connection. Safe to call more than once.
func (t *Transport) Disconnect(h transport.Handle) error {
	conn, ok := h.(*connection)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	t.mu.Lock()
	if t.connections[conn.id] == conn {
		delete(t.connections, conn.id)
	}
	t.mu.Unlock()

	if !conn.close() {
		return nil
	}
	if err := conn.device.Disconnect(); err != nil {
		return transport.NormalizeError(fmt.Errorf("disconnect %s: %w", conn.id, err))
	}
	return nil
}

// OnDisconnect registers the connection-loss callback.
func (t *Transport) OnDisconnect(h transport.Handle, fn func(error)) {
	if conn, ok := h.(*connection); ok {
		conn.setLostHandler(fn)
	}
}

func lookup(h transport.Handle, charID string) (*connection, bluetooth.DeviceCharacteristic, error) {
	conn, ok := h.(*connection)
	if !ok {
		return nil, bluetooth.DeviceCharacteristic{}, fmt.Errorf("foreign handle %T", h)
	}
	if conn.isClosed() {
		return nil, bluetooth.DeviceCharacteristic{}, device.Errorf(device.KindNotConnected, "connection to %s is closed", conn.id)
	}
	char, ok := conn.chars[device.NormalizeUUID(charID)]
	if !ok {
		return nil, bluetooth.DeviceCharacteristic{}, device.Errorf(device.KindRejected, "characteristic %s not found on %s", charID, conn.id)
	}
	return conn, char, nil
}

// parseUUID accepts the dashed 128-bit form (optionally in braces) and the
// 16-bit SIG short form.
func parseUUID(s string) (bluetooth.UUID, error) {
	s = strings.Trim(strings.TrimSpace(s), "{}")
	if len(s) == 4 {
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	}
	canonical, err := device.CanonicalUUID(s)
	if err != nil {
		return bluetooth.UUID{}, err
	}
	return bluetooth.ParseUUID(canonical)
}
