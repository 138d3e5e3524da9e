// Package session drives one BLE peripheral through its lifecycle: scan,
// connect, stream readings, recover from link loss, and shut down
// cooperatively. Observers see the session only through the event bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/config"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/eventbus"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/internal/transport"
	"golang.org/x/time/rate"
)

// Option configures a Machine.
type Option func(*Machine)

// WithDecoder replaces the battery decoder applied to every reading.
func WithDecoder(decode device.Decoder) Option {
	return func(m *Machine) {
		m.decode = decode
	}
}

// Machine is the session state machine. Its mutex is the only place session
// state changes; every event is published while holding it, so observers see
// events in transition order.
type Machine struct {
	logger  *logrus.Logger
	decode  device.Decoder
	bus     *eventbus.Bus[Event]
	scanner *ScanCoordinator
	conns   *ConnectionManager

	mu      sync.Mutex
	state   SessionState
	cfg     config.Session
	epoch   uint64 // bumped on Start and Stop; callbacks from older epochs are dropped
	seq     uint64
	target  *device.Record
	latest  *device.Reading // last reading of a retired reader
	limiter *rate.Limiter

	// readerTotals accumulates the counters of retired readers.
	readerTotals ReaderMetrics

	ctx    context.Context
	cancel context.CancelFunc
	scan   *ScanHandle
	conn   *Connection
	reader *ReadSubscription
	tasks  groutine.Group

	stopDone chan struct{} // non-nil while Stop is running
}

// New creates an idle session over tr.
func New(tr transport.Transport, logger *logrus.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Machine{
		logger:  logger,
		decode:  device.DecodeBattery,
		bus:     eventbus.New[Event](logger),
		scanner: NewScanCoordinator(tr, logger),
		conns:   NewConnectionManager(tr, logger),
		state:   SessionState{Kind: Idle},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates cfg and begins scanning. It fails with ErrAlreadyRunning
// unless the session is Idle or Closed.
func (m *Machine) Start(cfg config.Session) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopDone != nil {
		return device.Errorf(device.KindAlreadyRunning, "session is stopping")
	}
	if k := m.state.Kind; k != Idle && k != Closed {
		return device.Errorf(device.KindAlreadyRunning, "session is %s", k)
	}

	m.cfg = cfg.Clone()
	m.epoch++
	m.target = nil
	m.latest = nil
	m.readerTotals = ReaderMetrics{}
	m.limiter = rate.NewLimiter(rate.Every(m.cfg.ReconnectInterval), 1)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if err := m.transitionLocked(SessionState{Kind: Scanning}); err != nil {
		m.cancel()
		return err
	}

	epoch := m.epoch
	m.scan = m.scanner.Scan(m.ctx, m.cfg,
		func(rec device.Record) { m.onDiscovered(epoch, rec) },
		func(res ScanResult) { m.onScanDone(epoch, res) },
	)
	return nil
}

// Stop cancels every running task, waits for them to exit, releases the
// connection and moves to Closed. It may be called from any state and any
// number of times; a concurrent call waits for the first to finish.
func (m *Machine) Stop() error {
	m.mu.Lock()
	if m.stopDone != nil {
		done := m.stopDone
		m.mu.Unlock()
		<-done
		return nil
	}
	if m.state.Kind == Closed {
		m.mu.Unlock()
		return nil
	}

	done := make(chan struct{})
	m.stopDone = done
	m.epoch++
	cancel, scan, reader, conn := m.cancel, m.scan, m.reader, m.conn
	m.cancel, m.scan, m.reader, m.conn = nil, nil, nil, nil
	m.retireReaderLocked(reader)
	m.mu.Unlock()

	m.logger.Debug("Stopping session...")

	if cancel != nil {
		cancel()
	}
	if scan != nil {
		scan.Cancel()
		<-scan.Done()
	}
	if reader != nil {
		reader.Cancel()
	}
	m.tasks.Wait()

	var err error
	if conn != nil {
		if derr := conn.Disconnect(); derr != nil {
			err = fmt.Errorf("releasing connection: %w", derr)
		}
	}

	m.mu.Lock()
	from := m.state
	to := SessionState{Kind: Closed, Device: m.target}
	m.state = to
	m.publishLocked(Event{Kind: EventStateChanged, From: &from, State: &to, Device: to.Device})
	m.stopDone = nil
	m.mu.Unlock()
	close(done)

	m.logger.WithField("from", from.Kind).Info("Session stopped")
	return err
}

// Close stops the session and shuts the event bus down.
func (m *Machine) Close() error {
	err := m.Stop()
	m.bus.Close()
	return err
}

// Reconnect re-runs the connection manager against the selected device. It is
// valid only in Disconnected.
func (m *Machine) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopDone != nil || m.state.Kind != Disconnected || m.target == nil {
		return device.Errorf(device.KindInvalidTransition, "reconnect requires %s, session is %s", Disconnected, m.state.Kind)
	}
	return m.reconnectLocked(m.epoch)
}

// State returns the current state.
func (m *Machine) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Target returns the selected device, if any.
func (m *Machine) Target() (device.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target == nil {
		return device.Record{}, false
	}
	return *m.target, true
}

// Devices returns every device seen by the current (or last) scan, in
// discovery order.
func (m *Machine) Devices() []device.Record {
	return m.scanner.Snapshot()
}

// LatestReading returns the most recent delivered reading. Once the link
// is gone it keeps returning the last reading of that link.
func (m *Machine) LatestReading() (device.Reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader != nil {
		if r, ok := m.reader.Latest(); ok {
			return r, true
		}
	}
	if m.latest == nil {
		return device.Reading{}, false
	}
	return *m.latest, true
}

// ReaderMetrics returns reader counters summed over every reader of the
// current (or last) session.
func (m *Machine) ReaderMetrics() ReaderMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.readerTotals
	if m.reader != nil {
		total = total.add(m.reader.GetMetrics())
	}
	return total
}

// ConnectAttempts returns the total number of transport connect attempts.
func (m *Machine) ConnectAttempts() int64 {
	return m.conns.Attempts()
}

// Backpressure returns the number of events dropped across all subscribers.
func (m *Machine) Backpressure() int64 {
	return m.bus.Backpressure()
}

// Subscribe registers an event observer. A nil filter receives every event.
func (m *Machine) Subscribe(filter func(Event) bool, capacity int) *eventbus.Subscription[Event] {
	return m.bus.Subscribe(filter, capacity)
}

// OnTransition calls handler for every state change, in transition order, on
// a dedicated goroutine. The returned function unregisters the handler.
func (m *Machine) OnTransition(handler func(from, to SessionState)) (cancel func()) {
	sub := m.bus.Subscribe(func(e Event) bool { return e.Kind == EventStateChanged }, 0)
	stop := make(chan struct{})

	groutine.Go(context.Background(), "session-transition-observer", func(ctx context.Context) {
		for {
			select {
			case <-stop:
				return
			case e, ok := <-sub.C():
				if !ok {
					return
				}
				handler(*e.From, *e.State)
			}
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			sub.Close()
		})
	}
}

// Write sends data to a characteristic of the connected device.
func (m *Machine) Write(ctx context.Context, charID string, data []byte) error {
	if _, err := device.ValidateUUID(charID); err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	kind := m.state.Kind
	m.mu.Unlock()

	if conn == nil || (kind != Connected && kind != Streaming) {
		return device.Errorf(device.KindNotConnected, "session is %s", kind)
	}
	if err := conn.Write(ctx, charID, data); err != nil {
		return fmt.Errorf("write %s: %w", charID, transport.NormalizeError(err))
	}
	return nil
}

// transitionLocked moves to next when the edge is allowed and publishes the
// change. A rejected edge leaves the state untouched.
func (m *Machine) transitionLocked(next SessionState) error {
	from := m.state
	if !CanTransition(from.Kind, next.Kind) {
		m.logger.WithFields(logrus.Fields{
			"from": from.Kind,
			"to":   next.Kind,
		}).Warn("Rejected invalid state transition")
		return device.Errorf(device.KindInvalidTransition, "%s -> %s", from.Kind, next.Kind)
	}

	m.state = next
	m.logger.WithFields(logrus.Fields{
		"from": from.Kind,
		"to":   next.String(),
	}).Info("Session state changed")
	m.publishLocked(Event{Kind: EventStateChanged, From: &from, State: &next, Device: next.Device})
	return nil
}

func (m *Machine) publishLocked(e Event) {
	m.seq++
	e.Seq = m.seq
	e.Time = time.Now()
	m.bus.Publish(e)
}

func (m *Machine) publishErrorLocked(err error) {
	m.publishLocked(Event{Kind: EventError, Device: m.target, Err: err})
}

func (m *Machine) failLocked(err error) {
	if terr := m.transitionLocked(SessionState{Kind: Failed, Device: m.target, Err: err}); terr != nil {
		return
	}
	m.publishErrorLocked(err)
}

func (m *Machine) disconnectedLocked(reason error) {
	if err := m.transitionLocked(SessionState{Kind: Disconnected, Device: m.target, Reason: reason.Error()}); err != nil {
		return
	}
	m.publishErrorLocked(reason)
}

func (m *Machine) onDiscovered(epoch uint64, rec device.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	m.publishLocked(Event{Kind: EventDeviceDiscovered, Device: &rec})
}

func (m *Machine) onScanDone(epoch uint64, res ScanResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.state.Kind != Scanning {
		return
	}

	if res.Err != nil {
		if errors.Is(res.Err, device.ErrCancelled) {
			return
		}
		m.failLocked(res.Err)
		return
	}

	target := *res.Selected
	m.target = &target
	if err := m.transitionLocked(SessionState{Kind: DeviceFound, Device: m.target}); err != nil {
		return
	}
	m.reconnectLocked(epoch) //nolint:errcheck // DeviceFound→Connecting is always allowed
}

// reconnectLocked enters Connecting and starts a connect task.
func (m *Machine) reconnectLocked(epoch uint64) error {
	if err := m.transitionLocked(SessionState{Kind: Connecting, Device: m.target}); err != nil {
		return err
	}

	target, cfg := *m.target, m.cfg
	m.tasks.Go(m.ctx, "session-connect", func(ctx context.Context) {
		conn, err := m.conns.Connect(ctx, target, cfg)
		m.onConnectResult(ctx, epoch, conn, err)
	})
	return nil
}

func (m *Machine) onConnectResult(ctx context.Context, epoch uint64, conn *Connection, err error) {
	m.mu.Lock()
	if epoch != m.epoch || m.state.Kind != Connecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Disconnect() //nolint:errcheck // stale connection, logged by Disconnect
		}
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, device.ErrCancelled):
		case device.IsFatal(err):
			m.failLocked(err)
		default:
			m.disconnectedLocked(err)
			m.scheduleReconnectLocked(epoch)
		}
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.transitionLocked(SessionState{Kind: Connected, Device: m.target}) //nolint:errcheck // Connecting→Connected is always allowed
	cfg := m.cfg
	m.tasks.Go(ctx, "session-link-watch", func(ctx context.Context) {
		select {
		case <-conn.Lost():
			m.onLinkLost(epoch, conn, conn.LostErr())
		case <-ctx.Done():
		}
	})
	m.mu.Unlock()

	reader, err := StartReader(ctx, &m.tasks, conn, cfg, m.decode, ReaderCallbacks{
		OnReading: func(r device.Reading) { m.deliverReading(epoch, conn, r) },
		OnError:   func(err error) { m.onReadError(epoch, conn, err) },
	}, m.logger)

	m.mu.Lock()
	if epoch != m.epoch || m.conn != conn || m.state.Kind != Connected {
		m.mu.Unlock()
		if reader != nil {
			reader.Cancel()
		}
		return
	}

	if err != nil {
		m.conn = nil
		m.disconnectedLocked(fmt.Errorf("start reader: %w", err))
		m.scheduleReconnectLocked(epoch)
		m.mu.Unlock()
		conn.Disconnect() //nolint:errcheck // logged by Disconnect
		return
	}

	m.reader = reader
	m.transitionLocked(SessionState{Kind: Streaming, Device: m.target}) //nolint:errcheck // Connected→Streaming is always allowed
	m.mu.Unlock()
}

// deliverReading publishes r only while conn is the live connection of the
// current epoch.
func (m *Machine) deliverReading(epoch uint64, conn *Connection, r device.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || m.conn != conn || (m.state.Kind != Connected && m.state.Kind != Streaming) {
		m.logger.WithField("state", m.state.Kind).Debug("Dropping stale reading")
		return
	}
	m.publishLocked(Event{Kind: EventReading, Device: m.target, Reading: &r})
}

func (m *Machine) onReadError(epoch uint64, conn *Connection, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.conn != conn {
		return
	}
	m.logger.WithField("error", err).Warn("Read failed")
	m.publishErrorLocked(err)
}

func (m *Machine) onLinkLost(epoch uint64, conn *Connection, reason error) {
	m.mu.Lock()
	if epoch != m.epoch || m.conn != conn {
		m.mu.Unlock()
		return
	}
	reader := m.reader
	m.reader, m.conn = nil, nil
	m.retireReaderLocked(reader)

	m.logger.WithFields(logrus.Fields{
		"id":     conn.Device().ID,
		"reason": reason,
	}).Warn("Connection lost")
	m.disconnectedLocked(reason)
	m.scheduleReconnectLocked(epoch)
	m.mu.Unlock()

	if reader != nil {
		reader.Cancel()
	}
	conn.Disconnect() //nolint:errcheck // logged by Disconnect
}

// retireReaderLocked keeps the last reading and the counters of a reader that
// is about to be cancelled. Readings it produces afterwards are stale.
func (m *Machine) retireReaderLocked(reader *ReadSubscription) {
	if reader == nil {
		return
	}
	if r, ok := reader.Latest(); ok {
		m.latest = &r
	}
	metrics := reader.GetMetrics()
	m.readerTotals = m.readerTotals.add(metrics)
	m.logger.WithFields(logrus.Fields{
		"reads":       metrics.Reads,
		"skipped":     metrics.Skipped,
		"errors":      metrics.Errors,
		"overwritten": metrics.Overwritten,
	}).Debug("Reader retired")
}

// scheduleReconnectLocked starts an auto-reconnect task when enabled. The
// limiter keeps consecutive attempts at least ReconnectInterval apart.
func (m *Machine) scheduleReconnectLocked(epoch uint64) {
	if !m.cfg.AutoReconnect || m.ctx == nil {
		return
	}
	limiter := m.limiter
	m.tasks.Go(m.ctx, "session-auto-reconnect", func(ctx context.Context) {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if epoch != m.epoch || m.state.Kind != Disconnected {
			return
		}
		m.logger.Info("Reconnecting...")
		m.reconnectLocked(epoch) //nolint:errcheck // Disconnected→Connecting is always allowed
	})
}
