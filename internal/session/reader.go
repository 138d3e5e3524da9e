package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/config"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/internal/transport"
)

// DefaultReadingBuffer is the reading queue size between transport callbacks
// and the publisher.
const DefaultReadingBuffer = 64

// ReaderCallbacks receive the reader's output. Both are called from the
// reader's own drain goroutine, never from a transport callback.
type ReaderCallbacks struct {
	OnReading func(device.Reading)
	OnError   func(error)
}

// ReaderMetrics are lock-free counters describing a reader's activity.
type ReaderMetrics struct {
	Reads       int64 // transport reads issued (poll) or notifications received
	Skipped     int64 // poll ticks skipped because a read was still in flight
	Errors      int64
	Overwritten int64 // readings dropped because the drain fell behind
}

func (rm ReaderMetrics) add(o ReaderMetrics) ReaderMetrics {
	return ReaderMetrics{
		Reads:       rm.Reads + o.Reads,
		Skipped:     rm.Skipped + o.Skipped,
		Errors:      rm.Errors + o.Errors,
		Overwritten: rm.Overwritten + o.Overwritten,
	}
}

// ReadSubscription is an active reader attached to one connection.
type ReadSubscription struct {
	logger *logrus.Logger
	cancel context.CancelFunc
	done   chan struct{}

	buffer mpmc.RichOverlappedRingBuffer[device.Reading]
	wake   chan struct{}

	latest   atomic.Pointer[device.Reading]
	inFlight atomic.Bool

	reads       atomic.Int64
	skipped     atomic.Int64
	errors      atomic.Int64
	overwritten atomic.Int64
}

// StartReader attaches a reader to conn in the configured mode. Goroutines are
// tracked in group so the caller can await them.
func StartReader(ctx context.Context, group *groutine.Group, conn *Connection, cfg config.Session, decode device.Decoder, cb ReaderCallbacks, logger *logrus.Logger) (*ReadSubscription, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if group == nil {
		group = &groutine.Group{}
	}

	charID := cfg.PrimaryCharacteristic()
	if charID == "" {
		return nil, fmt.Errorf("no characteristic to read")
	}

	readerCtx, cancel := context.WithCancel(ctx)
	rs := &ReadSubscription{
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
		buffer: mpmc.NewOverlappedRingBuffer[device.Reading](DefaultReadingBuffer),
		wake:   make(chan struct{}, 1),
	}

	var sub transport.Subscription
	switch cfg.ReadMode {
	case config.ReadModeNotify:
		var err error
		sub, err = conn.Subscribe(charID, func(raw []byte) {
			if readerCtx.Err() != nil {
				return
			}
			rs.reads.Add(1)
			rs.enqueue(device.NewReading(charID, raw, decode))
		})
		if err != nil {
			cancel()
			close(rs.done)
			return nil, transport.NormalizeError(err)
		}
	case config.ReadModePoll:
		group.Go(readerCtx, "session-poll-reader", func(ctx context.Context) {
			rs.pollLoop(ctx, group, conn, charID, cfg, decode)
		})
	default:
		cancel()
		close(rs.done)
		return nil, fmt.Errorf("unknown read mode %q", cfg.ReadMode)
	}

	group.Go(readerCtx, "session-reading-drain", func(ctx context.Context) {
		defer close(rs.done)
		rs.drainLoop(ctx, cb)
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				logger.WithField("error", err).Debug("Unsubscribe failed")
			}
		}
	})

	logger.WithFields(logrus.Fields{
		"characteristic": charID,
		"mode":           cfg.ReadMode,
	}).Info("Reader started")
	return rs, nil
}

// pollLoop issues one read per tick. A tick that fires while the previous read
// is still running is counted and dropped, never queued.
func (rs *ReadSubscription) pollLoop(ctx context.Context, group *groutine.Group, conn *Connection, charID string, cfg config.Session, decode device.Decoder) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	poll := func() {
		if !rs.inFlight.CompareAndSwap(false, true) {
			skipped := rs.skipped.Add(1)
			rs.logger.WithField("skipped", skipped).Debug("Previous read still in flight, skipping tick")
			return
		}
		group.Go(ctx, "session-poll-read", func(ctx context.Context) {
			defer rs.inFlight.Store(false)

			readCtx, cancel := context.WithTimeout(ctx, cfg.ReadTimeout)
			defer cancel()

			rs.reads.Add(1)
			raw, err := conn.Read(readCtx, charID)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				rs.errors.Add(1)
				rs.enqueue(device.Reading{
					Timestamp:        time.Now(),
					CharacteristicID: charID,
					Err:              fmt.Errorf("read %s: %w", charID, transport.NormalizeError(err)),
				})
				return
			}
			rs.enqueue(device.NewReading(charID, raw, decode))
		})
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

func (rs *ReadSubscription) enqueue(r device.Reading) {
	overwrites, err := rs.buffer.EnqueueM(r)
	if err != nil {
		rs.errors.Add(1)
		rs.logger.WithField("error", err).Error("Unexpected reading buffer error")
		return
	}
	if overwrites > 0 {
		rs.overwritten.Add(int64(overwrites))
	}
	select {
	case rs.wake <- struct{}{}:
	default:
	}
}

// drainLoop moves readings from the ring to the callbacks. Failed reads
// (no payload) are reported through OnError.
func (rs *ReadSubscription) drainLoop(ctx context.Context, cb ReaderCallbacks) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rs.wake:
		}

		for !rs.buffer.IsEmpty() {
			if ctx.Err() != nil {
				return
			}
			r, err := rs.buffer.Dequeue()
			if err != nil {
				break
			}
			if r.Raw == nil && r.Err != nil {
				if cb.OnError != nil {
					cb.OnError(r.Err)
				}
				continue
			}
			reading := r
			rs.latest.Store(&reading)
			if r.Err != nil {
				rs.logger.WithField("error", r.Err).Warn("Reading decoded with degradation")
			}
			if cb.OnReading != nil {
				cb.OnReading(r)
			}
		}
	}
}

// Cancel stops the reader without waiting. Safe to call more than once.
func (rs *ReadSubscription) Cancel() {
	rs.cancel()
}

// Done is closed once the drain goroutine has exited.
func (rs *ReadSubscription) Done() <-chan struct{} {
	return rs.done
}

// Latest returns the most recent delivered reading.
func (rs *ReadSubscription) Latest() (device.Reading, bool) {
	if r := rs.latest.Load(); r != nil {
		return *r, true
	}
	return device.Reading{}, false
}

// Skipped returns the number of skipped poll ticks.
func (rs *ReadSubscription) Skipped() int64 {
	return rs.skipped.Load()
}

// GetMetrics returns a snapshot of the reader counters.
func (rs *ReadSubscription) GetMetrics() ReaderMetrics {
	return ReaderMetrics{
		Reads:       rs.reads.Load(),
		Skipped:     rs.skipped.Load(),
		Errors:      rs.errors.Load(),
		Overwritten: rs.overwritten.Load(),
	}
}
