package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/config"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/internal/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ScanResult is the single outcome of a scan. Exactly one of Selected and Err
// is set; Err wraps ErrNotFound, ErrCancelled or a transport error.
type ScanResult struct {
	Selected *device.Record
	Err      error
}

// ScanCoordinator discovers peripherals, keeps the device table and picks the
// session target.
type ScanCoordinator struct {
	scanner transport.Scanner
	logger  *logrus.Logger

	// emitMu serializes advertisement handling so onFound sees discovery order.
	emitMu sync.Mutex

	mu    sync.RWMutex
	table *orderedmap.OrderedMap[string, device.Record]
}

// NewScanCoordinator creates a coordinator over the given scanner.
func NewScanCoordinator(scanner transport.Scanner, logger *logrus.Logger) *ScanCoordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &ScanCoordinator{
		scanner: scanner,
		logger:  logger,
		table:   orderedmap.New[string, device.Record](),
	}
}

// ScanHandle controls one running scan.
type ScanHandle struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// Cancel stops the scan; onDone reports ErrCancelled unless a device was
// already selected.
func (h *ScanHandle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Done is closed after onDone has returned.
func (h *ScanHandle) Done() <-chan struct{} {
	return h.done
}

// Scan clears the device table and starts discovery. onFound fires once per
// new device ID in discovery order; onDone fires exactly once, after which
// onFound is never called again.
func (c *ScanCoordinator) Scan(ctx context.Context, cfg config.Session, onFound func(device.Record), onDone func(ScanResult)) *ScanHandle {
	c.mu.Lock()
	c.table = orderedmap.New[string, device.Record]()
	c.mu.Unlock()

	scanCtx, cancel := context.WithCancel(ctx)
	h := &ScanHandle{cancel: cancel, done: make(chan struct{})}

	groutine.Go(scanCtx, "session-scan", func(scanCtx context.Context) {
		defer close(h.done)
		defer cancel()

		timeoutCtx, stopTimeout := context.WithTimeout(scanCtx, cfg.ScanTimeout)
		defer stopTimeout()

		var (
			selected *device.Record
			finished bool
		)

		c.logger.WithFields(logrus.Fields{
			"target":  targetLabel(cfg),
			"timeout": cfg.ScanTimeout,
		}).Info("Scanning for BLE devices...")

		err := c.scanner.Scan(timeoutCtx, func(adv transport.Advertisement) {
			c.emitMu.Lock()
			defer c.emitMu.Unlock()

			if finished || timeoutCtx.Err() != nil {
				return
			}

			rec, isNew := c.upsert(adv)
			if isNew {
				c.logger.WithFields(logrus.Fields{
					"id":   rec.ID,
					"name": rec.Name,
					"rssi": rec.RSSI,
				}).Debug("Discovered device")
				if onFound != nil {
					onFound(rec)
				}
			}

			if selected == nil && matches(cfg, rec) {
				selected = &rec
				stopTimeout()
			}
		})

		c.emitMu.Lock()
		finished = true
		result := ScanResult{Selected: selected}
		c.emitMu.Unlock()

		// Scanners may return the context error when the scan window closes.
		if timeoutCtx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			err = nil
		}

		switch {
		case result.Selected != nil:
			c.logger.WithFields(logrus.Fields{
				"id":   selected.ID,
				"name": selected.Name,
			}).Info("Target device found")
		case h.cancelled.Load() || ctx.Err() != nil:
			result.Err = device.Errorf(device.KindCancelled, "scan cancelled")
		case err != nil:
			result.Err = transport.NormalizeError(err)
			c.logger.WithField("error", result.Err).Error("Scan failed")
		default:
			result.Err = device.Errorf(device.KindNotFound, "no device matching %s within %s", targetLabel(cfg), cfg.ScanTimeout)
			c.logger.WithField("devices", c.Len()).Warn("Target device not found")
		}

		if onDone != nil {
			onDone(result)
		}
	})

	return h
}

// upsert records an advertisement and reports whether the ID is new.
// A known device keeps its name unless the new one is non-empty and different.
func (c *ScanCoordinator) upsert(adv transport.Advertisement) (device.Record, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, known := c.table.Get(adv.ID)
	if !known {
		rec = device.Record{ID: adv.ID, Name: adv.Name, FirstSeen: now}
	} else if adv.Name != "" && adv.Name != rec.Name {
		rec.Name = adv.Name
	}
	rec.RSSI = adv.RSSI
	rec.LastSeen = now
	c.table.Set(adv.ID, rec)

	return rec, !known
}

// Snapshot returns the device table in discovery order.
func (c *ScanCoordinator) Snapshot() []device.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]device.Record, 0, c.table.Len())
	for pair := c.table.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Lookup returns the record for id.
func (c *ScanCoordinator) Lookup(id string) (device.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table.Get(id)
}

// Len returns the number of known devices.
func (c *ScanCoordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table.Len()
}

// matches applies the selection rule: an exact name match, or an ID match
// when an address is pinned. With neither set nothing is ever selected.
func matches(cfg config.Session, rec device.Record) bool {
	if cfg.TargetAddress != "" {
		return strings.EqualFold(rec.ID, cfg.TargetAddress)
	}
	return cfg.TargetName != "" && rec.Name == cfg.TargetName
}

func targetLabel(cfg config.Session) string {
	if cfg.TargetAddress != "" {
		return "address " + cfg.TargetAddress
	}
	if cfg.TargetName == "" {
		return "nothing (discovery only)"
	}
	return "name " + strconv.Quote(cfg.TargetName)
}
