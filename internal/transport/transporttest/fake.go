// Package transporttest provides in-memory transports for exercising the
// session manager without a radio.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/transport"
)

// Counters is a snapshot of how often each primitive was invoked.
type Counters struct {
	Scans        int
	Connects     int
	Reads        int
	Writes       int
	Subscribes   int
	Unsubscribes int
	Disconnects  int
	LiveHandles  int
	ActiveSubs   int
}

// Fake is a scripted transport. Configure the exported fields before handing
// it to the code under test; use the methods to drive events afterwards.
type Fake struct {
	// Scan script
	Ads       []transport.Advertisement
	ScanDelay time.Duration // pause before each advertisement
	ScanErr   error         // returned immediately by Scan

	// Connect script: one entry per attempt, nil means success. Attempts past
	// the end succeed.
	ConnectResults []error
	ConnectDelay   time.Duration
	ConnectBlock   bool // block until the attempt context is done

	// Read script
	ReadPayload []byte
	ReadErr     error
	ReadDelay   time.Duration

	mu       sync.Mutex
	counters Counters
	handles  map[*handle]struct{}
	subs     map[*subscription]struct{}
	writes   [][]byte
}

// NewFake returns a Fake that advertises ads and succeeds at everything else.
func NewFake(ads ...transport.Advertisement) *Fake {
	return &Fake{Ads: ads}
}

var _ transport.Transport = (*Fake)(nil)

type handle struct {
	id     string
	fake   *Fake
	closed bool
	onLost func(error)
}

func (h *handle) DeviceID() string { return h.id }

type subscription struct {
	h      *handle
	onData func([]byte)
	fake   *Fake
}

func (s *subscription) Unsubscribe() error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	if _, ok := s.fake.subs[s]; ok {
		delete(s.fake.subs, s)
		s.fake.counters.Unsubscribes++
	}
	return nil
}

func (f *Fake) init() {
	if f.handles == nil {
		f.handles = make(map[*handle]struct{})
		f.subs = make(map[*subscription]struct{})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scan emits the scripted advertisements then waits for ctx.
func (f *Fake) Scan(ctx context.Context, onFound func(transport.Advertisement)) error {
	f.mu.Lock()
	f.counters.Scans++
	scanErr := f.ScanErr
	ads := append([]transport.Advertisement(nil), f.Ads...)
	delay := f.ScanDelay
	f.mu.Unlock()

	if scanErr != nil {
		return transport.NormalizeError(scanErr)
	}
	for _, adv := range ads {
		if err := sleep(ctx, delay); err != nil {
			return nil
		}
		onFound(adv)
	}
	<-ctx.Done()
	return nil
}

// Connect consumes one entry of ConnectResults.
func (f *Fake) Connect(ctx context.Context, id, _ string, _ []string) (transport.Handle, error) {
	f.mu.Lock()
	f.init()
	attempt := f.counters.Connects
	f.counters.Connects++
	var result error
	if attempt < len(f.ConnectResults) {
		result = f.ConnectResults[attempt]
	}
	block := f.ConnectBlock
	delay := f.ConnectDelay
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, transport.NormalizeError(fmt.Errorf("connect to %s: %w", id, ctx.Err()))
	}
	if err := sleep(ctx, delay); err != nil {
		return nil, transport.NormalizeError(fmt.Errorf("connect to %s: %w", id, err))
	}
	if result != nil {
		return nil, transport.NormalizeError(result)
	}

	h := &handle{id: id, fake: f}
	f.mu.Lock()
	f.handles[h] = struct{}{}
	f.mu.Unlock()
	return h, nil
}

func (f *Fake) live(h transport.Handle) (*handle, error) {
	fh, ok := h.(*handle)
	if !ok || fh.fake != f {
		return nil, fmt.Errorf("foreign handle %T", h)
	}
	if fh.closed {
		return nil, device.Errorf(device.KindNotConnected, "%s is disconnected", fh.id)
	}
	return fh, nil
}

// Read returns ReadPayload or ReadErr after ReadDelay.
func (f *Fake) Read(ctx context.Context, h transport.Handle, _ string) ([]byte, error) {
	f.mu.Lock()
	f.counters.Reads++
	_, err := f.live(h)
	payload := append([]byte(nil), f.ReadPayload...)
	readErr := f.ReadErr
	delay := f.ReadDelay
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, delay); err != nil {
		return nil, transport.NormalizeError(err)
	}
	if readErr != nil {
		return nil, transport.NormalizeError(readErr)
	}
	return payload, nil
}

// Write records data.
func (f *Fake) Write(ctx context.Context, h transport.Handle, _ string, data []byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters.Writes++
	if _, err := f.live(h); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transport.NormalizeError(err)
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

// Subscribe registers onData for Notify.
func (f *Fake) Subscribe(h transport.Handle, _ string, onData func([]byte)) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.counters.Subscribes++
	fh, err := f.live(h)
	if err != nil {
		return nil, err
	}
	s := &subscription{h: fh, onData: onData, fake: f}
	f.subs[s] = struct{}{}
	return s, nil
}

// Disconnect closes the handle; repeated calls are counted but harmless.
func (f *Fake) Disconnect(h transport.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters.Disconnects++
	fh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	fh.closed = true
	fh.onLost = nil
	delete(f.handles, fh)
	for s := range f.subs {
		if s.h == fh {
			delete(f.subs, s)
		}
	}
	return nil
}

// OnDisconnect stores the loss handler.
func (f *Fake) OnDisconnect(h transport.Handle, fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fh, ok := h.(*handle); ok && !fh.closed {
		fh.onLost = fn
	}
}

// Notify delivers data to every active subscription.
func (f *Fake) Notify(data []byte) int {
	f.mu.Lock()
	var targets []func([]byte)
	for s := range f.subs {
		targets = append(targets, s.onData)
	}
	f.mu.Unlock()

	for _, fn := range targets {
		fn(data)
	}
	return len(targets)
}

// DropLink simulates the peripheral disconnecting every live handle.
func (f *Fake) DropLink() {
	f.mu.Lock()
	var handlers []func(error)
	for h := range f.handles {
		h.closed = true
		if h.onLost != nil {
			handlers = append(handlers, h.onLost)
		}
		delete(f.handles, h)
	}
	for s := range f.subs {
		delete(f.subs, s)
	}
	f.mu.Unlock()

	for _, fn := range handlers {
		fn(device.Errorf(device.KindNotConnected, "link dropped"))
	}
}

// SetReadPayload replaces the read script while the fake is in use.
func (f *Fake) SetReadPayload(payload []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadPayload = payload
	f.ReadErr = err
}

// Calls returns a snapshot of the call counters.
func (f *Fake) Calls() Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.counters
	c.LiveHandles = len(f.handles)
	c.ActiveSubs = len(f.subs)
	return c
}

// Writes returns copies of every payload written so far.
func (f *Fake) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}
