// Package eventbus fans events out to any number of observers without ever
// blocking the publisher.
//
// Each subscriber owns a bounded queue. When a slow subscriber's queue is full
// the oldest queued event is dropped and a backpressure counter is bumped, both
// for that subscriber and for the bus as a whole. Events reach every subscriber
// in publish order.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is used when Subscribe is called with a non-positive capacity.
const DefaultCapacity = 64

// Bus is a generic, non-blocking fan-out event bus.
type Bus[E any] struct {
	logger *logrus.Logger

	// mu serializes Publish, Subscribe and Close so each subscriber sees
	// events in publish order and a closed queue is never written to.
	mu     sync.Mutex
	nextID uint64
	closed bool

	subs *hashmap.Map[uint64, *Subscription[E]]

	published    atomic.Int64
	backpressure atomic.Int64
}

// New creates an empty bus.
func New[E any](logger *logrus.Logger) *Bus[E] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus[E]{
		logger: logger,
		subs:   hashmap.New[uint64, *Subscription[E]](),
	}
}

// Subscription is one observer's bounded view of the bus.
type Subscription[E any] struct {
	id     uint64
	bus    *Bus[E]
	filter func(E) bool
	box    *mailbox[E]
	once   sync.Once
}

// C returns the channel events are delivered on. It is closed by Close or
// when the bus is closed.
func (s *Subscription[E]) C() <-chan E {
	return s.box.ch
}

// Dropped returns how many events were discarded because this subscriber fell behind.
func (s *Subscription[E]) Dropped() int64 {
	return s.box.evicted.Load()
}

// Close detaches the subscription and closes its channel. Safe to call more than once.
func (s *Subscription[E]) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if s.bus.subs.Del(s.id) {
			s.box.close()
		}
	})
}

// Subscribe registers an observer. filter may be nil to receive everything.
func (b *Bus[E]) Subscribe(filter func(E) bool, capacity int) *Subscription[E] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription[E]{
		id:     b.nextID,
		bus:    b,
		filter: filter,
		box:    newMailbox[E](capacity),
	}
	if b.closed {
		s.box.close()
		return s
	}
	b.subs.Set(s.id, s)

	b.logger.WithFields(logrus.Fields{
		"subscriber": s.id,
		"capacity":   capacity,
	}).Debug("Event bus subscriber added")
	return s
}

// Publish delivers e to every matching subscriber and returns how many
// received it. It never blocks.
func (b *Bus[E]) Publish(e E) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}
	b.published.Add(1)

	delivered := 0
	b.subs.Range(func(id uint64, s *Subscription[E]) bool {
		if s.filter != nil && !s.filter(e) {
			return true
		}
		if s.box.post(e) {
			total := b.backpressure.Add(1)
			b.logger.WithFields(logrus.Fields{
				"subscriber":   id,
				"dropped":      s.Dropped(),
				"backpressure": total,
			}).Debug("Subscriber queue full, dropped oldest event")
		}
		delivered++
		return true
	})
	return delivered
}

// Backpressure returns the total number of events dropped across all subscribers.
func (b *Bus[E]) Backpressure() int64 {
	return b.backpressure.Load()
}

// Published returns the number of events accepted by Publish.
func (b *Bus[E]) Published() int64 {
	return b.published.Load()
}

// Len returns the number of active subscribers.
func (b *Bus[E]) Len() int {
	return b.subs.Len()
}

// Close closes every subscription. Later publishes are ignored and later
// subscriptions receive an already-closed channel.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	var ids []uint64
	b.subs.Range(func(id uint64, s *Subscription[E]) bool {
		s.box.close()
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		b.subs.Del(id)
	}
}
