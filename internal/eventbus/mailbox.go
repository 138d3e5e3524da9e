package eventbus

import "sync/atomic"

// mailbox is a subscriber's bounded queue. Posting never blocks: when the
// queue is full the oldest undelivered event is evicted to make room.
//
// Callers must serialize post and close; the Bus holds its lock for both.
type mailbox[E any] struct {
	ch      chan E
	closed  bool
	posted  atomic.Int64
	evicted atomic.Int64
}

func newMailbox[E any](capacity int) *mailbox[E] {
	if capacity <= 0 {
		panic("eventbus: mailbox capacity must be > 0")
	}
	return &mailbox[E]{ch: make(chan E, capacity)}
}

// post enqueues e and reports whether an older event was evicted for it.
// Posting to a closed mailbox is ignored.
func (m *mailbox[E]) post(e E) bool {
	if m.closed {
		return false
	}

	evicted := false
	for {
		select {
		case m.ch <- e:
			m.posted.Add(1)
			return evicted
		default:
		}
		// Full: the reader may drain concurrently, so retry the send
		// after each eviction attempt.
		select {
		case <-m.ch:
			m.evicted.Add(1)
			evicted = true
		default:
		}
	}
}

func (m *mailbox[E]) close() {
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

func (m *mailbox[E]) pending() int {
	return len(m.ch)
}
