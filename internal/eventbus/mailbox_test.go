package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxEvictsOldest(t *testing.T) {
	mb := newMailbox[int](3)

	evictions := 0
	for i := 0; i < 10; i++ {
		if mb.post(i) {
			evictions++
		}
	}
	assert.Equal(t, 3, mb.pending())
	assert.Equal(t, 7, evictions, "every post into a full mailbox MUST evict exactly one event")

	mb.close()
	var got []int
	for v := range mb.ch {
		got = append(got, v)
	}
	assert.Equal(t, []int{7, 8, 9}, got, "the newest events MUST survive")
	assert.EqualValues(t, 10, mb.posted.Load())
	assert.EqualValues(t, 7, mb.evicted.Load())
}

func TestMailboxIgnoresPostAfterClose(t *testing.T) {
	mb := newMailbox[string](1)
	mb.close()
	mb.close()

	require.NotPanics(t, func() { mb.post("late") }, "posting after close MUST be a no-op")
	assert.Zero(t, mb.posted.Load())
}

func TestMailboxRejectsZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { newMailbox[int](0) })
}
