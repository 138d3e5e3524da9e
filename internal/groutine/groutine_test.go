package groutine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoPropagatesName(t *testing.T) {
	names := make(chan string, 1)

	Go(nil, "named-worker", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	select {
	case got := <-names:
		assert.Equal(t, "named-worker", got, "goroutine name MUST be reachable from its context")
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGetNameWithoutLabel(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
	assert.Empty(t, GetName(nil)) //nolint:staticcheck
}

func TestGroupWait(t *testing.T) {
	// GOAL: Wait returns only after every tracked goroutine has exited
	//
	// TEST SCENARIO: start several blocked goroutines → release them → Wait → all counted

	var g Group
	var finished atomic.Int32
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		g.Go(context.Background(), "group-member", func(ctx context.Context) {
			<-release
			finished.Add(1)
		})
	}

	close(release)
	g.Wait()

	require.EqualValues(t, 5, finished.Load(), "Wait MUST not return before all members finish")
}
