package eventbus

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type BusSuite struct {
	suite.Suite
	bus *Bus[int]
}

func TestBusSuite(t *testing.T) {
	suite.Run(t, new(BusSuite))
}

func (s *BusSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	s.bus = New[int](logger)
}

func (s *BusSuite) TearDownTest() {
	s.bus.Close()
}

func drain(sub *Subscription[int]) []int {
	var out []int
	for {
		select {
		case v, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

func (s *BusSuite) TestSlowSubscriberNeverBlocksPublisher() {
	// GOAL: A subscriber that never reads must not stall publishing
	//
	// TEST SCENARIO: capacity 10, publish 1000 → publish returns each time → 10 newest retained, 990 counted as backpressure

	sub := s.bus.Subscribe(nil, 10)

	for i := 0; i < 1000; i++ {
		s.bus.Publish(i)
	}

	got := drain(sub)
	s.Require().Len(got, 10, "bounded queue MUST retain exactly its capacity")
	s.Equal(990, got[0], "oldest events MUST be the ones dropped")
	s.Equal(999, got[9])
	s.EqualValues(990, sub.Dropped(), "per-subscriber backpressure MUST count drops")
	s.EqualValues(990, s.bus.Backpressure(), "bus-wide backpressure MUST count drops")
	s.EqualValues(1000, s.bus.Published())
}

func (s *BusSuite) TestFanOutPreservesOrderPerSubscriber() {
	a := s.bus.Subscribe(nil, 100)
	b := s.bus.Subscribe(nil, 100)

	for i := 0; i < 50; i++ {
		s.Equal(2, s.bus.Publish(i))
	}

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	s.Equal(want, drain(a), "events MUST arrive in publish order")
	s.Equal(want, drain(b))
	s.Zero(s.bus.Backpressure())
}

func (s *BusSuite) TestFilter() {
	even := s.bus.Subscribe(func(v int) bool { return v%2 == 0 }, 10)

	for i := 0; i < 6; i++ {
		s.bus.Publish(i)
	}
	s.Equal([]int{0, 2, 4}, drain(even))
}

func (s *BusSuite) TestCloseSubscription() {
	sub := s.bus.Subscribe(nil, 4)
	s.Equal(1, s.bus.Len())

	sub.Close()
	sub.Close()

	s.Zero(s.bus.Len())
	_, ok := <-sub.C()
	s.False(ok, "closed subscription channel MUST be closed")
	s.Zero(s.bus.Publish(1), "publish after unsubscribe MUST reach nobody")
}

func (s *BusSuite) TestBusClose() {
	sub := s.bus.Subscribe(nil, 4)
	s.bus.Publish(7)
	s.bus.Close()

	v, ok := <-sub.C()
	s.True(ok, "queued events MUST survive bus close")
	s.Equal(7, v)
	_, ok = <-sub.C()
	s.False(ok)

	late := s.bus.Subscribe(nil, 4)
	_, ok = <-late.C()
	s.False(ok, "subscribing to a closed bus MUST yield a closed channel")
	late.Close()
	sub.Close()
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := New[int](nil)
	defer bus.Close()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				bus.Publish(i)
			}
		}()
	}
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(nil, 8)
			for i := 0; i < 20; i++ {
				select {
				case <-sub.C():
				default:
				}
			}
			sub.Close()
		}()
	}
	wg.Wait()

	require.EqualValues(t, 2000, bus.Published())
	assert.Zero(t, bus.Len())
}
