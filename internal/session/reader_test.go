package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/config"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/internal/transport/transporttest"
	"github.com/stretchr/testify/suite"
)

type ReaderSuite struct {
	suite.Suite

	fake  *transporttest.Fake
	conn  *Connection
	group groutine.Group

	mu       sync.Mutex
	readings []device.Reading
	errs     []error
}

func TestReaderSuite(t *testing.T) {
	suite.Run(t, new(ReaderSuite))
}

func (s *ReaderSuite) SetupTest() {
	s.fake = transporttest.NewFake()
	s.fake.ReadPayload = []byte{55, 1}
	s.readings, s.errs = nil, nil

	conn, err := NewConnectionManager(s.fake, logrus.New()).Connect(context.Background(), targetRecord, fastSession())
	s.Require().NoError(err)
	s.conn = conn
}

func (s *ReaderSuite) start(cfg config.Session) *ReadSubscription {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	rs, err := StartReader(context.Background(), &s.group, s.conn, cfg, device.DecodeBattery, ReaderCallbacks{
		OnReading: func(r device.Reading) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.readings = append(s.readings, r)
		},
		OnError: func(err error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.errs = append(s.errs, err)
		},
	}, logger)
	s.Require().NoError(err)
	return rs
}

func (s *ReaderSuite) stop(rs *ReadSubscription) {
	rs.Cancel()
	rs.Cancel()
	s.group.Wait()
	select {
	case <-rs.Done():
	default:
		s.Fail("Done MUST be closed once the reader goroutines exited")
	}
}

func (s *ReaderSuite) readingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

func (s *ReaderSuite) TestPollDeliversDecodedReadings() {
	rs := s.start(fastSession())
	s.Eventually(func() bool { return s.readingCount() >= 3 }, waitFor, tick)
	s.stop(rs)

	s.mu.Lock()
	first := s.readings[0]
	s.mu.Unlock()

	s.Require().NotNil(first.Battery)
	s.Equal(55, first.Battery.Level)
	s.True(first.Battery.Charging)
	s.True(first.Battery.StatusKnown)
	s.False(first.Degraded())

	latest, ok := rs.Latest()
	s.True(ok)
	s.Equal([]byte{55, 1}, latest.Raw)
}

func (s *ReaderSuite) TestPollSkipsTicksWhileReadInFlight() {
	// GOAL: Verify a slow read never overlaps the next one
	//
	// TEST SCENARIO: read takes 6 poll intervals → ticks are skipped and counted, not queued

	s.fake.ReadDelay = 60 * time.Millisecond
	cfg := fastSession()
	cfg.ReadTimeout = time.Second

	rs := s.start(cfg)
	s.Eventually(func() bool { return rs.Skipped() >= 5 }, waitFor, tick, "busy ticks MUST be counted as skipped")
	s.stop(rs)

	m := rs.GetMetrics()
	s.Equal(m.Skipped, rs.Skipped())
	s.LessOrEqual(int(m.Reads), s.fake.Calls().Reads)
	s.Less(m.Reads, m.Skipped, "skipped ticks MUST not turn into reads")
}

func (s *ReaderSuite) TestPollReadErrorsAreReported() {
	s.fake.SetReadPayload(nil, errors.New("att error: read not permitted"))

	rs := s.start(fastSession())
	s.Eventually(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.errs) > 0
	}, waitFor, tick)
	s.stop(rs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorIs(s.errs[0], device.ErrRejected)
	s.Empty(s.readings, "failed reads MUST not produce readings")
	_, ok := rs.Latest()
	s.False(ok)
}

func (s *ReaderSuite) TestNotifyYieldsOneReadingPerNotification() {
	cfg := fastSession()
	cfg.ReadMode = config.ReadModeNotify

	rs := s.start(cfg)
	s.Equal(1, s.fake.Notify([]byte{80, 0}))
	s.Equal(1, s.fake.Notify([]byte{55, 9}))

	s.Eventually(func() bool { return s.readingCount() == 2 }, waitFor, tick)
	s.stop(rs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Equal(80, s.readings[0].Battery.Level)
	s.False(s.readings[0].Battery.Charging)

	degraded := s.readings[1]
	s.Equal(55, degraded.Battery.Level, "level MUST survive an unknown status code")
	s.False(degraded.Battery.StatusKnown)
	s.ErrorIs(degraded.Err, device.ErrDecodeDegraded)

	s.Zero(s.fake.Calls().Reads, "notify mode MUST not poll")
	s.Equal(1, s.fake.Calls().Unsubscribes, "stopping MUST release the subscription")
}

func (s *ReaderSuite) TestNotifySubscribeFailure() {
	s.Require().NoError(s.conn.Disconnect())

	cfg := fastSession()
	cfg.ReadMode = config.ReadModeNotify

	_, err := StartReader(context.Background(), &s.group, s.conn, cfg, device.DecodeBattery, ReaderCallbacks{}, nil)
	s.ErrorIs(err, device.ErrNotConnected)
}
