package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/transport"
	"github.com/srg/blesession/internal/transport/transporttest"
	"github.com/stretchr/testify/suite"
)

type ScanCoordinatorSuite struct {
	suite.Suite

	fake *transporttest.Fake
	sc   *ScanCoordinator

	mu    sync.Mutex
	found []device.Record
	done  chan ScanResult
}

func TestScanCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(ScanCoordinatorSuite))
}

func (s *ScanCoordinatorSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.fake = transporttest.NewFake()
	s.sc = NewScanCoordinator(s.fake, logger)
	s.found = nil
	s.done = make(chan ScanResult, 2)
}

func (s *ScanCoordinatorSuite) scan(ctx context.Context, name, address string) *ScanHandle {
	cfg := fastSession()
	cfg.TargetName = name
	cfg.TargetAddress = address

	return s.sc.Scan(ctx, cfg, func(rec device.Record) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.found = append(s.found, rec)
	}, func(res ScanResult) {
		s.done <- res
	})
}

func (s *ScanCoordinatorSuite) result(h *ScanHandle) ScanResult {
	select {
	case res := <-s.done:
		select {
		case <-h.Done():
		case <-time.After(waitFor):
			s.FailNow("Done MUST close after onDone returns")
		}
		s.Empty(s.done, "onDone MUST fire exactly once")
		return res
	case <-time.After(waitFor):
		s.FailNow("scan did not finish")
		return ScanResult{}
	}
}

func (s *ScanCoordinatorSuite) foundIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.found))
	for _, rec := range s.found {
		ids = append(ids, rec.ID)
	}
	return ids
}

func (s *ScanCoordinatorSuite) TestFirstMatchWins() {
	// GOAL: Verify selection is deterministic when two devices share the target name
	//
	// TEST SCENARIO: (A,"Polar H10"), (B,"Xsens DOT"), (C,"Xsens DOT") → B selected, never C

	s.fake.Ads = []transport.Advertisement{advOther, advTarget, advTwin}

	res := s.result(s.scan(context.Background(), "Xsens DOT", ""))

	s.Require().NoError(res.Err)
	s.Require().NotNil(res.Selected)
	s.Equal(advTarget.ID, res.Selected.ID, "first matching device MUST win")
	s.Equal([]string{advOther.ID, advTarget.ID}, s.foundIDs(), "onFound MUST follow discovery order")
}

func (s *ScanCoordinatorSuite) TestDeduplicatesByID() {
	// GOAL: Verify the device table holds one record per ID with the latest name
	//
	// TEST SCENARIO: same ID advertised three times with changing names → one record, name from last non-empty advert

	s.fake.Ads = []transport.Advertisement{
		{ID: "11:11", Name: "DOT-1", RSSI: -80},
		{ID: "22:22", Name: "", RSSI: -60},
		{ID: "11:11", Name: "DOT-1b", RSSI: -70},
		{ID: "11:11", Name: "", RSSI: -65},
	}

	res := s.result(s.scan(context.Background(), "absent", ""))

	s.Require().ErrorIs(res.Err, device.ErrNotFound)
	s.Nil(res.Selected)
	s.Equal([]string{"11:11", "22:22"}, s.foundIDs(), "onFound MUST fire once per new ID")

	snap := s.sc.Snapshot()
	s.Require().Len(snap, 2)
	s.Equal("11:11", snap[0].ID)
	s.Equal("DOT-1b", snap[0].Name, "name MUST follow the latest non-empty advertisement")
	s.Equal(-65, snap[0].RSSI)
	s.False(snap[0].LastSeen.Before(snap[0].FirstSeen))

	rec, ok := s.sc.Lookup("22:22")
	s.True(ok)
	s.Equal("22:22", rec.DisplayName())
}

func (s *ScanCoordinatorSuite) TestAddressPinningOverridesName() {
	s.fake.Ads = []transport.Advertisement{advOther, advTarget, advTwin}

	res := s.result(s.scan(context.Background(), "Xsens DOT", strings.ToUpper(advTwin.ID)))

	s.Require().NoError(res.Err)
	s.Equal(advTwin.ID, res.Selected.ID, "a pinned address MUST select by ID")
}

func (s *ScanCoordinatorSuite) TestCancelReportsCancelled() {
	s.fake.Ads = []transport.Advertisement{advOther, advTarget}
	s.fake.ScanDelay = time.Second

	h := s.scan(context.Background(), "Xsens DOT", "")
	h.Cancel()
	h.Cancel()

	res := s.result(h)
	s.ErrorIs(res.Err, device.ErrCancelled)
	s.Empty(s.foundIDs(), "no discovery MUST be reported after cancellation")
}

func (s *ScanCoordinatorSuite) TestParentContextCancel() {
	s.fake.ScanDelay = time.Second
	s.fake.Ads = []transport.Advertisement{advTarget}

	ctx, cancel := context.WithCancel(context.Background())
	h := s.scan(ctx, "Xsens DOT", "")
	cancel()

	s.ErrorIs(s.result(h).Err, device.ErrCancelled)
}

func (s *ScanCoordinatorSuite) TestTransportErrorEndsScan() {
	s.fake.ScanErr = errors.New("can't init hci: no such device")

	res := s.result(s.scan(context.Background(), "Xsens DOT", ""))

	s.ErrorIs(res.Err, device.ErrTransportUnavailable)
	s.False(errors.Is(res.Err, device.ErrNotFound), "outcomes MUST be mutually exclusive")
}

// deadlineScanner reports its advertisements, then returns the context error
// once the scan window closes, as some platform scanners do.
type deadlineScanner struct {
	ads []transport.Advertisement
}

func (d deadlineScanner) Scan(ctx context.Context, onFound func(transport.Advertisement)) error {
	for _, adv := range d.ads {
		onFound(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *ScanCoordinatorSuite) TestScanWindowEndingWithContextErrorIsNotFound() {
	// GOAL: Verify a scanner returning ctx.Err() at the scan timeout still yields NotFound
	//
	// TEST SCENARIO: non-matching advert → scanner returns context.DeadlineExceeded → ErrNotFound, not ErrTimeout

	s.sc = NewScanCoordinator(deadlineScanner{ads: []transport.Advertisement{advOther}}, logrus.New())

	cfg := fastSession()
	cfg.ScanTimeout = 50 * time.Millisecond
	h := s.sc.Scan(context.Background(), cfg, nil, func(res ScanResult) { s.done <- res })

	res := s.result(h)
	s.Require().ErrorIs(res.Err, device.ErrNotFound, "an elapsed scan window MUST be reported as not found")
	s.False(errors.Is(res.Err, device.ErrTimeout), "scan timeout MUST not be classified as a connect timeout")
	s.Len(s.sc.Snapshot(), 1)
}

func (s *ScanCoordinatorSuite) TestScanWindowEndingWithContextErrorKeepsCancel() {
	s.sc = NewScanCoordinator(deadlineScanner{}, logrus.New())

	cfg := fastSession()
	cfg.ScanTimeout = time.Second
	h := s.sc.Scan(context.Background(), cfg, nil, func(res ScanResult) { s.done <- res })
	h.Cancel()

	s.ErrorIs(s.result(h).Err, device.ErrCancelled, "cancellation MUST win over the context error")
}

func (s *ScanCoordinatorSuite) TestEmptyNameKeepsLastKnownName() {
	// GOAL: Pin the name rule for nameless advertisements
	//
	// TEST SCENARIO: named advert → later advert with empty name (e.g. a scan response
	// or a bare advertising packet) → record keeps the last non-empty name while RSSI
	// still follows the most recent advertisement

	s.fake.Ads = []transport.Advertisement{
		{ID: "33:33", Name: "Xsens DOT", RSSI: -50},
		{ID: "33:33", Name: "", RSSI: -75},
	}

	s.result(s.scan(context.Background(), "absent", ""))

	rec, ok := s.sc.Lookup("33:33")
	s.Require().True(ok)
	s.Equal("Xsens DOT", rec.Name, "an empty advertised name MUST NOT erase the known name")
	s.Equal(-75, rec.RSSI, "RSSI MUST reflect the most recent advertisement")
}

func (s *ScanCoordinatorSuite) TestNextScanClearsTable() {
	s.fake.Ads = []transport.Advertisement{advOther}
	s.result(s.scan(context.Background(), "absent", ""))
	s.Len(s.sc.Snapshot(), 1, "table MUST stay queryable after the scan ends")

	s.fake.Ads = nil
	s.result(s.scan(context.Background(), "absent", ""))
	s.Zero(s.sc.Len(), "a new scan MUST start from an empty table")
}
