package session

import (
	"time"

	"github.com/srg/blesession/internal/config"
	"github.com/srg/blesession/internal/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	advOther  = transport.Advertisement{ID: "aa:bb:cc:dd:ee:01", Name: "Polar H10", RSSI: -70}
	advTarget = transport.Advertisement{ID: "aa:bb:cc:dd:ee:02", Name: "Xsens DOT", RSSI: -45}
	advTwin   = transport.Advertisement{ID: "aa:bb:cc:dd:ee:03", Name: "Xsens DOT", RSSI: -50}
)

// fastSession returns default settings with timings shrunk for tests.
func fastSession() config.Session {
	cfg := config.DefaultSession()
	cfg.ScanTimeout = 150 * time.Millisecond
	cfg.ConnectTimeout = 50 * time.Millisecond
	cfg.ConnectRetries = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReadTimeout = 100 * time.Millisecond
	cfg.ReconnectInterval = 10 * time.Millisecond
	return cfg
}
