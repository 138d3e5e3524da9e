package session

import (
	"fmt"
	"time"

	"github.com/srg/blesession/internal/device"
)

// StateKind enumerates the lifecycle states of a session.
type StateKind int

const (
	Idle StateKind = iota
	Scanning
	DeviceFound
	Connecting
	Connected
	Streaming
	Disconnected
	Failed
	Closed
)

var stateNames = [...]string{
	Idle:         "idle",
	Scanning:     "scanning",
	DeviceFound:  "device_found",
	Connecting:   "connecting",
	Connected:    "connected",
	Streaming:    "streaming",
	Disconnected: "disconnected",
	Failed:       "failed",
	Closed:       "closed",
}

func (k StateKind) String() string {
	if k < 0 || int(k) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(k))
	}
	return stateNames[k]
}

// MarshalText renders the state name in JSON output.
func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// SessionState is the single active state of a Machine. Device is set once a
// target has been selected; Reason only for Disconnected; Err only for Failed.
type SessionState struct {
	Kind   StateKind      `json:"kind"`
	Device *device.Record `json:"device,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Err    error          `json:"-"`
}

func (s SessionState) String() string {
	switch {
	case s.Kind == Failed && s.Err != nil:
		return fmt.Sprintf("%s (%v)", s.Kind, s.Err)
	case s.Kind == Disconnected && s.Reason != "":
		return fmt.Sprintf("%s (%s)", s.Kind, s.Reason)
	case s.Device != nil:
		return fmt.Sprintf("%s [%s]", s.Kind, s.Device.DisplayName())
	default:
		return s.Kind.String()
	}
}

// transitions lists every allowed edge except →Closed, which only Stop may take.
var transitions = map[StateKind][]StateKind{
	Idle:         {Scanning},
	Closed:       {Scanning},
	Scanning:     {DeviceFound, Failed},
	DeviceFound:  {Connecting},
	Connecting:   {Connected, Failed, Disconnected},
	Connected:    {Streaming, Disconnected},
	Streaming:    {Disconnected},
	Disconnected: {Connecting},
	Failed:       {},
}

// CanTransition reports whether from→to is a legal edge outside of Stop.
func CanTransition(from, to StateKind) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// EventKind classifies bus events.
type EventKind string

const (
	EventStateChanged     EventKind = "state_changed"
	EventDeviceDiscovered EventKind = "device_discovered"
	EventReading          EventKind = "reading_available"
	EventError            EventKind = "error"
)

// Event is the only thing observers ever see of a session. Seq increases
// strictly across all kinds.
type Event struct {
	Seq     uint64          `json:"seq"`
	Time    time.Time       `json:"time"`
	Kind    EventKind       `json:"kind"`
	From    *SessionState   `json:"from,omitempty"`
	State   *SessionState   `json:"state,omitempty"`
	Device  *device.Record  `json:"device,omitempty"`
	Reading *device.Reading `json:"reading,omitempty"`
	Err     error           `json:"-"`
}
