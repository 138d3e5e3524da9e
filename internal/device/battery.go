package device

import (
	"fmt"
	"strings"
	"time"
)

// Xsens DOT battery profile. The battery characteristic carries two bytes:
// level in percent and a charging status code.
const (
	XsensBatteryServiceUUID = "15173000-4947-11e9-8646-d663bd873d93"
	XsensBatteryCharUUID    = "15173001-4947-11e9-8646-d663bd873d93"

	XsensConfigServiceUUID = "15171000-4947-11e9-8646-d663bd873d93"
	XsensIdentifyCharUUID  = "15171002-4947-11e9-8646-d663bd873d93"
)

const (
	batteryStatusNotCharging = 0
	batteryStatusCharging    = 1
	maxBatteryLevel          = 100
)

// BatteryStatus is a decoded battery payload.
type BatteryStatus struct {
	Level       int  `json:"level"`
	LevelValid  bool `json:"level_valid"`
	Charging    bool `json:"charging"`
	StatusKnown bool `json:"status_known"`
}

// String renders the status the way the device console prints it.
func (b BatteryStatus) String() string {
	if !b.StatusKnown {
		return fmt.Sprintf("Battery Level: %d%% and device charge status cannot be read.", b.Level)
	}
	if b.Charging {
		return fmt.Sprintf("Battery Level: %d%% [CHARGING]", b.Level)
	}
	return fmt.Sprintf("Battery Level: %d%% [NOT CHARGING]", b.Level)
}

// Reading is one characteristic payload, decoded where possible.
// A Reading is immutable once published.
type Reading struct {
	Timestamp        time.Time      `json:"timestamp"`
	CharacteristicID string         `json:"characteristic_id"`
	Raw              []byte         `json:"raw"`
	Battery          *BatteryStatus `json:"battery,omitempty"`
	Err              error          `json:"-"` // wraps ErrDecodeDegraded when decoding was partial
}

// Degraded reports whether decoding lost information.
func (r Reading) Degraded() bool {
	return r.Err != nil
}

// Decoder turns a raw payload into a battery status. It never fails: a
// partial decode returns the best-effort status together with an error
// wrapping ErrDecodeDegraded. A nil status means nothing could be decoded.
type Decoder func(raw []byte) (*BatteryStatus, error)

// DecodeBattery decodes the two-byte battery payload.
//
// Byte 0 is the level. Values above 100 are passed through unclamped with
// LevelValid=false. Byte 1 is the status code: 0 not charging, 1 charging,
// anything else leaves StatusKnown=false with the level still reported.
func DecodeBattery(raw []byte) (*BatteryStatus, error) {
	if len(raw) == 0 {
		return nil, Errorf(KindDecodeDegraded, "empty battery payload")
	}

	status := &BatteryStatus{
		Level:      int(raw[0]),
		LevelValid: int(raw[0]) <= maxBatteryLevel,
	}

	var problems []string
	if !status.LevelValid {
		problems = append(problems, fmt.Sprintf("level %d out of range", status.Level))
	}

	if len(raw) < 2 {
		problems = append(problems, "missing status byte")
	} else {
		switch raw[1] {
		case batteryStatusNotCharging:
			status.StatusKnown = true
		case batteryStatusCharging:
			status.StatusKnown = true
			status.Charging = true
		default:
			problems = append(problems, fmt.Sprintf("unknown status code %d", raw[1]))
		}
	}

	if len(problems) > 0 {
		return status, Errorf(KindDecodeDegraded, "%s", strings.Join(problems, "; "))
	}
	return status, nil
}

// NewReading builds an immutable Reading from a transport payload. The payload
// is copied so the transport may reuse its buffer.
func NewReading(charID string, raw []byte, decode Decoder) Reading {
	data := make([]byte, len(raw))
	copy(data, raw)

	r := Reading{
		Timestamp:        time.Now(),
		CharacteristicID: charID,
		Raw:              data,
	}
	if decode != nil {
		r.Battery, r.Err = decode(data)
	}
	return r
}
