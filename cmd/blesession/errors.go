package main

import (
	"errors"
	"fmt"

	"github.com/srg/blesession/internal/device"
)

// ErrConnectionLost indicates the link dropped before the command finished.
var ErrConnectionLost = errors.New("connection lost")

// FormatUserError renders err with a remediation hint for its kind.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var hint string
	switch device.KindOf(err) {
	case device.KindTransportUnavailable:
		hint = "Make sure Bluetooth is turned on and this program is allowed to use it."
	case device.KindNotFound:
		hint = "Check that the sensor is powered, advertising, and in range, or increase session.scan_timeout."
	case device.KindTimeout:
		hint = "The device did not answer in time. Move closer or increase session.connect_timeout / connect_retries."
	case device.KindRejected:
		hint = "The device refused the request. Verify the service and characteristic UUIDs in the config."
	case device.KindNotConnected:
		hint = "The device is not connected. It may have powered off or moved out of range."
	case device.KindAlreadyRunning:
		hint = "A session is already active; stop it first."
	default:
		if errors.Is(err, ErrConnectionLost) {
			hint = "The device disconnected. Re-run the command or enable session.auto_reconnect."
		}
	}

	if hint == "" {
		return err.Error()
	}
	return fmt.Sprintf("%s\n       %s", err, hint)
}
