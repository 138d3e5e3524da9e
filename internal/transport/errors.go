package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blesession/internal/device"
)

// NormalizeError maps known BLE library error strings to the session error
// taxonomy. It ensures consistent handling even if the upstream libraries
// change messages slightly. Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	// Already classified
	if device.KindOf(err) != "" {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", device.ErrCancelled, err)
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "adapter not powered"),
		containsIgnoreCase(msg, "not powered"),
		containsIgnoreCase(msg, "no such adapter"),
		containsIgnoreCase(msg, "permission denied"),
		containsIgnoreCase(msg, "operation not permitted"),
		containsIgnoreCase(msg, "unauthorized"),
		containsIgnoreCase(msg, "can't init hci"):
		return fmt.Errorf("%w: %v", device.ErrTransportUnavailable, err)
	case containsIgnoreCase(msg, "timeout"),
		containsIgnoreCase(msg, "timed out"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	case containsIgnoreCase(msg, "rejected"),
		containsIgnoreCase(msg, "refused"),
		containsIgnoreCase(msg, "not supported"),
		containsIgnoreCase(msg, "insufficient authentication"),
		containsIgnoreCase(msg, "att error"):
		return fmt.Errorf("%w: %v", device.ErrRejected, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
