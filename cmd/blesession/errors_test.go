package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blesession/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		hint string
	}{
		{"transport unavailable", fmt.Errorf("scan: %w", device.ErrTransportUnavailable), "Bluetooth is turned on"},
		{"not found", device.Errorf(device.KindNotFound, "no device matching name %q", "Xsens DOT"), "scan_timeout"},
		{"timeout", fmt.Errorf("connect failed: %w", device.ErrTimeout), "connect_timeout"},
		{"rejected", device.ErrRejected, "UUIDs"},
		{"not connected", device.ErrNotConnected, "out of range"},
		{"connection lost", fmt.Errorf("%w: link dropped", ErrConnectionLost), "auto_reconnect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := FormatUserError(tt.err)
			assert.Contains(t, msg, tt.err.Error(), "message MUST keep the original error")
			assert.Contains(t, msg, tt.hint, "message MUST carry the remediation hint")
		})
	}

	assert.Equal(t, "boom", FormatUserError(errors.New("boom")), "unclassified errors MUST pass through")
	assert.Empty(t, FormatUserError(nil))
}
