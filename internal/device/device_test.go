package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBattery(t *testing.T) {
	tests := []struct {
		name         string
		raw          []byte
		want         *BatteryStatus
		wantDegraded bool
		text         string
	}{
		{
			name: "charging",
			raw:  []byte{55, 1},
			want: &BatteryStatus{Level: 55, LevelValid: true, Charging: true, StatusKnown: true},
			text: "Battery Level: 55% [CHARGING]",
		},
		{
			name: "not charging",
			raw:  []byte{100, 0},
			want: &BatteryStatus{Level: 100, LevelValid: true, StatusKnown: true},
			text: "Battery Level: 100% [NOT CHARGING]",
		},
		{
			name:         "unknown status code keeps the level",
			raw:          []byte{55, 9},
			want:         &BatteryStatus{Level: 55, LevelValid: true},
			wantDegraded: true,
			text:         "Battery Level: 55% and device charge status cannot be read.",
		},
		{
			name:         "missing status byte",
			raw:          []byte{12},
			want:         &BatteryStatus{Level: 12, LevelValid: true},
			wantDegraded: true,
			text:         "Battery Level: 12% and device charge status cannot be read.",
		},
		{
			name:         "out of range level is not clamped",
			raw:          []byte{200, 1},
			want:         &BatteryStatus{Level: 200, Charging: true, StatusKnown: true},
			wantDegraded: true,
			text:         "Battery Level: 200% [CHARGING]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBattery(tt.raw)

			require.NotNil(t, got, "decoder MUST return a best-effort status")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.text, got.String())
			if tt.wantDegraded {
				assert.ErrorIs(t, err, ErrDecodeDegraded, "partial decode MUST be flagged as degraded")
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("empty payload", func(t *testing.T) {
		got, err := DecodeBattery(nil)
		assert.Nil(t, got)
		assert.ErrorIs(t, err, ErrDecodeDegraded)
	})
}

func TestNewReadingCopiesPayload(t *testing.T) {
	raw := []byte{55, 9}
	r := NewReading(XsensBatteryCharUUID, raw, DecodeBattery)
	raw[0] = 0

	assert.Equal(t, []byte{55, 9}, r.Raw, "reading MUST own its payload")
	assert.True(t, r.Degraded())
	require.NotNil(t, r.Battery)
	assert.Equal(t, 55, r.Battery.Level)
	assert.False(t, r.Timestamp.IsZero())

	plain := NewReading("2a19", []byte{1}, nil)
	assert.Nil(t, plain.Battery)
	assert.False(t, plain.Degraded(), "no decoder MUST mean no degradation")
}

func TestSessionErrors(t *testing.T) {
	err := fmt.Errorf("connect: %w", Errorf(KindTimeout, "after %d attempts", 3))

	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, "connect: timeout: after 3 attempts", err.Error())
	assert.True(t, IsFatal(err))

	assert.False(t, IsFatal(ErrRejected), "rejection MUST not be fatal")
	assert.True(t, IsFatal(ErrTransportUnavailable))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, "transport unavailable", ErrTransportUnavailable.Error())
}

func TestRecordDisplayName(t *testing.T) {
	assert.Equal(t, "Xsens DOT", Record{ID: "aa", Name: "Xsens DOT"}.DisplayName())
	assert.Equal(t, "aa", Record{ID: "aa"}.DisplayName())
}
