package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		// 16-bit UUID formats
		{name: "16-bit UUID lowercase", input: "180f", expected: "180f"},
		{name: "16-bit UUID uppercase", input: "180F", expected: "180f"},
		{name: "16-bit UUID with 0x prefix", input: "0x2A19", expected: "2a19"},

		// Bluetooth SIG base UUID format (should extract 16-bit form)
		{name: "Full SIG UUID with dashes", input: "0000180f-0000-1000-8000-00805f9b34fb", expected: "180f"},
		{name: "Full SIG UUID uppercase", input: "00002A19-0000-1000-8000-00805F9B34FB", expected: "2a19"},

		// Vendor 128-bit UUIDs (should NOT be shortened)
		{name: "Xsens UUID in braces", input: "{15173000-4947-11e9-8646-d663bd873d93}", expected: "15173000494711e98646d663bd873d93"},
		{name: "Xsens UUID uppercase", input: "15173001-4947-11E9-8646-D663BD873D93", expected: "15173001494711e98646d663bd873d93"},
		{name: "Vendor UUID in SIG-like form but not on the base", input: "1000180d-0000-1000-8000-00805f9b34fb", expected: "1000180d00001000800000805f9b34fb"},

		// Malformed
		{name: "empty", input: "", expected: ""},
		{name: "wrong length", input: "12345", expected: ""},
		{name: "non-hex", input: "zz0f", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestCanonicalUUID(t *testing.T) {
	got, err := CanonicalUUID("180F")
	require.NoError(t, err)
	assert.Equal(t, "0000180f-0000-1000-8000-00805f9b34fb", got)

	got, err = CanonicalUUID("{15173001-4947-11E9-8646-D663BD873D93}")
	require.NoError(t, err)
	assert.Equal(t, XsensBatteryCharUUID, got)

	_, err = CanonicalUUID("nope")
	assert.Error(t, err)
}

func TestValidateUUID(t *testing.T) {
	got, err := ValidateUUID("180F", XsensBatteryCharUUID)
	require.NoError(t, err)
	assert.Equal(t, []string{"180f", "15173001494711e98646d663bd873d93"}, got)

	_, err = ValidateUUID()
	assert.Error(t, err, "no UUIDs MUST be rejected")

	_, err = ValidateUUID("180f", "")
	assert.ErrorContains(t, err, "index 1")

	_, err = ValidateUUID("xyz")
	assert.ErrorContains(t, err, "invalid UUID format")
}
