package device

import (
	"fmt"
	"strings"
)

// bluetoothBaseSuffix is the tail of the Bluetooth SIG base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb in normalized form.
const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal lookup format: lowercase
// hex, no dashes, no braces, no 0x prefix. UUIDs in the Bluetooth SIG base range
// are shortened to their 16-bit form. Returns "" for malformed input.
func NormalizeUUID(uuid string) string {
	s := strings.TrimSpace(strings.ToLower(uuid))
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	switch len(s) {
	case 4, 32:
	case 8:
		// 32-bit alias of a SIG UUID
	default:
		return ""
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return ""
		}
	}

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, bluetoothBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// CanonicalUUID renders a normalized UUID in dashed 8-4-4-4-12 form.
// 16-bit and 32-bit UUIDs are expanded onto the SIG base UUID.
func CanonicalUUID(uuid string) (string, error) {
	s := NormalizeUUID(uuid)
	switch len(s) {
	case 0:
		return "", fmt.Errorf("invalid UUID %q", uuid)
	case 4:
		s = "0000" + s + bluetoothBaseSuffix
	case 8:
		s = s + bluetoothBaseSuffix
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", s[0:8], s[8:12], s[12:16], s[16:20], s[20:32]), nil
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}
