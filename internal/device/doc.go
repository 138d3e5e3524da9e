// Package device holds the transport-independent data model of a BLE session:
// discovered device records, characteristic readings and the battery payload
// decoder, UUID normalization, and the typed error taxonomy shared by every
// layer of the session manager.
//
// Errors are *SessionError values compared by kind:
//
//	if errors.Is(err, device.ErrTimeout) { ... }
//
// Transport adapters wrap library errors with these sentinels so callers can
// pick a remediation without parsing messages.
package device
