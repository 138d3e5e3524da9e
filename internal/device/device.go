package device

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record is a discovered BLE peripheral. Records are unique by ID.
type Record struct {
	ID        string    `json:"id"` // opaque transport address (MAC or CoreBluetooth UUID)
	Name      string    `json:"name"`
	RSSI      int       `json:"rssi"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// DisplayName returns the name, falling back to the ID for anonymous devices.
func (r Record) DisplayName() string {
	if r.Name == "" {
		return r.ID
	}
	return r.Name
}

// ErrorKind identifies the class of a session failure.
type ErrorKind string

const (
	KindInvalidTransition    ErrorKind = "invalid_transition"
	KindAlreadyRunning       ErrorKind = "already_running"
	KindNotFound             ErrorKind = "not_found"
	KindCancelled            ErrorKind = "cancelled"
	KindTimeout              ErrorKind = "timeout"
	KindRejected             ErrorKind = "rejected"
	KindTransportUnavailable ErrorKind = "transport_unavailable"
	KindDecodeDegraded       ErrorKind = "decode_degraded"
	KindBackpressure         ErrorKind = "backpressure"
	KindNotConnected         ErrorKind = "not_connected"
)

// SessionError represents any typed session failure
type SessionError struct {
	Kind ErrorKind
	Msg  string
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return strings.ReplaceAll(string(e.Kind), "_", " ")
	}
	return fmt.Sprintf("%s: %s", strings.ReplaceAll(string(e.Kind), "_", " "), e.Msg)
}

// Is allows errors.Is to compare SessionError values by Kind
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrInvalidTransition    = &SessionError{Kind: KindInvalidTransition}
	ErrAlreadyRunning       = &SessionError{Kind: KindAlreadyRunning}
	ErrNotFound             = &SessionError{Kind: KindNotFound}
	ErrCancelled            = &SessionError{Kind: KindCancelled}
	ErrTimeout              = &SessionError{Kind: KindTimeout}
	ErrRejected             = &SessionError{Kind: KindRejected}
	ErrTransportUnavailable = &SessionError{Kind: KindTransportUnavailable}
	ErrDecodeDegraded       = &SessionError{Kind: KindDecodeDegraded}
	ErrBackpressure         = &SessionError{Kind: KindBackpressure}
	ErrNotConnected         = &SessionError{Kind: KindNotConnected}
)

// Errorf builds a SessionError of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &SessionError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of the first SessionError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var serr *SessionError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return ""
}

// IsFatal reports whether err must move a session into the Failed state.
// Only an unavailable transport and exhausted connect timeouts are fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransportUnavailable) || errors.Is(err, ErrTimeout)
}
