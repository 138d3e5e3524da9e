// Package transport defines the contract between the session manager and the
// platform BLE stack. Implementations live in sub-packages (goble, tinygo);
// the session layer only ever talks to the Transport interface.
package transport

import (
	"context"
)

// Advertisement is a single raw discovery event.
type Advertisement struct {
	ID   string // transport address
	Name string // advertised local name, may be empty
	RSSI int
}

// Handle identifies a live connection. It is owned by whoever called Connect
// and is only valid until Disconnect.
type Handle interface {
	DeviceID() string
}

// Subscription is an active characteristic notification subscription.
type Subscription interface {
	Unsubscribe() error
}

// Scanner discovers advertising peripherals.
type Scanner interface {
	// Scan reports advertisements to onFound until ctx is done. It returns nil
	// (or the context error) on cancellation and a normalized error when the
	// radio fails. onFound is never called after Scan returns.
	Scan(ctx context.Context, onFound func(Advertisement)) error
}

// Transport is the full set of radio primitives the session manager needs.
type Transport interface {
	Scanner

	// Connect dials the device and validates that serviceID and every
	// characteristicID exist. The ctx deadline bounds the attempt.
	Connect(ctx context.Context, id, serviceID string, characteristicIDs []string) (Handle, error)

	// Read performs one characteristic read, bounded by ctx.
	Read(ctx context.Context, h Handle, charID string) ([]byte, error)

	// Write writes data to a characteristic, bounded by ctx.
	Write(ctx context.Context, h Handle, charID string, data []byte, withResponse bool) error

	// Subscribe enables notifications; onData must not retain the slice.
	Subscribe(h Handle, charID string, onData func([]byte)) (Subscription, error)

	// Disconnect releases the connection.
	Disconnect(h Handle) error

	// OnDisconnect registers fn to be called once if the link drops without
	// a local Disconnect.
	OnDisconnect(h Handle, fn func(err error))
}
