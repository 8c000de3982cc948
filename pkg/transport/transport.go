// Package transport defines the boundary to the unit carrier (SMS) and
// provides an in-memory loopback and a websocket bridge to a phone-side
// SMS gateway.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrRejected     = errors.New("transport rejected unit")
	ErrClosed       = errors.New("transport closed")
)

// Transport hands raw text units to the carrier. The returned handle
// identifies the unit in later EventSink reports. An error means the unit
// was rejected and will not be reported on.
type Transport interface {
	SendUnit(ctx context.Context, destination, text string) (handle string, err error)
}

// EventSink receives per-unit reports and inbound units from a transport.
type EventSink interface {
	// UnitSent reports the carrier's hand-off outcome; err is nil on success
	UnitSent(handle string, err error)
	// UnitDelivered reports a delivery confirmation
	UnitDelivered(handle string)
	// Receive delivers one raw inbound unit from source
	Receive(source, raw string)
}
