// Package bus provides the CAN field-bus adapter used by the drivers: a
// socketcan-backed implementation with a receive mux that routes frames to
// per-address subscribers, and a scriptable mock for tests and dev machines
// without a CAN interface.
package bus

import "errors"

// Frame is a single CAN frame. Only standard-frame payloads (up to 8 bytes)
// are used by the servo protocol.
type Frame struct {
	ID   uint32
	Data []byte
}

// ErrClosed is returned by operations on a closed adapter.
var ErrClosed = errors.New("bus: adapter closed")

// ErrUnavailable is returned when the CAN interface is absent or down.
// Callers treat this as a non-fatal outcome: the hardware may simply not be
// plugged in.
var ErrUnavailable = errors.New("bus: interface unavailable")

// Adapter is the transport the servo protocol runs over.
type Adapter interface {
	// Send writes one frame to the bus.
	Send(Frame) error
	// Subscribe registers interest in frames from the given CAN address.
	// The returned cancel func must be called to release the subscription.
	// Delivery is best-effort: a subscriber that falls behind loses frames
	// rather than blocking the receive loop.
	Subscribe(id uint32) (<-chan Frame, func())
	// Close shuts the adapter down and releases all subscriptions.
	Close() error
}
