// Package cue drives the vendor lighting SDK: device enumeration, exclusive
// control, colour application and the link supervisor that keeps the
// connection alive across SDK restarts.
package cue

import (
	"errors"

	"github.com/lumastream/cuebridge/internal/protocol"
	"github.com/lumastream/cuebridge/internal/topology"
)

// ErrNotConnected reports an SDK call issued while the link is down.
var ErrNotConnected = errors.New("lighting service not connected")

// Client is the SDK surface the bridge depends on. Implementations must be
// safe for use from one goroutine at a time; the Supervisor serializes all
// access behind its mutex.
type Client interface {
	// Connect performs the SDK handshake. Idempotent.
	Connect() error
	// Close tears the session down.
	Close() error
	// EnumerateDevices lists the lighting devices with their LED
	// coordinates in SDK order.
	EnumerateDevices() ([]topology.Device, error)
	// RequestControl takes exclusive lighting control over all devices.
	RequestControl() error
	// ReleaseControl hands lighting back to the vendor software.
	ReleaseControl() error
	// SetDeviceColors pushes a full colour set to one device immediately.
	SetDeviceColors(deviceID string, colors []protocol.RGB) error
	// BufferDeviceColors stages a device's colours for the next Flush.
	// Implementations without a buffered path return an error and the
	// applier falls back to SetDeviceColors.
	BufferDeviceColors(deviceID string, colors []protocol.RGB) error
	// Flush commits all buffered colours in one SDK transaction.
	Flush() error
	// Ping probes the link, the watchdog's health check.
	Ping() error
}

// LinkState is the supervisor's view of the SDK connection.
type LinkState int32

const (
	// LinkDisconnected means no session exists.
	LinkDisconnected LinkState = iota
	// LinkConnecting means a handshake or reconnect is in flight.
	LinkConnecting
	// LinkConnected means frames are flowing normally.
	LinkConnected
	// LinkDegraded means the apply or watchdog failure threshold tripped
	// and the link is limping until a reconnect succeeds.
	LinkDegraded
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}
