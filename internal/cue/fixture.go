package cue

import (
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/lumastream/cuebridge/internal/protocol"
	"github.com/lumastream/cuebridge/internal/topology"
)

// FixtureClient is an in-memory Client used by dev mode and the test suite.
// It serves a canned rig of devices and records every colour push so tests
// can assert on what reached the SDK boundary.
type FixtureClient struct {
	mu        sync.Mutex
	connected bool
	control   bool
	devices   []topology.Device

	// Last colours written per device, direct and buffered combined.
	Written map[string][]protocol.RGB
	// Call counters.
	Connects, Pings, Controls, Flushes int
	DirectCalls, BufferCalls           int

	// Failure injection. Errors fire until cleared.
	ConnectErr error
	PingErr    error
	DirectErr  error
	BufferErr  error
	FlushErr   error

	// DirectGate, when set, parks each SetDeviceColors call until the
	// channel yields. Simulates a slow SDK write.
	DirectGate chan struct{}
}

// NewFixtureClient builds a client serving the given devices. With no
// devices it serves a default desktop rig.
func NewFixtureClient(devices ...topology.Device) *FixtureClient {
	if len(devices) == 0 {
		devices = DefaultRig()
	}
	return &FixtureClient{
		devices: devices,
		Written: make(map[string][]protocol.RGB),
	}
}

// DefaultRig is a plausible desktop: keyboard, mousemat, mouse, a fan
// controller with two ring fans, an AIO head and two RAM sticks.
func DefaultRig() []topology.Device {
	return []topology.Device{
		fixtureGrid(topology.ClassKeyboard, "K100", 22, 6, 19.0),
		fixtureStrip(topology.ClassMousemat, "MM800", 15),
		fixtureStrip(topology.ClassMouse, "M65", 2),
		fixtureRings(topology.ClassLedController, "Commander", 2, 12, 4),
		fixtureRings(topology.ClassCooler, "H150i", 3, 8, 4),
		fixtureStick(topology.ClassMemoryModule, "Vengeance A", 0, 6),
		fixtureStick(topology.ClassMemoryModule, "Vengeance B", 30, 6),
	}
}

func fixtureGrid(class topology.DeviceClass, model string, cols, rows int, pitch float64) topology.Device {
	d := topology.Device{ID: uuid.NewString(), Class: class, Model: model}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			d.LEDs = append(d.LEDs, topology.LED{ID: r*cols + c, X: float64(c) * pitch, Y: float64(r) * pitch})
		}
	}
	return d
}

func fixtureStrip(class topology.DeviceClass, model string, n int) topology.Device {
	d := topology.Device{ID: uuid.NewString(), Class: class, Model: model}
	for i := 0; i < n; i++ {
		d.LEDs = append(d.LEDs, topology.LED{ID: i, X: float64(i) * 10, Y: 0})
	}
	return d
}

func fixtureStick(class topology.DeviceClass, model string, x float64, n int) topology.Device {
	d := topology.Device{ID: uuid.NewString(), Class: class, Model: model}
	for i := 0; i < n; i++ {
		d.LEDs = append(d.LEDs, topology.LED{ID: i, X: x, Y: float64(i) * 8})
	}
	return d
}

// fixtureRings lays out count fans of outer+inner LEDs on a vertical rail,
// each fan a pair of concentric circles.
func fixtureRings(class topology.DeviceClass, model string, count, outer, inner int) topology.Device {
	d := topology.Device{ID: uuid.NewString(), Class: class, Model: model}
	id := 0
	for f := 0; f < count; f++ {
		cy := float64(f) * 150
		id = appendRing(&d, id, 0, cy, 60, outer)
		id = appendRing(&d, id, 0, cy, 25, inner)
	}
	return d
}

func appendRing(d *topology.Device, id int, cx, cy, radius float64, n int) int {
	for i := 0; i < n; i++ {
		angle := 2 * math.Pi * float64(i) / float64(n)
		d.LEDs = append(d.LEDs, topology.LED{
			ID: id,
			X:  cx + radius*math.Cos(angle),
			Y:  cy + radius*math.Sin(angle),
		})
		id++
	}
	return id
}

func (f *FixtureClient) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connects++
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *FixtureClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.control = false
	return nil
}

func (f *FixtureClient) EnumerateDevices() ([]topology.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, ErrNotConnected
	}
	out := make([]topology.Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *FixtureClient) RequestControl() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.Controls++
	f.control = true
	return nil
}

func (f *FixtureClient) ReleaseControl() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.control = false
	return nil
}

func (f *FixtureClient) SetDeviceColors(deviceID string, colors []protocol.RGB) error {
	f.mu.Lock()
	gate := f.DirectGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DirectCalls++
	if f.DirectErr != nil {
		return f.DirectErr
	}
	if !f.connected {
		return ErrNotConnected
	}
	return f.storeLocked(deviceID, colors)
}

func (f *FixtureClient) BufferDeviceColors(deviceID string, colors []protocol.RGB) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BufferCalls++
	if f.BufferErr != nil {
		return f.BufferErr
	}
	if !f.connected {
		return ErrNotConnected
	}
	return f.storeLocked(deviceID, colors)
}

func (f *FixtureClient) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Flushes++
	return f.FlushErr
}

func (f *FixtureClient) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pings++
	if f.PingErr != nil {
		return f.PingErr
	}
	if !f.connected {
		return ErrNotConnected
	}
	return nil
}

func (f *FixtureClient) storeLocked(deviceID string, colors []protocol.RGB) error {
	for i := range f.devices {
		if f.devices[i].ID == deviceID {
			buf := make([]protocol.RGB, len(colors))
			copy(buf, colors)
			f.Written[deviceID] = buf
			return nil
		}
	}
	return errors.New("unknown device " + deviceID)
}

// Colors returns the last colours written to a device.
func (f *FixtureClient) Colors(deviceID string) []protocol.RGB {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Written[deviceID]
}

// SetPingErr installs or clears an injected ping failure.
func (f *FixtureClient) SetPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PingErr = err
}

// SetDirectErr installs or clears an injected direct-write failure.
func (f *FixtureClient) SetDirectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DirectErr = err
}
