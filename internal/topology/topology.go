// Package topology models the physical LED inventory the bridge routes
// frames onto: devices, their class, and the SDK-supplied 2-D coordinate of
// every LED. The model is built once per enumeration and never mutated; mode
// switches and rediscovery build a fresh Snapshot.
package topology

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// DeviceClass is the closed set of peripheral kinds the bridge understands.
// Values map one-to-one onto the vendor SDK's device type enumeration.
type DeviceClass uint8

const (
	ClassUnknown DeviceClass = iota
	ClassKeyboard
	ClassMouse
	ClassMousemat
	ClassHeadset
	ClassHeadsetStand
	ClassFan
	ClassLedController
	ClassMemoryModule
	ClassCooler
	ClassMotherboard
	ClassGraphicsCard
)

var classNames = map[DeviceClass]string{
	ClassUnknown:       "unknown",
	ClassKeyboard:      "keyboard",
	ClassMouse:         "mouse",
	ClassMousemat:      "mousemat",
	ClassHeadset:       "headset",
	ClassHeadsetStand:  "headset_stand",
	ClassFan:           "fan",
	ClassLedController: "led_controller",
	ClassMemoryModule:  "memory_module",
	ClassCooler:        "cooler",
	ClassMotherboard:   "motherboard",
	ClassGraphicsCard:  "graphics_card",
}

func (c DeviceClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// ParseClass maps a configuration string onto a DeviceClass. Both the short
// names above and the vendor SDK's CDT_* identifiers are accepted.
func ParseClass(value string) (DeviceClass, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.TrimPrefix(v, "cdt_")
	for class, name := range classNames {
		if v == name || v == strings.ReplaceAll(name, "_", "") {
			return class, nil
		}
	}
	return ClassUnknown, fmt.Errorf("unknown device class %q", value)
}

// ParseClasses maps a list of configuration strings onto classes. Unknown
// names are an error: a silently dropped filter entry would silently widen a
// group.
func ParseClasses(values []string) ([]DeviceClass, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]DeviceClass, 0, len(values))
	for _, v := range values {
		class, err := ParseClass(v)
		if err != nil {
			return nil, err
		}
		out = append(out, class)
	}
	return out, nil
}

// LED is one addressable light. ID is the SDK-native LED identifier used in
// color dispatch; X/Y are the SDK's coordinates for the LED within its
// device (cx, cy in SDK terms).
type LED struct {
	ID   int
	X, Y float64
}

// Device is one physical peripheral with its ordered LED list as the SDK
// reports it. Immutable after Snapshot construction.
type Device struct {
	ID     string
	Class  DeviceClass
	Model  string
	Serial string
	LEDs   []LED

	// Coordinate bounds over the device's LEDs, computed at build time.
	// Used for inter-device sorting (RAM sticks left to right).
	MinX, MaxX, MinY, MaxY float64
	CenterX, CenterY       float64
}

// LEDCount returns the number of LEDs on the device.
func (d *Device) LEDCount() int { return len(d.LEDs) }

// Label returns a human-readable identifier for log lines.
func (d *Device) Label() string {
	if d.Model != "" {
		return d.Model
	}
	return d.ID
}

// Snapshot is an immutable inventory of every managed device. TotalLEDs is
// the sum over all devices.
type Snapshot struct {
	Devices   []Device
	TotalLEDs int
}

// NewSnapshot computes per-device coordinate stats and the LED total.
// Devices without LEDs are dropped; they cannot take part in routing.
func NewSnapshot(devices []Device) *Snapshot {
	snap := &Snapshot{}
	for _, dev := range devices {
		if len(dev.LEDs) == 0 {
			continue
		}
		xs := make([]float64, len(dev.LEDs))
		ys := make([]float64, len(dev.LEDs))
		for i, led := range dev.LEDs {
			xs[i] = led.X
			ys[i] = led.Y
		}
		dev.MinX, dev.MaxX = floats.Min(xs), floats.Max(xs)
		dev.MinY, dev.MaxY = floats.Min(ys), floats.Max(ys)
		dev.CenterX = (dev.MinX + dev.MaxX) / 2
		dev.CenterY = (dev.MinY + dev.MaxY) / 2
		snap.Devices = append(snap.Devices, dev)
		snap.TotalLEDs += len(dev.LEDs)
	}
	return snap
}

// Device returns the device with the given ID, or nil.
func (s *Snapshot) Device(id string) *Device {
	for i := range s.Devices {
		if s.Devices[i].ID == id {
			return &s.Devices[i]
		}
	}
	return nil
}

// ByClass returns the devices of the given classes, preserving snapshot
// order.
func (s *Snapshot) ByClass(classes ...DeviceClass) []Device {
	var out []Device
	for _, dev := range s.Devices {
		for _, class := range classes {
			if dev.Class == class {
				out = append(out, dev)
				break
			}
		}
	}
	return out
}

// Filter selects devices for one routing group. Evaluation order: a
// non-empty DeviceIDs list overrides every other criterion; otherwise the
// class include/exclude lists apply, then the case-insensitive model and
// serial substring matches.
type Filter struct {
	DeviceIDs      []string
	IncludeClasses []DeviceClass
	ExcludeClasses []DeviceClass
	ModelContains  []string
	SerialContains []string
}

// IsZero reports whether no criterion is configured (matches everything).
func (f Filter) IsZero() bool {
	return len(f.DeviceIDs) == 0 && len(f.IncludeClasses) == 0 &&
		len(f.ExcludeClasses) == 0 && len(f.ModelContains) == 0 &&
		len(f.SerialContains) == 0
}

// Matches reports whether the device passes the filter.
func (f Filter) Matches(d *Device) bool {
	if len(f.DeviceIDs) > 0 {
		for _, id := range f.DeviceIDs {
			if strings.EqualFold(id, d.ID) {
				return true
			}
		}
		return false
	}
	if len(f.IncludeClasses) > 0 && !containsClass(f.IncludeClasses, d.Class) {
		return false
	}
	if containsClass(f.ExcludeClasses, d.Class) {
		return false
	}
	if len(f.ModelContains) > 0 && !containsFold(d.Model, f.ModelContains) {
		return false
	}
	if len(f.SerialContains) > 0 && !containsFold(d.Serial, f.SerialContains) {
		return false
	}
	return true
}

func containsFold(text string, patterns []string) bool {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Select returns the snapshot devices passing the filter, in snapshot order.
func (s *Snapshot) Select(f Filter) []Device {
	var out []Device
	for i := range s.Devices {
		if f.Matches(&s.Devices[i]) {
			out = append(out, s.Devices[i])
		}
	}
	return out
}

func containsClass(classes []DeviceClass, class DeviceClass) bool {
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}

// SortDevices orders devices by the given key: "x", "y", "xy", "yx" sort on
// coordinate centres, "model" on the model name, anything else on the device
// ID. The sort is stable so equal keys keep snapshot order.
func SortDevices(devices []Device, key string) {
	less := func(a, b *Device) bool { return a.ID < b.ID }
	switch strings.ToLower(key) {
	case "x":
		less = func(a, b *Device) bool { return a.CenterX < b.CenterX }
	case "y":
		less = func(a, b *Device) bool { return a.CenterY < b.CenterY }
	case "xy":
		less = func(a, b *Device) bool {
			if a.CenterX != b.CenterX {
				return a.CenterX < b.CenterX
			}
			return a.CenterY < b.CenterY
		}
	case "yx":
		less = func(a, b *Device) bool {
			if a.CenterY != b.CenterY {
				return a.CenterY < b.CenterY
			}
			return a.CenterX < b.CenterX
		}
	case "model":
		less = func(a, b *Device) bool { return a.Model < b.Model }
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return less(&devices[i], &devices[j])
	})
}
