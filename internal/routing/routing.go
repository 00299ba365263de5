// Package routing builds the tables that map UDP stream positions onto
// device LEDs. A table is immutable once built; the bridge swaps whole
// tables atomically when the output mode changes.
package routing

import (
	"errors"
	"fmt"

	"github.com/lumastream/cuebridge/internal/protocol"
)

var (
	// ErrConflictingFilters reports a device claimed by more than one
	// group in unique mode. Frames from two streams racing on one device
	// would flicker, so this is fatal at build time.
	ErrConflictingFilters = errors.New("device selected by multiple groups")
	// ErrPortCollision reports two streams bound to the same host/port.
	ErrPortCollision = errors.New("duplicate stream listen address")
	// ErrNoLEDs reports a mode that resolved to zero routable LEDs.
	ErrNoLEDs = errors.New("no LEDs matched")
)

// WhiteBalance scales channels before a colour reaches a device, correcting
// tint differences between device families. Factors are 0..2 with 1 meaning
// no change.
type WhiteBalance struct {
	R, G, B float64
}

// ParseWhiteBalance accepts a 3-component factor list. Components above 2
// are treated as 0..255 byte scales. Returns nil when the input is absent
// or unusable.
func ParseWhiteBalance(values []float64) *WhiteBalance {
	if len(values) != 3 {
		return nil
	}
	r, g, b := values[0], values[1], values[2]
	if r > 2 || g > 2 || b > 2 {
		r /= 255
		g /= 255
		b /= 255
	}
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 2 {
			return 2
		}
		return v
	}
	return &WhiteBalance{R: clamp(r), G: clamp(g), B: clamp(b)}
}

// Apply scales one RGB triplet, clipping to the byte range.
func (wb *WhiteBalance) Apply(c protocol.RGB) protocol.RGB {
	scale := func(v uint8, f float64) uint8 {
		out := float64(v)*f + 0.5
		if out > 255 {
			return 255
		}
		if out < 0 {
			return 0
		}
		return uint8(out)
	}
	return protocol.RGB{R: scale(c.R, wb.R), G: scale(c.G, wb.G), B: scale(c.B, wb.B)}
}

// Entry routes one stream position to one device LED. SrcIndex below zero
// means the entry consumes the pixel at its own position; otherwise the
// pixel is read from the aliased stream position instead, so several LEDs
// can mirror one source pixel (mouse linked to the mousemat centre, pump
// left/right pairs).
type Entry struct {
	DeviceID     string
	LED          int
	SrcIndex     int
	WhiteBalance *WhiteBalance
}

// Stream is one UDP input with its complete routing table.
type Stream struct {
	Name     string
	Host     string
	Port     int
	Protocol protocol.Protocol
	Entries  []Entry

	DeviceIDs    []string
	DeviceLabels []string

	// UpdateMode selects how colours are flushed to the SDK: "auto",
	// "direct", "buffer" or "buffer_safe".
	UpdateMode string
	// KeepaliveReapply overrides the global last-frame replay for this
	// stream; nil inherits.
	KeepaliveReapply  *bool
	IdleClearDisabled bool
	// IdleClearSeconds overrides the global idle delay; nil inherits.
	IdleClearSeconds *float64
}

// LEDCount is the stream's pixel count: one stream position per entry.
func (s *Stream) LEDCount() int { return len(s.Entries) }

// Addr formats the stream's listen address.
func (s *Stream) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// ValidateStreams rejects listen address collisions across a stream set.
func ValidateStreams(streams []Stream) error {
	seen := make(map[string]string, len(streams))
	for i := range streams {
		addr := streams[i].Addr()
		if prev, ok := seen[addr]; ok {
			return fmt.Errorf("%w: %s used by %q and %q", ErrPortCollision, addr, prev, streams[i].Name)
		}
		seen[addr] = streams[i].Name
	}
	return nil
}

func appendEntries(entries []Entry, deviceID string, indices []int) []Entry {
	for _, led := range indices {
		entries = append(entries, Entry{DeviceID: deviceID, LED: led, SrcIndex: -1})
	}
	return entries
}
