package cue

import (
	"math"

	"github.com/lumastream/cuebridge/internal/protocol"
	"github.com/lumastream/cuebridge/internal/routing"
	"github.com/lumastream/cuebridge/internal/topology"
)

// LUT maps input bytes to output bytes with gamma correction applied before
// the brightness scale. Computed once at startup.
type LUT [256]uint8

// BuildLUT precomputes the gamma+brightness transfer curve.
func BuildLUT(brightness, gamma float64) *LUT {
	lut := &LUT{}
	for i := 0; i < 256; i++ {
		v := float64(i) / 255.0
		if gamma != 1.0 {
			v = math.Pow(v, gamma)
		}
		v = v * 255.0 * brightness
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		lut[i] = uint8(v + 0.5)
	}
	return lut
}

// applier translates a stream's frame buffer into per-device colour sets
// and pushes them through the client. Not safe for concurrent use; the
// Supervisor serializes calls.
type applier struct {
	client Client
	colors map[string][]protocol.RGB
}

func newApplier(client Client, snap *topology.Snapshot) *applier {
	a := &applier{client: client, colors: make(map[string][]protocol.RGB)}
	a.reset(snap)
	return a
}

// reset reallocates the per-device colour buffers after a re-enumeration.
func (a *applier) reset(snap *topology.Snapshot) {
	a.colors = make(map[string][]protocol.RGB, len(snap.Devices))
	for i := range snap.Devices {
		a.colors[snap.Devices[i].ID] = make([]protocol.RGB, snap.Devices[i].LEDCount())
	}
}

// applyFrame routes one frame onto the stream's devices and flushes them.
// Entries without a source alias consume stream positions in order; aliased
// entries re-read the aliased position. Returns true when at least one
// device accepted its colours.
func (a *applier) applyFrame(stream *routing.Stream, frame []byte, lut *LUT) bool {
	if len(stream.Entries) == 0 {
		return false
	}
	pos := 0
	for _, entry := range stream.Entries {
		var offset int
		if entry.SrcIndex < 0 {
			offset = pos
			pos += 3
		} else {
			offset = entry.SrcIndex * 3
		}
		var c protocol.RGB
		if offset+2 < len(frame) {
			c = protocol.RGB{R: lut[frame[offset]], G: lut[frame[offset+1]], B: lut[frame[offset+2]]}
		}
		if entry.WhiteBalance != nil {
			c = entry.WhiteBalance.Apply(c)
		}
		colors, ok := a.colors[entry.DeviceID]
		if !ok || entry.LED >= len(colors) {
			continue
		}
		colors[entry.LED] = c
	}
	return a.flush(stream)
}

func (a *applier) flush(stream *routing.Stream) bool {
	anyOK := false
	switch stream.UpdateMode {
	case "direct":
		for _, id := range stream.DeviceIDs {
			if a.setDirect(id) {
				anyOK = true
			}
		}
	case "buffer", "buffer_safe":
		usedBuffer := false
		for _, id := range stream.DeviceIDs {
			if a.setBuffer(id) {
				usedBuffer = true
				anyOK = true
			} else if a.setDirect(id) {
				anyOK = true
			}
		}
		if usedBuffer {
			if err := a.client.Flush(); err != nil {
				anyOK = false
			}
		}
		if stream.UpdateMode == "buffer_safe" {
			// Some SDK builds drop buffered updates for wireless devices;
			// the safe mode follows up with a direct push.
			for _, id := range stream.DeviceIDs {
				if a.setDirect(id) {
					anyOK = true
				}
			}
		}
	default: // auto: direct first, buffered fallback
		usedBuffer := false
		for _, id := range stream.DeviceIDs {
			if a.setDirect(id) {
				anyOK = true
				continue
			}
			if a.setBuffer(id) {
				usedBuffer = true
				anyOK = true
			}
		}
		if usedBuffer {
			if err := a.client.Flush(); err != nil {
				anyOK = false
			}
		}
	}
	return anyOK
}

func (a *applier) setDirect(deviceID string) bool {
	colors, ok := a.colors[deviceID]
	if !ok || len(colors) == 0 {
		return false
	}
	return a.client.SetDeviceColors(deviceID, colors) == nil
}

func (a *applier) setBuffer(deviceID string) bool {
	colors, ok := a.colors[deviceID]
	if !ok || len(colors) == 0 {
		return false
	}
	return a.client.BufferDeviceColors(deviceID, colors) == nil
}
