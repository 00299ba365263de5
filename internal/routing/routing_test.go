package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumastream/cuebridge/internal/config"
	"github.com/lumastream/cuebridge/internal/protocol"
	"github.com/lumastream/cuebridge/internal/topology"
)

func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrFloat64(v float64) *float64 { return &v }

func stripLEDs(n int, baseX, baseY float64) []topology.LED {
	leds := make([]topology.LED, n)
	for i := range leds {
		leds[i] = topology.LED{ID: i, X: baseX + float64(i), Y: baseY}
	}
	return leds
}

func verticalLEDs(n int, x float64) []topology.LED {
	leds := make([]topology.LED, n)
	for i := range leds {
		leds[i] = topology.LED{ID: i, X: x, Y: float64(i)}
	}
	return leds
}

// testRig is a representative full build: keyboard, mousemat, mouse, a fan
// controller driving two 4-LED fans, an AIO cooler with two fans around a
// pump block, and two RAM sticks.
func testRig(t *testing.T) *topology.Snapshot {
	t.Helper()
	coolerLEDs := make([]topology.LED, 0, 12)
	for cluster := 0; cluster < 3; cluster++ {
		for i := 0; i < 4; i++ {
			coolerLEDs = append(coolerLEDs, topology.LED{
				ID: len(coolerLEDs),
				X:  float64(cluster*10) + float64(i%2),
				Y:  float64(i / 2),
			})
		}
	}
	snap := topology.NewSnapshot([]topology.Device{
		{ID: "kb-1", Class: topology.ClassKeyboard, Model: "K70", LEDs: stripLEDs(6, 0, 0)},
		{ID: "mat-1", Class: topology.ClassMousemat, Model: "MM700", LEDs: stripLEDs(4, 0, 10)},
		{ID: "mouse-1", Class: topology.ClassMouse, Model: "M65", LEDs: stripLEDs(2, 0, 11)},
		{ID: "fans-1", Class: topology.ClassLedController, Model: "Commander", LEDs: stripLEDs(8, 0, 20)},
		{ID: "aio-1", Class: topology.ClassCooler, Model: "H150i", LEDs: coolerLEDs},
		{ID: "ram-1", Class: topology.ClassMemoryModule, Model: "Vengeance", LEDs: verticalLEDs(3, 0)},
		{ID: "ram-2", Class: topology.ClassMemoryModule, Model: "Vengeance", LEDs: verticalLEDs(3, 5)},
	})
	return snap
}

func identityOrders(t *testing.T, snap *topology.Snapshot, cfg *config.Config) Orders {
	t.Helper()
	orders, err := BuildOrders(snap, cfg)
	require.NoError(t, err)
	return orders
}

func entryDevices(entries []Entry) []string {
	var out []string
	last := ""
	for _, e := range entries {
		if e.DeviceID != last {
			out = append(out, e.DeviceID)
			last = e.DeviceID
		}
	}
	return out
}

func TestBuildGroupStreams(t *testing.T) {
	snap := testRig(t)
	cfg := &config.Config{
		Groups: []config.GroupConfig{
			{Name: "keyboard", UDPPort: ptrInt(21324), DeviceTypesInclude: []string{"keyboard"}},
			{Name: "fans", UDPPort: ptrInt(21325), DeviceTypesInclude: []string{"led_controller"}, Protocol: "ddp"},
		},
	}
	require.NoError(t, cfg.Validate())

	streams, err := BuildGroupStreams(cfg, snap, identityOrders(t, snap, cfg))
	require.NoError(t, err)
	require.Len(t, streams, 2)

	assert.Equal(t, "keyboard", streams[0].Name)
	assert.Equal(t, 6, streams[0].LEDCount())
	assert.Equal(t, protocol.WLED, streams[0].Protocol)
	assert.Equal(t, []string{"kb-1"}, streams[0].DeviceIDs)

	assert.Equal(t, protocol.DDP, streams[1].Protocol)
	assert.Equal(t, 8, streams[1].LEDCount())
	for i, e := range streams[1].Entries {
		assert.Equal(t, i, e.LED)
		assert.Equal(t, -1, e.SrcIndex)
	}
}

func TestBuildGroupStreamsRejectsOverlap(t *testing.T) {
	snap := testRig(t)
	cfg := &config.Config{
		Groups: []config.GroupConfig{
			{Name: "a", UDPPort: ptrInt(21324), DeviceTypesInclude: []string{"keyboard"}},
			{Name: "b", UDPPort: ptrInt(21325), DeviceIDs: []string{"KB-1"}},
		},
	}

	_, err := BuildGroupStreams(cfg, snap, identityOrders(t, snap, cfg))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflictingFilters)
}

func TestBuildGroupStreamsSkipsEmptyGroup(t *testing.T) {
	snap := testRig(t)
	cfg := &config.Config{
		Groups: []config.GroupConfig{
			{Name: "headsets", UDPPort: ptrInt(21324), DeviceTypesInclude: []string{"headset"}},
			{Name: "keyboard", UDPPort: ptrInt(21325), DeviceTypesInclude: []string{"keyboard"}},
		},
	}

	streams, err := BuildGroupStreams(cfg, snap, identityOrders(t, snap, cfg))
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, "keyboard", streams[0].Name)
}

func TestStreamsForModeRejectsPortCollision(t *testing.T) {
	snap := testRig(t)
	cfg := &config.Config{
		Groups: []config.GroupConfig{
			{Name: "a", UDPPort: ptrInt(21324), DeviceTypesInclude: []string{"keyboard"}},
			{Name: "b", UDPPort: ptrInt(21324), DeviceTypesInclude: []string{"mouse"}},
		},
	}

	_, err := StreamsForMode("unique", cfg, snap, identityOrders(t, snap, cfg))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortCollision)
}

func TestLinkMouseToMousematCenter(t *testing.T) {
	snap := testRig(t)
	cfg := &config.Config{
		Groups: []config.GroupConfig{
			{
				Name:                      "mousemat_mouse",
				UDPPort:                   ptrInt(21326),
				DeviceTypesInclude:        []string{"mousemat", "mouse"},
				LinkMouseToMousematCenter: true,
			},
		},
	}

	streams, err := BuildGroupStreams(cfg, snap, identityOrders(t, snap, cfg))
	require.NoError(t, err)
	require.Len(t, streams, 1)
	stream := streams[0]

	// Mousemat first regardless of enumeration order, then the mouse
	// aliased to the mat's centre position.
	require.Equal(t, 6, stream.LEDCount())
	assert.Equal(t, "mat-1", stream.Entries[0].DeviceID)
	for _, e := range stream.Entries[4:] {
		assert.Equal(t, "mouse-1", e.DeviceID)
		assert.Equal(t, 2, e.SrcIndex)
	}
	// Keepalive replay defaults off for this group name.
	require.NotNil(t, stream.KeepaliveReapply)
	assert.False(t, *stream.KeepaliveReapply)
}

func TestBuildAllStream(t *testing.T) {
	snap := testRig(t)
	cfg := &config.Config{}

	stream, err := BuildAllStream(cfg, snap, identityOrders(t, snap, cfg))
	require.NoError(t, err)
	assert.Equal(t, snap.TotalLEDs, stream.LEDCount())
	assert.Equal(t, 34983, stream.Port)
	assert.Equal(t, []string{"kb-1", "mat-1", "mouse-1", "fans-1", "aio-1", "ram-1", "ram-2"},
		entryDevices(stream.Entries))
}

func TestBuildAllStreamRAMRows(t *testing.T) {
	snap := testRig(t)
	cfg := &config.Config{RAMGroupLayout: "rows"}

	stream, err := BuildAllStream(cfg, snap, identityOrders(t, snap, cfg))
	require.NoError(t, err)
	assert.Equal(t, snap.TotalLEDs, stream.LEDCount())

	// The last six positions interleave the sticks row by row.
	tail := stream.Entries[len(stream.Entries)-6:]
	assert.Equal(t, "ram-1", tail[0].DeviceID)
	assert.Equal(t, "ram-2", tail[1].DeviceID)
	assert.Equal(t, 0, tail[0].LED)
	assert.Equal(t, 0, tail[1].LED)
	assert.Equal(t, "ram-1", tail[2].DeviceID)
	assert.Equal(t, 1, tail[2].LED)
}

func TestBuildFusionStreamLayout(t *testing.T) {
	snap := testRig(t)
	cfg := &config.Config{
		FanOuterLEDs:      ptrInt(4),
		FanInnerLEDs:      ptrInt(0),
		FusionCPUAfterFan: ptrInt(1),
	}

	stream, err := BuildFusionStream(cfg, snap, identityOrders(t, snap, cfg))
	require.NoError(t, err)
	assert.Equal(t, "fusion", stream.Name)
	assert.Equal(t, 34984, stream.Port)

	// Walk: keyboard(6), mousemat(4), mouse(2), fan segment(4), pump(4),
	// fan segment(4), RAM(3+3), cooler fans(8).
	require.Equal(t, snap.TotalLEDs, stream.LEDCount())
	assert.Equal(t,
		[]string{"kb-1", "mat-1", "mouse-1", "fans-1", "aio-1", "fans-1", "ram-1", "ram-2", "aio-1"},
		entryDevices(stream.Entries))

	// Pump block is the cooler cluster at the device centroid: LEDs 4-7.
	pump := stream.Entries[16:20]
	for _, e := range pump {
		assert.Equal(t, "aio-1", e.DeviceID)
		assert.GreaterOrEqual(t, e.LED, 4)
		assert.Less(t, e.LED, 8)
	}

	// No LED appears twice for any device.
	seen := make(map[string]map[int]bool)
	for _, e := range stream.Entries {
		if seen[e.DeviceID] == nil {
			seen[e.DeviceID] = make(map[int]bool)
		}
		assert.False(t, seen[e.DeviceID][e.LED], "duplicate %s/%d", e.DeviceID, e.LED)
		seen[e.DeviceID][e.LED] = true
	}
}

func TestBuildFusionStreamPumpAtEndWithoutFans(t *testing.T) {
	snap := topology.NewSnapshot([]topology.Device{
		{ID: "kb-1", Class: topology.ClassKeyboard, LEDs: stripLEDs(4, 0, 0)},
	})
	cfg := &config.Config{}

	stream, err := BuildFusionStream(cfg, snap, identityOrders(t, snap, cfg))
	require.NoError(t, err)
	assert.Equal(t, 4, stream.LEDCount())
}

func TestBuildFusionStreamEmpty(t *testing.T) {
	snap := topology.NewSnapshot(nil)
	cfg := &config.Config{}

	_, err := BuildFusionStream(cfg, snap, identityOrders(t, snap, cfg))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoLEDs)
}

func TestPumpSplitEntries(t *testing.T) {
	snap := testRig(t)
	cfg := &config.Config{
		AIOPumpSplit:        true,
		AIOPumpWhiteBalance: []float64{1.0, 0.9, 0.8},
		Groups: []config.GroupConfig{
			{Name: "aio", UDPPort: ptrInt(21330), DeviceTypesInclude: []string{"cooler"}},
		},
	}

	streams, err := BuildGroupStreams(cfg, snap, identityOrders(t, snap, cfg))
	require.NoError(t, err)
	require.Len(t, streams, 1)
	entries := streams[0].Entries

	// 12 cooler LEDs: 4 pump LEDs as 2 left/right pairs, then 8 fan LEDs.
	require.Len(t, entries, 12)
	assert.Equal(t, -1, entries[0].SrcIndex)
	assert.Equal(t, 0, entries[1].SrcIndex)
	assert.Equal(t, -1, entries[2].SrcIndex)
	assert.Equal(t, 2, entries[3].SrcIndex)
	for _, e := range entries[:4] {
		require.NotNil(t, e.WhiteBalance)
		assert.GreaterOrEqual(t, e.LED, 4)
		assert.Less(t, e.LED, 8)
	}
	for _, e := range entries[4:] {
		assert.Nil(t, e.WhiteBalance)
		assert.Equal(t, -1, e.SrcIndex)
	}
}

func TestParseWhiteBalance(t *testing.T) {
	assert.Nil(t, ParseWhiteBalance(nil))
	assert.Nil(t, ParseWhiteBalance([]float64{1, 2}))

	wb := ParseWhiteBalance([]float64{1.0, 0.5, 2.0})
	require.NotNil(t, wb)
	assert.Equal(t, 0.5, wb.G)

	// Byte-scale inputs are normalised to factors.
	wb = ParseWhiteBalance([]float64{255, 128, 64})
	require.NotNil(t, wb)
	assert.InDelta(t, 1.0, wb.R, 1e-9)
	assert.InDelta(t, 0.25, wb.B, 1e-2)
}

func TestWhiteBalanceApply(t *testing.T) {
	wb := &WhiteBalance{R: 1, G: 0.5, B: 2}
	out := wb.Apply(protocol.RGB{R: 100, G: 100, B: 200})
	assert.Equal(t, protocol.RGB{R: 100, G: 50, B: 255}, out)
}

func TestBuildOrdersFanRingBadPartition(t *testing.T) {
	snap := topology.NewSnapshot([]topology.Device{
		{ID: "fans-1", Class: topology.ClassFan, LEDs: stripLEDs(10, 0, 0)},
	})
	cfg := &config.Config{
		FanRing:      ptrBool(true),
		FanOuterLEDs: ptrInt(4),
		FanInnerLEDs: ptrInt(0),
		FanCount:     ptrInt(3),
	}

	_, err := BuildOrders(snap, cfg)
	require.Error(t, err)
}

func TestBuildOrdersFanRingDefaults(t *testing.T) {
	// fan_ring_order and fan_group_sort omitted: index mode, x-sorted
	// clusters.
	leds := make([]topology.LED, 0, 8)
	for fan := 0; fan < 2; fan++ {
		for i := 0; i < 4; i++ {
			leds = append(leds, topology.LED{
				ID: len(leds),
				X:  float64(fan*20) + float64(i%2),
				Y:  float64(i / 2),
			})
		}
	}
	snap := topology.NewSnapshot([]topology.Device{
		{ID: "fans-1", Class: topology.ClassFan, LEDs: leds},
	})
	cfg := &config.Config{
		FanRing:      ptrBool(true),
		FanOuterLEDs: ptrInt(4),
		FanInnerLEDs: ptrInt(0),
		FanLayout:    "cluster",
	}

	orders, err := BuildOrders(snap, cfg)
	require.NoError(t, err)
	perm := orders.Device(snap.Device("fans-1"))
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, perm)
	// default group sort is by x, so the left fan's LEDs come first
	assert.Subset(t, []int{0, 1, 2, 3}, perm[:4])
}

func TestBuildOrdersKeyboardSerpentine(t *testing.T) {
	leds := []topology.LED{
		{ID: 0, X: 0, Y: 0}, {ID: 1, X: 1, Y: 0},
		{ID: 2, X: 0, Y: 1}, {ID: 3, X: 1, Y: 1},
	}
	snap := topology.NewSnapshot([]topology.Device{
		{ID: "kb-1", Class: topology.ClassKeyboard, LEDs: leds},
	})
	cfg := &config.Config{KeyboardSerpentine: &config.SerpentineConfig{}}

	orders, err := BuildOrders(snap, cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3, 2}, orders.Device(snap.Device("kb-1")))
}
