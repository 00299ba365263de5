package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumastream/cuebridge/internal/config"
	"github.com/lumastream/cuebridge/internal/cue"
	"github.com/lumastream/cuebridge/internal/protocol"
	"github.com/lumastream/cuebridge/internal/routing"
	"github.com/lumastream/cuebridge/internal/topology"
)

func ptrInt(v int) *int { return &v }

func ptrBool(v bool) *bool { return &v }

func ptrFloat64(v float64) *float64 { return &v }

func strip(id string, class topology.DeviceClass, n int) topology.Device {
	d := topology.Device{ID: id, Class: class, Model: id}
	for i := 0; i < n; i++ {
		d.LEDs = append(d.LEDs, topology.LED{ID: i, X: float64(i) * 10, Y: 0})
	}
	return d
}

// bridgeRig starts a supervisor over a two-device fixture and wraps it in a
// bridge without running any listeners.
func bridgeRig(t *testing.T, cfg *config.Config) (*Bridge, *cue.FixtureClient) {
	t.Helper()
	client := cue.NewFixtureClient(
		strip("kb-1", topology.ClassKeyboard, 4),
		strip("mouse-1", topology.ClassMouse, 2),
	)
	sup := cue.NewSupervisor(client, cfg)
	_, err := sup.Start()
	require.NoError(t, err)
	return New(cfg, sup), client
}

// directStream routes the keyboard fixture one LED per stream position.
func directStream() *routing.Stream {
	st := &routing.Stream{
		Name:       "kb",
		Host:       "127.0.0.1",
		Protocol:   protocol.Raw,
		UpdateMode: "direct",
		DeviceIDs:  []string{"kb-1"},
	}
	for led := 0; led < 4; led++ {
		st.Entries = append(st.Entries, routing.Entry{DeviceID: "kb-1", LED: led, SrcIndex: -1})
	}
	return st
}

// installTable plants a single-stream table without starting listeners.
func installTable(b *Bridge, mode string, states ...*streamState) {
	b.tbl.Store(&table{mode: mode, streams: states})
}

func TestParseMode(t *testing.T) {
	for input, want := range map[string]string{
		"1": ModeUnique, "unique": ModeUnique, "u": ModeUnique,
		"2": ModeGroup, "group": ModeGroup, "all": ModeGroup,
		"3": ModeFusion, "fusion": ModeFusion, "fused": ModeFusion,
	} {
		got, err := ParseMode(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := ParseMode("rainbow")
	assert.Error(t, err)
}

func TestHandleDatagramRawApplies(t *testing.T) {
	b, client := bridgeRig(t, &config.Config{})
	st := newStreamState(directStream())

	b.handleDatagram(st, []byte{255, 0, 0, 0, 255, 0, 0, 0, 255, 9, 9, 9}, nil)
	b.dispatchStream(st)
	colors := client.Colors("kb-1")
	require.Len(t, colors, 4)
	assert.Equal(t, protocol.RGB{R: 255}, colors[0])
	assert.Equal(t, protocol.RGB{R: 9, G: 9, B: 9}, colors[3])
}

func TestHandleDatagramDDPFragmentsAssemble(t *testing.T) {
	b, client := bridgeRig(t, &config.Config{})
	stream := directStream()
	stream.Protocol = protocol.DDP
	st := newStreamState(stream)

	head := protocol.EncodeDDP(0, []protocol.RGB{{R: 1}, {R: 2}}, false, 0)
	tail := protocol.EncodeDDP(2, []protocol.RGB{{R: 3}, {R: 4}}, true, 1)

	b.handleDatagram(st, head, nil)
	b.dispatchStream(st)
	assert.Zero(t, client.DirectCalls, "fragment without push must not flush")

	b.handleDatagram(st, tail, nil)
	b.dispatchStream(st)
	colors := client.Colors("kb-1")
	require.Len(t, colors, 4)
	assert.Equal(t, []protocol.RGB{{R: 1}, {R: 2}, {R: 3}, {R: 4}}, colors)
}

func TestHandleDatagramThrottlesAboveMaxFPS(t *testing.T) {
	b, client := bridgeRig(t, &config.Config{MaxFPS: ptrFloat64(10)})
	st := newStreamState(directStream())

	frame := make([]byte, 12)
	b.handleDatagram(st, frame, nil)
	b.dispatchStream(st)
	b.handleDatagram(st, frame, nil)
	b.dispatchStream(st)
	assert.Equal(t, 1, client.DirectCalls, "second push inside the frame interval must be paced out")
	assert.Equal(t, uint64(2), st.packets)
	assert.Equal(t, uint64(1), st.frames)
}

func TestHandleDatagramDropsUndecodable(t *testing.T) {
	b, client := bridgeRig(t, &config.Config{})
	stream := directStream()
	stream.Protocol = protocol.WLED
	st := newStreamState(stream)

	b.handleDatagram(st, []byte{0x99, 0x01}, nil)
	b.dispatchStream(st)
	assert.Equal(t, uint64(1), st.drops)
	assert.Zero(t, client.DirectCalls)
}

func TestDispatchCoalescesToLatestFrame(t *testing.T) {
	b, client := bridgeRig(t, &config.Config{})
	st := newStreamState(directStream())

	b.handleDatagram(st, []byte{1, 0, 0, 1, 0, 0, 1, 0, 0, 1, 0, 0}, nil)
	st.mu.Lock()
	st.lastSent = time.Now().Add(-time.Second)
	st.mu.Unlock()
	b.handleDatagram(st, []byte{0, 2, 0, 0, 2, 0, 0, 2, 0, 0, 2, 0}, nil)
	b.dispatchStream(st)

	assert.Equal(t, 1, client.DirectCalls, "queued pushes must coalesce into one SDK write")
	assert.Equal(t, uint64(2), st.frames)
	assert.Equal(t, protocol.RGB{G: 2}, client.Colors("kb-1")[0], "the newer frame wins")
}

// A parked SDK write must not stall datagram handling: the receive path only
// assembles and queues, and a second stream's frame still reaches the
// devices once the write completes.
func TestDispatchKeepsReceivePathClear(t *testing.T) {
	b, client := bridgeRig(t, &config.Config{})
	gate := make(chan struct{})
	client.DirectGate = gate

	mouse := &routing.Stream{
		Name:       "mouse",
		Host:       "127.0.0.1",
		Protocol:   protocol.Raw,
		UpdateMode: "direct",
		DeviceIDs:  []string{"mouse-1"},
		Entries: []routing.Entry{
			{DeviceID: "mouse-1", LED: 0, SrcIndex: -1},
			{DeviceID: "mouse-1", LED: 1, SrcIndex: -1},
		},
	}
	stA := newStreamState(directStream())
	stB := newStreamState(mouse)
	tbl := &table{mode: ModeUnique, streams: []*streamState{stA, stB}, notify: make(chan struct{}, 1)}
	stA.notify = tbl.notify
	stB.notify = tbl.notify
	b.tbl.Store(tbl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.dispatch(ctx, tbl)
	}()

	b.handleDatagram(stA, []byte{5, 0, 0, 5, 0, 0, 5, 0, 0, 5, 0, 0}, nil)

	start := time.Now()
	b.handleDatagram(stB, []byte{0, 0, 9, 0, 0, 9}, nil)
	assert.Less(t, time.Since(start), time.Second, "datagram handling must not wait on the SDK")

	close(gate)
	require.Eventually(t, func() bool {
		return len(client.Colors("kb-1")) == 4 && len(client.Colors("mouse-1")) == 2
	}, 2*time.Second, 10*time.Millisecond, "both queued frames drain after the write unblocks")
	cancel()
	<-done
}

func TestKeepaliveSweepReplaysLastFrame(t *testing.T) {
	b, client := bridgeRig(t, &config.Config{KeepaliveInterval: ptrFloat64(5)})
	st := newStreamState(directStream())
	installTable(b, ModeUnique, st)

	b.handleDatagram(st, []byte{7, 7, 7, 0, 0, 0, 0, 0, 0, 0, 0, 0}, nil)
	b.dispatchStream(st)
	require.Equal(t, 1, client.DirectCalls)

	// Age the stream past the keepalive interval.
	st.mu.Lock()
	st.lastSent = time.Now().Add(-time.Minute)
	st.mu.Unlock()

	b.keepaliveSweep(time.Now())
	assert.Equal(t, 2, client.DirectCalls)
	assert.Equal(t, protocol.RGB{R: 7, G: 7, B: 7}, client.Colors("kb-1")[0])
}

func TestKeepaliveSweepHonorsPerStreamOptOut(t *testing.T) {
	b, client := bridgeRig(t, &config.Config{KeepaliveInterval: ptrFloat64(5)})
	stream := directStream()
	stream.KeepaliveReapply = ptrBool(false)
	st := newStreamState(stream)
	installTable(b, ModeUnique, st)

	b.handleDatagram(st, make([]byte, 12), nil)
	b.dispatchStream(st)
	require.Equal(t, 1, client.DirectCalls)
	st.mu.Lock()
	st.lastSent = time.Now().Add(-time.Minute)
	st.mu.Unlock()

	b.keepaliveSweep(time.Now())
	assert.Equal(t, 1, client.DirectCalls, "opted-out stream must not replay")
}

func TestKeepaliveSweepSkipsStreamsThatNeverSent(t *testing.T) {
	b, client := bridgeRig(t, &config.Config{KeepaliveInterval: ptrFloat64(5)})
	st := newStreamState(directStream())
	installTable(b, ModeUnique, st)

	b.keepaliveSweep(time.Now().Add(time.Hour))
	assert.Zero(t, client.DirectCalls)
}

func TestIdleClearSweepBlanksOnce(t *testing.T) {
	b, client := bridgeRig(t, &config.Config{})
	st := newStreamState(directStream())
	installTable(b, ModeUnique, st)

	frame := []byte{200, 0, 0, 200, 0, 0, 200, 0, 0, 200, 0, 0}
	b.handleDatagram(st, frame, nil)
	b.dispatchStream(st)
	require.Equal(t, 1, client.DirectCalls)

	st.mu.Lock()
	st.lastRecv = time.Now().Add(-time.Minute)
	st.mu.Unlock()

	b.idleClearSweep(time.Now())
	assert.Equal(t, 2, client.DirectCalls)
	for _, c := range client.Colors("kb-1") {
		assert.Equal(t, protocol.RGB{}, c)
	}

	// Still idle: no second clear until a datagram re-arms it.
	b.idleClearSweep(time.Now())
	assert.Equal(t, 2, client.DirectCalls)
}

func TestIdleClearSweepOnlyInUniqueMode(t *testing.T) {
	b, client := bridgeRig(t, &config.Config{})
	st := newStreamState(directStream())
	installTable(b, ModeGroup, st)

	b.handleDatagram(st, make([]byte, 12), nil)
	b.dispatchStream(st)
	st.mu.Lock()
	st.lastRecv = time.Now().Add(-time.Minute)
	st.mu.Unlock()

	b.idleClearSweep(time.Now())
	assert.Equal(t, 1, client.DirectCalls)
}

func TestAnyActive(t *testing.T) {
	b, _ := bridgeRig(t, &config.Config{})
	assert.False(t, b.anyActive(), "no table yet")

	st := newStreamState(directStream())
	installTable(b, ModeUnique, st)
	assert.False(t, b.anyActive(), "no traffic yet")

	b.handleDatagram(st, make([]byte, 12), nil)
	assert.True(t, b.anyActive())

	st.mu.Lock()
	st.lastRecv = time.Now().Add(-time.Minute)
	st.mu.Unlock()
	assert.False(t, b.anyActive())
}

func TestSwitchModeSwapsTable(t *testing.T) {
	cfg := &config.Config{
		GroupPort:  ptrInt(0),
		FusionPort: ptrInt(0),
	}
	b, _ := bridgeRig(t, cfg)

	require.NoError(t, b.SwitchMode("group"))
	first := b.tbl.Load()
	require.NotNil(t, first)
	assert.Equal(t, ModeGroup, first.mode)
	assert.Equal(t, ModeGroup, b.Mode())
	require.Len(t, b.Streams(), 1)

	require.NoError(t, b.SwitchMode("fusion"))
	second := b.tbl.Load()
	require.NotNil(t, second)
	assert.Equal(t, ModeFusion, second.mode)
	assert.NotSame(t, first, second)

	if tbl := b.tbl.Swap(nil); tbl != nil {
		tbl.cancel()
		tbl.wg.Wait()
	}
	first.wg.Wait()
}

func TestSwitchModeRejectsUnknown(t *testing.T) {
	b, _ := bridgeRig(t, &config.Config{})
	assert.Error(t, b.SwitchMode("rainbow"))
}
