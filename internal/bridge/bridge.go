// Package bridge runs the live data path: one listener goroutine per UDP
// stream, a routing table swapped atomically on mode switches, and the
// periodic keepalive, idle-clear and stats sweeps.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumastream/cuebridge/internal/config"
	"github.com/lumastream/cuebridge/internal/cue"
	"github.com/lumastream/cuebridge/internal/monitoring"
	"github.com/lumastream/cuebridge/internal/routing"
	"github.com/lumastream/cuebridge/internal/topology"
)

// Output modes. ParseMode maps user input onto these.
const (
	ModeUnique = "unique"
	ModeGroup  = "group"
	ModeFusion = "fusion"
)

// activityWindow is how recently a stream must have received data for the
// link to count as active. Gates the watchdog and reconnect decisions.
const activityWindow = 2 * time.Second

// ParseMode normalizes an output mode name. The numeric aliases match the
// startup prompt's menu ordering.
func ParseMode(value string) (string, error) {
	switch value {
	case "1", "u", ModeUnique:
		return ModeUnique, nil
	case "2", "g", "all", ModeGroup:
		return ModeGroup, nil
	case "3", "f", "fused", ModeFusion:
		return ModeFusion, nil
	}
	return "", fmt.Errorf("unknown output mode %q", value)
}

// StatsRecorder receives periodic per-stream traffic counters. Implemented
// by the event store; a nil recorder drops them.
type StatsRecorder interface {
	RecordStreamStats(stream string, packets, frames uint64)
}

// table is one immutable generation of the routing setup. Swapped whole so
// datagram handling never sees a half-built mode switch.
type table struct {
	mode    string
	streams []*streamState
	notify  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Bridge wires the UDP ingest side to the supervisor.
type Bridge struct {
	cfg         *config.Config
	sup         *cue.Supervisor
	stats       StatsRecorder
	minInterval time.Duration

	mu      sync.Mutex
	baseCtx context.Context
	mode    string

	tbl atomic.Pointer[table]
}

// New builds a bridge over a started supervisor.
func New(cfg *config.Config, sup *cue.Supervisor) *Bridge {
	b := &Bridge{
		cfg:         cfg,
		sup:         sup,
		baseCtx:     context.Background(),
		minInterval: time.Duration(float64(time.Second) / cfg.GetMaxFPS()),
	}
	sup.SetActivityFunc(b.anyActive)
	sup.SetOnReconnect(b.rebuild)
	return b
}

// SetStatsRecorder registers the persistence sink for stream counters.
func (b *Bridge) SetStatsRecorder(r StatsRecorder) { b.stats = r }

// Mode returns the current output mode.
func (b *Bridge) Mode() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// Streams returns the current table's streams. For status display.
func (b *Bridge) Streams() []*routing.Stream {
	tbl := b.tbl.Load()
	if tbl == nil {
		return nil
	}
	out := make([]*routing.Stream, len(tbl.streams))
	for i, st := range tbl.streams {
		out[i] = st.Stream
	}
	return out
}

// SwitchMode builds the routing table for mode from the current device
// snapshot and swaps it in, replacing any running listeners. Safe to call
// while traffic is flowing; in-flight frames finish against the old table.
func (b *Bridge) SwitchMode(mode string) error {
	mode, err := ParseMode(mode)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.installLocked(mode, b.sup.Snapshot()); err != nil {
		return err
	}
	monitoring.Logf("output mode: %s", mode)
	return nil
}

// rebuild regenerates the current mode's table after a reconnect produced a
// fresh device snapshot. Invoked from the supervisor, which still holds its
// own lock, so this must not call back into it.
func (b *Bridge) rebuild(snap *topology.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == "" {
		return
	}
	if err := b.installLocked(b.mode, snap); err != nil {
		monitoring.Logf("rebuild after reconnect failed: %v", err)
	}
}

func (b *Bridge) installLocked(mode string, snap *topology.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("no device snapshot")
	}
	orders, err := routing.BuildOrders(snap, b.cfg)
	if err != nil {
		return err
	}
	streams, err := routing.StreamsForMode(mode, b.cfg, snap, orders)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(b.baseCtx)
	next := &table{mode: mode, cancel: cancel, notify: make(chan struct{}, 1)}
	for i := range streams {
		st := newStreamState(&streams[i])
		st.notify = next.notify
		next.streams = append(next.streams, st)
	}

	if prev := b.tbl.Swap(next); prev != nil {
		prev.cancel()
	}
	b.mode = mode
	next.wg.Add(1)
	go func() {
		defer next.wg.Done()
		b.dispatch(ctx, next)
	}()
	for _, st := range next.streams {
		monitoring.Logf("stream %s: %s -> %d LEDs across %d devices",
			st.Name, st.Addr(), st.LEDCount(), len(st.DeviceIDs))
		next.wg.Add(1)
		go func(st *streamState) {
			defer next.wg.Done()
			b.serve(ctx, st)
		}(st)
	}
	return nil
}

// dispatch is the table's single SDK submitter: it drains each stream's
// pending slot as listeners signal new frames. Listeners never touch the
// supervisor themselves, so a slow device update delays only this goroutine
// while every read loop keeps assembling datagrams.
func (b *Bridge) dispatch(ctx context.Context, tbl *table) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tbl.notify:
		}
		for _, st := range tbl.streams {
			b.dispatchStream(st)
		}
	}
}

// dispatchStream applies a stream's pending frame, if any.
func (b *Bridge) dispatchStream(st *streamState) {
	st.mu.Lock()
	if !st.hasPending {
		st.mu.Unlock()
		return
	}
	st.hasPending = false
	copy(st.scratch, st.pending)
	st.mu.Unlock()

	b.sup.ApplyFrame(st.Stream, st.scratch)
}

// Run drives the periodic sweeps until ctx is cancelled and then tears the
// listeners down. mode is the initial output mode.
func (b *Bridge) Run(ctx context.Context, mode string) error {
	b.mu.Lock()
	b.baseCtx = ctx
	b.mu.Unlock()
	if err := b.SwitchMode(mode); err != nil {
		return err
	}

	sweep := time.NewTicker(250 * time.Millisecond)
	defer sweep.Stop()
	stats := time.NewTicker(10 * time.Second)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			if tbl := b.tbl.Swap(nil); tbl != nil {
				tbl.cancel()
				tbl.wg.Wait()
			}
			return nil
		case now := <-sweep.C:
			b.keepaliveSweep(now)
			b.idleClearSweep(now)
		case <-stats.C:
			b.reportStats()
		}
	}
}

// anyActive reports whether any stream received data inside the activity
// window.
func (b *Bridge) anyActive() bool {
	tbl := b.tbl.Load()
	if tbl == nil {
		return false
	}
	cutoff := time.Now().Add(-activityWindow)
	for _, st := range tbl.streams {
		if st.activeSince(cutoff) {
			return true
		}
	}
	return false
}

// keepaliveSweep replays the last frame on streams that have gone quiet so
// the SDK's exclusive-control session does not time out and release the
// devices to their onboard effects.
func (b *Bridge) keepaliveSweep(now time.Time) {
	if !b.cfg.GetKeepaliveEnabled() {
		return
	}
	tbl := b.tbl.Load()
	if tbl == nil {
		return
	}
	interval := b.cfg.GetKeepaliveInterval()
	for _, st := range tbl.streams {
		st.mu.Lock()
		due := st.received && st.sent && now.Sub(st.lastSent) >= interval
		if !due {
			st.mu.Unlock()
			continue
		}
		reapply := b.cfg.GetKeepaliveReapply()
		if st.KeepaliveReapply != nil {
			reapply = *st.KeepaliveReapply
		}
		if !reapply {
			st.lastSent = now
			st.mu.Unlock()
			if b.cfg.GetKeepaliveRequestAlways() {
				b.sup.RequestControlNow()
			}
			continue
		}
		st.lastSent = now
		frame := make([]byte, len(st.buf))
		copy(frame, st.buf)
		st.mu.Unlock()

		if b.cfg.GetKeepaliveRequestAlways() {
			b.sup.RequestControlNow()
		}
		monitoring.Debugf("stream %s: keepalive replay", st.Name)
		b.sup.ApplyFrame(st.Stream, frame)
	}
}

// idleClearSweep blanks a unique-mode stream's devices once when its sender
// stops, so a crashed source does not leave a stale frame glowing. The next
// datagram re-arms it.
func (b *Bridge) idleClearSweep(now time.Time) {
	if !b.cfg.GetUniqueIdleClear() {
		return
	}
	tbl := b.tbl.Load()
	if tbl == nil || tbl.mode != ModeUnique {
		return
	}
	for _, st := range tbl.streams {
		if st.IdleClearDisabled {
			continue
		}
		delay := b.cfg.GetUniqueIdleClearSeconds()
		if st.IdleClearSeconds != nil {
			delay = time.Duration(*st.IdleClearSeconds * float64(time.Second))
		}
		st.mu.Lock()
		due := st.received && !st.idleCleared && now.Sub(st.lastRecv) >= delay
		if !due {
			st.mu.Unlock()
			continue
		}
		st.idleCleared = true
		st.lastSent = now
		for i := range st.buf {
			st.buf[i] = 0
		}
		frame := make([]byte, len(st.buf))
		st.mu.Unlock()

		monitoring.Logf("stream %s: sender idle, clearing devices", st.Name)
		b.sup.ApplyFrame(st.Stream, frame)
	}
}

// reportStats logs per-stream deltas since the previous sweep and forwards
// them to the recorder.
func (b *Bridge) reportStats() {
	tbl := b.tbl.Load()
	if tbl == nil {
		return
	}
	for _, st := range tbl.streams {
		st.mu.Lock()
		packets := st.packets - st.lastPackets
		frames := st.frames - st.lastFrames
		drops := st.drops
		st.lastPackets = st.packets
		st.lastFrames = st.frames
		st.mu.Unlock()
		if packets == 0 {
			continue
		}
		monitoring.Logf("stream %s: %d packets, %d frames applied (%d dropped total)",
			st.Name, packets, frames, drops)
		if b.stats != nil {
			b.stats.RecordStreamStats(st.Name, packets, frames)
		}
	}
}
