package cue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumastream/cuebridge/internal/config"
	"github.com/lumastream/cuebridge/internal/monitoring"
	"github.com/lumastream/cuebridge/internal/protocol"
	"github.com/lumastream/cuebridge/internal/routing"
	"github.com/lumastream/cuebridge/internal/topology"
)

// EventRecorder receives link state transitions for persistence. Implemented
// by the event store; a nil recorder drops events.
type EventRecorder interface {
	RecordLinkEvent(state string, reason string)
}

// Supervisor owns the lighting service connection. All SDK calls are
// serialized behind one mutex: the SDK is not reentrant and interleaved
// calls from stream goroutines corrupt its transaction state.
type Supervisor struct {
	client Client
	cfg    *config.Config
	lut    *LUT

	mu            sync.Mutex
	app           *applier
	snap          *topology.Snapshot
	applyFails    map[string]int
	watchdogFails int
	lastReconnect time.Time
	lastControl   time.Time

	state atomic.Int32

	// onReconnect is invoked with the fresh device snapshot after a
	// successful reconnect so routing tables can be rebuilt.
	onReconnect func(*topology.Snapshot)
	// activity reports whether any stream received data recently; gates
	// the watchdog and reconnect attempts.
	activity func() bool
	events   EventRecorder
}

// NewSupervisor wraps the client. Call Start before anything else.
func NewSupervisor(client Client, cfg *config.Config) *Supervisor {
	s := &Supervisor{
		client:     client,
		cfg:        cfg,
		lut:        BuildLUT(cfg.GetBrightness(), cfg.GetGamma()),
		applyFails: make(map[string]int),
		activity:   func() bool { return false },
	}
	s.state.Store(int32(LinkDisconnected))
	return s
}

// SetOnReconnect registers the table-rebuild hook. Must be called before Run.
func (s *Supervisor) SetOnReconnect(f func(*topology.Snapshot)) { s.onReconnect = f }

// SetActivityFunc registers the stream-activity probe. Must be called before Run.
func (s *Supervisor) SetActivityFunc(f func() bool) {
	if f != nil {
		s.activity = f
	}
}

// SetEventRecorder registers the persistence sink for state transitions.
func (s *Supervisor) SetEventRecorder(r EventRecorder) { s.events = r }

// State returns the current link state. Safe to call from any goroutine.
func (s *Supervisor) State() LinkState { return LinkState(s.state.Load()) }

func (s *Supervisor) setState(state LinkState, reason string) {
	prev := LinkState(s.state.Swap(int32(state)))
	if prev == state {
		return
	}
	monitoring.Logf("link %s -> %s (%s)", prev, state, reason)
	if s.events != nil {
		s.events.RecordLinkEvent(state.String(), reason)
	}
}

// Start connects, takes exclusive control and enumerates devices. The
// returned snapshot is the initial routing topology.
func (s *Supervisor) Start() (*topology.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(LinkConnecting, "startup")
	if err := s.client.Connect(); err != nil {
		s.setState(LinkDisconnected, "connect failed")
		return nil, err
	}
	if err := s.client.RequestControl(); err != nil {
		monitoring.Logf("request control failed: %v", err)
	}
	s.lastControl = time.Now()
	snap, err := s.enumerateLocked()
	if err != nil {
		s.setState(LinkDisconnected, "enumerate failed")
		return nil, err
	}
	s.setState(LinkConnected, "startup")
	return snap, nil
}

func (s *Supervisor) enumerateLocked() (*topology.Snapshot, error) {
	devices, err := s.client.EnumerateDevices()
	if err != nil {
		return nil, err
	}
	devices, err = s.filterDevices(devices)
	if err != nil {
		return nil, err
	}
	s.snap = topology.NewSnapshot(devices)
	if s.app == nil {
		s.app = newApplier(s.client, s.snap)
	} else {
		s.app.reset(s.snap)
	}
	return s.snap, nil
}

// filterDevices applies the global device_types_include/exclude mask at
// enumeration, so a masked-out device is never routed, cleared or kept
// alive and stays on its onboard effects.
func (s *Supervisor) filterDevices(devices []topology.Device) ([]topology.Device, error) {
	include, err := topology.ParseClasses(s.cfg.DeviceTypesInclude)
	if err != nil {
		return nil, fmt.Errorf("device_types_include: %w", err)
	}
	exclude, err := topology.ParseClasses(s.cfg.DeviceTypesExclude)
	if err != nil {
		return nil, fmt.Errorf("device_types_exclude: %w", err)
	}
	if len(include) == 0 && len(exclude) == 0 {
		return devices, nil
	}
	mask := topology.Filter{IncludeClasses: include, ExcludeClasses: exclude}
	var kept []topology.Device
	for i := range devices {
		if mask.Matches(&devices[i]) {
			kept = append(kept, devices[i])
		} else {
			monitoring.Debugf("device %s masked by device type filter", devices[i].Label())
		}
	}
	return kept, nil
}

// Snapshot returns the most recent device enumeration.
func (s *Supervisor) Snapshot() *topology.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Close releases device control and shuts the client down.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.ReleaseControl(); err != nil {
		monitoring.Debugf("release control: %v", err)
	}
	s.setState(LinkDisconnected, "shutdown")
	return s.client.Close()
}

// ApplyFrame pushes one decoded frame onto the stream's devices. Repeated
// failures past the configured threshold degrade the link and trigger a
// cooldown-limited reconnect. A success while degraded restores Connected.
func (s *Supervisor) ApplyFrame(stream *routing.Stream, frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.State()
	if state == LinkDisconnected || state == LinkConnecting {
		return false
	}
	ok := s.app.applyFrame(stream, frame, s.lut)
	if ok {
		s.applyFails[stream.Name] = 0
		if state == LinkDegraded {
			s.setState(LinkConnected, "apply recovered")
		}
		return true
	}
	s.applyFails[stream.Name]++
	if s.applyFails[stream.Name] == s.cfg.GetApplyFailThreshold() {
		s.setState(LinkDegraded, "apply failures on "+stream.Name)
		if s.cfg.GetSkipReconnectWhenIdle() && !s.activity() {
			monitoring.Debugf("stream %s degraded while idle, reconnect deferred", stream.Name)
		} else {
			s.reconnectLocked("apply failures")
		}
		s.applyFails[stream.Name] = 0
	}
	return false
}

// RequestControlNow re-asserts exclusive control immediately. Used before a
// keepalive replay when keepalive_request_always is set.
func (s *Supervisor) RequestControlNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestControlLocked()
}

func (s *Supervisor) requestControlLocked() {
	if err := s.client.RequestControl(); err != nil {
		monitoring.Debugf("request control: %v", err)
	}
	s.lastControl = time.Now()
}

// reconnectLocked tears the connection down and brings it back up, honoring
// the reconnect cooldown. Callers hold s.mu.
func (s *Supervisor) reconnectLocked(reason string) {
	now := time.Now()
	if !s.lastReconnect.IsZero() && now.Sub(s.lastReconnect) < s.cfg.GetReconnectCooldown() {
		monitoring.Debugf("reconnect (%s) suppressed by cooldown", reason)
		return
	}
	s.lastReconnect = now
	s.setState(LinkConnecting, reason)
	if err := s.client.Close(); err != nil {
		monitoring.Debugf("close before reconnect: %v", err)
	}
	if err := s.client.Connect(); err != nil {
		monitoring.Logf("reconnect failed: %v", err)
		s.setState(LinkDisconnected, "reconnect failed")
		return
	}
	s.requestControlLocked()
	snap, err := s.enumerateLocked()
	if err != nil {
		monitoring.Logf("re-enumerate failed: %v", err)
		s.setState(LinkDisconnected, "enumerate failed")
		return
	}
	s.watchdogFails = 0
	for k := range s.applyFails {
		s.applyFails[k] = 0
	}
	s.setState(LinkConnected, reason+" recovered")
	if s.onReconnect != nil {
		s.onReconnect(snap)
	}
}

// Run drives the periodic maintenance loop: re-asserting control and
// probing the link with the watchdog. Blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastWatchdog := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.maybeRequestControl(now)
			if s.cfg.GetWatchdogEnabled() && now.Sub(lastWatchdog) >= s.cfg.GetWatchdogInterval() {
				lastWatchdog = now
				s.watchdogProbe()
			}
		}
	}
}

func (s *Supervisor) maybeRequestControl(now time.Time) {
	interval := s.cfg.GetRequestControlInterval()
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != LinkConnected && s.State() != LinkDegraded {
		return
	}
	if now.Sub(s.lastControl) >= interval {
		s.requestControlLocked()
	}
}

// watchdogProbe pings the service and reconnects after repeated failures.
// watchdog_idle_only restricts probing to idle periods; an idle link with
// skip_reconnect_when_idle set never accumulates failures.
func (s *Supervisor) watchdogProbe() {
	active := s.activity()
	if s.cfg.GetWatchdogIdleOnly() && active {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == LinkConnecting {
		return
	}
	if !active && s.cfg.GetSkipReconnectWhenIdle() {
		s.watchdogFails = 0
		return
	}
	if err := s.client.Ping(); err != nil {
		s.watchdogFails++
		monitoring.Debugf("watchdog ping failed (%d/%d): %v",
			s.watchdogFails, s.cfg.GetWatchdogFailThreshold(), err)
		if s.watchdogFails >= s.cfg.GetWatchdogFailThreshold() {
			s.watchdogFails = 0
			s.setState(LinkDegraded, "watchdog ping failures")
			s.reconnectLocked("watchdog")
		}
		return
	}
	s.watchdogFails = 0
}

// ClearAll blanks every enumerated device. Used at startup and shutdown.
func (s *Supervisor) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.app == nil || s.snap == nil {
		return
	}
	for i := range s.snap.Devices {
		id := s.snap.Devices[i].ID
		colors := s.app.colors[id]
		for j := range colors {
			colors[j] = protocol.RGB{}
		}
		if err := s.client.SetDeviceColors(id, colors); err != nil {
			monitoring.Debugf("clear %s: %v", id, err)
		}
	}
}
