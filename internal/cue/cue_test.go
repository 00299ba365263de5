package cue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumastream/cuebridge/internal/config"
	"github.com/lumastream/cuebridge/internal/protocol"
	"github.com/lumastream/cuebridge/internal/routing"
	"github.com/lumastream/cuebridge/internal/topology"
)

func ptrInt(v int) *int { return &v }

func ptrBool(v bool) *bool { return &v }

func ptrFloat64(v float64) *float64 { return &v }

func fixturePair() (*FixtureClient, []topology.Device) {
	devices := []topology.Device{
		fixtureStrip(topology.ClassKeyboard, "kb", 4),
		fixtureStrip(topology.ClassMouse, "mouse", 2),
	}
	return NewFixtureClient(devices...), devices
}

func supervisorCfg() *config.Config {
	return &config.Config{
		ApplyFailThreshold:    ptrInt(2),
		WatchdogFailThreshold: ptrInt(2),
		SkipReconnectWhenIdle: ptrBool(false),
	}
}

func directStream(devices []topology.Device) *routing.Stream {
	st := &routing.Stream{Name: "test", UpdateMode: "direct"}
	for _, dev := range devices {
		st.DeviceIDs = append(st.DeviceIDs, dev.ID)
		for led := range dev.LEDs {
			st.Entries = append(st.Entries, routing.Entry{DeviceID: dev.ID, LED: led, SrcIndex: -1})
		}
	}
	return st
}

func TestBuildLUTIdentity(t *testing.T) {
	lut := BuildLUT(1.0, 1.0)
	assert.Equal(t, uint8(0), lut[0])
	assert.Equal(t, uint8(128), lut[128])
	assert.Equal(t, uint8(255), lut[255])
}

func TestBuildLUTBrightness(t *testing.T) {
	lut := BuildLUT(0.5, 1.0)
	assert.Equal(t, uint8(0), lut[0])
	assert.Equal(t, uint8(128), lut[255])

	// Gamma darkens midtones without touching the endpoints.
	curved := BuildLUT(1.0, 2.2)
	assert.Equal(t, uint8(0), curved[0])
	assert.Equal(t, uint8(255), curved[255])
	assert.Less(t, curved[128], uint8(128))
}

func TestStartAppliesGlobalDeviceTypeMask(t *testing.T) {
	client, devices := fixturePair()
	cfg := supervisorCfg()
	cfg.DeviceTypesExclude = []string{"mouse"}
	sup := NewSupervisor(client, cfg)

	snap, err := sup.Start()
	require.NoError(t, err)
	assert.Equal(t, 4, snap.TotalLEDs, "masked device must not be enumerated")
	assert.NotNil(t, snap.Device(devices[0].ID))
	assert.Nil(t, snap.Device(devices[1].ID))
}

func TestStartIncludeMaskKeepsOnlyListedClasses(t *testing.T) {
	client, devices := fixturePair()
	cfg := supervisorCfg()
	cfg.DeviceTypesInclude = []string{"mouse"}
	sup := NewSupervisor(client, cfg)

	snap, err := sup.Start()
	require.NoError(t, err)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, devices[1].ID, snap.Devices[0].ID)
}

func TestStartRejectsUnknownDeviceTypeMask(t *testing.T) {
	client, _ := fixturePair()
	cfg := supervisorCfg()
	cfg.DeviceTypesExclude = []string{"toaster"}
	sup := NewSupervisor(client, cfg)

	_, err := sup.Start()
	require.Error(t, err)
}

func TestSupervisorStartAndApply(t *testing.T) {
	client, devices := fixturePair()
	sup := NewSupervisor(client, supervisorCfg())
	snap, err := sup.Start()
	require.NoError(t, err)
	assert.Equal(t, 6, snap.TotalLEDs)
	assert.Equal(t, LinkConnected, sup.State())

	st := directStream(devices)
	frame := []byte{
		255, 0, 0, 0, 255, 0, 0, 0, 255, 10, 20, 30, // keyboard
		1, 2, 3, 4, 5, 6, // mouse
	}
	require.True(t, sup.ApplyFrame(st, frame))

	kb := client.Colors(devices[0].ID)
	require.Len(t, kb, 4)
	assert.Equal(t, protocol.RGB{R: 255}, kb[0])
	assert.Equal(t, protocol.RGB{G: 255}, kb[1])
	assert.Equal(t, protocol.RGB{R: 10, G: 20, B: 30}, kb[3])
	mouse := client.Colors(devices[1].ID)
	require.Len(t, mouse, 2)
	assert.Equal(t, protocol.RGB{R: 4, G: 5, B: 6}, mouse[1])
}

func TestApplyFrameSourceAlias(t *testing.T) {
	client, devices := fixturePair()
	sup := NewSupervisor(client, supervisorCfg())
	_, err := sup.Start()
	require.NoError(t, err)

	// The second mouse LED mirrors stream position 0 instead of consuming
	// its own slot.
	st := &routing.Stream{
		Name:       "alias",
		UpdateMode: "direct",
		DeviceIDs:  []string{devices[1].ID},
		Entries: []routing.Entry{
			{DeviceID: devices[1].ID, LED: 0, SrcIndex: -1},
			{DeviceID: devices[1].ID, LED: 1, SrcIndex: 0},
		},
	}
	require.True(t, sup.ApplyFrame(st, []byte{9, 8, 7, 1, 1, 1}))
	mouse := client.Colors(devices[1].ID)
	assert.Equal(t, protocol.RGB{R: 9, G: 8, B: 7}, mouse[0])
	assert.Equal(t, protocol.RGB{R: 9, G: 8, B: 7}, mouse[1])
}

func TestApplyFrameShortFrameBlanksTail(t *testing.T) {
	client, devices := fixturePair()
	sup := NewSupervisor(client, supervisorCfg())
	_, err := sup.Start()
	require.NoError(t, err)

	st := directStream(devices[:1])
	require.True(t, sup.ApplyFrame(st, []byte{5, 5, 5}))
	kb := client.Colors(devices[0].ID)
	assert.Equal(t, protocol.RGB{R: 5, G: 5, B: 5}, kb[0])
	assert.Equal(t, protocol.RGB{}, kb[3])
}

func TestApplyFailuresTriggerReconnect(t *testing.T) {
	client, devices := fixturePair()
	sup := NewSupervisor(client, supervisorCfg())
	_, err := sup.Start()
	require.NoError(t, err)

	rebuilt := 0
	sup.SetOnReconnect(func(snap *topology.Snapshot) {
		rebuilt++
		assert.Equal(t, 6, snap.TotalLEDs)
	})

	client.SetDirectErr(errors.New("pipe broken"))
	st := directStream(devices)
	frame := make([]byte, st.LEDCount()*3)
	assert.False(t, sup.ApplyFrame(st, frame))
	assert.Equal(t, LinkConnected, sup.State())

	// Second consecutive failure crosses the threshold; with the error
	// still injected the reconnect completes but the link stays up via
	// the fixture's successful Connect.
	assert.False(t, sup.ApplyFrame(st, frame))
	assert.Equal(t, 1, rebuilt)
	assert.Equal(t, 2, client.Connects)
	assert.Equal(t, LinkConnected, sup.State())
}

func TestApplyDegradedDefersReconnectWhenIdle(t *testing.T) {
	client, devices := fixturePair()
	cfg := supervisorCfg()
	cfg.SkipReconnectWhenIdle = ptrBool(true)
	sup := NewSupervisor(client, cfg)
	_, err := sup.Start()
	require.NoError(t, err)
	sup.SetActivityFunc(func() bool { return false })

	client.SetDirectErr(errors.New("pipe broken"))
	st := directStream(devices)
	frame := make([]byte, st.LEDCount()*3)
	assert.False(t, sup.ApplyFrame(st, frame))
	assert.False(t, sup.ApplyFrame(st, frame))
	assert.Equal(t, LinkDegraded, sup.State())
	assert.Equal(t, 1, client.Connects)

	// A successful apply restores the link without reconnecting.
	client.SetDirectErr(nil)
	assert.True(t, sup.ApplyFrame(st, frame))
	assert.Equal(t, LinkConnected, sup.State())
	assert.Equal(t, 1, client.Connects)
}

func TestWatchdogReconnectsAfterRepeatedPingFailures(t *testing.T) {
	client, _ := fixturePair()
	sup := NewSupervisor(client, supervisorCfg())
	_, err := sup.Start()
	require.NoError(t, err)
	sup.SetActivityFunc(func() bool { return true })

	var states []string
	sup.SetEventRecorder(recorderFunc(func(state, reason string) {
		states = append(states, state)
	}))

	client.SetPingErr(errors.New("no heartbeat"))
	sup.watchdogProbe()
	assert.Equal(t, 1, client.Connects)
	sup.watchdogProbe()
	assert.Equal(t, 2, client.Connects)
	assert.Equal(t, LinkConnected, sup.State())
	// dead pings degrade the link before the reconnect begins
	assert.Equal(t, []string{"degraded", "connecting", "connected"}, states)
}

type recorderFunc func(state, reason string)

func (f recorderFunc) RecordLinkEvent(state, reason string) { f(state, reason) }

func TestWatchdogIdleOnlySkipsActiveLink(t *testing.T) {
	client, _ := fixturePair()
	cfg := supervisorCfg()
	cfg.WatchdogIdleOnly = ptrBool(true)
	sup := NewSupervisor(client, cfg)
	_, err := sup.Start()
	require.NoError(t, err)
	sup.SetActivityFunc(func() bool { return true })

	client.SetPingErr(errors.New("no heartbeat"))
	sup.watchdogProbe()
	sup.watchdogProbe()
	assert.Equal(t, 0, client.Pings)
	assert.Equal(t, 1, client.Connects)
}

func TestWatchdogIdleWithSkipResetsFailures(t *testing.T) {
	client, _ := fixturePair()
	cfg := supervisorCfg()
	cfg.SkipReconnectWhenIdle = ptrBool(true)
	sup := NewSupervisor(client, cfg)
	_, err := sup.Start()
	require.NoError(t, err)

	active := true
	sup.SetActivityFunc(func() bool { return active })
	client.SetPingErr(errors.New("no heartbeat"))
	sup.watchdogProbe()
	require.Equal(t, 1, client.Pings)

	// Going idle resets the failure count instead of probing further.
	active = false
	sup.watchdogProbe()
	assert.Equal(t, 1, client.Pings)

	active = true
	sup.watchdogProbe()
	assert.Equal(t, 1, client.Connects, "single failure after the reset must not reconnect")
}

func TestReconnectCooldownSuppressesSecondAttempt(t *testing.T) {
	client, _ := fixturePair()
	cfg := supervisorCfg()
	cfg.ReconnectCooldown = ptrFloat64(60)
	sup := NewSupervisor(client, cfg)
	_, err := sup.Start()
	require.NoError(t, err)
	sup.SetActivityFunc(func() bool { return true })

	client.SetPingErr(errors.New("no heartbeat"))
	sup.watchdogProbe()
	sup.watchdogProbe()
	require.Equal(t, 2, client.Connects)

	sup.watchdogProbe()
	sup.watchdogProbe()
	assert.Equal(t, 2, client.Connects, "second reconnect within the cooldown window")
}

func TestBufferModeFallsBackToDirect(t *testing.T) {
	client, devices := fixturePair()
	sup := NewSupervisor(client, supervisorCfg())
	_, err := sup.Start()
	require.NoError(t, err)

	client.BufferErr = errors.New("buffering unsupported")
	st := directStream(devices[:1])
	st.UpdateMode = "buffer"
	frame := make([]byte, st.LEDCount()*3)
	assert.True(t, sup.ApplyFrame(st, frame))
	assert.NotZero(t, client.DirectCalls)
	assert.Zero(t, client.Flushes)
}

func TestAutoModeBuffersWhenDirectFails(t *testing.T) {
	client, devices := fixturePair()
	sup := NewSupervisor(client, supervisorCfg())
	_, err := sup.Start()
	require.NoError(t, err)

	client.SetDirectErr(errors.New("direct unsupported"))
	st := directStream(devices[:1])
	st.UpdateMode = "auto"
	frame := make([]byte, st.LEDCount()*3)
	assert.True(t, sup.ApplyFrame(st, frame))
	assert.NotZero(t, client.BufferCalls)
	assert.Equal(t, 1, client.Flushes)
}

func TestClearAllBlanksEveryDevice(t *testing.T) {
	client, devices := fixturePair()
	sup := NewSupervisor(client, supervisorCfg())
	_, err := sup.Start()
	require.NoError(t, err)

	st := directStream(devices)
	frame := make([]byte, st.LEDCount()*3)
	for i := range frame {
		frame[i] = 200
	}
	require.True(t, sup.ApplyFrame(st, frame))
	require.Equal(t, protocol.RGB{R: 200, G: 200, B: 200}, client.Colors(devices[0].ID)[0])

	sup.ClearAll()
	for _, dev := range devices {
		for _, c := range client.Colors(dev.ID) {
			assert.Equal(t, protocol.RGB{}, c)
		}
	}
}

func TestStartConnectFailure(t *testing.T) {
	client, _ := fixturePair()
	client.ConnectErr = errors.New("service unavailable")
	sup := NewSupervisor(client, supervisorCfg())
	_, err := sup.Start()
	require.Error(t, err)
	assert.Equal(t, LinkDisconnected, sup.State())
}

func TestLinkStateString(t *testing.T) {
	assert.Equal(t, "disconnected", LinkDisconnected.String())
	assert.Equal(t, "connecting", LinkConnecting.String())
	assert.Equal(t, "connected", LinkConnected.String())
	assert.Equal(t, "degraded", LinkDegraded.String())
}
