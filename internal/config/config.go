// Package config loads and validates the bridge configuration. Fields are
// pointers so that JSON omissions fall back to defaults through the Get*
// accessors, and partial config files stay safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is where the bridge looks for its configuration when no
// -config flag is given.
const DefaultConfigPath = "config.json"

// GroupConfig describes one UDP input stream in unique mode: which devices
// it feeds and where it listens. In fusion mode the well-known group names
// (keyboard, mousemat, mouse, fans, cooler, ram) contribute their device
// selections to the composite stream.
type GroupConfig struct {
	Name    string  `json:"name,omitempty"`
	UDPHost *string `json:"udp_host,omitempty"`
	UDPPort *int    `json:"udp_port,omitempty"`
	// Protocol is "ddp", "drgb", "wled", "raw" or "auto"; empty inherits
	// the global protocol.
	Protocol string `json:"protocol,omitempty"`

	DeviceIDs          []string `json:"device_ids,omitempty"`
	DeviceTypesInclude []string `json:"device_types_include,omitempty"`
	DeviceTypesExclude []string `json:"device_types_exclude,omitempty"`
	ModelContains      []string `json:"model_contains,omitempty"`
	SerialContains     []string `json:"serial_contains,omitempty"`
	// DeviceSort orders matched devices spatially ("x", "y", "xy", "yx",
	// "model"); empty keeps enumeration order.
	DeviceSort string `json:"device_sort,omitempty"`

	// LinkMouseToMousematCenter aliases every mouse LED in the group to
	// the stream position at the centre of the mousemat strip.
	LinkMouseToMousematCenter bool `json:"link_mouse_to_mousemat_center,omitempty"`
	// PumpSplit renders cooler pump blocks as left/right pairs fed from
	// one stream position each.
	PumpSplit bool `json:"pump_split,omitempty"`

	// UpdateMode is "auto", "direct", "buffer" or "buffer_safe".
	UpdateMode string `json:"update_mode,omitempty"`
	// KeepaliveReapply overrides the global keepalive replay for this
	// stream. Nil inherits.
	KeepaliveReapply  *bool    `json:"keepalive_reapply,omitempty"`
	IdleClearDisabled bool     `json:"idle_clear_disabled,omitempty"`
	IdleClearSeconds  *float64 `json:"idle_clear_seconds,omitempty"`
}

// GetUDPHost returns the group's listen host or the given default.
func (g *GroupConfig) GetUDPHost(fallback string) string {
	if g.UDPHost == nil || *g.UDPHost == "" {
		return fallback
	}
	return *g.UDPHost
}

// GetUpdateMode returns the group's SDK update mode, defaulting to auto.
func (g *GroupConfig) GetUpdateMode() string {
	if g.UpdateMode == "" {
		return "auto"
	}
	return g.UpdateMode
}

// SerpentineConfig holds the per-class knobs for row-by-row ordering.
type SerpentineConfig struct {
	Enabled      *bool    `json:"enabled,omitempty"`
	RowTolerance *float64 `json:"row_tolerance,omitempty"`
	Rows         *int     `json:"rows,omitempty"`
	FirstDir     string   `json:"first_dir,omitempty"`
	RowOrder     string   `json:"row_order,omitempty"`
	// Mode is "serpentine" or "linear".
	Mode   string `json:"mode,omitempty"`
	FlipX  bool   `json:"flip_x,omitempty"`
	FlipY  bool   `json:"flip_y,omitempty"`
	SwapXY bool   `json:"swap_xy,omitempty"`
}

// Config is the root bridge configuration.
type Config struct {
	UDPHost *string `json:"udp_host,omitempty"`
	// Protocol is the default input protocol for all streams.
	Protocol string `json:"protocol,omitempty"`
	// DefaultMode is the routing mode at startup: "unique", "group" or
	// "fusion".
	DefaultMode string `json:"default_mode,omitempty"`
	// StartupPrompt asks for the routing mode on stdin before starting.
	StartupPrompt *bool `json:"startup_prompt,omitempty"`

	Brightness *float64 `json:"brightness,omitempty"`
	Gamma      *float64 `json:"gamma,omitempty"`
	MaxFPS     *float64 `json:"max_fps,omitempty"`

	ClearOnStart       *bool    `json:"clear_on_start,omitempty"`
	DeviceTypesInclude []string `json:"device_types_include,omitempty"`
	DeviceTypesExclude []string `json:"device_types_exclude,omitempty"`

	Groups     []GroupConfig `json:"groups,omitempty"`
	GroupPort  *int          `json:"group_port,omitempty"`
	FusionPort *int          `json:"fusion_port,omitempty"`
	// FusionCPUAfterFan is how many case fans precede the pump block in
	// the fusion stream.
	FusionCPUAfterFan *int `json:"fusion_cpu_after_fan,omitempty"`
	// FusionRAMMode is "sticks" (one stick after another) or "rows"
	// (same row across sticks interleaved).
	FusionRAMMode    string `json:"fusion_ram_mode,omitempty"`
	FusionRAMMirror  bool   `json:"fusion_ram_mirror,omitempty"`
	FusionRAMLedAxis string `json:"fusion_ram_led_axis,omitempty"`

	// Keyboard / mousemat / RAM ordering.
	KeyboardSerpentine *SerpentineConfig `json:"keyboard_serpentine,omitempty"`
	MousematSerpentine *SerpentineConfig `json:"mousemat_serpentine,omitempty"`
	RAMSerpentine      *SerpentineConfig `json:"ram_serpentine,omitempty"`
	// MousematOrderMode is "serpentine", "angle" or "index".
	MousematOrderMode      string `json:"mousemat_order_mode,omitempty"`
	MousematReverse        bool   `json:"mousemat_reverse,omitempty"`
	MousematAngleStart     string `json:"mousemat_angle_start,omitempty"`
	MousematAngleDirection string `json:"mousemat_angle_direction,omitempty"`
	// RAMOrderAxis sorts RAM LEDs along an axis: "auto", "x" or "y".
	RAMOrderAxis       string `json:"ram_order_axis,omitempty"`
	RAMGroupLayout     string `json:"ram_group_layout,omitempty"`
	RAMMatchGroupOrder bool   `json:"ram_match_group_order,omitempty"`

	// Fan ring ordering.
	FanRing        *bool    `json:"fan_ring,omitempty"`
	FanDeviceTypes []string `json:"fan_device_types,omitempty"`
	FanOuterLEDs   *int     `json:"fan_outer_leds,omitempty"`
	FanInnerLEDs   *int     `json:"fan_inner_leds,omitempty"`
	FanCount       *int     `json:"fan_count,omitempty"`
	FanStart       string   `json:"fan_start,omitempty"`
	FanDirection   string   `json:"fan_direction,omitempty"`
	FanGroupSort   string   `json:"fan_group_sort,omitempty"`
	FanGroupOrder  []int    `json:"fan_group_order,omitempty"`
	// FanLayout is "sequential", "cluster" or "auto".
	FanLayout      string `json:"fan_layout,omitempty"`
	FanRingOrder   string `json:"fan_ring_order,omitempty"`
	FanLockToFirst bool   `json:"fan_lock_to_first,omitempty"`
	FanInnerFirst  bool   `json:"fan_inner_first,omitempty"`
	FanFlipX       bool   `json:"fan_flip_x,omitempty"`
	FanFlipY       *bool  `json:"fan_flip_y,omitempty"`
	FanSwapXY      bool   `json:"fan_swap_xy,omitempty"`

	// AIO cooler ordering.
	AIOCluster          *bool     `json:"aio_cluster,omitempty"`
	AIOClusterCount     *int      `json:"aio_cluster_count,omitempty"`
	AIOClusterSort      string    `json:"aio_cluster_sort,omitempty"`
	AIOClusterOrder     []int     `json:"aio_cluster_order,omitempty"`
	AIOAngleStart       string    `json:"aio_angle_start,omitempty"`
	AIOAngleDirection   string    `json:"aio_angle_direction,omitempty"`
	AIOFlipX            bool      `json:"aio_flip_x,omitempty"`
	AIOFlipY            bool      `json:"aio_flip_y,omitempty"`
	AIOSwapXY           bool      `json:"aio_swap_xy,omitempty"`
	AIOPumpFirst        bool      `json:"aio_pump_first,omitempty"`
	AIOPumpSplit        bool      `json:"aio_pump_split,omitempty"`
	AIOPumpAngleStart   string    `json:"aio_pump_angle_start,omitempty"`
	AIOPumpAngleDir     string    `json:"aio_pump_angle_direction,omitempty"`
	AIOPumpWhiteBalance []float64 `json:"aio_pump_white_balance,omitempty"`

	// Device link supervision.
	KeepaliveEnabled       *bool    `json:"icue_keepalive,omitempty"`
	KeepaliveInterval      *float64 `json:"icue_keepalive_interval,omitempty"`
	KeepaliveReapply       *bool    `json:"icue_keepalive_reapply,omitempty"`
	KeepaliveRequestAlways *bool    `json:"icue_keepalive_request_always,omitempty"`
	ApplyFailThreshold     *int     `json:"icue_apply_fail_threshold,omitempty"`
	ReconnectCooldown      *float64 `json:"icue_reconnect_cooldown,omitempty"`
	RequestControlInterval *float64 `json:"icue_request_control_interval,omitempty"`
	SkipReconnectWhenIdle  *bool    `json:"icue_skip_reconnect_when_idle,omitempty"`
	WatchdogEnabled        *bool    `json:"icue_watchdog,omitempty"`
	WatchdogInterval       *float64 `json:"icue_watchdog_interval,omitempty"`
	WatchdogFailThreshold  *int     `json:"icue_watchdog_fail_threshold,omitempty"`
	WatchdogIdleOnly       *bool    `json:"icue_watchdog_idle_only,omitempty"`

	// Idle clearing in unique mode.
	UniqueIdleClear        *bool    `json:"unique_idle_clear,omitempty"`
	UniqueIdleClearSeconds *float64 `json:"unique_idle_clear_seconds,omitempty"`

	// Event store. Empty path disables recording.
	EventDBPath string `json:"event_db_path,omitempty"`

	LogFile  string `json:"log_file,omitempty"`
	LogLevel string `json:"log_level,omitempty"`
}

// Load reads and validates a configuration file. Missing fields keep their
// defaults; the Get* accessors supply them.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and per-group requirements.
func (c *Config) Validate() error {
	if c.Brightness != nil && (*c.Brightness < 0 || *c.Brightness > 2) {
		return fmt.Errorf("brightness must be between 0 and 2, got %f", *c.Brightness)
	}
	if c.Gamma != nil && *c.Gamma <= 0 {
		return fmt.Errorf("gamma must be positive, got %f", *c.Gamma)
	}
	if c.MaxFPS != nil && *c.MaxFPS < 0 {
		return fmt.Errorf("max_fps must be non-negative, got %f", *c.MaxFPS)
	}
	switch c.DefaultMode {
	case "", "unique", "group", "fusion":
	default:
		return fmt.Errorf("default_mode must be unique, group or fusion, got %q", c.DefaultMode)
	}
	for i := range c.Groups {
		grp := &c.Groups[i]
		if grp.UDPPort == nil {
			return fmt.Errorf("group %q has no udp_port", grp.Name)
		}
		if *grp.UDPPort < 1 || *grp.UDPPort > 65535 {
			return fmt.Errorf("group %q udp_port out of range: %d", grp.Name, *grp.UDPPort)
		}
		switch grp.GetUpdateMode() {
		case "auto", "direct", "buffer", "buffer_safe":
		default:
			return fmt.Errorf("group %q update_mode invalid: %q", grp.Name, grp.UpdateMode)
		}
	}
	if len(c.AIOPumpWhiteBalance) != 0 && len(c.AIOPumpWhiteBalance) != 3 {
		return fmt.Errorf("aio_pump_white_balance needs 3 components, got %d", len(c.AIOPumpWhiteBalance))
	}
	return nil
}

// GetUDPHost returns the default listen host.
func (c *Config) GetUDPHost() string {
	if c.UDPHost == nil || *c.UDPHost == "" {
		return "0.0.0.0"
	}
	return *c.UDPHost
}

// GetDefaultMode returns the startup routing mode.
func (c *Config) GetDefaultMode() string {
	if c.DefaultMode == "" {
		return "unique"
	}
	return c.DefaultMode
}

// GetStartupPrompt reports whether to ask for the mode on stdin.
func (c *Config) GetStartupPrompt() bool {
	if c.StartupPrompt == nil {
		return true
	}
	return *c.StartupPrompt
}

// GetBrightness returns the output brightness multiplier.
func (c *Config) GetBrightness() float64 {
	if c.Brightness == nil {
		return 1.0
	}
	return *c.Brightness
}

// GetGamma returns the gamma correction exponent.
func (c *Config) GetGamma() float64 {
	if c.Gamma == nil {
		return 1.0
	}
	return *c.Gamma
}

// GetMaxFPS returns the per-stream frame rate cap. Zero disables it.
func (c *Config) GetMaxFPS() float64 {
	if c.MaxFPS == nil {
		return 60
	}
	return *c.MaxFPS
}

// GetClearOnStart reports whether devices are blanked at startup.
func (c *Config) GetClearOnStart() bool {
	if c.ClearOnStart == nil {
		return true
	}
	return *c.ClearOnStart
}

// GetGroupPort returns the listen port for group mode.
func (c *Config) GetGroupPort() int {
	if c.GroupPort == nil {
		return 34983
	}
	return *c.GroupPort
}

// GetFusionPort returns the listen port for fusion mode.
func (c *Config) GetFusionPort() int {
	if c.FusionPort == nil {
		return 34984
	}
	return *c.FusionPort
}

// GetFusionCPUAfterFan returns how many case fans precede the pump in the
// fusion stream.
func (c *Config) GetFusionCPUAfterFan() int {
	if c.FusionCPUAfterFan == nil {
		return 2
	}
	if *c.FusionCPUAfterFan < 0 {
		return 0
	}
	return *c.FusionCPUAfterFan
}

// GetFanOuterLEDs returns the outer ring size for fan devices.
func (c *Config) GetFanOuterLEDs() int {
	if c.FanOuterLEDs == nil {
		return 12
	}
	return *c.FanOuterLEDs
}

// GetFanInnerLEDs returns the inner ring size for fan devices.
func (c *Config) GetFanInnerLEDs() int {
	if c.FanInnerLEDs == nil {
		return 4
	}
	return *c.FanInnerLEDs
}

// GetFanFlipY reports whether fan coordinates are mirrored vertically
// before ring ordering. Defaults on: the SDK's screen-space Y grows
// downward while the compass works in math convention.
func (c *Config) GetFanFlipY() bool {
	if c.FanFlipY == nil {
		return true
	}
	return *c.FanFlipY
}

// GetAIOClusterCount returns the spatial cluster count for coolers.
func (c *Config) GetAIOClusterCount() int {
	if c.AIOClusterCount == nil {
		return 3
	}
	return *c.AIOClusterCount
}

// GetAIOClusterSort returns the cluster sort axis for coolers.
func (c *Config) GetAIOClusterSort() string {
	if c.AIOClusterSort == "" {
		return "x"
	}
	return c.AIOClusterSort
}

// GetAIOAngleStart returns the sweep start for cooler clusters.
func (c *Config) GetAIOAngleStart() string {
	if c.AIOAngleStart == "" {
		return "top"
	}
	return c.AIOAngleStart
}

// GetAIOAngleDirection returns the sweep rotation for cooler clusters.
func (c *Config) GetAIOAngleDirection() string {
	if c.AIOAngleDirection == "" {
		return "clockwise"
	}
	return c.AIOAngleDirection
}

// GetAIOPumpAngleStart returns the pump sweep start, inheriting the
// cluster start when unset.
func (c *Config) GetAIOPumpAngleStart() string {
	if c.AIOPumpAngleStart == "" {
		return c.GetAIOAngleStart()
	}
	return c.AIOPumpAngleStart
}

// GetAIOPumpAngleDirection returns the pump sweep rotation, inheriting the
// cluster rotation when unset.
func (c *Config) GetAIOPumpAngleDirection() string {
	if c.AIOPumpAngleDir == "" {
		return c.GetAIOAngleDirection()
	}
	return c.AIOPumpAngleDir
}

// GetKeepaliveEnabled reports whether the keepalive ticker runs.
func (c *Config) GetKeepaliveEnabled() bool {
	if c.KeepaliveEnabled == nil {
		return true
	}
	return *c.KeepaliveEnabled
}

// GetKeepaliveInterval returns the keepalive period.
func (c *Config) GetKeepaliveInterval() time.Duration {
	return secondsOrDefault(c.KeepaliveInterval, 30*time.Second)
}

// GetKeepaliveReapply reports whether keepalives replay the last frame
// instead of only re-requesting control.
func (c *Config) GetKeepaliveReapply() bool {
	if c.KeepaliveReapply == nil {
		return true
	}
	return *c.KeepaliveReapply
}

// GetKeepaliveRequestAlways reports whether every keepalive re-requests
// exclusive control even while the link looks healthy.
func (c *Config) GetKeepaliveRequestAlways() bool {
	if c.KeepaliveRequestAlways == nil {
		return true
	}
	return *c.KeepaliveRequestAlways
}

// GetApplyFailThreshold returns how many consecutive SDK apply failures
// degrade the link.
func (c *Config) GetApplyFailThreshold() int {
	if c.ApplyFailThreshold == nil {
		return 6
	}
	return *c.ApplyFailThreshold
}

// GetReconnectCooldown returns the minimum delay between reconnect
// attempts.
func (c *Config) GetReconnectCooldown() time.Duration {
	return secondsOrDefault(c.ReconnectCooldown, 15*time.Second)
}

// GetRequestControlInterval returns how often exclusive control is
// re-requested while frames flow.
func (c *Config) GetRequestControlInterval() time.Duration {
	return secondsOrDefault(c.RequestControlInterval, 10*time.Second)
}

// GetSkipReconnectWhenIdle reports whether reconnects wait for stream
// activity.
func (c *Config) GetSkipReconnectWhenIdle() bool {
	if c.SkipReconnectWhenIdle == nil {
		return true
	}
	return *c.SkipReconnectWhenIdle
}

// GetWatchdogEnabled reports whether the link watchdog runs.
func (c *Config) GetWatchdogEnabled() bool {
	if c.WatchdogEnabled == nil {
		return true
	}
	return *c.WatchdogEnabled
}

// GetWatchdogInterval returns the watchdog probe period.
func (c *Config) GetWatchdogInterval() time.Duration {
	return secondsOrDefault(c.WatchdogInterval, 5*time.Second)
}

// GetWatchdogFailThreshold returns how many consecutive probe failures
// trigger a reconnect.
func (c *Config) GetWatchdogFailThreshold() int {
	if c.WatchdogFailThreshold == nil {
		return 3
	}
	return *c.WatchdogFailThreshold
}

// GetWatchdogIdleOnly reports whether the watchdog probes only idle links.
func (c *Config) GetWatchdogIdleOnly() bool {
	if c.WatchdogIdleOnly == nil {
		return false
	}
	return *c.WatchdogIdleOnly
}

// GetUniqueIdleClear reports whether idle streams blank their devices in
// unique mode.
func (c *Config) GetUniqueIdleClear() bool {
	if c.UniqueIdleClear == nil {
		return true
	}
	return *c.UniqueIdleClear
}

// GetUniqueIdleClearSeconds returns the idle delay before blanking.
func (c *Config) GetUniqueIdleClearSeconds() time.Duration {
	return secondsOrDefault(c.UniqueIdleClearSeconds, time.Second)
}

// GetLogLevel returns the configured log level name.
func (c *Config) GetLogLevel() string {
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

func secondsOrDefault(v *float64, fallback time.Duration) time.Duration {
	if v == nil || *v <= 0 {
		return fallback
	}
	return time.Duration(*v * float64(time.Second))
}

// SerpentineEnabled reports whether a per-class serpentine block is active.
func (s *SerpentineConfig) SerpentineEnabled() bool {
	if s == nil {
		return false
	}
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}
