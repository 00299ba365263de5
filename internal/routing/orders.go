package routing

import (
	"fmt"

	"github.com/lumastream/cuebridge/internal/config"
	"github.com/lumastream/cuebridge/internal/monitoring"
	"github.com/lumastream/cuebridge/internal/order"
	"github.com/lumastream/cuebridge/internal/topology"
)

// Orders holds the per-device LED traversal orders computed from the
// geometry configuration. Devices without an explicit order fall back to
// SDK index order.
type Orders struct {
	byDevice map[string][]int
}

// Device returns the traversal order for a device.
func (o Orders) Device(d *topology.Device) []int {
	if perm, ok := o.byDevice[d.ID]; ok {
		return perm
	}
	return order.IndexOrder(d.LEDCount(), false)
}

func (o Orders) set(deviceID string, perm []int) {
	if len(perm) > 0 {
		o.byDevice[deviceID] = perm
	}
}

// BuildOrders applies every configured per-class ordering strategy to the
// snapshot. Partition mismatches (fan ring sizes that do not divide a
// device's LED count) fail here, before any socket is bound.
func BuildOrders(snap *topology.Snapshot, cfg *config.Config) (Orders, error) {
	orders := Orders{byDevice: make(map[string][]int)}

	if cfg.KeyboardSerpentine.SerpentineEnabled() {
		opts := serpentineOptions(cfg.KeyboardSerpentine, "left", "top", "serpentine")
		if err := applySerpentine(orders, snap, opts, topology.ClassKeyboard); err != nil {
			return orders, err
		}
	}

	if cfg.RAMSerpentine.SerpentineEnabled() {
		opts := serpentineOptions(cfg.RAMSerpentine, "left", "bottom", "linear")
		if err := applySerpentine(orders, snap, opts, topology.ClassMemoryModule); err != nil {
			return orders, err
		}
	}
	switch cfg.RAMOrderAxis {
	case "auto", "x", "y":
		for _, dev := range snap.ByClass(topology.ClassMemoryModule) {
			orders.set(dev.ID, order.AxisOrder(dev.LEDs, cfg.RAMOrderAxis))
		}
	}

	if cfg.FanRing != nil && *cfg.FanRing {
		classes, err := fanClasses(cfg)
		if err != nil {
			return orders, err
		}
		opts := order.FanOptions{
			OuterLEDs:   cfg.GetFanOuterLEDs(),
			InnerLEDs:   cfg.GetFanInnerLEDs(),
			Start:       compassOr(cfg.FanStart, order.CompassTop),
			Direction:   rotationOr(cfg.FanDirection),
			Mode:        order.RingMode(stringOr(cfg.FanRingOrder, "index")),
			GroupSort:   stringOr(cfg.FanGroupSort, "x"),
			GroupOrder:  cfg.FanGroupOrder,
			Cluster:     cfg.FanLayout == "cluster" || cfg.FanLayout == "auto",
			LockToFirst: cfg.FanLockToFirst,
			InnerFirst:  cfg.FanInnerFirst,
			Transform: order.Transform{
				FlipX:  cfg.FanFlipX,
				FlipY:  cfg.GetFanFlipY(),
				SwapXY: cfg.FanSwapXY,
			},
		}
		if cfg.FanCount != nil {
			opts.FanCount = *cfg.FanCount
		}
		for _, dev := range snap.ByClass(classes...) {
			perm, err := order.FanRings(dev.LEDs, opts)
			if err != nil {
				return orders, fmt.Errorf("fan ring order for %s: %w", dev.Label(), err)
			}
			orders.set(dev.ID, perm)
		}
	}

	if cfg.AIOCluster != nil && *cfg.AIOCluster {
		opts := aioOptions(cfg, cfg.GetAIOAngleStart(), cfg.GetAIOAngleDirection())
		opts.PumpFirst = cfg.AIOPumpFirst
		for _, dev := range snap.ByClass(topology.ClassCooler) {
			groups, err := order.AIOClusters(dev.LEDs, opts)
			if err != nil {
				return orders, fmt.Errorf("cooler cluster order for %s: %w", dev.Label(), err)
			}
			var perm []int
			for _, g := range groups {
				perm = append(perm, g...)
			}
			orders.set(dev.ID, perm)
		}
	}

	if err := applyMousematOrder(orders, snap, cfg); err != nil {
		return orders, err
	}
	return orders, nil
}

func applyMousematOrder(orders Orders, snap *topology.Snapshot, cfg *config.Config) error {
	mats := snap.ByClass(topology.ClassMousemat)
	if len(mats) == 0 {
		return nil
	}
	switch cfg.MousematOrderMode {
	case "index":
		for _, dev := range mats {
			orders.set(dev.ID, order.IndexOrder(dev.LEDCount(), cfg.MousematReverse))
		}
	case "angle":
		t := mousematTransform(cfg.MousematSerpentine)
		for _, dev := range mats {
			perm := order.AngleOrder(t.Points(dev.LEDs),
				compassOr(cfg.MousematAngleStart, order.CompassLeft),
				rotationOr(cfg.MousematAngleDirection))
			if cfg.MousematReverse {
				perm = order.Reverse(perm)
			}
			orders.set(dev.ID, perm)
		}
	default:
		if !cfg.MousematSerpentine.SerpentineEnabled() {
			return nil
		}
		opts := serpentineOptions(cfg.MousematSerpentine, "left", "top", "linear")
		if opts.Rows == 0 {
			opts.Rows = 1
		}
		for _, dev := range mats {
			perm, err := order.Serpentine(dev.LEDs, opts)
			if err != nil {
				return fmt.Errorf("mousemat order for %s: %w", dev.Label(), err)
			}
			if cfg.MousematReverse {
				perm = order.Reverse(perm)
			}
			orders.set(dev.ID, perm)
		}
	}
	return nil
}

func applySerpentine(orders Orders, snap *topology.Snapshot, opts order.SerpentineOptions, class topology.DeviceClass) error {
	for _, dev := range snap.ByClass(class) {
		perm, err := order.Serpentine(dev.LEDs, opts)
		if err != nil {
			return fmt.Errorf("serpentine order for %s: %w", dev.Label(), err)
		}
		orders.set(dev.ID, perm)
	}
	return nil
}

func serpentineOptions(sc *config.SerpentineConfig, firstDir, rowOrder, mode string) order.SerpentineOptions {
	opts := order.SerpentineOptions{FirstDir: firstDir, RowOrder: rowOrder, Linear: mode == "linear"}
	if sc == nil {
		return opts
	}
	if sc.RowTolerance != nil {
		opts.RowTolerance = *sc.RowTolerance
	}
	if sc.Rows != nil {
		opts.Rows = *sc.Rows
	}
	if sc.FirstDir != "" {
		opts.FirstDir = sc.FirstDir
	}
	if sc.RowOrder != "" {
		opts.RowOrder = sc.RowOrder
	}
	if sc.Mode != "" {
		opts.Linear = sc.Mode == "linear"
	}
	opts.Transform = order.Transform{FlipX: sc.FlipX, FlipY: sc.FlipY, SwapXY: sc.SwapXY}
	return opts
}

func mousematTransform(sc *config.SerpentineConfig) order.Transform {
	if sc == nil {
		return order.Transform{}
	}
	return order.Transform{FlipX: sc.FlipX, FlipY: sc.FlipY, SwapXY: sc.SwapXY}
}

func aioOptions(cfg *config.Config, start, direction string) order.AIOOptions {
	return order.AIOOptions{
		ClusterCount: cfg.GetAIOClusterCount(),
		GroupSort:    cfg.GetAIOClusterSort(),
		GroupOrder:   cfg.AIOClusterOrder,
		Start:        compassOr(start, order.CompassTop),
		Direction:    rotationOr(direction),
		Transform: order.Transform{
			FlipX:  cfg.AIOFlipX,
			FlipY:  cfg.AIOFlipY,
			SwapXY: cfg.AIOSwapXY,
		},
	}
}

func fanClasses(cfg *config.Config) ([]topology.DeviceClass, error) {
	if len(cfg.FanDeviceTypes) > 0 {
		classes, err := topology.ParseClasses(cfg.FanDeviceTypes)
		if err != nil {
			return nil, fmt.Errorf("fan_device_types: %w", err)
		}
		return classes, nil
	}
	return []topology.DeviceClass{topology.ClassLedController, topology.ClassFan}, nil
}

func stringOr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func compassOr(value string, fallback order.Compass) order.Compass {
	switch value {
	case "top", "bottom", "left", "right":
		return order.Compass(value)
	}
	return fallback
}

func rotationOr(value string) order.Rotation {
	if value == "counter" || value == "counterclockwise" {
		return order.CounterClockwise
	}
	return order.Clockwise
}

func warnEmptyGroup(name string) {
	monitoring.Logf("warning: group %q matched no devices", name)
}
