package routing

import (
	"fmt"
	"strings"

	"github.com/lumastream/cuebridge/internal/config"
	"github.com/lumastream/cuebridge/internal/order"
	"github.com/lumastream/cuebridge/internal/protocol"
	"github.com/lumastream/cuebridge/internal/topology"
)

// StreamsForMode builds the stream set for a routing mode. Unique mode maps
// each configured group to its own stream, group mode funnels every device
// into one stream, fusion composes the fixed full-rig layout.
func StreamsForMode(mode string, cfg *config.Config, snap *topology.Snapshot, orders Orders) ([]Stream, error) {
	var streams []Stream
	var err error
	switch mode {
	case "group":
		var s Stream
		s, err = BuildAllStream(cfg, snap, orders)
		streams = []Stream{s}
	case "fusion":
		var s Stream
		s, err = BuildFusionStream(cfg, snap, orders)
		streams = []Stream{s}
	default:
		streams, err = BuildGroupStreams(cfg, snap, orders)
		if err == nil && len(streams) == 0 {
			err = fmt.Errorf("unique mode needs groups in the configuration: %w", ErrNoLEDs)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := ValidateStreams(streams); err != nil {
		return nil, err
	}
	return streams, nil
}

// BuildGroupStreams builds one stream per configured group. A device may
// appear in at most one group; overlapping selections are rejected so two
// streams never race on the same LEDs.
func BuildGroupStreams(cfg *config.Config, snap *topology.Snapshot, orders Orders) ([]Stream, error) {
	defaultProto, err := protocol.Normalize(cfg.Protocol, protocol.WLED)
	if err != nil {
		return nil, err
	}
	pumpWB := ParseWhiteBalance(cfg.AIOPumpWhiteBalance)

	var streams []Stream
	claimed := make(map[string]string)
	for i := range cfg.Groups {
		grp := &cfg.Groups[i]
		name := grp.Name
		if name == "" {
			name = fmt.Sprintf("group_%d", i+1)
		}

		proto, err := protocol.Normalize(grp.Protocol, defaultProto)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", name, err)
		}
		filter, err := groupFilter(grp)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", name, err)
		}
		selected := snap.Select(filter)
		selected = sortGroupDevices(selected, grp, cfg, name, filter)
		if len(selected) == 0 {
			warnEmptyGroup(name)
			continue
		}
		for i := range selected {
			if owner, ok := claimed[selected[i].ID]; ok {
				return nil, fmt.Errorf("%w: %s claimed by %q and %q",
					ErrConflictingFilters, selected[i].Label(), owner, name)
			}
			claimed[selected[i].ID] = name
		}

		stream := Stream{
			Name:              name,
			Host:              grp.GetUDPHost(cfg.GetUDPHost()),
			Port:              *grp.UDPPort,
			Protocol:          proto,
			UpdateMode:        grp.GetUpdateMode(),
			KeepaliveReapply:  groupKeepaliveReapply(grp, name),
			IdleClearDisabled: grp.IdleClearDisabled,
			IdleClearSeconds:  grp.IdleClearSeconds,
		}
		for i := range selected {
			stream.DeviceIDs = append(stream.DeviceIDs, selected[i].ID)
			stream.DeviceLabels = append(stream.DeviceLabels, selected[i].Label())
		}

		if isRAMGroup(name, filter) && cfg.RAMGroupLayout == "rows" {
			stream.Entries = interleavedEntries(selected, orders)
			streams = append(streams, stream)
			continue
		}

		pumpSplit := cfg.AIOPumpSplit || grp.PumpSplit
		var mouseIDs []string
		matRange := [2]int{-1, 0}
		for di := range selected {
			dev := &selected[di]
			start := len(stream.Entries)
			if pumpSplit && dev.Class == topology.ClassCooler {
				stream.Entries = pumpSplitEntries(stream.Entries, dev, cfg, orders, pumpWB)
			} else {
				stream.Entries = appendEntries(stream.Entries, dev.ID, orders.Device(dev))
			}
			switch dev.Class {
			case topology.ClassMouse:
				mouseIDs = append(mouseIDs, dev.ID)
			case topology.ClassMousemat:
				if matRange[0] < 0 {
					matRange = [2]int{start, len(stream.Entries) - start}
				}
			}
		}

		if grp.LinkMouseToMousematCenter && matRange[0] >= 0 && matRange[1] > 0 && len(mouseIDs) > 0 {
			src := matRange[0] + matRange[1]/2
			mouseSet := make(map[string]bool, len(mouseIDs))
			for _, id := range mouseIDs {
				mouseSet[id] = true
			}
			for ei := range stream.Entries {
				if mouseSet[stream.Entries[ei].DeviceID] {
					stream.Entries[ei].SrcIndex = src
				}
			}
		}

		streams = append(streams, stream)
	}
	return streams, nil
}

// BuildAllStream funnels every enumerated device into a single stream in
// snapshot order. RAM sticks can be interleaved row-wise so a single source
// gradient crosses all sticks at once.
func BuildAllStream(cfg *config.Config, snap *topology.Snapshot, orders Orders) (Stream, error) {
	proto, err := protocol.Normalize(cfg.Protocol, protocol.WLED)
	if err != nil {
		return Stream{}, err
	}
	stream := Stream{
		Name:       "group",
		Host:       cfg.GetUDPHost(),
		Port:       cfg.GetGroupPort(),
		Protocol:   proto,
		UpdateMode: "auto",
	}

	ramRows := cfg.RAMGroupLayout == "rows"
	ramDevices := snap.ByClass(topology.ClassMemoryModule)
	ramInserted := false
	for i := range snap.Devices {
		dev := &snap.Devices[i]
		stream.DeviceIDs = append(stream.DeviceIDs, dev.ID)
		stream.DeviceLabels = append(stream.DeviceLabels, dev.Label())
		if ramRows && dev.Class == topology.ClassMemoryModule && len(ramDevices) > 0 {
			if !ramInserted {
				stream.Entries = append(stream.Entries, interleavedEntries(ramDevices, orders)...)
				ramInserted = true
			}
			continue
		}
		stream.Entries = appendEntries(stream.Entries, dev.ID, orders.Device(dev))
	}
	if len(stream.Entries) == 0 {
		return Stream{}, fmt.Errorf("group mode: %w", ErrNoLEDs)
	}
	return stream, nil
}

// interleavedEntries walks the same traversal position across all devices
// before advancing, so row N of every RAM stick lights together.
func interleavedEntries(devices []topology.Device, orders Orders) []Entry {
	perms := make([][]int, len(devices))
	maxLen := 0
	for i := range devices {
		perms[i] = orders.Device(&devices[i])
		if len(perms[i]) > maxLen {
			maxLen = len(perms[i])
		}
	}
	var entries []Entry
	for pos := 0; pos < maxLen; pos++ {
		for i := range devices {
			if pos < len(perms[i]) {
				entries = append(entries, Entry{DeviceID: devices[i].ID, LED: perms[i][pos], SrcIndex: -1})
			}
		}
	}
	return entries
}

// pumpSplitEntries renders a cooler with its pump block as left/right pairs
// fed from one stream position each, followed by the cooler's remaining
// LEDs in traversal order.
func pumpSplitEntries(entries []Entry, dev *topology.Device, cfg *config.Config, orders Orders, pumpWB *WhiteBalance) []Entry {
	opts := aioOptions(cfg, cfg.GetAIOPumpAngleStart(), cfg.GetAIOPumpAngleDirection())
	opts.PumpFirst = true
	groups, err := order.AIOClusters(dev.LEDs, opts)
	if err != nil || len(groups) == 0 {
		return appendEntries(entries, dev.ID, orders.Device(dev))
	}
	allowed := groups[0]

	startSide := cfg.AIOPumpAngleStart
	if startSide == "" {
		startSide = "left"
	}
	pairs := order.PumpPairs(dev.LEDs, startSide, opts.Transform, allowed)
	if len(pairs) == 0 {
		return appendEntries(entries, dev.ID, orders.Device(dev))
	}

	allowedSet := make(map[int]bool, len(allowed))
	for _, i := range allowed {
		allowedSet[i] = true
	}
	for _, pair := range pairs {
		if len(pair) == 0 {
			continue
		}
		base := len(entries)
		entries = append(entries, Entry{DeviceID: dev.ID, LED: pair[0], SrcIndex: -1, WhiteBalance: pumpWB})
		if len(pair) > 1 {
			entries = append(entries, Entry{DeviceID: dev.ID, LED: pair[1], SrcIndex: base, WhiteBalance: pumpWB})
		}
	}
	for _, led := range orders.Device(dev) {
		if !allowedSet[led] {
			entries = append(entries, Entry{DeviceID: dev.ID, LED: led, SrcIndex: -1})
		}
	}
	return entries
}

func groupFilter(grp *config.GroupConfig) (topology.Filter, error) {
	include, err := topology.ParseClasses(grp.DeviceTypesInclude)
	if err != nil {
		return topology.Filter{}, err
	}
	exclude, err := topology.ParseClasses(grp.DeviceTypesExclude)
	if err != nil {
		return topology.Filter{}, err
	}
	return topology.Filter{
		DeviceIDs:      grp.DeviceIDs,
		IncludeClasses: include,
		ExcludeClasses: exclude,
		ModelContains:  grp.ModelContains,
		SerialContains: grp.SerialContains,
	}, nil
}

// sortGroupDevices applies the group's sort key. Without one, mixed
// mouse+mousemat groups still get a deterministic order, mousemat first,
// so stream indices never drift between runs.
func sortGroupDevices(selected []topology.Device, grp *config.GroupConfig, cfg *config.Config, name string, filter topology.Filter) []topology.Device {
	sortKey := strings.ToLower(strings.TrimSpace(grp.DeviceSort))
	if cfg.RAMMatchGroupOrder && isRAMGroup(name, filter) {
		sortKey = ""
	}
	if sortKey != "" {
		topology.SortDevices(selected, sortKey)
		return selected
	}
	var mats, mice, others []topology.Device
	for _, dev := range selected {
		switch dev.Class {
		case topology.ClassMousemat:
			mats = append(mats, dev)
		case topology.ClassMouse:
			mice = append(mice, dev)
		default:
			others = append(others, dev)
		}
	}
	if len(mats) == 0 || len(mice) == 0 {
		return selected
	}
	out := append(mats, mice...)
	return append(out, others...)
}

func isRAMGroup(name string, filter topology.Filter) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ram", "memory":
		return true
	}
	if len(filter.IncludeClasses) == 0 {
		return false
	}
	for _, class := range filter.IncludeClasses {
		if class != topology.ClassMemoryModule {
			return false
		}
	}
	return true
}

func groupKeepaliveReapply(grp *config.GroupConfig, name string) *bool {
	if grp.KeepaliveReapply != nil {
		return grp.KeepaliveReapply
	}
	// Mixed mouse+mousemat streams stutter when keepalives replay stale
	// frames over a live effect, so they default to off.
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mousemat_mouse", "mouse_mousemat":
		off := false
		return &off
	}
	return nil
}
