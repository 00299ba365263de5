package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lumastream/cuebridge/internal/config"
	"github.com/lumastream/cuebridge/internal/order"
	"github.com/lumastream/cuebridge/internal/protocol"
	"github.com/lumastream/cuebridge/internal/topology"
)

// fusionBuilder accumulates the composite stream while tracking which LEDs
// each device has already contributed, so the trailing cooler fans never
// duplicate positions handed out earlier.
type fusionBuilder struct {
	stream   Stream
	seenIDs  map[string]bool
	usedLEDs map[string]map[int]bool
}

func (b *fusionBuilder) ensureDevice(dev *topology.Device) {
	if !b.seenIDs[dev.ID] {
		b.seenIDs[dev.ID] = true
		b.stream.DeviceIDs = append(b.stream.DeviceIDs, dev.ID)
		b.stream.DeviceLabels = append(b.stream.DeviceLabels, dev.Label())
	}
}

func (b *fusionBuilder) used(deviceID string) map[int]bool {
	set, ok := b.usedLEDs[deviceID]
	if !ok {
		set = make(map[int]bool)
		b.usedLEDs[deviceID] = set
	}
	return set
}

func (b *fusionBuilder) add(dev *topology.Device, indices []int, srcIndex int, dedupe bool) {
	b.ensureDevice(dev)
	used := b.used(dev.ID)
	for _, led := range indices {
		if dedupe && used[led] {
			continue
		}
		b.stream.Entries = append(b.stream.Entries, Entry{DeviceID: dev.ID, LED: led, SrcIndex: srcIndex})
		used[led] = true
	}
}

// BuildFusionStream composes every device into one stream with a fixed
// physical walk across the rig: keyboard, mousemat, mouse, case fans with
// the cooler pump spliced in after a configurable fan count, RAM, and
// finally the cooler's own fans.
func BuildFusionStream(cfg *config.Config, snap *topology.Snapshot, orders Orders) (Stream, error) {
	proto, err := protocol.Normalize(cfg.Protocol, protocol.WLED)
	if err != nil {
		return Stream{}, err
	}
	b := &fusionBuilder{
		stream: Stream{
			Name:       "fusion",
			Host:       cfg.GetUDPHost(),
			Port:       cfg.GetFusionPort(),
			Protocol:   proto,
			UpdateMode: "auto",
		},
		seenIDs:  make(map[string]bool),
		usedLEDs: make(map[string]map[int]bool),
	}

	groupsByName := make(map[string]*config.GroupConfig)
	for i := range cfg.Groups {
		name := strings.ToLower(strings.TrimSpace(cfg.Groups[i].Name))
		if name != "" {
			groupsByName[name] = &cfg.Groups[i]
		}
	}
	pick := func(names ...string) *config.GroupConfig {
		for _, name := range names {
			if grp, ok := groupsByName[name]; ok {
				return grp
			}
		}
		return nil
	}

	grpKeyboard := pick("keyboard")
	grpMousemat := pick("mousemat", "pad")
	grpMouse := pick("mouse")
	grpMousematMouse := pick("mousemat_mouse", "mouse_mousemat")
	grpFans := pick("fans", "case_fans")
	grpAIO := pick("aio", "cooler")
	grpRAM := pick("ram", "memory")

	// 1) Keyboard.
	for _, dev := range fusionSelect(snap, grpKeyboard, topology.ClassKeyboard) {
		dev := dev
		b.add(&dev, orders.Device(&dev), -1, false)
	}

	// 2) Mousemat, remembering its span for the optional mouse link.
	linkMouse := grpMousematMouse != nil && grpMousematMouse.LinkMouseToMousematCenter
	matGroup := grpMousematMouse
	if matGroup == nil {
		matGroup = grpMousemat
	}
	matStart := len(b.stream.Entries)
	for _, dev := range fusionSelect(snap, matGroup, topology.ClassMousemat) {
		dev := dev
		b.add(&dev, orders.Device(&dev), -1, false)
	}
	matLen := len(b.stream.Entries) - matStart

	// 3) Mouse, optionally aliased to the mousemat centre pixel.
	mouseGroup := grpMousematMouse
	if mouseGroup == nil {
		mouseGroup = grpMouse
	}
	mouseSrc := -1
	if linkMouse && matLen > 0 {
		mouseSrc = matStart + matLen/2
	}
	for _, dev := range fusionSelect(snap, mouseGroup, topology.ClassMouse) {
		dev := dev
		b.add(&dev, orders.Device(&dev), mouseSrc, false)
	}

	// 4) Cooler pump and fan clusters, computed pump-first so the first
	// cluster is always the pump block.
	type aioPump struct {
		dev  topology.Device
		perm []int
	}
	type aioFans struct {
		dev  topology.Device
		perm []int
	}
	var pumps []aioPump
	var aioFanTails []aioFans
	pumpOpts := aioOptions(cfg, cfg.GetAIOPumpAngleStart(), cfg.GetAIOPumpAngleDirection())
	pumpOpts.PumpFirst = true
	fanOpts := aioOptions(cfg, cfg.GetAIOAngleStart(), cfg.GetAIOAngleDirection())
	fanOpts.PumpFirst = true
	for _, dev := range fusionSelect(snap, grpAIO, topology.ClassCooler) {
		dev := dev
		pumpGroups, err := order.AIOClusters(dev.LEDs, pumpOpts)
		if err != nil {
			return Stream{}, fmt.Errorf("fusion cooler order for %s: %w", dev.Label(), err)
		}
		if len(pumpGroups) == 0 {
			pumps = append(pumps, aioPump{dev, orders.Device(&dev)})
			continue
		}
		pumps = append(pumps, aioPump{dev, pumpGroups[0]})

		fanGroups, err := order.AIOClusters(dev.LEDs, fanOpts)
		if err != nil || len(fanGroups) == 0 {
			fanGroups = pumpGroups
		}
		if len(fanGroups) > 1 {
			var rest []int
			for _, chunk := range fanGroups[1:] {
				rest = append(rest, chunk...)
			}
			if len(rest) > 0 {
				aioFanTails = append(aioFanTails, aioFans{dev, rest})
			}
		}
	}

	pumpWB := ParseWhiteBalance(cfg.AIOPumpWhiteBalance)
	addPump := func() {
		for _, p := range pumps {
			p := p
			if cfg.AIOPumpSplit {
				startSide := cfg.AIOPumpAngleStart
				if startSide == "" {
					startSide = "left"
				}
				pairs := order.PumpPairs(p.dev.LEDs, startSide, pumpOpts.Transform, p.perm)
				if len(pairs) > 0 {
					b.ensureDevice(&p.dev)
					used := b.used(p.dev.ID)
					for _, pair := range pairs {
						if len(pair) == 0 {
							continue
						}
						base := len(b.stream.Entries)
						b.stream.Entries = append(b.stream.Entries,
							Entry{DeviceID: p.dev.ID, LED: pair[0], SrcIndex: -1, WhiteBalance: pumpWB})
						used[pair[0]] = true
						if len(pair) > 1 {
							b.stream.Entries = append(b.stream.Entries,
								Entry{DeviceID: p.dev.ID, LED: pair[1], SrcIndex: base, WhiteBalance: pumpWB})
							used[pair[1]] = true
						}
					}
					continue
				}
			}
			b.add(&p.dev, p.perm, -1, false)
		}
	}

	// 5) Case fans split into per-fan segments, with the pump inserted
	// after the configured fan count.
	type fanSegment struct {
		dev     topology.Device
		indices []int
	}
	var segments []fanSegment
	fanClassList, err := fanClasses(cfg)
	if err != nil {
		return Stream{}, err
	}
	perFan := cfg.GetFanOuterLEDs() + cfg.GetFanInnerLEDs()
	for _, dev := range fusionSelect(snap, grpFans, fanClassList...) {
		dev := dev
		perm := orders.Device(&dev)
		if perFan > 0 && len(perm) >= perFan && len(perm)%perFan == 0 {
			for i := 0; i < len(perm); i += perFan {
				segments = append(segments, fanSegment{dev, perm[i : i+perFan]})
			}
		} else {
			segments = append(segments, fanSegment{dev, perm})
		}
	}
	insertAfter := cfg.GetFusionCPUAfterFan()
	inserted := false
	for count, seg := range segments {
		if count == insertAfter && !inserted {
			addPump()
			inserted = true
		}
		seg := seg
		b.add(&seg.dev, seg.indices, -1, false)
	}
	if !inserted {
		addPump()
	}

	// 6) RAM, left to right.
	ramDevices := fusionSelect(snap, grpRAM, topology.ClassMemoryModule)
	if len(ramDevices) > 0 {
		if cfg.RAMMatchGroupOrder {
			if cfg.RAMGroupLayout == "rows" {
				for i := range ramDevices {
					b.ensureDevice(&ramDevices[i])
				}
				for _, e := range interleavedEntries(ramDevices, orders) {
					b.stream.Entries = append(b.stream.Entries, e)
					b.used(e.DeviceID)[e.LED] = true
				}
			} else {
				for _, dev := range ramDevices {
					dev := dev
					b.add(&dev, orders.Device(&dev), -1, false)
				}
			}
		} else {
			sort.SliceStable(ramDevices, func(i, j int) bool {
				if ramDevices[i].CenterX != ramDevices[j].CenterX {
					return ramDevices[i].CenterX < ramDevices[j].CenterX
				}
				return ramDevices[i].CenterY < ramDevices[j].CenterY
			})
			ramAxis := cfg.FusionRAMLedAxis
			if ramAxis == "" {
				ramAxis = "auto"
			}
			if cfg.FusionRAMMode == "rows" {
				perms := make([][]int, len(ramDevices))
				maxLen := 0
				for i := range ramDevices {
					perm := order.AxisOrder(ramDevices[i].LEDs, ramAxis)
					if cfg.FusionRAMMirror && i%2 == 1 {
						perm = order.Reverse(perm)
					}
					perms[i] = perm
					if len(perm) > maxLen {
						maxLen = len(perm)
					}
				}
				for pos := 0; pos < maxLen; pos++ {
					for i := range ramDevices {
						if pos < len(perms[i]) {
							b.add(&ramDevices[i], perms[i][pos:pos+1], -1, false)
						}
					}
				}
			} else {
				for i := range ramDevices {
					dev := ramDevices[i]
					b.add(&dev, order.AxisOrder(dev.LEDs, ramAxis), -1, false)
				}
			}
		}
	}

	// 7) Cooler fans at the tail, skipping anything the pump already took.
	for _, tail := range aioFanTails {
		tail := tail
		b.add(&tail.dev, tail.perm, -1, true)
	}

	if len(b.stream.Entries) == 0 {
		return Stream{}, fmt.Errorf("fusion mode: %w", ErrNoLEDs)
	}
	return b.stream, nil
}

// fusionSelect applies a named group's filters restricted to the forced
// device classes, falling back to a bare class match when the group is not
// configured.
func fusionSelect(snap *topology.Snapshot, grp *config.GroupConfig, classes ...topology.DeviceClass) []topology.Device {
	filter := topology.Filter{IncludeClasses: classes}
	sortKey := ""
	var wantIDs []string
	if grp != nil {
		wantIDs = grp.DeviceIDs
		filter.ModelContains = grp.ModelContains
		filter.SerialContains = grp.SerialContains
		if exclude, err := topology.ParseClasses(grp.DeviceTypesExclude); err == nil {
			filter.ExcludeClasses = exclude
		}
		sortKey = strings.ToLower(strings.TrimSpace(grp.DeviceSort))
	}
	selected := snap.Select(filter)
	if len(wantIDs) > 0 {
		// The class restriction stays in force even with an explicit ID
		// list; both must match.
		kept := selected[:0]
		for _, dev := range selected {
			for _, id := range wantIDs {
				if strings.EqualFold(id, dev.ID) {
					kept = append(kept, dev)
					break
				}
			}
		}
		selected = kept
	}
	if sortKey != "" {
		topology.SortDevices(selected, sortKey)
	}
	return selected
}
