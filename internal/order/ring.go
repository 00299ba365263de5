package order

import (
	"fmt"
	"sort"

	"github.com/lumastream/cuebridge/internal/topology"
)

// RingMode selects how a fan's outer and inner rings are separated.
type RingMode string

const (
	// RingByIndex trusts the SDK LED numbering: the first OuterLEDs
	// indices are the outer ring, the next InnerLEDs the inner one.
	RingByIndex RingMode = "index"
	// RingByAngle splits rings by distance from the fan centre and sweeps
	// each ring angularly.
	RingByAngle RingMode = "angle"
)

// FanOptions configures ring traversal for fans and LED-controller channels
// that daisy-chain several fans on one device.
type FanOptions struct {
	OuterLEDs int
	InnerLEDs int
	// FanCount fixes the number of fans on the device. Zero derives it
	// from the LED count.
	FanCount  int
	Start     Compass
	Direction Rotation
	Mode      RingMode
	// GroupSort orders discovered fan clusters spatially ("x", "y", "xy",
	// "yx") before traversal.
	GroupSort string
	// GroupOrder overrides the fan sequence explicitly (1-based accepted).
	GroupOrder []int
	// Cluster groups LEDs into fans by spatial clustering instead of
	// contiguous index blocks.
	Cluster bool
	// LockToFirst reuses the first fan's ring pattern for every fan, for
	// devices whose fans are wired identically.
	LockToFirst bool
	InnerFirst  bool
	Transform   Transform
}

// FanRings orders a fan device's LEDs ring by ring, fan by fan. The LED
// count must split evenly into FanCount fans of OuterLEDs+InnerLEDs each;
// anything else is a configuration error surfaced before any frame flows.
func FanRings(leds []topology.LED, opts FanOptions) ([]int, error) {
	perFan := opts.OuterLEDs + opts.InnerLEDs
	if perFan <= 0 {
		return nil, fmt.Errorf("%w: outer_leds+inner_leds must be positive", ErrBadPartition)
	}
	total := len(leds)
	if total == 0 {
		return nil, nil
	}

	fanCount := opts.FanCount
	if fanCount <= 0 {
		if total%perFan != 0 {
			return nil, fmt.Errorf("%w: %d LEDs with %d per fan", ErrBadPartition, total, perFan)
		}
		fanCount = total / perFan
	} else if fanCount*perFan != total {
		return nil, fmt.Errorf("%w: %d fans x %d LEDs covers %d, device has %d",
			ErrBadPartition, fanCount, perFan, fanCount*perFan, total)
	}

	points := opts.Transform.Points(leds)

	var out []int
	if opts.Cluster {
		clusters := sortClusters(kmeans2D(points, fanCount), opts.GroupSort)
		if seq := normalizeSequence(opts.GroupOrder, len(clusters)); seq != nil {
			reordered := make([][]Point, len(seq))
			for i, ci := range seq {
				reordered[i] = clusters[ci]
			}
			clusters = reordered
		}
		for _, cluster := range clusters {
			out = append(out, ringOrder(cluster, opts)...)
		}
	} else {
		groups := make([][]Point, fanCount)
		for fan := 0; fan < fanCount; fan++ {
			groups[fan] = points[fan*perFan : (fan+1)*perFan]
		}
		if seq := normalizeSequence(opts.GroupOrder, fanCount); seq != nil {
			reordered := make([][]Point, len(seq))
			for i, gi := range seq {
				reordered[i] = groups[gi]
			}
			groups = reordered
		}
		var basePattern []int
		for _, group := range groups {
			if opts.LockToFirst && basePattern != nil {
				base := group[0].Index
				for _, off := range basePattern {
					out = append(out, base+off)
				}
				continue
			}
			ring := ringOrder(group, opts)
			if opts.LockToFirst {
				base := group[0].Index
				basePattern = make([]int, len(ring))
				for i, v := range ring {
					basePattern[i] = v - base
				}
			}
			out = append(out, ring...)
		}
	}

	if err := checkBijection(out, total); err != nil {
		return nil, err
	}
	return out, nil
}

// ringOrder traverses one fan's LEDs: outer ring then inner ring (or the
// reverse), each swept from the start compass point in the configured
// rotation.
func ringOrder(points []Point, opts FanOptions) []int {
	if len(points) == 0 {
		return nil
	}
	if opts.Mode != RingByAngle {
		indices := make([]int, len(points))
		for i, p := range points {
			indices[i] = p.Index
		}
		outer := indices[:min(opts.OuterLEDs, len(indices))]
		inner := indices[len(outer):min(opts.OuterLEDs+opts.InnerLEDs, len(indices))]
		if opts.Direction == CounterClockwise {
			outer = Reverse(outer)
			inner = Reverse(inner)
		}
		if opts.InnerFirst {
			return append(append([]int{}, inner...), outer...)
		}
		return append(append([]int{}, outer...), inner...)
	}

	cx, cy := centroid(points)
	byDist := append([]Point(nil), points...)
	sort.SliceStable(byDist, func(i, j int) bool {
		di := (byDist[i].X-cx)*(byDist[i].X-cx) + (byDist[i].Y-cy)*(byDist[i].Y-cy)
		dj := (byDist[j].X-cx)*(byDist[j].X-cx) + (byDist[j].Y-cy)*(byDist[j].Y-cy)
		return di > dj
	})
	outerPts := byDist[:min(opts.OuterLEDs, len(byDist))]
	innerPts := byDist[len(outerPts):min(opts.OuterLEDs+opts.InnerLEDs, len(byDist))]

	outer := angleOrderAround(outerPts, cx, cy, opts.Start, opts.Direction)
	inner := angleOrderAround(innerPts, cx, cy, opts.Start, opts.Direction)
	if opts.InnerFirst {
		return append(inner, outer...)
	}
	return append(outer, inner...)
}
