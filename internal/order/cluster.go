package order

import (
	"sort"

	"github.com/lumastream/cuebridge/internal/topology"
)

// AIOOptions configures cluster traversal for all-in-one liquid coolers,
// where one SDK device carries a pump block plus its fans as distinct
// spatial clusters of LEDs.
type AIOOptions struct {
	// ClusterCount is the number of spatial groups (pump + fans) to
	// discover. Clamped to the LED count.
	ClusterCount int
	// GroupSort orders discovered clusters spatially ("x", "y", "xy",
	// "yx") before traversal.
	GroupSort string
	// GroupOrder overrides the cluster sequence explicitly (1-based
	// accepted). Takes precedence over PumpFirst.
	GroupOrder []int
	// PumpFirst moves the cluster nearest the device centroid (the pump
	// block sits between the fans) to the front.
	PumpFirst bool
	Start     Compass
	Direction Rotation
	Transform Transform
}

// AIOClusters partitions a cooler's LEDs into spatial clusters and sweeps
// each cluster angularly. The result keeps clusters separate so the routing
// layer can address the pump block apart from the fans; concatenating the
// groups yields a full device order.
func AIOClusters(leds []topology.LED, opts AIOOptions) ([][]int, error) {
	if len(leds) == 0 {
		return nil, nil
	}
	points := opts.Transform.Points(leds)

	k := opts.ClusterCount
	if k < 1 {
		k = 1
	}
	if k > len(points) {
		k = len(points)
	}

	clusters := sortClusters(kmeans2D(points, k), opts.GroupSort)
	if seq := normalizeSequence(opts.GroupOrder, len(clusters)); seq != nil {
		reordered := make([][]Point, len(seq))
		for i, ci := range seq {
			reordered[i] = clusters[ci]
		}
		clusters = reordered
	} else if opts.PumpFirst && len(clusters) > 1 {
		gx, gy := centroid(points)
		pumpIdx, best := 0, -1.0
		for i, cluster := range clusters {
			cx, cy := centroid(cluster)
			d := (cx-gx)*(cx-gx) + (cy-gy)*(cy-gy)
			if best < 0 || d < best {
				pumpIdx, best = i, d
			}
		}
		if pumpIdx != 0 {
			pump := clusters[pumpIdx]
			clusters = append(clusters[:pumpIdx], clusters[pumpIdx+1:]...)
			clusters = append([][]Point{pump}, clusters...)
		}
	}

	groups := make([][]int, 0, len(clusters))
	flat := 0
	for _, cluster := range clusters {
		order := AngleOrder(cluster, opts.Start, opts.Direction)
		groups = append(groups, order)
		flat += len(order)
	}

	joined := make([]int, 0, flat)
	for _, g := range groups {
		joined = append(joined, g...)
	}
	if err := checkBijection(joined, len(leds)); err != nil {
		return nil, err
	}
	return groups, nil
}

// PumpPairs splits a pump block's LEDs into a top and bottom arc and walks
// both in lockstep, yielding left/right pairs that light symmetrically when
// the source strip runs along one edge. Each pair holds one or two LED
// indices; allowed restricts the walk to a subset of the device's LEDs
// (nil means all).
func PumpPairs(leds []topology.LED, start string, t Transform, allowed []int) [][]int {
	var points []Point
	if allowed != nil {
		allowedSet := make(map[int]bool, len(allowed))
		for _, i := range allowed {
			allowedSet[i] = true
		}
		for _, p := range t.Points(leds) {
			if allowedSet[p.Index] {
				points = append(points, p)
			}
		}
	} else {
		points = t.Points(leds)
	}
	if len(points) == 0 {
		return nil
	}

	_, cy := centroid(points)
	var top, bottom []Point
	for _, p := range points {
		if p.Y <= cy {
			top = append(top, p)
		} else {
			bottom = append(bottom, p)
		}
	}

	reverse := start == "right"
	sortArc := func(arc []Point) {
		sort.SliceStable(arc, func(i, j int) bool {
			if arc[i].X != arc[j].X {
				if reverse {
					return arc[i].X > arc[j].X
				}
				return arc[i].X < arc[j].X
			}
			if reverse {
				return arc[i].Y > arc[j].Y
			}
			return arc[i].Y < arc[j].Y
		})
	}
	sortArc(top)
	sortArc(bottom)

	n := len(top)
	if len(bottom) > n {
		n = len(bottom)
	}
	pairs := make([][]int, 0, n)
	for i := 0; i < n; i++ {
		var pair []int
		if i < len(top) {
			pair = append(pair, top[i].Index)
		}
		if i < len(bottom) {
			pair = append(pair, bottom[i].Index)
		}
		pairs = append(pairs, pair)
	}
	return pairs
}
