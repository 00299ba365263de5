// Package order computes per-device LED traversal orders. Every strategy is
// a pure function from a device's LED set (with SDK coordinates) and a set of
// options to a permutation of the LED indices. Strategies never touch
// hardware; the routing layer composes their output into routing tables.
package order

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/lumastream/cuebridge/internal/topology"
)

// ErrBadPartition reports a ring/cluster configuration that does not evenly
// partition a device's LED count. Surfaced at table-build time, never at
// frame time.
var ErrBadPartition = errors.New("LED count does not partition evenly")

// Point is one LED lifted into the working coordinate frame. Index refers to
// the LED's position in the device's SDK-native LED list.
type Point struct {
	Index int
	X, Y  float64
}

// Transform mirrors and/or transposes SDK coordinates before a strategy
// clusters or sorts them. Devices mounted rotated or mirrored need this; the
// SDK reports coordinates in its own screen-space convention.
type Transform struct {
	FlipX, FlipY, SwapXY bool
}

// Points lifts a device's LEDs into the working frame, applying t.
func (t Transform) Points(leds []topology.LED) []Point {
	points := make([]Point, len(leds))
	for i, led := range leds {
		x, y := led.X, led.Y
		if t.FlipX {
			x = -x
		}
		if t.FlipY {
			y = -y
		}
		if t.SwapXY {
			x, y = y, x
		}
		points[i] = Point{Index: i, X: x, Y: y}
	}
	return points
}

// Compass is a traversal start direction for angular strategies.
type Compass string

const (
	CompassTop    Compass = "top"
	CompassBottom Compass = "bottom"
	CompassLeft   Compass = "left"
	CompassRight  Compass = "right"
)

func (c Compass) startAngle() float64 {
	switch c {
	case CompassRight:
		return 0
	case CompassLeft:
		return math.Pi
	case CompassBottom:
		return -math.Pi / 2
	default: // top
		return math.Pi / 2
	}
}

// Rotation is the traversal direction for angular strategies.
type Rotation string

const (
	Clockwise        Rotation = "clockwise"
	CounterClockwise Rotation = "counter"
)

// IndexOrder returns the identity permutation over n LEDs, reversed on
// request. It is the escape hatch when coordinate data is unusable.
func IndexOrder(n int, reverse bool) []int {
	out := make([]int, n)
	for i := range out {
		if reverse {
			out[i] = n - 1 - i
		} else {
			out[i] = i
		}
	}
	return out
}

// Reverse returns a reversed copy of a permutation.
func Reverse(perm []int) []int {
	out := make([]int, len(perm))
	for i, v := range perm {
		out[len(perm)-1-i] = v
	}
	return out
}

// AngleOrder sorts points by their angle around the centroid, starting at
// the given compass direction and proceeding in the given rotation. Used
// directly for mousemat perimeter strips and as a primitive by the ring and
// cluster strategies.
func AngleOrder(points []Point, start Compass, rotation Rotation) []int {
	if len(points) == 0 {
		return nil
	}
	cx, cy := centroid(points)
	return angleOrderAround(points, cx, cy, start, rotation)
}

func angleOrderAround(points []Point, cx, cy float64, start Compass, rotation Rotation) []int {
	type angular struct {
		delta float64
		index int
	}
	startAngle := start.startAngle()
	byAngle := make([]angular, len(points))
	for i, p := range points {
		angle := math.Atan2(p.Y-cy, p.X-cx)
		var delta float64
		if rotation == CounterClockwise {
			delta = math.Mod(angle-startAngle, 2*math.Pi)
		} else {
			delta = math.Mod(startAngle-angle, 2*math.Pi)
		}
		if delta < 0 {
			delta += 2 * math.Pi
		}
		byAngle[i] = angular{delta, p.Index}
	}
	sort.SliceStable(byAngle, func(i, j int) bool { return byAngle[i].delta < byAngle[j].delta })
	out := make([]int, len(byAngle))
	for i, a := range byAngle {
		out[i] = a.index
	}
	return out
}

func centroid(points []Point) (float64, float64) {
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.X
		ys[i] = p.Y
	}
	return floats.Sum(xs) / float64(len(xs)), floats.Sum(ys) / float64(len(ys))
}

// normalizeSequence validates a user-supplied cluster/fan sequence. Both
// 1-based and 0-based inputs are accepted (an all-positive list is taken as
// 1-based); out-of-range entries are dropped and missing positions appended
// in natural order. Returns nil when the input provides no usable ordering.
func normalizeSequence(seq []int, count int) []int {
	if len(seq) == 0 {
		return nil
	}
	oneBased := true
	for _, v := range seq {
		if v < 1 {
			oneBased = false
			break
		}
	}
	var out []int
	seen := make(map[int]bool)
	for _, v := range seq {
		if oneBased {
			v--
		}
		if v < 0 || v >= count || seen[v] {
			continue
		}
		out = append(out, v)
		seen[v] = true
	}
	if len(out) == 0 {
		return nil
	}
	for i := 0; i < count; i++ {
		if !seen[i] {
			out = append(out, i)
		}
	}
	return out
}

// kmeans2D partitions points into k spatial clusters. Centres are seeded
// from coordinate quantiles so runs are deterministic, then refined with
// standard Lloyd iterations.
func kmeans2D(points []Point, k int) [][]Point {
	if len(points) == 0 || k <= 1 {
		return [][]Point{points}
	}
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.X
		ys[i] = p.Y
	}
	sort.Float64s(xs)
	sort.Float64s(ys)

	type center struct{ x, y float64 }
	centers := make([]center, k)
	for i := 0; i < k; i++ {
		q := 0.0
		if k > 1 {
			q = float64(i) / float64(k-1)
		}
		idx := int(q * float64(len(points)-1))
		centers[i] = center{xs[idx], ys[idx]}
	}

	assign := func() [][]Point {
		clusters := make([][]Point, k)
		for _, p := range points {
			best, bestDist := 0, math.Inf(1)
			for j, c := range centers {
				d := (p.X-c.x)*(p.X-c.x) + (p.Y-c.y)*(p.Y-c.y)
				if d < bestDist {
					best, bestDist = j, d
				}
			}
			clusters[best] = append(clusters[best], p)
		}
		return clusters
	}

	for iter := 0; iter < 20; iter++ {
		clusters := assign()
		shift := 0.0
		for i, cluster := range clusters {
			if len(cluster) == 0 {
				continue
			}
			cx, cy := centroid(cluster)
			dx, dy := cx-centers[i].x, cy-centers[i].y
			if d := dx*dx + dy*dy; d > shift {
				shift = d
			}
			centers[i] = center{cx, cy}
		}
		if shift < 1e-4 {
			break
		}
	}
	return assign()
}

// sortClusters orders cluster centres along an axis key ("x", "y", "xy",
// "yx"); the default is x then y, matching left-to-right physical layouts.
func sortClusters(clusters [][]Point, key string) [][]Point {
	nonEmpty := clusters[:0:0]
	for _, c := range clusters {
		if len(c) > 0 {
			nonEmpty = append(nonEmpty, c)
		}
	}
	sort.SliceStable(nonEmpty, func(i, j int) bool {
		xi, yi := centroid(nonEmpty[i])
		xj, yj := centroid(nonEmpty[j])
		switch key {
		case "y", "yx":
			if yi != yj {
				return yi < yj
			}
			return xi < xj
		default:
			if xi != xj {
				return xi < xj
			}
			return yi < yj
		}
	})
	return nonEmpty
}

// checkBijection verifies that perm is a permutation of 0..n-1. Strategy
// implementations call it before returning; a violated invariant here is a
// bug, not a configuration error.
func checkBijection(perm []int, n int) error {
	if len(perm) != n {
		return fmt.Errorf("order covers %d of %d LEDs", len(perm), n)
	}
	seen := make([]bool, n)
	for _, v := range perm {
		if v < 0 || v >= n || seen[v] {
			return fmt.Errorf("order is not a bijection: duplicate or out-of-range index %d", v)
		}
		seen[v] = true
	}
	return nil
}
