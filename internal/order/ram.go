package order

import (
	"sort"

	"github.com/lumastream/cuebridge/internal/topology"
)

// AxisOrder sorts a device's LEDs along a single axis, the natural order
// for RAM sticks and linear strips. Axis "auto" picks the longer extent of
// the coordinate bounding box.
func AxisOrder(leds []topology.LED, axis string) []int {
	if len(leds) == 0 {
		return nil
	}
	points := Transform{}.Points(leds)

	if axis == "" || axis == "auto" {
		minX, maxX := points[0].X, points[0].X
		minY, maxY := points[0].Y, points[0].Y
		for _, p := range points[1:] {
			if p.X < minX {
				minX = p.X
			}
			if p.X > maxX {
				maxX = p.X
			}
			if p.Y < minY {
				minY = p.Y
			}
			if p.Y > maxY {
				maxY = p.Y
			}
		}
		if maxX-minX >= maxY-minY {
			axis = "x"
		} else {
			axis = "y"
		}
	}

	byY := axis == "y"
	sort.SliceStable(points, func(i, j int) bool {
		if byY {
			if points[i].Y != points[j].Y {
				return points[i].Y < points[j].Y
			}
			return points[i].X < points[j].X
		}
		if points[i].X != points[j].X {
			return points[i].X < points[j].X
		}
		return points[i].Y < points[j].Y
	})

	out := make([]int, len(points))
	for i, p := range points {
		out[i] = p.Index
	}
	return out
}
