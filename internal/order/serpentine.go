package order

import (
	"math"
	"sort"

	"github.com/lumastream/cuebridge/internal/topology"
)

// SerpentineOptions configures row-by-row traversal for grid-shaped devices
// (keyboards, mousemats, LED panels).
type SerpentineOptions struct {
	// RowTolerance groups LEDs whose Y coordinates differ by at most this
	// much into one row. Zero derives a tolerance from the smallest Y gap
	// in the coordinate data.
	RowTolerance float64
	// Rows forces an explicit row count via 1-D clustering on Y instead of
	// gap-based grouping. Zero or one disables it.
	Rows int
	// FirstDir is the traversal direction of the first row, "left" or
	// "right".
	FirstDir string
	// RowOrder is "top" or "bottom": which row the traversal starts at.
	// Only honored by tolerance-based row grouping; with an explicit Rows
	// count the traversal always starts at the top.
	RowOrder string
	// Linear disables the direction alternation between rows, producing a
	// raster scan instead of a serpentine.
	Linear    bool
	Transform Transform
}

// Serpentine orders LEDs row by row, alternating direction between rows.
// Rows are discovered from Y coordinates, either by gap tolerance or by
// clustering into an explicit row count.
func Serpentine(leds []topology.LED, opts SerpentineOptions) ([]int, error) {
	if len(leds) == 0 {
		return nil, nil
	}
	points := opts.Transform.Points(leds)

	var rows [][]Point
	if opts.Rows > 1 {
		rows = clusterRows(points, opts.Rows)
	}
	if rows == nil {
		rows = toleranceRows(points, opts.RowTolerance, opts.RowOrder)
	}

	firstDir := opts.FirstDir
	if firstDir == "" {
		firstDir = "left"
	}
	out := make([]int, 0, len(points))
	for rowIdx, row := range rows {
		var reverse bool
		if opts.Linear {
			reverse = firstDir == "right"
		} else if firstDir == "right" {
			reverse = rowIdx%2 == 0
		} else {
			reverse = rowIdx%2 == 1
		}
		sorted := append([]Point(nil), row...)
		sort.SliceStable(sorted, func(i, j int) bool {
			if reverse {
				return sorted[i].X > sorted[j].X
			}
			return sorted[i].X < sorted[j].X
		})
		for _, p := range sorted {
			out = append(out, p.Index)
		}
	}
	if err := checkBijection(out, len(leds)); err != nil {
		return nil, err
	}
	return out, nil
}

// toleranceRows splits points into rows by scanning them in Y order and
// starting a new row whenever the Y gap to the current row exceeds the
// tolerance.
func toleranceRows(points []Point, tolerance float64, rowOrder string) [][]Point {
	tol := tolerance
	if tol <= 0 {
		tol = deriveRowTolerance(points)
	}

	sorted := append([]Point(nil), points...)
	fromBottom := rowOrder == "bottom"
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			if fromBottom {
				return sorted[i].Y > sorted[j].Y
			}
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var rows [][]Point
	var current []Point
	var currentY float64
	for i, p := range sorted {
		if i == 0 {
			currentY = p.Y
			current = []Point{p}
			continue
		}
		if math.Abs(p.Y-currentY) <= tol {
			current = append(current, p)
		} else {
			rows = append(rows, current)
			current = []Point{p}
			currentY = p.Y
		}
	}
	if len(current) > 0 {
		rows = append(rows, current)
	}
	return rows
}

// deriveRowTolerance picks half the smallest positive gap between distinct Y
// values, so adjacent rows never merge and coordinate jitter within a row
// never splits one.
func deriveRowTolerance(points []Point) float64 {
	ys := make([]float64, 0, len(points))
	seen := make(map[float64]bool)
	for _, p := range points {
		if !seen[p.Y] {
			seen[p.Y] = true
			ys = append(ys, p.Y)
		}
	}
	if len(ys) <= 1 {
		return 1.0
	}
	sort.Float64s(ys)
	minDiff := 0.0
	for i := 1; i < len(ys); i++ {
		d := ys[i] - ys[i-1]
		if d > 0 && (minDiff == 0 || d < minDiff) {
			minDiff = d
		}
	}
	if minDiff == 0 {
		return 1.0
	}
	return minDiff / 2.0
}

// clusterRows runs 1-D k-means on Y to split points into an explicit row
// count, returning rows top to bottom. Degenerates to one point per row when
// asked for more rows than points exist.
func clusterRows(points []Point, rowCount int) [][]Point {
	if len(points) == 0 {
		return nil
	}
	if rowCount >= len(points) {
		sorted := append([]Point(nil), points...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Y < sorted[j].Y })
		rows := make([][]Point, len(sorted))
		for i, p := range sorted {
			rows[i] = []Point{p}
		}
		return rows
	}

	ys := make([]float64, len(points))
	for i, p := range points {
		ys[i] = p.Y
	}
	sort.Float64s(ys)
	centers := make([]float64, rowCount)
	for i := range centers {
		q := 0.0
		if rowCount > 1 {
			q = float64(i) / float64(rowCount-1)
		}
		centers[i] = ys[int(q*float64(len(ys)-1))]
	}

	var clusters [][]Point
	for iter := 0; iter < 20; iter++ {
		clusters = make([][]Point, rowCount)
		for _, p := range points {
			best, bestDist := 0, math.Inf(1)
			for j, c := range centers {
				if d := math.Abs(p.Y - c); d < bestDist {
					best, bestDist = j, d
				}
			}
			clusters[best] = append(clusters[best], p)
		}
		delta := 0.0
		for i, c := range clusters {
			if len(c) == 0 {
				continue
			}
			sum := 0.0
			for _, p := range c {
				sum += p.Y
			}
			mean := sum / float64(len(c))
			if d := math.Abs(mean - centers[i]); d > delta {
				delta = d
			}
			centers[i] = mean
		}
		if delta < 1e-3 {
			break
		}
	}

	type rowWithCenter struct {
		center float64
		row    []Point
	}
	ordered := make([]rowWithCenter, 0, rowCount)
	for i, c := range clusters {
		ordered = append(ordered, rowWithCenter{centers[i], c})
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].center < ordered[j].center })
	rows := make([][]Point, 0, rowCount)
	for _, rc := range ordered {
		if len(rc.row) > 0 {
			rows = append(rows, rc.row)
		}
	}
	return rows
}
