package mask

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// FillPolygon scan-converts a polygon given in pixel coordinates into m.
// A pixel is set when its center lies inside the polygon under the
// even-odd rule, so interior rings punch holes. Existing bits are kept,
// which makes repeated calls a union.
func FillPolygon(m *Mask, poly orb.Polygon) {
	if len(poly) == 0 || m.Dx == 0 || m.Dy == 0 {
		return
	}

	b := poly.Bound()
	rowStart := clamp(int(math.Floor(b.Min[1]-0.5)), 0, m.Dy)
	rowEnd := clamp(int(math.Ceil(b.Max[1]+0.5)), 0, m.Dy)

	var xs []float64
	for row := rowStart; row < rowEnd; row++ {
		yc := float64(row) + 0.5
		xs = xs[:0]
		for _, ring := range poly {
			xs = crossings(xs, ring, yc)
		}
		if len(xs) < 2 {
			continue
		}
		sort.Float64s(xs)

		for i := 0; i+1 < len(xs); i += 2 {
			// pixel centers c+0.5 within [xs[i], xs[i+1])
			c0 := clamp(int(math.Ceil(xs[i]-0.5)), 0, m.Dx)
			c1 := clamp(int(math.Ceil(xs[i+1]-0.5)), 0, m.Dx)
			line := m.Bits[row*m.Dx : (row+1)*m.Dx]
			for c := c0; c < c1; c++ {
				line[c] = true
			}
		}
	}
}

// FillMultiPolygon fills every part of a multipolygon into m
func FillMultiPolygon(m *Mask, mp orb.MultiPolygon) {
	for _, poly := range mp {
		FillPolygon(m, poly)
	}
}

// crossings appends the x positions where the ring's edges cross y
func crossings(xs []float64, ring orb.Ring, y float64) []float64 {
	n := len(ring)
	if n < 3 {
		return xs
	}
	for i := 0; i < n; i++ {
		p0 := ring[i]
		p1 := ring[(i+1)%n]
		if (p0[1] <= y) == (p1[1] <= y) {
			continue
		}
		t := (y - p0[1]) / (p1[1] - p0[1])
		xs = append(xs, p0[0]+t*(p1[0]-p0[0]))
	}
	return xs
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
