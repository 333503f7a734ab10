package geo

import "fmt"

// Affine maps pixel coordinates (col, row) to ground coordinates:
//
//	x = A*col + B*row + C
//	y = D*col + E*row + F
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// FromOrigin returns a north-up transform whose pixel (0,0) corner sits at (west, north)
func FromOrigin(west, north, xsize, ysize float64) Affine {
	return Affine{A: xsize, C: west, E: -ysize, F: north}
}

// Apply transforms (col, row) into ground coordinates
func (t Affine) Apply(col, row float64) (x, y float64) {
	return t.A*col + t.B*row + t.C, t.D*col + t.E*row + t.F
}

// Invert returns the ground-to-pixel transform
func (t Affine) Invert() (Affine, error) {
	det := t.A*t.E - t.B*t.D
	if det == 0 {
		return Affine{}, fmt.Errorf("affine transform is not invertible")
	}
	a := t.E / det
	b := -t.B / det
	d := -t.D / det
	e := t.A / det
	return Affine{
		A: a, B: b, C: -(a*t.C + b*t.F),
		D: d, E: e, F: -(d*t.C + e*t.F),
	}, nil
}

// GDAL returns the transform in GDAL GeoTransform order
func (t Affine) GDAL() [6]float64 {
	return [6]float64{t.C, t.A, t.B, t.F, t.D, t.E}
}

// PixelSize returns the absolute ground size of one pixel
func (t Affine) PixelSize() (float64, float64) {
	x, y := t.A, t.E
	if x < 0 {
		x = -x
	}
	if y < 0 {
		y = -y
	}
	return x, y
}
