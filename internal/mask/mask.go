// Package mask rasterizes tile footprints into per-scene availability masks.
package mask

// Mask is a Dy x Dx binary raster, row-major, row 0 at the top
type Mask struct {
	Dx   int
	Dy   int
	Bits []bool
}

// New allocates an empty mask
func New(dx, dy int) *Mask {
	return &Mask{Dx: dx, Dy: dy, Bits: make([]bool, dx*dy)}
}

// At reports whether pixel (x, y) is set
func (m *Mask) At(x, y int) bool {
	return m.Bits[y*m.Dx+x]
}

// Set sets pixel (x, y)
func (m *Mask) Set(x, y int, v bool) {
	m.Bits[y*m.Dx+x] = v
}

// Count returns the number of set pixels
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// FillFraction returns set pixels over total pixels
func (m *Mask) FillFraction() float64 {
	if len(m.Bits) == 0 {
		return 0
	}
	return float64(m.Count()) / float64(len(m.Bits))
}

// FlipVertical mirrors the mask along its horizontal axis in place
func (m *Mask) FlipVertical() {
	for top, bottom := 0, m.Dy-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := m.Bits[top*m.Dx : (top+1)*m.Dx]
		b := m.Bits[bottom*m.Dx : (bottom+1)*m.Dx]
		for i := range a {
			a[i], b[i] = b[i], a[i]
		}
	}
}

// Union returns a new mask set wherever any input is set
func Union(masks ...*Mask) *Mask {
	if len(masks) == 0 {
		return &Mask{}
	}
	out := New(masks[0].Dx, masks[0].Dy)
	for _, m := range masks {
		for i, b := range m.Bits {
			if b {
				out.Bits[i] = true
			}
		}
	}
	return out
}
