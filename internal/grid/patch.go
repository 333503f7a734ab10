// Package grid partitions a pixel grid into square patches, the unit of
// remote fetch granularity.
package grid

import (
	"fmt"
	"image"
)

// PatchCoord identifies a Size x Size block of the pixel grid
type PatchCoord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c PatchCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Less orders patches row-major (Y first, then X)
func (c PatchCoord) Less(o PatchCoord) bool {
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.X < o.X
}

// Indexer maps pixels of a Dx x Dy grid to their patches
type Indexer struct {
	Dx   int
	Dy   int
	Size int
}

// NewIndexer validates the grid and patch dimensions
func NewIndexer(dx, dy, size int) (Indexer, error) {
	if dx <= 0 || dy <= 0 {
		return Indexer{}, fmt.Errorf("grid dimensions must be positive, got %dx%d", dx, dy)
	}
	if size <= 0 {
		return Indexer{}, fmt.Errorf("patch size must be positive, got %d", size)
	}
	return Indexer{Dx: dx, Dy: dy, Size: size}, nil
}

// PatchOf returns the patch owning pixel (x, y)
func (ix Indexer) PatchOf(x, y int) PatchCoord {
	return PatchCoord{X: x / ix.Size, Y: y / ix.Size}
}

// Cols returns the number of patch columns, ceil(Dx/Size)
func (ix Indexer) Cols() int {
	return (ix.Dx + ix.Size - 1) / ix.Size
}

// Rows returns the number of patch rows, ceil(Dy/Size)
func (ix Indexer) Rows() int {
	return (ix.Dy + ix.Size - 1) / ix.Size
}

// Count returns the total number of patches in the grid
func (ix Indexer) Count() int {
	return ix.Cols() * ix.Rows()
}

// All returns every patch of the grid in row-major order
func (ix Indexer) All() []PatchCoord {
	out := make([]PatchCoord, 0, ix.Count())
	for y := 0; y < ix.Rows(); y++ {
		for x := 0; x < ix.Cols(); x++ {
			out = append(out, PatchCoord{X: x, Y: y})
		}
	}
	return out
}

// Rect returns the pixel rectangle of a patch clipped to the grid.
// Patches on the last row or column may be smaller than Size x Size.
func (ix Indexer) Rect(c PatchCoord) image.Rectangle {
	r := image.Rect(c.X*ix.Size, c.Y*ix.Size, (c.X+1)*ix.Size, (c.Y+1)*ix.Size)
	return r.Intersect(image.Rect(0, 0, ix.Dx, ix.Dy))
}

// Origin returns the ground coordinate of the patch's top-left corner in a
// north-up grid whose top-left pixel corner is (minX, maxY)
func (ix Indexer) Origin(c PatchCoord, minX, maxY, scale float64) (x, y float64) {
	x = minX + float64(c.X*ix.Size)*scale
	y = maxY - float64(c.Y*ix.Size)*scale
	return x, y
}
