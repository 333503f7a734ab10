package composite

import (
	"fmt"
	"image"

	"imagery-mosaic/internal/common"
)

// DefaultNoData marks pixels no scene was written to. Processed reflectance
// values are non-negative, so -1 never collides with real data; Valid is
// the authoritative record either way.
const DefaultNoData = -1

// Buffer is the Dy x Dx x Bands mosaic, row-major with interleaved bands
type Buffer struct {
	Dx     int
	Dy     int
	Bands  int
	NoData float32
	Data   []float32
	Valid  []bool // per pixel, true once a scene has written it
}

// NewBuffer allocates a buffer filled with the nodata sentinel
func NewBuffer(dx, dy, bands int, nodata float32) (*Buffer, error) {
	if dx <= 0 || dy <= 0 || bands <= 0 {
		return nil, fmt.Errorf("invalid buffer dimensions %dx%dx%d", dx, dy, bands)
	}
	b := &Buffer{
		Dx:     dx,
		Dy:     dy,
		Bands:  bands,
		NoData: nodata,
		Data:   make([]float32, dx*dy*bands),
		Valid:  make([]bool, dx*dy),
	}
	for i := range b.Data {
		b.Data[i] = nodata
	}
	return b, nil
}

// Pixel returns the band values of pixel (x, y)
func (b *Buffer) Pixel(x, y int) []float32 {
	i := (y*b.Dx + x) * b.Bands
	return b.Data[i : i+b.Bands]
}

// IsValid reports whether pixel (x, y) holds scene data
func (b *Buffer) IsValid(x, y int) bool {
	return b.Valid[y*b.Dx+x]
}

// ValidCount returns the number of pixels holding scene data
func (b *Buffer) ValidCount() int {
	n := 0
	for _, v := range b.Valid {
		if v {
			n++
		}
	}
	return n
}

// commit copies the pixels of rect that pass owns from a patch whose
// top-left pixel sits at origin. It returns the number of pixels written.
// Callers guarantee that concurrent commits never share a pixel.
func (b *Buffer) commit(rect image.Rectangle, origin image.Point, p *common.Patch, owns func(x, y int) bool) int {
	written := 0
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			if owns != nil && !owns(x, y) {
				continue
			}
			copy(b.Pixel(x, y), p.Pixel(x-origin.X, y-origin.Y))
			b.Valid[y*b.Dx+x] = true
			written++
		}
	}
	return written
}

// BandMajor returns a copy of the data reordered to Bands x Dy x Dx
func (b *Buffer) BandMajor() []float32 {
	out := make([]float32, len(b.Data))
	plane := b.Dx * b.Dy
	for p := 0; p < plane; p++ {
		for band := 0; band < b.Bands; band++ {
			out[band*plane+p] = b.Data[p*b.Bands+band]
		}
	}
	return out
}

// BandValues returns the valid samples of one band
func (b *Buffer) BandValues(band int) []float64 {
	out := make([]float64, 0, len(b.Valid))
	for p, v := range b.Valid {
		if v {
			out = append(out, float64(b.Data[p*b.Bands+band]))
		}
	}
	return out
}
