package common

import "fmt"

// PatchRequest describes one remote pixel fetch: a square block of the
// target grid whose top-left ground corner is (OriginX, OriginY)
type PatchRequest struct {
	SceneID string
	Bands   []string
	OriginX float64
	OriginY float64
	Size    int
	Scale   float64
	CRSCode string // e.g. "EPSG:32618"
}

// CacheKey returns a stable key for the request
// Key format: "{scene}:{bands}:{crs}:{scale}:{size}:{x}:{y}"
func (r PatchRequest) CacheKey() string {
	return fmt.Sprintf("%s:%v:%s:%g:%d:%.3f:%.3f", r.SceneID, r.Bands, r.CRSCode, r.Scale, r.Size, r.OriginX, r.OriginY)
}

// Patch is a fetched block of pixels, row-major with interleaved bands
type Patch struct {
	Width  int
	Height int
	Bands  int
	Data   []float32
}

// NewPatch allocates a zeroed patch
func NewPatch(width, height, bands int) *Patch {
	return &Patch{
		Width:  width,
		Height: height,
		Bands:  bands,
		Data:   make([]float32, width*height*bands),
	}
}

// At returns the value of band b at column x, row y
func (p *Patch) At(x, y, b int) float32 {
	return p.Data[(y*p.Width+x)*p.Bands+b]
}

// Set stores the value of band b at column x, row y
func (p *Patch) Set(x, y, b int, v float32) {
	p.Data[(y*p.Width+x)*p.Bands+b] = v
}

// Pixel returns the band values at column x, row y
func (p *Patch) Pixel(x, y int) []float32 {
	i := (y*p.Width + x) * p.Bands
	return p.Data[i : i+p.Bands]
}
