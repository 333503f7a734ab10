package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"imagery-mosaic/internal/common"
)

// ProjectedAOI is an area of interest resolved onto a UTM pixel grid.
// It is derived once per build and never mutated.
type ProjectedAOI struct {
	EPSG    int
	Zone    int
	North   bool
	Polygon orb.Polygon // AOI in UTM metres
	Bound   orb.Bound
	Scale   float64 // metres per pixel
	Dx      int     // grid width in pixels
	Dy      int     // grid height in pixels

	// Transform maps (col, row) to UTM metres, north-up, origin at (minX, maxY)
	Transform Affine

	// PixelFromGround maps UTM metres into bottom-up pixel space with the
	// (minX, minY) corner at the origin. Rasters filled in this space must
	// be flipped vertically to line up with Transform.
	PixelFromGround Affine
}

// CRSCode returns the "EPSG:xxxxx" code of the grid
func (p *ProjectedAOI) CRSCode() string {
	return CRSCode(p.EPSG)
}

// MinX returns the western edge of the AOI in UTM metres
func (p *ProjectedAOI) MinX() float64 { return p.Bound.Min[0] }

// MaxY returns the northern edge of the AOI in UTM metres
func (p *ProjectedAOI) MaxY() float64 { return p.Bound.Max[1] }

// Pixels returns the number of pixels in the grid
func (p *ProjectedAOI) Pixels() int { return p.Dx * p.Dy }

// Resolve picks the UTM zone for the AOI centroid, reprojects the AOI and
// derives the pixel grid at the given scale
func Resolve(aoi orb.Polygon, scale float64) (*ProjectedAOI, error) {
	if scale <= 0 || math.IsNaN(scale) {
		return nil, fmt.Errorf("scale must be positive, got %f", scale)
	}
	if len(aoi) == 0 || distinctVertices(aoi[0]) < 3 {
		return nil, fmt.Errorf("%w: polygon needs at least 3 distinct vertices", common.ErrInvalidAOI)
	}
	if planar.Area(aoi) == 0 {
		return nil, fmt.Errorf("%w: polygon has zero area", common.ErrInvalidAOI)
	}

	center := centroid(aoi)
	zone := UTMZone(center.Lat(), center.Lon())
	north := center.Lat() > 0
	epsg := UTMEPSG(zone, north)

	reproject, err := NewReprojector(EPSGWGS84, epsg)
	if err != nil {
		return nil, err
	}
	utm, err := reproject.Polygon(aoi)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidAOI, err)
	}

	bound := utm.Bound()
	width := bound.Max[0] - bound.Min[0]
	height := bound.Max[1] - bound.Min[1]
	if !(width > 0) || !(height > 0) {
		return nil, fmt.Errorf("%w: zero extent after reprojection (%.3f x %.3f m)", common.ErrInvalidAOI, width, height)
	}

	dx := int(math.Floor(width / scale))
	dy := int(math.Floor(height / scale))
	if dx < 1 || dy < 1 {
		return nil, fmt.Errorf("%w: extent %.1f x %.1f m is smaller than one %.1f m pixel", common.ErrInvalidAOI, width, height, scale)
	}

	return &ProjectedAOI{
		EPSG:      epsg,
		Zone:      zone,
		North:     north,
		Polygon:   utm,
		Bound:     bound,
		Scale:     scale,
		Dx:        dx,
		Dy:        dy,
		Transform: FromOrigin(bound.Min[0], bound.Max[1], scale, scale),
		PixelFromGround: Affine{
			A: 1 / scale, C: -bound.Min[0] / scale,
			E: 1 / scale, F: -bound.Min[1] / scale,
		},
	}, nil
}

// centroid falls back to the bound center for zero-area polygons
func centroid(aoi orb.Polygon) orb.Point {
	c, area := planar.CentroidArea(aoi)
	if area == 0 || math.IsNaN(c[0]) || math.IsNaN(c[1]) {
		return aoi.Bound().Center()
	}
	return c
}

// distinctVertices counts unique points of a ring, ignoring the closing point
func distinctVertices(ring orb.Ring) int {
	seen := make(map[orb.Point]struct{}, len(ring))
	for _, p := range ring {
		seen[p] = struct{}{}
	}
	return len(seen)
}
