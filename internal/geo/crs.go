package geo

import (
	"fmt"

	"github.com/ctessum/geom/proj"
	"github.com/paulmach/orb"
)

// ProjString returns the proj4 definition for the EPSG codes this module handles
func ProjString(epsg int) (string, error) {
	if epsg == EPSGWGS84 {
		return "+proj=longlat +datum=WGS84 +no_defs", nil
	}
	zone, north, err := ParseUTMEPSG(epsg)
	if err != nil {
		return "", err
	}
	def := fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", zone)
	if !north {
		def += " +south"
	}
	return def, nil
}

// Reprojector transforms planar geometries between two EPSG codes.
// Any vertical component is dropped since orb points are 2D.
type Reprojector struct {
	From int
	To   int
	t    proj.Transformer
}

// NewReprojector builds a transformer from one EPSG code to another
func NewReprojector(from, to int) (*Reprojector, error) {
	r := &Reprojector{From: from, To: to}
	if from == to {
		return r, nil
	}

	srcDef, err := ProjString(from)
	if err != nil {
		return nil, err
	}
	dstDef, err := ProjString(to)
	if err != nil {
		return nil, err
	}
	src, err := proj.Parse(srcDef)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EPSG:%d: %w", from, err)
	}
	dst, err := proj.Parse(dstDef)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EPSG:%d: %w", to, err)
	}
	t, err := src.NewTransform(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to build transform EPSG:%d -> EPSG:%d: %w", from, to, err)
	}
	r.t = t
	return r, nil
}

// Point reprojects a single point
func (r *Reprojector) Point(p orb.Point) (orb.Point, error) {
	if r.t == nil {
		return p, nil
	}
	x, y, err := r.t(p[0], p[1])
	if err != nil {
		return orb.Point{}, fmt.Errorf("reproject (%f, %f): %w", p[0], p[1], err)
	}
	return orb.Point{x, y}, nil
}

// Ring reprojects every vertex of a ring
func (r *Reprojector) Ring(ring orb.Ring) (orb.Ring, error) {
	out := make(orb.Ring, len(ring))
	for i, p := range ring {
		q, err := r.Point(p)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

// Polygon reprojects a polygon ring by ring
func (r *Reprojector) Polygon(poly orb.Polygon) (orb.Polygon, error) {
	out := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		q, err := r.Ring(ring)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

// MultiPolygon reprojects every part of a multipolygon
func (r *Reprojector) MultiPolygon(mp orb.MultiPolygon) (orb.MultiPolygon, error) {
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		q, err := r.Polygon(poly)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}
