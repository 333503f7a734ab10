package geo

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// LoadAOI reads an area of interest from a GeoJSON file
func LoadAOI(path string) (orb.Polygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read AOI: %w", err)
	}
	return ParseAOI(data)
}

// ParseAOI accepts a GeoJSON FeatureCollection, Feature or bare geometry and
// returns the first polygon it finds
func ParseAOI(data []byte) (orb.Polygon, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse AOI: %w", err)
	}

	var g orb.Geometry
	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse AOI: %w", err)
		}
		for _, f := range fc.Features {
			if polygonal(f.Geometry) {
				g = f.Geometry
				break
			}
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse AOI: %w", err)
		}
		g = f.Geometry
	default:
		geom, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse AOI: %w", err)
		}
		g = geom.Geometry()
	}

	switch v := g.(type) {
	case orb.Polygon:
		return v, nil
	case orb.MultiPolygon:
		if len(v) == 1 {
			return v[0], nil
		}
		return nil, fmt.Errorf("AOI must be a single polygon, got %d parts", len(v))
	case nil:
		return nil, fmt.Errorf("AOI contains no polygon")
	default:
		return nil, fmt.Errorf("AOI must be a polygon, got %s", g.GeoJSONType())
	}
}

func polygonal(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return true
	}
	return false
}
