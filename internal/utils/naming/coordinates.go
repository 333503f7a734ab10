package naming

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// GenerateBBoxString creates a human-readable bbox string for filenames
// Format: {south}-{north}_{west}-{east}, e.g. 45p9000N-46p1000N_74p1000W-73p9000W
func GenerateBBoxString(b orb.Bound) string {
	return fmt.Sprintf("%s-%s_%s-%s",
		SanitizeCoordinate(b.Min.Lat(), true),
		SanitizeCoordinate(b.Max.Lat(), true),
		SanitizeCoordinate(b.Min.Lon(), false),
		SanitizeCoordinate(b.Max.Lon(), false))
}

// SanitizeCoordinate formats a coordinate for use in filenames (removes minus sign, uses N/S/E/W)
// Replaces decimal point with 'p' for Windows compatibility
func SanitizeCoordinate(coord float64, isLat bool) string {
	var dir string
	if isLat {
		if coord < 0 {
			dir = "S"
		} else {
			dir = "N"
		}
	} else {
		if coord < 0 {
			dir = "W"
		} else {
			dir = "E"
		}
	}
	coordStr := fmt.Sprintf("%.4f", math.Abs(coord))
	coordStr = strings.Replace(coordStr, ".", "p", 1)
	return coordStr + dir
}
