package naming

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"imagery-mosaic/internal/common"
)

// GenerateMosaicFilename creates a standardized mosaic filename
// Format: mosaic_{date}_{epsg}_{bbox}.tif
func GenerateMosaicFilename(start time.Time, epsg int, aoi orb.Bound) string {
	return fmt.Sprintf("mosaic_%s_%d_%s.tif", common.FormatISO8601(start), epsg, GenerateBBoxString(aoi))
}

// GenerateReportFilename returns the build report name paired with a mosaic file
func GenerateReportFilename(mosaicFilename string) string {
	if n := len(mosaicFilename); n > 4 && mosaicFilename[n-4:] == ".tif" {
		mosaicFilename = mosaicFilename[:n-4]
	}
	return mosaicFilename + ".json"
}
