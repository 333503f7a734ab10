package mosaic

import (
	"time"

	"github.com/paulmach/orb"

	"imagery-mosaic/internal/alpha"
	"imagery-mosaic/internal/composite"
	"imagery-mosaic/internal/geo"
	"imagery-mosaic/internal/grid"
	"imagery-mosaic/internal/mask"
)

// Request is one mosaic build
type Request struct {
	AOI   orb.Polygon // lon/lat
	Start time.Time

	// OutputPath is the raster to write. When empty a name is generated
	// inside OutputDir.
	OutputPath string
	OutputDir  string
}

// BuildContext carries the state of one build from stage to stage. Each
// stage reads what earlier stages produced and fills in its own fields.
type BuildContext struct {
	ID      string
	Request Request

	WindowStart time.Time
	WindowEnd   time.Time

	Projection   *geo.ProjectedAOI
	Indexer      grid.Indexer
	Scenes       []string
	Availability []mask.Availability
	Assignment   *alpha.Assignment
	Plan         *composite.Plan
	Buffer       *composite.Buffer
	Stats        composite.Stats
	OutputPath   string

	StartedAt  time.Time
	FinishedAt time.Time
}
