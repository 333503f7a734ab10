package mask

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"imagery-mosaic/internal/common"
	"imagery-mosaic/internal/footprint"
	"imagery-mosaic/internal/geo"
)

// DefaultWorkers bounds concurrent footprint rasterization
const DefaultWorkers = 4

// Availability is one candidate scene's coverage of the pixel grid
type Availability struct {
	SceneID string
	TileKey string
	Mask    *Mask
	Fill    float64 // covered pixels / total pixels
}

// Builder rasterizes scene footprints onto a projected AOI grid
type Builder struct {
	store   footprint.Store
	workers int
	logger  zerolog.Logger
}

// NewBuilder creates a mask builder reading footprints from store
func NewBuilder(store footprint.Store, workers int, logger zerolog.Logger) *Builder {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Builder{
		store:   store,
		workers: workers,
		logger:  logger.With().Str("component", "mask").Logger(),
	}
}

// Build computes one availability mask per scene. Scenes are rasterized
// concurrently; the result keeps the input order.
func (b *Builder) Build(ctx context.Context, sceneIDs []string, aoi *geo.ProjectedAOI) ([]Availability, error) {
	out := make([]Availability, len(sceneIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, id := range sceneIDs {
		g.Go(func() error {
			a, err := b.Availability(ctx, id, aoi)
			if err != nil {
				return err
			}
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, a := range out {
		b.logger.Debug().Int("index", i).Str("scene", a.SceneID).Str("tile", a.TileKey).
			Float64("fill", a.Fill).Msg("availability mask")
	}
	return out, nil
}

// Availability rasterizes the footprint of a single scene
func (b *Builder) Availability(ctx context.Context, sceneID string, aoi *geo.ProjectedAOI) (Availability, error) {
	key := footprint.TileKey(sceneID)
	fp, err := b.store.Lookup(ctx, key)
	if errors.Is(err, common.ErrUnknownTile) {
		return Availability{}, &common.UnknownTileError{SceneID: sceneID, Key: key}
	}
	if err != nil {
		return Availability{}, fmt.Errorf("footprint lookup for %s: %w", sceneID, err)
	}

	reproject, err := geo.NewReprojector(fp.EPSG, aoi.EPSG)
	if err != nil {
		return Availability{}, fmt.Errorf("footprint %s: %w", key, err)
	}
	ground, err := reproject.MultiPolygon(fp.Geometry)
	if err != nil {
		return Availability{}, fmt.Errorf("footprint %s: %w", key, err)
	}

	m := New(aoi.Dx, aoi.Dy)
	FillMultiPolygon(m, toPixels(ground, aoi.PixelFromGround))
	// filled bottom-up; flip so row 0 is the northern edge
	m.FlipVertical()

	return Availability{
		SceneID: sceneID,
		TileKey: key,
		Mask:    m,
		Fill:    m.FillFraction(),
	}, nil
}

// toPixels applies the ground-to-pixel transform to every vertex
func toPixels(mp orb.MultiPolygon, t geo.Affine) orb.MultiPolygon {
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		out[i] = make(orb.Polygon, len(poly))
		for j, ring := range poly {
			r := make(orb.Ring, len(ring))
			for k, p := range ring {
				x, y := t.Apply(p[0], p[1])
				r[k] = orb.Point{x, y}
			}
			out[i][j] = r
		}
	}
	return out
}
