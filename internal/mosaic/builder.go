// Package mosaic runs a complete build: projection, catalog listing,
// availability masks, alpha assignment, patch compositing and raster output.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"imagery-mosaic/internal/alpha"
	"imagery-mosaic/internal/common"
	"imagery-mosaic/internal/composite"
	"imagery-mosaic/internal/footprint"
	"imagery-mosaic/internal/geo"
	"imagery-mosaic/internal/grid"
	"imagery-mosaic/internal/mask"
	"imagery-mosaic/internal/ratelimit"
	"imagery-mosaic/internal/utils/naming"
	"imagery-mosaic/pkg/geotiff"
)

// Catalog lists candidate scenes for a time window and region
type Catalog interface {
	ListImages(ctx context.Context, start, end time.Time, aoi orb.Polygon) ([]string, error)
}

// Options configures a Builder
type Options struct {
	Bands         []string
	PatchSize     int
	Scale         float64
	FillThreshold float64
	NoData        float64
	DaysOffset    int
	Workers       int
	MaskWorkers   int
	Retry         *ratelimit.RetryStrategy
	Logger        zerolog.Logger
	OnProgress    func(composite.Progress)
}

// DefaultOptions mirrors the default settings
func DefaultOptions() Options {
	return Options{
		Bands:         []string{"B4", "B3", "B2"},
		PatchSize:     256,
		Scale:         10,
		FillThreshold: alpha.DefaultFillThreshold,
		NoData:        composite.DefaultNoData,
		DaysOffset:    20,
		Workers:       composite.DefaultWorkers,
		MaskWorkers:   mask.DefaultWorkers,
	}
}

// Builder wires the build stages to their external services
type Builder struct {
	catalog Catalog
	masks   *mask.Builder
	engine  *composite.Engine
	opts    Options
	logger  zerolog.Logger
}

// NewBuilder creates a builder over a catalog, a footprint store and a pixel fetcher
func NewBuilder(catalog Catalog, store footprint.Store, fetcher composite.Fetcher, opts Options) *Builder {
	return &Builder{
		catalog: catalog,
		masks:   mask.NewBuilder(store, opts.MaskWorkers, opts.Logger),
		engine: composite.NewEngine(fetcher, composite.Options{
			Workers:    opts.Workers,
			Retry:      opts.Retry,
			Logger:     opts.Logger,
			OnProgress: opts.OnProgress,
		}),
		opts:   opts,
		logger: opts.Logger.With().Str("component", "mosaic").Logger(),
	}
}

// Build runs every stage and writes the mosaic. Any stage failure aborts
// the build before a raster is written.
func (b *Builder) Build(ctx context.Context, req Request) (*Report, error) {
	if err := b.validate(req); err != nil {
		return nil, err
	}

	bc := &BuildContext{
		ID:        uuid.NewString(),
		Request:   req,
		StartedAt: time.Now(),
	}
	logger := b.logger.With().Str("build", bc.ID).Logger()

	stages := []struct {
		name string
		run  func(context.Context, *BuildContext) error
	}{
		{"project", b.project},
		{"catalog", b.listScenes},
		{"masks", b.buildMasks},
		{"assign", b.assign},
		{"composite", b.composite},
		{"write", b.write},
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		started := time.Now()
		if err := stage.run(ctx, bc); err != nil {
			logger.Error().Err(err).Str("stage", stage.name).Msg("build failed")
			return nil, err
		}
		logger.Debug().Str("stage", stage.name).Dur("took", time.Since(started)).Msg("stage done")
	}

	bc.FinishedAt = time.Now()
	report := NewReport(bc, b.opts.Bands)
	logger.Info().Str("output", bc.OutputPath).Int("scenes", len(bc.Scenes)).
		Str("strategy", report.Strategy).Dur("took", report.Duration).Msg("mosaic written")
	return report, nil
}

func (b *Builder) validate(req Request) error {
	switch {
	case len(b.opts.Bands) == 0:
		return errors.New("no bands requested")
	case b.opts.PatchSize <= 0:
		return fmt.Errorf("invalid patch size %d", b.opts.PatchSize)
	case b.opts.DaysOffset <= 0:
		return fmt.Errorf("invalid days offset %d", b.opts.DaysOffset)
	case req.Start.IsZero():
		return errors.New("build start date is required")
	}
	return nil
}

// project resolves the UTM grid of the AOI
func (b *Builder) project(_ context.Context, bc *BuildContext) error {
	aoi, err := geo.Resolve(bc.Request.AOI, b.opts.Scale)
	if err != nil {
		return err
	}
	ix, err := grid.NewIndexer(aoi.Dx, aoi.Dy, b.opts.PatchSize)
	if err != nil {
		return err
	}
	bc.Projection = aoi
	bc.Indexer = ix

	b.logger.Info().Int("epsg", aoi.EPSG).Int("dx", aoi.Dx).Int("dy", aoi.Dy).
		Int("patches", ix.Count()).Msg("grid resolved")
	return nil
}

// listScenes queries the catalog for the acquisition window
func (b *Builder) listScenes(ctx context.Context, bc *BuildContext) error {
	bc.WindowStart = bc.Request.Start
	bc.WindowEnd = bc.Request.Start.AddDate(0, 0, b.opts.DaysOffset)

	scenes, err := b.catalog.ListImages(ctx, bc.WindowStart, bc.WindowEnd, bc.Request.AOI)
	if err != nil {
		return err
	}
	if len(scenes) == 0 {
		return fmt.Errorf("%w: %s to %s", common.ErrNoImageryAvailable,
			common.FormatISO8601(bc.WindowStart), common.FormatISO8601(bc.WindowEnd))
	}
	bc.Scenes = scenes
	return nil
}

// buildMasks rasterizes every scene footprint onto the grid
func (b *Builder) buildMasks(ctx context.Context, bc *BuildContext) error {
	avail, err := b.masks.Build(ctx, bc.Scenes, bc.Projection)
	if err != nil {
		return err
	}
	bc.Availability = avail
	return nil
}

// assign partitions the grid among scenes and plans the fetches
func (b *Builder) assign(_ context.Context, bc *BuildContext) error {
	a, err := alpha.Assign(bc.Availability, b.opts.FillThreshold)
	if err != nil {
		return err
	}
	bc.Assignment = a
	bc.Plan = composite.NewPlan(a, bc.Indexer)

	if gaps := a.Unassigned(); gaps > 0 {
		b.logger.Warn().Int("pixels", gaps).Msg("pixels not covered by any scene stay nodata")
	}
	return nil
}

// composite fetches the planned patches into a fresh buffer
func (b *Builder) composite(ctx context.Context, bc *BuildContext) error {
	buf, err := composite.NewBuffer(bc.Projection.Dx, bc.Projection.Dy, len(b.opts.Bands), float32(b.opts.NoData))
	if err != nil {
		return err
	}
	stats, err := b.engine.Run(ctx, composite.Job{
		AOI:        bc.Projection,
		Indexer:    bc.Indexer,
		Bands:      b.opts.Bands,
		Assignment: bc.Assignment,
		Plan:       bc.Plan,
		Buffer:     buf,
	})
	bc.Stats = stats
	if err != nil {
		return err
	}
	bc.Buffer = buf
	return nil
}

// write encodes the buffer as a GeoTIFF
func (b *Builder) write(_ context.Context, bc *BuildContext) error {
	path := bc.Request.OutputPath
	if path == "" {
		name := naming.GenerateMosaicFilename(bc.Request.Start, bc.Projection.EPSG, bc.Request.AOI.Bound())
		path = filepath.Join(bc.Request.OutputDir, name)
	}

	aoi := bc.Projection
	raster := &geotiff.Raster{
		Width:      bc.Buffer.Dx,
		Height:     bc.Buffer.Dy,
		Bands:      bc.Buffer.Bands,
		Data:       bc.Buffer.BandMajor(),
		BandNames:  b.opts.Bands,
		EPSG:       aoi.EPSG,
		OriginX:    aoi.Transform.C,
		OriginY:    aoi.Transform.F,
		PixelSizeX: aoi.Scale,
		PixelSizeY: aoi.Scale,
		NoData:     float64(bc.Buffer.NoData),
		TileSize:   geotiff.DefaultTileSize,
	}
	if err := geotiff.WriteFile(path, raster); err != nil {
		return err
	}
	bc.OutputPath = path
	return nil
}
