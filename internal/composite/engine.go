// Package composite fetches scene patches and writes the pixels each scene
// owns into the mosaic buffer.
package composite

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"imagery-mosaic/internal/alpha"
	"imagery-mosaic/internal/common"
	"imagery-mosaic/internal/geo"
	"imagery-mosaic/internal/grid"
	"imagery-mosaic/internal/ratelimit"
)

// DefaultWorkers is the number of concurrent patch fetches
const DefaultWorkers = 8

// Fetcher retrieves one patch of a scene from the pixel service
type Fetcher interface {
	FetchPatch(ctx context.Context, req common.PatchRequest) (*common.Patch, error)
}

// Progress reports completed fetch tasks
type Progress struct {
	Done    int             `json:"done"`
	Total   int             `json:"total"`
	Percent int             `json:"percent"`
	SceneID string          `json:"sceneId"`
	Patch   grid.PatchCoord `json:"patch"`
}

// Stats summarizes a run
type Stats struct {
	Tasks         int
	Fetched       int
	Retries       int
	PixelsWritten int
}

// Options configures an Engine
type Options struct {
	Workers    int
	Retry      *ratelimit.RetryStrategy
	Logger     zerolog.Logger
	OnProgress func(Progress) // called from worker goroutines
}

// Job is everything one composite run reads and writes
type Job struct {
	AOI        *geo.ProjectedAOI
	Indexer    grid.Indexer
	Bands      []string
	Assignment *alpha.Assignment
	Plan       *Plan
	Buffer     *Buffer
}

// Engine runs fetch tasks on a bounded worker pool
type Engine struct {
	fetcher    Fetcher
	workers    int
	sem        *semaphore.Weighted
	retry      *ratelimit.RetryStrategy
	logger     zerolog.Logger
	onProgress func(Progress)
}

// NewEngine creates an engine around a pixel fetcher
func NewEngine(fetcher Fetcher, opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	retry := opts.Retry
	if retry == nil {
		retry = ratelimit.DefaultRetryStrategy()
	}
	return &Engine{
		fetcher:    fetcher,
		workers:    workers,
		sem:        semaphore.NewWeighted(int64(workers)),
		retry:      retry,
		logger:     opts.Logger.With().Str("component", "composite").Logger(),
		onProgress: opts.OnProgress,
	}
}

// Run fetches every planned (scene, patch) pair once and commits the owned
// pixels. Each pixel has exactly one owner, so tasks write disjoint parts
// of the buffer without locking. A task commits only after its patch is
// fully fetched; on error or cancellation outstanding tasks commit nothing.
func (e *Engine) Run(ctx context.Context, job Job) (Stats, error) {
	if err := validateJob(job); err != nil {
		return Stats{}, err
	}

	total := job.Plan.Len()
	var done, fetched, retries, written int64

	e.logger.Info().Int("tasks", total).Int("workers", e.workers).
		Str("strategy", job.Plan.Strategy.String()).Msg("fetching patches")

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range job.Plan.Tasks {
		if err := e.sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer e.sem.Release(1)

			n, r, err := e.runTask(gctx, job, task)
			atomic.AddInt64(&retries, int64(r))
			if err != nil {
				return err
			}
			atomic.AddInt64(&fetched, 1)
			atomic.AddInt64(&written, int64(n))

			count := int(atomic.AddInt64(&done, 1))
			if e.onProgress != nil {
				e.onProgress(Progress{
					Done:    count,
					Total:   total,
					Percent: count * 100 / total,
					SceneID: task.SceneID,
					Patch:   task.Patch,
				})
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	stats := Stats{
		Tasks:         total,
		Fetched:       int(fetched),
		Retries:       int(retries),
		PixelsWritten: int(written),
	}
	if err != nil {
		return stats, err
	}

	e.logger.Info().Int("fetched", stats.Fetched).Int("retries", stats.Retries).
		Int("pixels", stats.PixelsWritten).Msg("patches composited")
	return stats, nil
}

// runTask fetches one patch and commits it. It returns pixels written and
// the number of retries spent.
func (e *Engine) runTask(ctx context.Context, job Job, task Task) (int, int, error) {
	aoi := job.AOI
	x, y := job.Indexer.Origin(task.Patch, aoi.MinX(), aoi.MaxY(), aoi.Scale)
	req := common.PatchRequest{
		SceneID: task.SceneID,
		Bands:   job.Bands,
		OriginX: x,
		OriginY: y,
		Size:    job.Indexer.Size,
		Scale:   aoi.Scale,
		CRSCode: aoi.CRSCode(),
	}

	patch, attempts, err := e.fetchWithRetry(ctx, req)
	retries := attempts - 1
	if err != nil {
		if ctx.Err() != nil {
			return 0, retries, ctx.Err()
		}
		return 0, retries, &common.FetchError{
			SceneID:  task.SceneID,
			PatchX:   task.Patch.X,
			PatchY:   task.Patch.Y,
			Attempts: attempts,
			Err:      err,
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, retries, err
	}

	e.logger.Debug().Str("scene", task.SceneID).Stringer("patch", task.Patch).Msg("patch fetched")

	rect := job.Indexer.Rect(task.Patch)
	origin := image.Pt(task.Patch.X*job.Indexer.Size, task.Patch.Y*job.Indexer.Size)
	var owns func(x, y int) bool
	if job.Assignment.Strategy == alpha.StrategyPartition {
		scene := task.Scene
		owns = func(x, y int) bool { return job.Assignment.Owns(scene, x, y) }
	}
	return job.Buffer.commit(rect, origin, patch, owns), retries, nil
}

// fetchWithRetry calls the fetcher until it returns a well-formed patch or
// the retry strategy is exhausted. Rejected requests are not retried.
func (e *Engine) fetchWithRetry(ctx context.Context, req common.PatchRequest) (*common.Patch, int, error) {
	maxAttempts := e.retry.MaxAttempts()
	for attempt := 1; ; attempt++ {
		patch, err := e.fetcher.FetchPatch(ctx, req)
		if err == nil {
			err = checkPatch(patch, req)
		}
		if err == nil {
			return patch, attempt, nil
		}
		if ctx.Err() != nil || attempt >= maxAttempts || errors.Is(err, common.ErrRequestRejected) {
			return nil, attempt, err
		}

		wait := e.retry.Interval(attempt - 1)
		e.logger.Warn().Err(err).Str("scene", req.SceneID).Int("attempt", attempt).
			Dur("backoff", wait).Msg("patch fetch failed, retrying")
		if err := ratelimit.Sleep(ctx, wait); err != nil {
			return nil, attempt, err
		}
	}
}

func checkPatch(p *common.Patch, req common.PatchRequest) error {
	if p == nil {
		return errors.New("empty patch")
	}
	if p.Width != req.Size || p.Height != req.Size || p.Bands != len(req.Bands) {
		return fmt.Errorf("patch is %dx%dx%d, requested %dx%dx%d",
			p.Width, p.Height, p.Bands, req.Size, req.Size, len(req.Bands))
	}
	if len(p.Data) != p.Width*p.Height*p.Bands {
		return fmt.Errorf("patch holds %d samples, expected %d", len(p.Data), p.Width*p.Height*p.Bands)
	}
	return nil
}

func validateJob(job Job) error {
	switch {
	case job.AOI == nil, job.Assignment == nil, job.Plan == nil, job.Buffer == nil:
		return errors.New("incomplete composite job")
	case job.Buffer.Dx != job.Indexer.Dx || job.Buffer.Dy != job.Indexer.Dy:
		return fmt.Errorf("buffer %dx%d does not match grid %dx%d",
			job.Buffer.Dx, job.Buffer.Dy, job.Indexer.Dx, job.Indexer.Dy)
	case job.Buffer.Bands != len(job.Bands):
		return fmt.Errorf("buffer has %d bands, job requests %d", job.Buffer.Bands, len(job.Bands))
	}
	return nil
}
