package composite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagery-mosaic/internal/alpha"
	"imagery-mosaic/internal/common"
	"imagery-mosaic/internal/geo"
	"imagery-mosaic/internal/grid"
	"imagery-mosaic/internal/mask"
	"imagery-mosaic/internal/ratelimit"
)

const (
	testMinX  = 600000.0
	testMaxY  = 5100000.0
	testScale = 10.0
)

var testBands = []string{"B4", "B3", "B2"}

func testAOI(dx, dy int) *geo.ProjectedAOI {
	return &geo.ProjectedAOI{
		EPSG:      32618,
		Bound:     orb.Bound{Min: orb.Point{testMinX, testMaxY - float64(dy)*testScale}, Max: orb.Point{testMinX + float64(dx)*testScale, testMaxY}},
		Scale:     testScale,
		Dx:        dx,
		Dy:        dy,
		Transform: geo.FromOrigin(testMinX, testMaxY, testScale, testScale),
	}
}

// sceneFetcher returns patches whose band b holds 100*(scene index+1)+b and
// records every request
type sceneFetcher struct {
	mu       sync.Mutex
	index    map[string]int
	calls    map[string]int
	failures map[string]int // scene -> remaining failures
	err      error
}

func newSceneFetcher(scenes ...string) *sceneFetcher {
	f := &sceneFetcher{index: map[string]int{}, calls: map[string]int{}, failures: map[string]int{}}
	for i, s := range scenes {
		f.index[s] = i
	}
	return f
}

func (f *sceneFetcher) FetchPatch(ctx context.Context, req common.PatchRequest) (*common.Patch, error) {
	f.mu.Lock()
	f.calls[req.CacheKey()]++
	if f.failures[req.SceneID] > 0 {
		f.failures[req.SceneID]--
		f.mu.Unlock()
		return nil, f.err
	}
	i := f.index[req.SceneID]
	f.mu.Unlock()

	p := common.NewPatch(req.Size, req.Size, len(req.Bands))
	for y := 0; y < req.Size; y++ {
		for x := 0; x < req.Size; x++ {
			for b := range req.Bands {
				p.Set(x, y, b, float32(100*(i+1)+b))
			}
		}
	}
	return p, nil
}

func (f *sceneFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func columns(id string, dx, dy, c0, c1 int) mask.Availability {
	m := mask.New(dx, dy)
	for y := 0; y < dy; y++ {
		for x := c0; x < c1; x++ {
			m.Set(x, y, true)
		}
	}
	return mask.Availability{SceneID: id, Mask: m, Fill: m.FillFraction()}
}

func newJob(t *testing.T, dx, dy, patch int, avail ...mask.Availability) Job {
	t.Helper()
	a, err := alpha.Assign(avail, alpha.DefaultFillThreshold)
	require.NoError(t, err)
	ix, err := grid.NewIndexer(dx, dy, patch)
	require.NoError(t, err)
	buf, err := NewBuffer(dx, dy, len(testBands), DefaultNoData)
	require.NoError(t, err)
	return Job{
		AOI:        testAOI(dx, dy),
		Indexer:    ix,
		Bands:      testBands,
		Assignment: a,
		Plan:       NewPlan(a, ix),
		Buffer:     buf,
	}
}

func fastRetry(retries int) *ratelimit.RetryStrategy {
	return &ratelimit.RetryStrategy{Intervals: []time.Duration{time.Millisecond}, MaxRetries: retries}
}

func TestPlanUniquePatchesPerScene(t *testing.T) {
	// 40 x 20 grid, 8px patches: 5 x 3 patches
	job := newJob(t, 40, 20, 8,
		columns("A", 40, 20, 0, 24),  // patch columns 0-2
		columns("B", 40, 20, 10, 40), // owns columns 24-39 -> patch columns 3-4
	)

	want := [][]grid.PatchCoord{
		{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 2, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}, {X: 2, Y: 1}, {X: 0, Y: 2}, {X: 1, Y: 2}, {X: 2, Y: 2}},
		{{X: 3, Y: 0}, {X: 4, Y: 0}, {X: 3, Y: 1}, {X: 4, Y: 1}, {X: 3, Y: 2}, {X: 4, Y: 2}},
	}
	if diff := cmp.Diff(want, job.Plan.Patches); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 15, job.Plan.Len())
}

func TestPlanSharedPatchFetchedByBothScenes(t *testing.T) {
	// the boundary at column 12 splits patch column 1 between A and B
	job := newJob(t, 16, 8, 8, columns("A", 16, 8, 0, 12), columns("B", 16, 8, 4, 16))
	require.Equal(t, alpha.StrategyPartition, job.Plan.Strategy)
	assert.Equal(t, []grid.PatchCoord{{X: 0, Y: 0}, {X: 1, Y: 0}}, job.Plan.Patches[0])
	assert.Equal(t, []grid.PatchCoord{{X: 1, Y: 0}}, job.Plan.Patches[1])
}

func TestPlanFastPathCoversGrid(t *testing.T) {
	job := newJob(t, 20, 20, 8, columns("partial", 20, 20, 0, 5), columns("full", 20, 20, 0, 20))
	require.Equal(t, alpha.StrategySingleScene, job.Plan.Strategy)
	assert.Nil(t, job.Plan.Patches[0])
	assert.Len(t, job.Plan.Patches[1], 9)
	assert.Equal(t, 9, job.Plan.Len())
}

func TestRunCompositesOwnedPixels(t *testing.T) {
	// A covers the left 60%, B the right 70%
	job := newJob(t, 50, 10, 8, columns("A", 50, 10, 0, 30), columns("B", 50, 10, 15, 50))
	f := newSceneFetcher("A", "B")

	stats, err := NewEngine(f, Options{Workers: 3, Retry: fastRetry(0), Logger: zerolog.Nop()}).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, job.Plan.Len(), f.totalCalls())
	assert.Equal(t, job.Plan.Len(), stats.Fetched)
	assert.Equal(t, 500, stats.PixelsWritten)
	assert.Equal(t, 500, job.Buffer.ValidCount())

	assert.Equal(t, []float32{100, 101, 102}, job.Buffer.Pixel(0, 0))
	assert.Equal(t, []float32{100, 101, 102}, job.Buffer.Pixel(29, 9))
	assert.Equal(t, []float32{200, 201, 202}, job.Buffer.Pixel(30, 0))
	assert.Equal(t, []float32{200, 201, 202}, job.Buffer.Pixel(49, 9))
}

func TestRunNeverFetchesAPairTwice(t *testing.T) {
	job := newJob(t, 64, 64, 16,
		columns("A", 64, 64, 0, 20),
		columns("B", 64, 64, 10, 40),
		columns("C", 64, 64, 30, 64),
	)
	f := newSceneFetcher("A", "B", "C")
	_, err := NewEngine(f, Options{Workers: 4, Retry: fastRetry(0)}).Run(context.Background(), job)
	require.NoError(t, err)

	for key, n := range f.calls {
		assert.Equal(t, 1, n, "request %s", key)
	}
	// A: patch cols 0-1, B: cols 1-2 (owns 20-39), C: cols 2-3 (owns 40-63)
	assert.Equal(t, 4*2+4*2+4*2, f.totalCalls())
}

func TestRunLeavesUncoveredPixelsNoData(t *testing.T) {
	job := newJob(t, 20, 4, 8, columns("A", 20, 4, 0, 10))
	_, err := NewEngine(newSceneFetcher("A"), Options{Retry: fastRetry(0)}).Run(context.Background(), job)
	require.NoError(t, err)

	assert.False(t, job.Buffer.IsValid(15, 0))
	assert.Equal(t, []float32{-1, -1, -1}, job.Buffer.Pixel(15, 0))
	assert.Equal(t, 40, job.Buffer.ValidCount())
}

func TestRunRetriesTransientFailures(t *testing.T) {
	job := newJob(t, 8, 8, 8, columns("A", 8, 8, 0, 8))
	f := newSceneFetcher("A")
	f.failures["A"] = 2
	f.err = errors.New("connection reset")

	stats, err := NewEngine(f, Options{Retry: fastRetry(3)}).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 3, f.totalCalls())
	assert.Equal(t, 64, job.Buffer.ValidCount())
}

func TestRunFailsAfterRetriesExhausted(t *testing.T) {
	job := newJob(t, 16, 8, 8, columns("A", 16, 8, 0, 8), columns("B", 16, 8, 8, 16))
	f := newSceneFetcher("A", "B")
	f.failures["B"] = 100
	f.err = errors.New("HTTP 500")

	_, err := NewEngine(f, Options{Workers: 1, Retry: fastRetry(2)}).Run(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrFetchFailed)

	var fetchErr *common.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "B", fetchErr.SceneID)
	assert.Equal(t, 1, fetchErr.PatchX)
	assert.Equal(t, 0, fetchErr.PatchY)
	assert.Equal(t, 3, fetchErr.Attempts)
	assert.Contains(t, err.Error(), "HTTP 500")

	for x := 8; x < 16; x++ {
		assert.False(t, job.Buffer.IsValid(x, 0), "failed patch must not be committed")
	}
}

func TestRunDoesNotRetryRejectedRequests(t *testing.T) {
	job := newJob(t, 8, 8, 8, columns("A", 8, 8, 0, 8))
	f := newSceneFetcher("A")
	f.failures["A"] = 100
	f.err = fmt.Errorf("asset not found: %w", common.ErrRequestRejected)

	_, err := NewEngine(f, Options{Workers: 1, Retry: fastRetry(5)}).Run(context.Background(), job)
	assert.ErrorIs(t, err, common.ErrFetchFailed)
	assert.ErrorIs(t, err, common.ErrRequestRejected)

	var fetchErr *common.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 1, fetchErr.Attempts)
	assert.Equal(t, 1, f.totalCalls())
}

func TestRunRejectsMalformedPatches(t *testing.T) {
	job := newJob(t, 8, 8, 8, columns("A", 8, 8, 0, 8))
	_, err := NewEngine(shortFetcher{}, Options{Retry: fastRetry(1)}).Run(context.Background(), job)
	assert.ErrorIs(t, err, common.ErrFetchFailed)
	assert.Equal(t, 0, job.Buffer.ValidCount())
}

type shortFetcher struct{}

func (shortFetcher) FetchPatch(_ context.Context, req common.PatchRequest) (*common.Patch, error) {
	return common.NewPatch(req.Size-1, req.Size, len(req.Bands)), nil
}

// blockingFetcher waits for cancellation
type blockingFetcher struct {
	started chan struct{}
	once    sync.Once
}

func (f *blockingFetcher) FetchPatch(ctx context.Context, _ common.PatchRequest) (*common.Patch, error) {
	f.once.Do(func() { close(f.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCancellationCommitsNothing(t *testing.T) {
	job := newJob(t, 32, 32, 8, columns("A", 32, 32, 0, 32))
	f := &blockingFetcher{started: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.started
		cancel()
	}()

	_, err := NewEngine(f, Options{Workers: 2, Retry: fastRetry(5)}).Run(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, common.ErrFetchFailed)
	assert.Equal(t, 0, job.Buffer.ValidCount())
}

func TestRunReportsProgress(t *testing.T) {
	job := newJob(t, 16, 16, 8, columns("A", 16, 16, 0, 16))
	var mu sync.Mutex
	var last Progress
	calls := 0

	_, err := NewEngine(newSceneFetcher("A"), Options{
		Workers: 2,
		Retry:   fastRetry(0),
		OnProgress: func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if p.Done > last.Done {
				last = p
			}
		},
	}).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, last.Done)
	assert.Equal(t, 100, last.Percent)
}

func TestRunRejectsMismatchedBuffer(t *testing.T) {
	job := newJob(t, 8, 8, 8, columns("A", 8, 8, 0, 8))
	job.Buffer, _ = NewBuffer(4, 4, 3, DefaultNoData)
	_, err := NewEngine(newSceneFetcher("A"), Options{}).Run(context.Background(), job)
	assert.Error(t, err)
}

func TestPatchRequestOrigins(t *testing.T) {
	job := newJob(t, 20, 20, 8, columns("A", 20, 20, 0, 20))
	seen := make(chan common.PatchRequest, 16)
	f := fetchFunc(func(_ context.Context, req common.PatchRequest) (*common.Patch, error) {
		seen <- req
		return common.NewPatch(req.Size, req.Size, len(req.Bands)), nil
	})
	_, err := NewEngine(f, Options{Workers: 1, Retry: fastRetry(0)}).Run(context.Background(), job)
	require.NoError(t, err)
	close(seen)

	origins := map[string]bool{}
	for req := range seen {
		assert.Equal(t, "EPSG:32618", req.CRSCode)
		assert.Equal(t, 8, req.Size)
		assert.Equal(t, testScale, req.Scale)
		origins[fmt.Sprintf("%.0f,%.0f", req.OriginX, req.OriginY)] = true
	}
	assert.Len(t, origins, 9)
	assert.True(t, origins["600000,5100000"])
	assert.True(t, origins["600160,5099840"], "patch (2,2) starts 16 px east and south")
}

type fetchFunc func(context.Context, common.PatchRequest) (*common.Patch, error)

func (f fetchFunc) FetchPatch(ctx context.Context, req common.PatchRequest) (*common.Patch, error) {
	return f(ctx, req)
}
