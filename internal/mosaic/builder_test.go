package mosaic

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagery-mosaic/internal/common"
	"imagery-mosaic/internal/footprint"
	"imagery-mosaic/internal/geo"
	"imagery-mosaic/internal/ratelimit"
)

const (
	sceneA = "COPERNICUS/S2/20190603T153819_20190603T154335_T18TWR"
	sceneB = "COPERNICUS/S2/20190608T153821_20190608T154217_T18TXR"
)

var (
	testAOI   = orb.Polygon{{{-74.0, 46.0}, {-73.98, 46.0}, {-73.98, 46.015}, {-74.0, 46.015}, {-74.0, 46.0}}}
	testStart = time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)
)

type fakeCatalog struct {
	scenes     []string
	err        error
	start, end time.Time
}

func (c *fakeCatalog) ListImages(_ context.Context, start, end time.Time, _ orb.Polygon) ([]string, error) {
	c.start, c.end = start, end
	return c.scenes, c.err
}

// sceneFetcher fills every patch of scene i with 100*(i+1)+band
type sceneFetcher struct {
	mu     sync.Mutex
	scenes map[string]int
	calls  int
	fail   error
}

func (f *sceneFetcher) FetchPatch(_ context.Context, req common.PatchRequest) (*common.Patch, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	p := common.NewPatch(req.Size, req.Size, len(req.Bands))
	for i := range p.Data {
		p.Data[i] = float32(100*(f.scenes[req.SceneID]+1) + i%len(req.Bands))
	}
	return p, nil
}

// columnFootprint covers the AOI grid between fractions x0 and x1 of its
// width, with a generous margin north and south
func columnFootprint(t *testing.T, name string, x0, x1 float64) footprint.Footprint {
	t.Helper()
	aoi, err := geo.Resolve(testAOI, 10)
	require.NoError(t, err)
	b := aoi.Bound
	w := b.Max[0] - b.Min[0]
	left := b.Min[0] + x0*w
	right := b.Min[0] + x1*w
	if x0 == 0 {
		left -= 1000
	}
	if x1 == 1 {
		right += 1000
	}
	ring := orb.Ring{
		{left, b.Min[1] - 1000}, {right, b.Min[1] - 1000},
		{right, b.Max[1] + 1000}, {left, b.Max[1] + 1000},
		{left, b.Min[1] - 1000},
	}
	return footprint.Footprint{Name: name, EPSG: aoi.EPSG, Geometry: orb.MultiPolygon{{ring}}}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Bands = []string{"B4", "B3"}
	opts.PatchSize = 64
	opts.Workers = 4
	opts.Retry = &ratelimit.RetryStrategy{Intervals: []time.Duration{time.Millisecond}, MaxRetries: 1}
	opts.Logger = zerolog.Nop()
	return opts
}

func TestBuildOverlappingScenesLeavesNoGaps(t *testing.T) {
	store := footprint.NewMemoryStore()
	store.Put(columnFootprint(t, "18TWR", 0, 0.6))
	store.Put(columnFootprint(t, "18TXR", 0.3, 1))

	catalog := &fakeCatalog{scenes: []string{sceneA, sceneB}}
	fetcher := &sceneFetcher{scenes: map[string]int{sceneA: 0, sceneB: 1}}
	dir := t.TempDir()

	report, err := NewBuilder(catalog, store, fetcher, testOptions()).Build(context.Background(), Request{
		AOI:       testAOI,
		Start:     testStart,
		OutputDir: dir,
	})
	require.NoError(t, err)

	assert.Equal(t, testStart, catalog.start)
	assert.Equal(t, testStart.AddDate(0, 0, 20), catalog.end)

	assert.Equal(t, 32618, report.EPSG)
	assert.Equal(t, "partition", report.Strategy)
	assert.Empty(t, report.SelectedScene)
	assert.Zero(t, report.Unassigned)
	assert.Equal(t, 1.0, report.Coverage, "every pixel must hold scene data")
	assert.Equal(t, report.Tasks, report.Fetched)
	assert.Equal(t, report.Fetched, fetcher.calls, "no (scene, patch) pair is fetched twice")

	require.Len(t, report.Bands, 2)
	assert.Equal(t, "B4", report.Bands[0].Band)
	assert.Equal(t, 100.0, report.Bands[0].Min, "west edge comes from the first scene")
	assert.Equal(t, 200.0, report.Bands[0].Max, "east edge comes from the second scene")
	assert.Equal(t, 201.0, report.Bands[1].Max)

	assert.Equal(t, filepath.Join(dir, "mosaic_2019-06-01_32618_46p0000N-46p0150N_74p0000W-73p9800W.tif"), report.OutputPath)
	data, err := os.ReadFile(report.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, []byte{'I', 'I', 0x2A, 0x00}, data[:4])

	// pixel (0,0) of the written grid maps back to the AOI's north-west corner
	aoi, err := geo.Resolve(testAOI, 10)
	require.NoError(t, err)
	assert.Equal(t, [6]float64{aoi.MinX(), 10, 0, aoi.MaxY(), 0, -10}, report.GeoTransform)
	assert.Equal(t, aoi.Dx, report.Width)
	assert.Equal(t, aoi.Dy, report.Height)
}

func TestBuildSingleSceneFastPath(t *testing.T) {
	store := footprint.NewMemoryStore()
	store.Put(columnFootprint(t, "18TWR", 0, 0.5))
	store.Put(columnFootprint(t, "18TXR", 0, 1))

	fetcher := &sceneFetcher{scenes: map[string]int{sceneA: 0, sceneB: 1}}
	path := filepath.Join(t.TempDir(), "out.tif")

	report, err := NewBuilder(&fakeCatalog{scenes: []string{sceneA, sceneB}}, store, fetcher, testOptions()).
		Build(context.Background(), Request{AOI: testAOI, Start: testStart, OutputPath: path})
	require.NoError(t, err)

	assert.Equal(t, "single_scene", report.Strategy)
	assert.Equal(t, sceneB, report.SelectedScene)
	assert.Equal(t, report.Tasks, fetcher.calls)
	assert.Equal(t, 200.0, report.Bands[0].Min)
	assert.FileExists(t, path)
}

func TestBuildWithoutScenesWritesNothing(t *testing.T) {
	dir := t.TempDir()
	fetcher := &sceneFetcher{}

	_, err := NewBuilder(&fakeCatalog{}, footprint.NewMemoryStore(), fetcher, testOptions()).
		Build(context.Background(), Request{AOI: testAOI, Start: testStart, OutputDir: dir})
	assert.ErrorIs(t, err, common.ErrNoImageryAvailable)
	assert.Zero(t, fetcher.calls)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildUnknownTile(t *testing.T) {
	dir := t.TempDir()
	store := footprint.NewMemoryStore()
	store.Put(columnFootprint(t, "18TWR", 0, 1))

	_, err := NewBuilder(&fakeCatalog{scenes: []string{sceneA, sceneB}}, store, &sceneFetcher{}, testOptions()).
		Build(context.Background(), Request{AOI: testAOI, Start: testStart, OutputDir: dir})
	require.ErrorIs(t, err, common.ErrUnknownTile)

	var tileErr *common.UnknownTileError
	require.ErrorAs(t, err, &tileErr)
	assert.Equal(t, sceneB, tileErr.SceneID)
	assert.Equal(t, "18TXR", tileErr.Key)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestBuildFetchFailureWritesNothing(t *testing.T) {
	dir := t.TempDir()
	store := footprint.NewMemoryStore()
	store.Put(columnFootprint(t, "18TWR", 0, 1))
	fetcher := &sceneFetcher{fail: errors.New("HTTP 500")}

	_, err := NewBuilder(&fakeCatalog{scenes: []string{sceneA}}, store, fetcher, testOptions()).
		Build(context.Background(), Request{AOI: testAOI, Start: testStart, OutputDir: dir})
	assert.ErrorIs(t, err, common.ErrFetchFailed)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestBuildRejectsDegenerateAOI(t *testing.T) {
	line := orb.Polygon{{{-74.0, 46.0}, {-74.0, 46.01}, {-74.0, 46.0}}}
	_, err := NewBuilder(&fakeCatalog{scenes: []string{sceneA}}, footprint.NewMemoryStore(), &sceneFetcher{}, testOptions()).
		Build(context.Background(), Request{AOI: line, Start: testStart, OutputDir: t.TempDir()})
	assert.ErrorIs(t, err, common.ErrInvalidAOI)
}

func TestReportWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	r := &Report{BuildID: "b", Strategy: "partition", Bands: []BandStats{{Band: "B4", Valid: 1, Mean: 3}}}
	require.NoError(t, r.WriteFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"strategy": "partition"`)
}
