package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagery-mosaic/internal/common"
)

func testRequest(scene string, x float64) common.PatchRequest {
	return common.PatchRequest{
		SceneID: scene,
		Bands:   []string{"B4", "B3"},
		OriginX: x,
		OriginY: 5100000,
		Size:    4,
		Scale:   10,
		CRSCode: "EPSG:32618",
	}
}

func testPatch(seed float32) *common.Patch {
	p := common.NewPatch(4, 4, 2)
	for i := range p.Data {
		p.Data[i] = seed + float32(i)
	}
	return p
}

func openCache(t *testing.T, dir string, maxMB, ttlDays int) *PatchCache {
	t.Helper()
	c, err := NewPatchCache(Config{Dir: dir, MaxSizeMB: maxMB, TTLDays: ttlDays}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPatchCodecRoundTrip(t *testing.T) {
	p := testPatch(-3.5)
	key, got, err := decodePatch(encodePatch("k", p))
	require.NoError(t, err)
	assert.Equal(t, "k", key)
	assert.Equal(t, p, got)

	_, _, err = decodePatch([]byte("garbage"))
	assert.Error(t, err)

	data := encodePatch("k", p)
	_, _, err = decodePatch(data[:len(data)-1])
	assert.Error(t, err)
}

func TestPatchCacheGetSet(t *testing.T) {
	c := openCache(t, t.TempDir(), 10, 0)
	req := testRequest("S2A_T18TWR", 600000)

	_, ok := c.Get(req)
	assert.False(t, ok)

	require.NoError(t, c.Set(req, testPatch(1)))
	got, ok := c.Get(req)
	require.True(t, ok)
	assert.Equal(t, testPatch(1).Data, got.Data)

	_, ok = c.Get(testRequest("S2A_T18TWR", 600040))
	assert.False(t, ok, "different origin is a different key")

	entries, size, _ := c.Stats()
	assert.Equal(t, 1, entries)
	assert.Positive(t, size)
}

func TestPatchCacheRejectsShapeMismatch(t *testing.T) {
	c := openCache(t, t.TempDir(), 10, 0)
	req := testRequest("S2A_T18TWR", 600000)
	require.NoError(t, c.Set(req, common.NewPatch(3, 4, 2)))

	_, ok := c.Get(req)
	assert.False(t, ok)
	entries, _, _ := c.Stats()
	assert.Equal(t, 0, entries)
}

func TestPatchCachePersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	req := testRequest("S2B_T18TXR", 600000)

	c := openCache(t, dir, 10, 0)
	require.NoError(t, c.Set(req, testPatch(7)))
	require.NoError(t, c.Close())

	reopened := openCache(t, dir, 10, 0)
	got, ok := reopened.Get(req)
	require.True(t, ok)
	assert.Equal(t, testPatch(7).Data, got.Data)
}

func TestPatchCacheRebuildsLostIndex(t *testing.T) {
	dir := t.TempDir()
	req := testRequest("S2B_T18TXR", 600000)

	c := openCache(t, dir, 10, 0)
	require.NoError(t, c.Set(req, testPatch(2)))
	require.NoError(t, c.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, indexFile)))

	reopened := openCache(t, dir, 10, 0)
	_, ok := reopened.Get(req)
	assert.True(t, ok)
}

func TestPatchCacheExpiresEntries(t *testing.T) {
	c := openCache(t, t.TempDir(), 10, 1)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	req := testRequest("S2A_T18TWR", 600000)
	require.NoError(t, c.Set(req, testPatch(1)))

	now = now.Add(25 * time.Hour)
	_, ok := c.Get(req)
	assert.False(t, ok)

	require.NoError(t, c.Set(req, testPatch(1)))
	now = now.Add(48 * time.Hour)
	assert.Equal(t, 1, c.evictExpired())
}

func TestPatchCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := openCache(t, t.TempDir(), 1, 0)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	reqs := make([]common.PatchRequest, 3)
	for i := range reqs {
		reqs[i] = testRequest("S2A_T18TWR", 600000+float64(i)*40)
		require.NoError(t, c.Set(reqs[i], testPatch(float32(i))))
		now = now.Add(time.Minute)
	}
	// touch the oldest so the second becomes least recently used
	_, ok := c.Get(reqs[0])
	require.True(t, ok)

	// each entry encodes to about 200 bytes; shrinking the limit leaves room for one
	c.maxSize = 400

	assert.Positive(t, c.evictLRU())

	_, ok = c.Get(reqs[1])
	assert.False(t, ok)
	_, ok = c.Get(reqs[0])
	assert.True(t, ok)
	_, size, _ := c.Stats()
	assert.LessOrEqual(t, size, c.maxSize)
}

func TestPatchCacheClear(t *testing.T) {
	c := openCache(t, t.TempDir(), 10, 0)
	req := testRequest("S2A_T18TWR", 600000)
	require.NoError(t, c.Set(req, testPatch(1)))

	require.NoError(t, c.Clear())
	entries, size, _ := c.Stats()
	assert.Zero(t, entries)
	assert.Zero(t, size)
	assert.NoFileExists(t, filepath.Join(c.GetCachePath(), buildFilePath(req.SceneID, req.CacheKey())))
}

type countingFetcher struct {
	calls int
	err   error
}

func (f *countingFetcher) FetchPatch(_ context.Context, req common.PatchRequest) (*common.Patch, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return testPatch(float32(req.OriginX)), nil
}

func TestCachingFetcher(t *testing.T) {
	c := openCache(t, t.TempDir(), 10, 0)
	next := &countingFetcher{}
	f := NewCachingFetcher(next, c, zerolog.Nop())
	req := testRequest("S2A_T18TWR", 600000)

	first, err := f.FetchPatch(context.Background(), req)
	require.NoError(t, err)
	second, err := f.FetchPatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, 1, f.Hits())
	assert.Equal(t, 1, f.Misses())
}

func TestCachingFetcherDoesNotCacheErrors(t *testing.T) {
	c := openCache(t, t.TempDir(), 10, 0)
	next := &countingFetcher{err: errors.New("HTTP 503")}
	f := NewCachingFetcher(next, c, zerolog.Nop())
	req := testRequest("S2A_T18TWR", 600000)

	_, err := f.FetchPatch(context.Background(), req)
	assert.Error(t, err)
	entries, _, _ := c.Stats()
	assert.Zero(t, entries)
}
