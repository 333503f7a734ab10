package cache

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"imagery-mosaic/internal/common"
)

// Fetcher retrieves a patch from the pixel service
type Fetcher interface {
	FetchPatch(ctx context.Context, req common.PatchRequest) (*common.Patch, error)
}

// CachingFetcher serves patches from a PatchCache and falls through to the
// wrapped fetcher on a miss
type CachingFetcher struct {
	next   Fetcher
	cache  *PatchCache
	hits   atomic.Int64
	misses atomic.Int64
	logger zerolog.Logger
}

// NewCachingFetcher wraps next with cache
func NewCachingFetcher(next Fetcher, cache *PatchCache, logger zerolog.Logger) *CachingFetcher {
	return &CachingFetcher{
		next:   next,
		cache:  cache,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

// FetchPatch implements Fetcher
func (f *CachingFetcher) FetchPatch(ctx context.Context, req common.PatchRequest) (*common.Patch, error) {
	if patch, ok := f.cache.Get(req); ok {
		f.hits.Add(1)
		f.logger.Trace().Str("scene", req.SceneID).Float64("x", req.OriginX).Float64("y", req.OriginY).Msg("hit")
		return patch, nil
	}
	f.misses.Add(1)

	patch, err := f.next.FetchPatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := f.cache.Set(req, patch); err != nil {
		f.logger.Warn().Err(err).Str("scene", req.SceneID).Msg("failed to cache patch")
	}
	return patch, nil
}

// Hits returns the number of requests served from disk
func (f *CachingFetcher) Hits() int { return int(f.hits.Load()) }

// Misses returns the number of requests passed to the wrapped fetcher
func (f *CachingFetcher) Misses() int { return int(f.misses.Load()) }
