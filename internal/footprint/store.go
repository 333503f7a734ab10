// Package footprint looks up precomputed tile footprint geometries by tile name.
package footprint

import (
	"context"
	"fmt"
	"sync"

	"github.com/paulmach/orb"

	"imagery-mosaic/internal/common"
)

// TileKeyLength is the length of the tile-name suffix of a Sentinel-2 scene id
const TileKeyLength = 5

// Footprint is a tile's coverage polygon in its native CRS
type Footprint struct {
	Name     string
	Geometry orb.MultiPolygon
	EPSG     int
}

// Store resolves tile names to footprints. A miss must wrap common.ErrUnknownTile.
type Store interface {
	Lookup(ctx context.Context, key string) (Footprint, error)
}

// TileKey derives the footprint key of a scene, e.g.
// "20200729T153819_20200729T154402_T18TWR" -> "18TWR"
func TileKey(sceneID string) string {
	if len(sceneID) <= TileKeyLength {
		return sceneID
	}
	return sceneID[len(sceneID)-TileKeyLength:]
}

// MemoryStore is a Store backed by a map
type MemoryStore struct {
	mu         sync.RWMutex
	footprints map[string]Footprint
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{footprints: make(map[string]Footprint)}
}

// Put adds or replaces a footprint
func (s *MemoryStore) Put(fp Footprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.footprints[fp.Name] = fp
}

// Lookup returns the footprint stored under key
func (s *MemoryStore) Lookup(_ context.Context, key string) (Footprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.footprints[key]
	if !ok {
		return Footprint{}, fmt.Errorf("%w: %s", common.ErrUnknownTile, key)
	}
	return fp, nil
}

// Len returns the number of stored footprints
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.footprints)
}
