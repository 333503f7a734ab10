package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"imagery-mosaic/internal/common"
)

const indexFile = "cache_index.json"

// PatchCache provides disk-based caching of fetched scene patches
// Cache persists across runs; files are grouped per scene and named by the
// hash of the request key
type PatchCache struct {
	baseDir   string
	maxSize   int64 // Maximum cache size in bytes
	currSize  int64 // Current cache size (atomic)
	ttl       time.Duration
	mu        sync.RWMutex
	metadata  map[string]*PatchMetadata // Persistent metadata index
	dirty     bool
	evictChan chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    zerolog.Logger
	now       func() time.Time
}

// PatchMetadata stores information about a cached patch
type PatchMetadata struct {
	Key        string    `json:"key"`
	SceneID    string    `json:"sceneId"`
	File       string    `json:"file"` // relative to the cache directory
	Size       int64     `json:"size"`
	AccessTime time.Time `json:"accessTime"`
	CreateTime time.Time `json:"createTime"`
}

// NewPatchCache opens (or creates) a patch cache
// Cache structure: baseDir/{scene}/{sha256(key)}.patch
// Metadata index: baseDir/cache_index.json
func NewPatchCache(cfg Config, logger zerolog.Logger) (*PatchCache, error) {
	if cfg.Dir == "" {
		cfg.Dir = GetCacheDir()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	cache := &PatchCache{
		baseDir:   cfg.Dir,
		maxSize:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		ttl:       time.Duration(cfg.TTLDays) * 24 * time.Hour,
		metadata:  make(map[string]*PatchMetadata),
		evictChan: make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger:    logger.With().Str("component", "cache").Logger(),
		now:       time.Now,
	}

	if err := cache.loadMetadata(); err != nil {
		cache.logger.Debug().Err(err).Msg("rebuilding cache index")
		if err := cache.rebuildMetadata(); err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	cache.wg.Add(1)
	go cache.maintenanceWorker()

	return cache, nil
}

// Get returns the cached patch for a request, if present, unexpired and
// shaped as requested
func (c *PatchCache) Get(req common.PatchRequest) (*common.Patch, bool) {
	key := req.CacheKey()

	c.mu.RLock()
	meta, exists := c.metadata[key]
	c.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if c.expired(meta) {
		c.evictPatch(key)
		return nil, false
	}

	data, err := os.ReadFile(filepath.Join(c.baseDir, meta.File))
	if err != nil {
		c.evictPatch(key)
		return nil, false
	}
	storedKey, patch, err := decodePatch(data)
	if err != nil || storedKey != key ||
		patch.Width != req.Size || patch.Height != req.Size || patch.Bands != len(req.Bands) {
		c.logger.Warn().Str("key", key).Msg("discarding corrupt cache entry")
		c.evictPatch(key)
		return nil, false
	}

	c.mu.Lock()
	meta.AccessTime = c.now()
	c.dirty = true
	c.mu.Unlock()

	return patch, true
}

// Set stores a patch under the request key
func (c *PatchCache) Set(req common.PatchRequest, patch *common.Patch) error {
	key := req.CacheKey()
	data := encodePatch(key, patch)

	now := c.now()
	meta := &PatchMetadata{
		Key:        key,
		SceneID:    req.SceneID,
		File:       buildFilePath(req.SceneID, key),
		Size:       int64(len(data)),
		AccessTime: now,
		CreateTime: now,
	}

	path := filepath.Join(c.baseDir, meta.File)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	c.mu.Lock()
	if old, ok := c.metadata[key]; ok {
		atomic.AddInt64(&c.currSize, -old.Size)
	}
	c.metadata[key] = meta
	c.dirty = true
	c.mu.Unlock()

	if atomic.AddInt64(&c.currSize, meta.Size) > c.maxSize {
		select {
		case c.evictChan <- struct{}{}:
		default:
		}
	}
	return nil
}

// buildFilePath returns the cache-relative file for a key
func buildFilePath(sceneID, key string) string {
	sum := sha256.Sum256([]byte(key))
	dir := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(sceneID)
	if dir == "" {
		dir = "_"
	}
	return filepath.Join(dir, hex.EncodeToString(sum[:16])+".patch")
}

func (c *PatchCache) expired(meta *PatchMetadata) bool {
	return c.ttl > 0 && c.now().Sub(meta.CreateTime) > c.ttl
}

// evictPatch removes one entry
func (c *PatchCache) evictPatch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

func (c *PatchCache) removeLocked(key string) {
	meta, ok := c.metadata[key]
	if !ok {
		return
	}
	os.Remove(filepath.Join(c.baseDir, meta.File))
	delete(c.metadata, key)
	atomic.AddInt64(&c.currSize, -meta.Size)
	c.dirty = true
}

// maintenanceWorker runs periodic cache maintenance until Close
func (c *PatchCache) maintenanceWorker() {
	defer c.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.evictChan:
			c.evictLRU()
		case <-ticker.C:
			c.evictExpired()
			if err := c.Flush(); err != nil {
				c.logger.Warn().Err(err).Msg("failed to save cache index")
			}
		}
	}
}

// evictLRU removes least recently used patches when the cache is full
func (c *PatchCache) evictLRU() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	currSize := atomic.LoadInt64(&c.currSize)
	if currSize <= c.maxSize {
		return 0
	}

	// Target size: 80% of max to avoid thrashing
	targetSize := c.maxSize * 8 / 10

	entries := make([]*PatchMetadata, 0, len(c.metadata))
	for _, meta := range c.metadata {
		entries = append(entries, meta)
	}
	slices.SortFunc(entries, func(a, b *PatchMetadata) int {
		return a.AccessTime.Compare(b.AccessTime)
	})

	evicted := 0
	for _, e := range entries {
		if currSize <= targetSize {
			break
		}
		c.removeLocked(e.Key)
		currSize -= e.Size
		evicted++
	}

	c.logger.Debug().Int("evicted", evicted).Int64("bytes", currSize).Msg("cache trimmed")
	return evicted
}

// evictExpired removes patches older than the TTL
func (c *PatchCache) evictExpired() int {
	if c.ttl <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var toEvict []string
	for key, meta := range c.metadata {
		if c.expired(meta) {
			toEvict = append(toEvict, key)
		}
	}
	for _, key := range toEvict {
		c.removeLocked(key)
	}
	return len(toEvict)
}

// loadMetadata loads the metadata index from disk
func (c *PatchCache) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(c.baseDir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("metadata file not found")
		}
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata map[string]*PatchMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata == nil {
		metadata = make(map[string]*PatchMetadata)
	}

	var totalSize int64
	for _, meta := range metadata {
		totalSize += meta.Size
	}
	c.metadata = metadata
	atomic.StoreInt64(&c.currSize, totalSize)
	return nil
}

// Flush saves the metadata index if it changed
func (c *PatchCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	return c.saveLocked()
}

// saveLocked writes the index; callers hold mu
func (c *PatchCache) saveLocked() error {
	metaPath := filepath.Join(c.baseDir, indexFile)

	data, err := json.MarshalIndent(c.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Write to temp file first, then rename
	tempPath := metaPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tempPath, metaPath); err != nil {
		return fmt.Errorf("failed to rename metadata file: %w", err)
	}
	c.dirty = false
	return nil
}

// rebuildMetadata rebuilds the index by scanning patch files, whose headers
// carry their keys
func (c *PatchCache) rebuildMetadata() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metadata = make(map[string]*PatchMetadata)
	var totalSize int64

	err := filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".patch" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		key, _, err := decodePatch(data)
		if err != nil {
			os.Remove(path)
			return nil
		}

		rel, _ := filepath.Rel(c.baseDir, path)
		c.metadata[key] = &PatchMetadata{
			Key:        key,
			SceneID:    strings.SplitN(key, ":", 2)[0],
			File:       rel,
			Size:       info.Size(),
			AccessTime: info.ModTime(),
			CreateTime: info.ModTime(),
		}
		totalSize += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}

	atomic.StoreInt64(&c.currSize, totalSize)
	return c.saveLocked()
}

// Stats returns cache statistics
func (c *PatchCache) Stats() (entries int, sizeBytes int64, maxBytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.metadata), atomic.LoadInt64(&c.currSize), c.maxSize
}

// Clear removes all cached patches
func (c *PatchCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.metadata {
		c.removeLocked(key)
	}
	atomic.StoreInt64(&c.currSize, 0)
	return c.saveLocked()
}

// Close stops background maintenance and saves the index
func (c *PatchCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
	return c.Flush()
}

// GetCachePath returns the base directory of the cache
func (c *PatchCache) GetCachePath() string {
	return c.baseDir
}
