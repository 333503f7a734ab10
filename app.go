package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/rs/zerolog"

	"imagery-mosaic/internal/cache"
	"imagery-mosaic/internal/common"
	"imagery-mosaic/internal/composite"
	"imagery-mosaic/internal/config"
	"imagery-mosaic/internal/earthengine"
	"imagery-mosaic/internal/footprint"
	"imagery-mosaic/internal/geo"
	"imagery-mosaic/internal/mosaic"
	"imagery-mosaic/internal/ratelimit"
	"imagery-mosaic/internal/utils/naming"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// BuildRequest is a build as given on the command line
type BuildRequest struct {
	AOIPath    string
	Start      string // YYYY-MM-DD
	OutputPath string
	Footprints string
	NoCache    bool
	NoReport   bool
}

// App holds the long-lived services of one process
type App struct {
	mu           sync.Mutex
	settings     *config.Settings
	settingsPath string
	logger       zerolog.Logger
	limiter      *ratelimit.Handler
	eeClient     *earthengine.Client
	patchCache   *cache.PatchCache
	phClient     posthog.Client
	distinctID   string
}

// NewApp creates the services described by settings. settingsPath is where
// SaveSettings writes; empty means the OS default.
func NewApp(settingsPath string, settings *config.Settings, logger zerolog.Logger) *App {
	retry := &ratelimit.RetryStrategy{
		Intervals:  settings.RetryIntervals(),
		MaxRetries: settings.Retry.MaxRetries,
	}
	limiter := ratelimit.NewHandler(retry, logger)

	ee := settings.EarthEngine
	eeClient := earthengine.NewClient(earthengine.Config{
		BaseURL:     ee.BaseURL,
		Project:     ee.Project,
		Collection:  ee.Collection,
		CloudFilter: ee.CloudFilter,
		Timeout:     ee.Timeout.Duration,
	}, earthengine.StaticToken(settings.Token()), limiter, logger)

	var patchCache *cache.PatchCache
	if !settings.Cache.Disabled {
		pc, err := cache.NewPatchCache(settings.Cache, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("patch cache unavailable, continuing without it")
		} else {
			patchCache = pc
			logger.Debug().Str("dir", pc.GetCachePath()).Int("max_mb", settings.Cache.MaxSizeMB).Msg("patch cache ready")
		}
	}

	// Initialize PostHog
	var phClient posthog.Client
	key, host := settings.Analytics.PostHogKey, settings.Analytics.PostHogEndpoint
	if key == "" {
		key = PostHogKey
	}
	if PostHogHost != "" && host == "" {
		host = PostHogHost
	}
	if key != "" {
		client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: host})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize PostHog")
		} else {
			phClient = client
		}
	}

	app := &App{
		settings:     settings,
		settingsPath: settingsPath,
		logger:       logger,
		limiter:      limiter,
		eeClient:     eeClient,
		patchCache:   patchCache,
		phClient:     phClient,
		distinctID:   installID(settingsPath, logger),
	}
	app.watchRateLimits(limiter)
	return app
}

// Build runs one mosaic build end to end
func (a *App) Build(ctx context.Context, req BuildRequest) (*mosaic.Report, error) {
	s := a.GetSettings()

	aoi, err := geo.LoadAOI(req.AOIPath)
	if err != nil {
		return nil, err
	}
	start, err := common.ParseISO8601(req.Start)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", req.Start, err)
	}

	footprints := req.Footprints
	if footprints == "" {
		footprints = s.Mosaic.Footprints
	}
	store, err := footprint.OpenGeoPackage(ctx, footprints, footprint.GeoPackageOptions{Logger: &a.logger})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if s.EarthEngine.Ping {
		if err := a.eeClient.Ping(ctx); err != nil {
			return nil, err
		}
		a.logger.Info().Msg("Earth Engine session verified")
	}

	var fetcher composite.Fetcher = a.eeClient
	var caching *cache.CachingFetcher
	if a.patchCache != nil && !req.NoCache {
		caching = cache.NewCachingFetcher(a.eeClient, a.patchCache, a.logger)
		fetcher = caching
	}

	var lastDecile int32 = -1
	builder := mosaic.NewBuilder(a.eeClient, store, fetcher, mosaic.Options{
		Bands:         s.Mosaic.Bands,
		PatchSize:     s.Mosaic.PatchSize,
		Scale:         s.Mosaic.Scale,
		FillThreshold: s.Mosaic.FillThreshold,
		NoData:        s.Mosaic.NoData,
		DaysOffset:    s.Mosaic.DaysOffset,
		Workers:       s.Mosaic.Workers,
		MaskWorkers:   s.Mosaic.MaskWorkers,
		Retry:         a.limiter.Strategy(),
		Logger:        a.logger,
		OnProgress: func(p composite.Progress) {
			decile := int32(p.Percent / 10)
			if old := atomic.LoadInt32(&lastDecile); decile > old && atomic.CompareAndSwapInt32(&lastDecile, old, decile) {
				a.logger.Info().Int("done", p.Done).Int("total", p.Total).Int("percent", p.Percent).Msg("progress")
			}
		},
	})

	report, err := builder.Build(ctx, mosaic.Request{
		AOI:        aoi,
		Start:      start,
		OutputPath: req.OutputPath,
		OutputDir:  s.Mosaic.OutputDir,
	})
	if err != nil {
		a.TrackEvent("mosaic_failed", map[string]interface{}{
			"error_kind": errorKind(err),
		})
		return nil, err
	}
	if caching != nil {
		report.CacheHits = caching.Hits()
	}

	if !req.NoReport {
		path := filepath.Join(filepath.Dir(report.OutputPath), naming.GenerateReportFilename(filepath.Base(report.OutputPath)))
		if err := report.WriteFile(path); err != nil {
			a.logger.Warn().Err(err).Msg("failed to write build report")
		}
	}

	a.TrackEvent("mosaic_complete", map[string]interface{}{
		"version":     AppVersion,
		"epsg":        report.EPSG,
		"pixels":      report.Width * report.Height,
		"bands":       len(report.Bands),
		"scenes":      len(report.Scenes),
		"strategy":    report.Strategy,
		"fetched":     report.Fetched,
		"cache_hits":  report.CacheHits,
		"duration_ms": report.Duration.Milliseconds(),
	})
	return report, nil
}

// errorKind classifies a build failure for analytics
func errorKind(err error) string {
	switch {
	case errors.Is(err, common.ErrInvalidAOI):
		return "invalid_aoi"
	case errors.Is(err, common.ErrNoImageryAvailable):
		return "no_imagery"
	case errors.Is(err, common.ErrUnknownTile):
		return "unknown_tile"
	case errors.Is(err, common.ErrFetchFailed):
		return "fetch_failed"
	case errors.Is(err, common.ErrWriteFailed):
		return "write_failed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "other"
}

// TrackEvent sends an event to PostHog
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if a.phClient == nil {
		return
	}
	props["os"] = goruntime.GOOS
	props["arch"] = goruntime.GOARCH
	if err := a.phClient.Enqueue(posthog.Capture{
		DistinctId: a.distinctID,
		Event:      event,
		Properties: props,
	}); err != nil {
		a.logger.Debug().Err(err).Str("event", event).Msg("analytics event dropped")
	}
}

// Shutdown flushes the cache index and pending analytics
func (a *App) Shutdown() {
	if a.patchCache != nil {
		if err := a.patchCache.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to save cache index")
		}
	}
	if a.phClient != nil {
		a.phClient.Close()
	}
}

// installID returns a random id persisted next to the settings file, used
// as the analytics distinct id
func installID(settingsPath string, logger zerolog.Logger) string {
	if settingsPath == "" {
		settingsPath = config.GetSettingsPath()
	}
	path := filepath.Join(filepath.Dir(settingsPath), "install_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err == nil {
		if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
			logger.Debug().Err(err).Msg("install id not persisted")
		}
	}
	return id
}
