package main

import (
	"fmt"
	"time"

	"imagery-mosaic/internal/common"
	"imagery-mosaic/internal/ratelimit"
)

// RateLimitStatus represents the current rate limit status for the provider
type RateLimitStatus struct {
	Provider     string `json:"provider"`
	IsLimited    bool   `json:"isLimited"`
	StatusCode   int    `json:"statusCode,omitempty"`
	RetryAt      string `json:"retryAt,omitempty"`
	RetryAttempt int    `json:"retryAttempt,omitempty"`
}

// GetRateLimitStatus returns the current rate limit status for Earth Engine
func (a *App) GetRateLimitStatus() RateLimitStatus {
	status := RateLimitStatus{Provider: common.DisplayNameEarthEngine}
	if a.limiter == nil {
		return status
	}
	if event := a.limiter.GetCurrentState(common.ProviderEarthEngine); event != nil {
		status.IsLimited = true
		status.StatusCode = event.StatusCode
		status.RetryAt = event.NextRetryAt.Format(time.RFC3339)
		status.RetryAttempt = event.RetryAttempt
	}
	return status
}

// CacheStats describes the on-disk patch cache
type CacheStats struct {
	Path      string `json:"path"`
	Enabled   bool   `json:"enabled"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"sizeBytes"`
	MaxBytes  int64  `json:"maxBytes"`
}

// GetCacheStats returns patch cache statistics
func (a *App) GetCacheStats() CacheStats {
	if a.patchCache == nil {
		return CacheStats{}
	}
	entries, size, max := a.patchCache.Stats()
	return CacheStats{
		Path:      a.patchCache.GetCachePath(),
		Enabled:   true,
		Entries:   entries,
		SizeBytes: size,
		MaxBytes:  max,
	}
}

// ClearCache removes every cached patch
func (a *App) ClearCache() error {
	if a.patchCache == nil {
		return fmt.Errorf("patch cache is disabled")
	}
	if err := a.patchCache.Clear(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	a.logger.Info().Str("dir", a.patchCache.GetCachePath()).Msg("patch cache cleared")
	return nil
}

// watchRateLimits forwards throttling events to the log
func (a *App) watchRateLimits(h *ratelimit.Handler) {
	h.SetOnRateLimit(func(event ratelimit.RateLimitEvent) {
		a.logger.Warn().
			Str("provider", common.DisplayNameEarthEngine).
			Int("status", event.StatusCode).
			Int("attempt", event.RetryAttempt).
			Time("retry_at", event.NextRetryAt).
			Msg("provider is throttling requests")
	})
	h.SetOnRecovered(func(provider string) {
		a.logger.Info().Str("provider", common.DisplayNameEarthEngine).Msg("provider recovered from rate limiting")
	})
}
