package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetryStrategy defines the backoff intervals between fetch attempts
type RetryStrategy struct {
	Intervals  []time.Duration // e.g., [1s, 2s, 5s, 10s]
	MaxRetries int
}

// DefaultRetryStrategy returns the default backoff strategy for pixel fetches
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			30 * time.Second, // all later retries
		},
		MaxRetries: 5,
	}
}

// Interval returns the wait before retry number attempt (0-based). The
// last interval repeats once the list is exhausted.
func (s *RetryStrategy) Interval(attempt int) time.Duration {
	if len(s.Intervals) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(s.Intervals) {
		return s.Intervals[attempt]
	}
	return s.Intervals[len(s.Intervals)-1]
}

// MaxAttempts is the initial call plus MaxRetries
func (s *RetryStrategy) MaxAttempts() int {
	if s.MaxRetries < 0 {
		return 1
	}
	return s.MaxRetries + 1
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RateLimitEvent represents a rate limit occurrence
type RateLimitEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	StatusCode   int       `json:"statusCode"`   // HTTP status code (403, 429, etc.)
	RetryAttempt int       `json:"retryAttempt"` // 0 = first occurrence
	NextRetryAt  time.Time `json:"nextRetryAt"`
}

// Handler tracks rate limit state per provider. Callers consult
// IsRateLimited / WaitClear before issuing requests.
type Handler struct {
	mu          sync.RWMutex
	rateLimited map[string]*RateLimitEvent // provider -> current rate limit state
	strategy    *RetryStrategy
	onRateLimit func(event RateLimitEvent)
	onRecovered func(provider string)
	logger      zerolog.Logger
	now         func() time.Time
}

// NewHandler creates a new rate limit handler
func NewHandler(strategy *RetryStrategy, logger zerolog.Logger) *Handler {
	if strategy == nil {
		strategy = DefaultRetryStrategy()
	}

	return &Handler{
		rateLimited: make(map[string]*RateLimitEvent),
		strategy:    strategy,
		logger:      logger.With().Str("component", "ratelimit").Logger(),
		now:         time.Now,
	}
}

// Strategy returns the handler's retry strategy
func (h *Handler) Strategy() *RetryStrategy {
	return h.strategy
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(provider string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited checks if a provider is currently rate limited
func (h *Handler) IsRateLimited(provider string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, limited := h.rateLimited[provider]
	return limited
}

// quotaMarkers identify a 403 body as a quota error rather than a permission error
var quotaMarkers = []string{"RESOURCE_EXHAUSTED", "rateLimitExceeded", "quotaExceeded", "Quota exceeded"}

// IsRateLimitResponse reports whether an HTTP status and body signal
// throttling. Google APIs answer both quota exhaustion and bad credentials
// with 403, so a 403 only counts when the body names a quota.
func IsRateLimitResponse(code int, body []byte) bool {
	switch code {
	case http.StatusTooManyRequests, 509: // 509 Bandwidth Limit Exceeded
		return true
	case http.StatusForbidden:
		text := string(body)
		for _, marker := range quotaMarkers {
			if strings.Contains(text, marker) {
				return true
			}
		}
	}
	return false
}

// CheckResponse analyzes a response status and body for rate limit indicators
func (h *Handler) CheckResponse(provider string, statusCode int, body []byte) bool {
	if !IsRateLimitResponse(statusCode, body) {
		h.checkRecovery(provider)
		return false
	}

	h.recordRateLimit(provider, statusCode)
	return true
}

// recordRateLimit records a rate limit event and computes the next retry time
func (h *Handler) recordRateLimit(provider string, statusCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	retryAttempt := 0
	if existing, exists := h.rateLimited[provider]; exists {
		retryAttempt = existing.RetryAttempt + 1
	}

	now := h.now()
	event := RateLimitEvent{
		Timestamp:    now,
		Provider:     provider,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		NextRetryAt:  now.Add(h.strategy.Interval(retryAttempt)),
	}
	h.rateLimited[provider] = &event

	h.logger.Warn().Str("provider", provider).Int("status", statusCode).Int("attempt", retryAttempt).
		Time("next_retry", event.NextRetryAt).Msg("rate limited")

	if h.onRateLimit != nil {
		go h.onRateLimit(event)
	}
}

// checkRecovery clears the rate limit state after a successful response
func (h *Handler) checkRecovery(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rateLimited[provider]; exists {
		delete(h.rateLimited, provider)
		h.logger.Info().Str("provider", provider).Msg("rate limit cleared")

		if h.onRecovered != nil {
			go h.onRecovered(provider)
		}
	}
}

// WaitClear blocks until the provider's next retry time has passed
func (h *Handler) WaitClear(ctx context.Context, provider string) error {
	h.mu.RLock()
	event, limited := h.rateLimited[provider]
	var wait time.Duration
	if limited {
		wait = event.NextRetryAt.Sub(h.now())
	}
	h.mu.RUnlock()

	if !limited {
		return nil
	}
	return Sleep(ctx, wait)
}

// GetCurrentState returns a copy of the current rate limit state for a provider
func (h *Handler) GetCurrentState(provider string) *RateLimitEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event, exists := h.rateLimited[provider]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}
