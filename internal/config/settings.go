// Package config loads and validates mosaic build settings from TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"

	"imagery-mosaic/internal/alpha"
	"imagery-mosaic/internal/cache"
	"imagery-mosaic/internal/common"
)

// Duration is a time.Duration written as a Go duration string ("1m30s")
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// MosaicSettings controls the output grid and the compositing run
type MosaicSettings struct {
	Bands         []string `toml:"bands"`
	PatchSize     int      `toml:"patch_size"`
	Scale         float64  `toml:"scale"`
	FillThreshold float64  `toml:"fill_threshold"`
	NoData        float64  `toml:"nodata"`
	DaysOffset    int      `toml:"days_offset"`
	Workers       int      `toml:"workers"`
	MaskWorkers   int      `toml:"mask_workers"`
	Footprints    string   `toml:"footprints"`
	OutputDir     string   `toml:"output_dir"`
}

// RetrySettings controls patch fetch retries
type RetrySettings struct {
	MaxRetries int        `toml:"max_retries"`
	Intervals  []Duration `toml:"intervals"`
}

// EarthEngineSettings configures the REST client
type EarthEngineSettings struct {
	BaseURL     string   `toml:"base_url"`
	Project     string   `toml:"project"`
	Collection  string   `toml:"collection"`
	CloudFilter string   `toml:"cloud_filter"`
	TokenEnv    string   `toml:"token_env"` // environment variable holding the bearer token
	Timeout     Duration `toml:"timeout"`
	Ping        bool     `toml:"ping"`
}

// LogSettings configures the process logger
type LogSettings struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// AnalyticsSettings configures build telemetry; an empty key disables it
type AnalyticsSettings struct {
	PostHogKey      string `toml:"posthog_key"`
	PostHogEndpoint string `toml:"posthog_endpoint"`
}

// Settings is the full configuration file
type Settings struct {
	Mosaic      MosaicSettings      `toml:"mosaic"`
	Retry       RetrySettings       `toml:"retry"`
	EarthEngine EarthEngineSettings `toml:"earth_engine"`
	Cache       cache.Config        `toml:"cache"`
	Log         LogSettings         `toml:"log"`
	Analytics   AnalyticsSettings   `toml:"analytics"`
}

// DefaultTokenEnv is the environment variable read for the Earth Engine token
const DefaultTokenEnv = "EE_ACCESS_TOKEN"

// DefaultSettings returns default settings
func DefaultSettings() *Settings {
	return &Settings{
		Mosaic: MosaicSettings{
			Bands:         []string{"B4", "B3", "B2"},
			PatchSize:     256,
			Scale:         10,
			FillThreshold: alpha.DefaultFillThreshold,
			NoData:        -1,
			DaysOffset:    20,
			Workers:       8,
			MaskWorkers:   4,
			Footprints:    filepath.Join("assets", "S2_tiles.gpkg"),
			OutputDir:     ".",
		},
		Retry: RetrySettings{
			MaxRetries: 5,
			Intervals: []Duration{
				{1 * time.Second},
				{2 * time.Second},
				{5 * time.Second},
				{10 * time.Second},
				{30 * time.Second},
			},
		},
		EarthEngine: EarthEngineSettings{
			BaseURL:     "https://earthengine.googleapis.com",
			Project:     common.DefaultProject,
			Collection:  common.DefaultCollection,
			CloudFilter: common.DefaultCloudFilter,
			TokenEnv:    DefaultTokenEnv,
			Timeout:     Duration{60 * time.Second},
			Ping:        true,
		},
		Cache: cache.DefaultConfig(),
		Log: LogSettings{
			Level:  "info",
			Pretty: true,
		},
		Analytics: AnalyticsSettings{
			PostHogEndpoint: "https://us.i.posthog.com",
		},
	}
}

// GetSettingsPath returns the OS-specific settings file path
func GetSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		homeDir, _ := os.UserHomeDir()
		dir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(dir, "imagery-mosaic", "config.toml")
}

// LoadSettings reads settings from path, overlaying file values on the
// defaults. A missing file yields the defaults; unknown keys are an error.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		path = GetSettingsPath()
	}
	settings := DefaultSettings()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return settings, nil
	}

	meta, err := toml.DecodeFile(path, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := lo.Map(undecoded, func(k toml.Key, _ int) string { return k.String() })
		return nil, fmt.Errorf("unknown settings keys: %s", strings.Join(keys, ", "))
	}

	// mask work is CPU-bound; follow the fetch pool unless set explicitly
	if meta.IsDefined("mosaic", "workers") && !meta.IsDefined("mosaic", "mask_workers") {
		settings.Mosaic.MaskWorkers = settings.Mosaic.Workers
	}

	settings.normalize()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// normalize trims string values and drops empty band names
func (s *Settings) normalize() {
	s.Mosaic.Bands = lo.Compact(lo.Map(s.Mosaic.Bands, func(b string, _ int) string {
		return strings.TrimSpace(b)
	}))
	s.Mosaic.Footprints = strings.TrimSpace(s.Mosaic.Footprints)
	s.Mosaic.OutputDir = strings.TrimSpace(s.Mosaic.OutputDir)
	s.EarthEngine.BaseURL = strings.TrimRight(strings.TrimSpace(s.EarthEngine.BaseURL), "/")
	s.Log.Level = strings.ToLower(strings.TrimSpace(s.Log.Level))
}

// Validate checks settings for values the build cannot run with
func (s *Settings) Validate() error {
	m := s.Mosaic
	switch {
	case len(m.Bands) == 0:
		return errors.New("settings: at least one band is required")
	case len(lo.FindDuplicates(m.Bands)) > 0:
		return fmt.Errorf("settings: duplicate bands %v", lo.FindDuplicates(m.Bands))
	case m.PatchSize <= 0:
		return fmt.Errorf("settings: patch_size must be positive, got %d", m.PatchSize)
	case m.Scale <= 0:
		return fmt.Errorf("settings: scale must be positive, got %g", m.Scale)
	case m.FillThreshold <= 0 || m.FillThreshold > 1:
		return fmt.Errorf("settings: fill_threshold must be in (0, 1], got %g", m.FillThreshold)
	case m.DaysOffset <= 0:
		return fmt.Errorf("settings: days_offset must be positive, got %d", m.DaysOffset)
	case m.Workers <= 0 || m.MaskWorkers <= 0:
		return errors.New("settings: workers and mask_workers must be positive")
	case s.Retry.MaxRetries < 0:
		return fmt.Errorf("settings: max_retries must not be negative, got %d", s.Retry.MaxRetries)
	case s.Retry.MaxRetries > 0 && len(s.Retry.Intervals) == 0:
		return errors.New("settings: retry intervals are required when max_retries > 0")
	case lo.SomeBy(s.Retry.Intervals, func(d Duration) bool { return d.Duration < 0 }):
		return errors.New("settings: retry intervals must not be negative")
	case s.EarthEngine.BaseURL == "":
		return errors.New("settings: earth_engine.base_url is required")
	case s.Cache.MaxSizeMB < 0 || s.Cache.TTLDays < 0:
		return errors.New("settings: cache limits must not be negative")
	}
	return nil
}

// RetryIntervals returns the retry schedule as plain durations
func (s *Settings) RetryIntervals() []time.Duration {
	return lo.Map(s.Retry.Intervals, func(d Duration, _ int) time.Duration { return d.Duration })
}

// Token reads the Earth Engine bearer token from the configured environment variable
func (s *Settings) Token() string {
	env := s.EarthEngine.TokenEnv
	if env == "" {
		env = DefaultTokenEnv
	}
	return strings.TrimSpace(os.Getenv(env))
}

// SaveSettings writes settings to path as TOML
func SaveSettings(path string, settings *Settings) error {
	if path == "" {
		path = GetSettingsPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}
