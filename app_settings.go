package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"imagery-mosaic/internal/config"
)

// ===================
// Settings Management
// ===================

// GetSettings returns the active settings
func (a *App) GetSettings() *config.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Return a copy to prevent external modifications
	settingsCopy := *a.settings
	settingsCopy.Mosaic.Bands = append([]string(nil), a.settings.Mosaic.Bands...)
	return &settingsCopy
}

// SaveSettings validates settings and writes them to the settings file
func (a *App) SaveSettings(settings *config.Settings) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := settings.Validate(); err != nil {
		return err
	}
	if err := config.SaveSettings(a.settingsPath, settings); err != nil {
		return err
	}

	a.settings = settings

	// Cache and client settings apply on the next run
	a.logger.Info().Str("path", a.GetSettingsPath()).Msg("settings saved")
	return nil
}

// SetSetting assigns one "section.name" key from a TOML literal and saves the
// result. Bare words are taken as strings.
func (a *App) SetSetting(key, value string) error {
	section, name, ok := strings.Cut(key, ".")
	if !ok || section == "" || name == "" {
		return fmt.Errorf("setting key must look like section.name, got %q", key)
	}

	updated := a.GetSettings()
	meta, err := toml.Decode(fmt.Sprintf("[%s]\n%s = %s\n", section, name, value), updated)
	if err != nil {
		meta, err = toml.Decode(fmt.Sprintf("[%s]\n%s = %q\n", section, name, value), updated)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	if len(meta.Undecoded()) > 0 {
		return fmt.Errorf("unknown setting %q", key)
	}
	return a.SaveSettings(updated)
}

// GetSettingsPath returns the settings file in use
func (a *App) GetSettingsPath() string {
	if a.settingsPath != "" {
		return a.settingsPath
	}
	return config.GetSettingsPath()
}

// InitSettings writes a default settings file at path. An existing file is
// only replaced when force is set.
func InitSettings(path string, force bool) (string, error) {
	if path == "" {
		path = config.GetSettingsPath()
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("settings file already exists: %s", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return path, fmt.Errorf("failed to check settings file: %w", err)
		}
	}
	if err := config.SaveSettings(path, config.DefaultSettings()); err != nil {
		return path, err
	}
	return path, nil
}
