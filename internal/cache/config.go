package cache

import (
	"os"
	"path/filepath"
	goruntime "runtime"
)

// Config represents patch cache configuration
type Config struct {
	Dir       string `toml:"dir"`
	MaxSizeMB int    `toml:"max_size_mb"`
	TTLDays   int    `toml:"ttl_days"`
	Disabled  bool   `toml:"disabled"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		Dir:       GetCacheDir(),
		MaxSizeMB: 1024, // one 256x256x4 patch is 1 MiB
		TTLDays:   30,
	}
}

// GetCacheDir returns the OS-specific cache directory
func GetCacheDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "imagery-mosaic", "patches")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(appData, "imagery-mosaic", "cache", "patches")
	default: // Linux and others
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "imagery-mosaic", "patches")
	}
}
