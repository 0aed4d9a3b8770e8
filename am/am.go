// Package am holds the application model: configuration loading,
// defaults and validation for the exporter service.
package am

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the core exporter configuration
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Resource ResourceConfig `mapstructure:"resource"`
	Server   ServerConfig   `mapstructure:"server"`
}

// StorageConfig configures the on-disk layout rooted at the storage root
type StorageConfig struct {
	Root   string `mapstructure:"root"`    // defaults to <home>/.qq-chat-exporter
	DBPath string `mapstructure:"db_path"` // defaults to <root>/tasks.db
}

// BridgeConfig configures the upstream chat bridge RPC endpoint
type BridgeConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // per-RPC transport timeout (default: 30)
}

// FetchConfig configures message fetching defaults (per-task overridable)
type FetchConfig struct {
	BatchSize  int `mapstructure:"batch_size"`  // messages per upstream call (default: 100)
	TimeoutMs  int `mapstructure:"timeout_ms"`  // per-call race timeout (default: 30000)
	RetryCount int `mapstructure:"retry_count"` // retries for transient errors (default: 3)
}

// ResourceConfig configures the media resource handler
type ResourceConfig struct {
	MaxConcurrentDownloads     int `mapstructure:"max_concurrent_downloads"`      // default: 3
	DownloadTimeoutSeconds     int `mapstructure:"download_timeout_seconds"`      // default: 60
	HealthCheckIntervalMinutes int `mapstructure:"health_check_interval_minutes"` // default: 10
	CacheCleanupDays           int `mapstructure:"cache_cleanup_days"`            // default: 30
}

// ServerConfig configures the local HTTP/WebSocket server
type ServerConfig struct {
	Port           int      `mapstructure:"port"` // default: 40653
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultServerPort is the local service port, above the privileged range.
const DefaultServerPort = 40653

// DefaultStorageRoot returns <userHome>/.qq-chat-exporter.
func DefaultStorageRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Last resort: relative directory next to the binary
		return ".qq-chat-exporter"
	}
	return filepath.Join(home, ".qq-chat-exporter")
}

// applyDefaults fills zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Storage.Root == "" {
		c.Storage.Root = DefaultStorageRoot()
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.Storage.Root, "tasks.db")
	}
	if c.Bridge.BaseURL == "" {
		c.Bridge.BaseURL = "http://127.0.0.1:3000"
	}
	if c.Bridge.TimeoutSeconds <= 0 {
		c.Bridge.TimeoutSeconds = 30
	}
	if c.Fetch.BatchSize <= 0 {
		c.Fetch.BatchSize = 100
	}
	if c.Fetch.TimeoutMs <= 0 {
		c.Fetch.TimeoutMs = 30000
	}
	if c.Fetch.RetryCount <= 0 {
		c.Fetch.RetryCount = 3
	}
	if c.Resource.MaxConcurrentDownloads <= 0 {
		c.Resource.MaxConcurrentDownloads = 3
	}
	if c.Resource.DownloadTimeoutSeconds <= 0 {
		c.Resource.DownloadTimeoutSeconds = 60
	}
	if c.Resource.HealthCheckIntervalMinutes <= 0 {
		c.Resource.HealthCheckIntervalMinutes = 10
	}
	if c.Resource.CacheCleanupDays <= 0 {
		c.Resource.CacheCleanupDays = 30
	}
	if c.Server.Port <= 0 {
		c.Server.Port = DefaultServerPort
	}
}

// ExportsDir returns the directory export artifacts are written to.
func (c *Config) ExportsDir() string {
	return filepath.Join(c.Storage.Root, "exports")
}

// ScheduledExportsDir returns the directory scheduled-export artifacts are
// written to.
func (c *Config) ScheduledExportsDir() string {
	return filepath.Join(c.Storage.Root, "scheduled-exports")
}

// ResourcesDir returns the content-addressed resource store root.
func (c *Config) ResourcesDir() string {
	return filepath.Join(c.Storage.Root, "resources")
}

// EnsureLayout creates the storage directory tree.
func (c *Config) EnsureLayout() error {
	dirs := []string{
		c.Storage.Root,
		c.ExportsDir(),
		c.ScheduledExportsDir(),
		filepath.Join(c.ResourcesDir(), "images"),
		filepath.Join(c.ResourcesDir(), "videos"),
		filepath.Join(c.ResourcesDir(), "audios"),
		filepath.Join(c.ResourcesDir(), "files"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// BridgeTimeout returns the bridge transport timeout as a duration.
func (c *Config) BridgeTimeout() time.Duration {
	return time.Duration(c.Bridge.TimeoutSeconds) * time.Second
}

// DownloadTimeout returns the per-resource download timeout.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Resource.DownloadTimeoutSeconds) * time.Second
}

// HealthCheckInterval returns the periodic health scan interval.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.Resource.HealthCheckIntervalMinutes) * time.Minute
}
