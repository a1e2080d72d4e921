// Package config loads tidemark configuration from the config file,
// environment, and defaults, in that order of increasing precedence
// for the environment and decreasing for defaults.
//
// The file lives at ~/.tidemark/config.yaml by default; every key can
// also be set through a TIDEMARK_-prefixed environment variable, e.g.
// TIDEMARK_SERVER_TOKEN.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Inbox     InboxConfig     `mapstructure:"inbox"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig locates the remote record service.
type ServerConfig struct {
	// URL is the base URL of the record service.
	URL string `mapstructure:"url"`
	// Token is the bearer token presented on every request.
	Token string `mapstructure:"token"`
	// ProbeInterval is how often connectivity is probed.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// DatabaseConfig locates the local cache.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig tunes the sync engine and scheduler.
type SyncConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	Freshness            time.Duration `mapstructure:"freshness"`
	GraceWindow          time.Duration `mapstructure:"grace_window"`
	RetryAttempts        int           `mapstructure:"retry_attempts"`
	MaxPermanentFailures int           `mapstructure:"max_permanent_failures"`
}

// InboxConfig tunes the drop-folder watcher.
type InboxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// DashboardConfig tunes the WebSocket status feed.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig tunes daemon log rotation.
type LogConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Dir returns the tidemark home directory, honoring TIDEMARK_DIR.
func Dir() (string, error) {
	if dir := os.Getenv("TIDEMARK_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".tidemark"), nil
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads configuration from path. An empty path means the default
// location; a missing file is not an error, the defaults apply.
func Load(path string) (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = filepath.Join(dir, "config.yaml")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("server.url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.probe_interval", 30*time.Second)
	v.SetDefault("database.path", filepath.Join(dir, "tidemark.db"))
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.freshness", time.Minute)
	v.SetDefault("sync.grace_window", 5*time.Minute)
	v.SetDefault("sync.retry_attempts", 3)
	v.SetDefault("sync.max_permanent_failures", 3)
	v.SetDefault("inbox.enabled", false)
	v.SetDefault("inbox.dir", filepath.Join(dir, "inbox"))
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 7317)
	v.SetDefault("log.path", filepath.Join(dir, "tidemark.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)

	v.SetEnvPrefix("TIDEMARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks constraints that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Sync.RetryAttempts < 1 {
		return fmt.Errorf("sync.retry_attempts must be at least 1")
	}
	if c.Sync.MaxPermanentFailures < 1 {
		return fmt.Errorf("sync.max_permanent_failures must be at least 1")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}
