package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Storage backend names accepted by storage.backend.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
)

// Config holds all configuration for the syncmesh broker.
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// Storage configuration
	Storage StorageConfig `mapstructure:"storage"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Lifecycle configuration
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // memory, badger, pebble, sqlite

	// SyncWrites makes the embedded backends fsync every commit.
	SyncWrites bool `mapstructure:"sync_writes"`

	// SQLiteDSN overrides the DSN derived from data_dir for the sqlite
	// backend.
	SQLiteDSN string `mapstructure:"sqlite_dsn"`
}

// MetricsConfig defines metrics configuration.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// LifecycleConfig tunes the background reaper that fails messages stuck in
// sent state. Disabled by default; a reseed re-delivers whatever it reaps.
type LifecycleConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Interval time.Duration `mapstructure:"interval"`
	SentTTL  time.Duration `mapstructure:"sent_ttl"`
}

// Load loads configuration from flags, an optional config file, and
// environment variables, in that order of precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix("SYNCMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and setup defaults
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("listen", ":8080")
	// NO default for data_dir - the embedded backends must not guess where
	// to write
	v.SetDefault("log_level", "info")

	// Storage defaults
	v.SetDefault("storage.backend", BackendBadger)
	v.SetDefault("storage.sync_writes", true)
	v.SetDefault("storage.sqlite_dsn", "")

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	// Lifecycle defaults
	v.SetDefault("lifecycle.enable", false)
	v.SetDefault("lifecycle.interval", time.Minute)
	v.SetDefault("lifecycle.sent_ttl", 15*time.Minute)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":          "listen",
		"data-dir":        "data_dir",
		"log-level":       "log_level",
		"storage-backend": "storage.backend",
		"sqlite-dsn":      "storage.sqlite_dsn",
	}

	for flag, key := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	backend := strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	switch backend {
	case BackendMemory, BackendBadger, BackendPebble, BackendSQLite:
		cfg.Storage.Backend = backend
	default:
		return fmt.Errorf("unknown storage backend %q: expected memory, badger, pebble or sqlite", cfg.Storage.Backend)
	}

	// The embedded backends persist under data_dir; sqlite may point
	// elsewhere through an explicit DSN, and memory needs no directory.
	needsDataDir := backend == BackendBadger || backend == BackendPebble ||
		(backend == BackendSQLite && cfg.Storage.SQLiteDSN == "")
	if needsDataDir && cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required for the %s backend: specify via --data-dir flag, config file, or SYNCMESH_DATA_DIR environment variable", backend)
	}

	// Ensure data directory exists
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if cfg.Lifecycle.Enable {
		if cfg.Lifecycle.Interval <= 0 {
			return fmt.Errorf("lifecycle.interval must be positive")
		}
		if cfg.Lifecycle.SentTTL <= 0 {
			return fmt.Errorf("lifecycle.sent_ttl must be positive")
		}
	}

	return nil
}

// BadgerDir returns the badger database directory under data_dir.
func (c *Config) BadgerDir() string {
	return filepath.Join(c.DataDir, "badger")
}

// PebbleDir returns the pebble database directory under data_dir.
func (c *Config) PebbleDir() string {
	return filepath.Join(c.DataDir, "pebble")
}
