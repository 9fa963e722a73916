package main

import (
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration of the goalstore daemon and
// CLI. Values come from defaults, then an optional YAML file, then
// GOALSTORE_-prefixed environment variables.
type Config struct {
	Log        LogConfig        `koanf:"log"`
	Database   DatabaseConfig   `koanf:"database"`
	Keyring    KeyringConfig    `koanf:"keyring"`
	Projection ProjectionConfig `koanf:"projection"`
	Sync       SyncConfig       `koanf:"sync"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level       string `koanf:"level"`       // debug, info, warn, error
	Format      string `koanf:"format"`      // text or json
	Environment string `koanf:"environment"` // dev, staging, prod
}

// DatabaseConfig holds the SQLite settings.
type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	WALMode      bool   `koanf:"wal_mode"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
}

// KeyringConfig locates the master secret.
type KeyringConfig struct {
	// KeeperURL is a gocloud.dev/secrets URL, e.g. "base64key://...".
	KeeperURL string `koanf:"keeper_url"`

	// MasterFile is the path to the sealed master secret; empty means
	// the keeper itself holds the secret (base64key).
	MasterFile string `koanf:"master_file"`
}

// ProjectionConfig tunes the projection processor.
type ProjectionConfig struct {
	PruneWindow int64 `koanf:"prune_window"`
}

// SyncConfig holds the remote backend settings. Sync is disabled when
// Endpoint is empty.
type SyncConfig struct {
	Endpoint     string `koanf:"endpoint"`
	StoreID      string `koanf:"store_id"`
	Token        string `koanf:"token"`
	PageLimit    int    `koanf:"page_limit"`
	SyncInterval string `koanf:"sync_interval"`
	PingInterval string `koanf:"ping_interval"`
}

// Enabled reports whether a remote backend is configured.
func (c SyncConfig) Enabled() bool {
	return c.Endpoint != ""
}

// LoadConfig reads configuration from the given file path (optional)
// and the environment.
func LoadConfig(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"log.level":               "info",
		"log.format":              "text",
		"log.environment":         "dev",
		"database.dsn":            "goalstore.db",
		"database.wal_mode":       true,
		"database.auto_migrate":   true,
		"database.max_open_conns": 4,
		"database.max_idle_conns": 2,
		"keyring.keeper_url":      "",
		"keyring.master_file":     "",
		"projection.prune_window": int64(10),
		"sync.endpoint":           "",
		"sync.store_id":           "",
		"sync.token":              "",
		"sync.page_limit":         200,
		"sync.sync_interval":      "30s",
		"sync.ping_interval":      "10s",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// GOALSTORE_SYNC__ENDPOINT=https://... overrides sync.endpoint
	if err := k.Load(env.Provider("GOALSTORE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "GOALSTORE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Sync.Enabled() {
		if !govalidator.IsURL(c.Sync.Endpoint) {
			return fmt.Errorf("sync.endpoint is not a valid URL: %q", c.Sync.Endpoint)
		}
		if c.Sync.StoreID == "" {
			return fmt.Errorf("sync.store_id is required when sync.endpoint is set")
		}
	}
	if c.Keyring.KeeperURL != "" && !govalidator.IsRequestURI(c.Keyring.KeeperURL) {
		return fmt.Errorf("keyring.keeper_url is not a valid URL: %q", c.Keyring.KeeperURL)
	}
	return nil
}
