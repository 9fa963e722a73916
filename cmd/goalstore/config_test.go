package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Database.DSN != "goalstore.db" || !cfg.Database.WALMode || !cfg.Database.AutoMigrate {
		t.Errorf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Projection.PruneWindow != 10 {
		t.Errorf("unexpected prune window: %d", cfg.Projection.PruneWindow)
	}
	if cfg.Sync.Enabled() {
		t.Error("sync should be disabled by default")
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goalstore.yaml")
	err := os.WriteFile(path, []byte(`
database:
  dsn: /data/goals.db
sync:
  endpoint: https://sync.example.com
  store_id: device-1
`), 0o600)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("GOALSTORE_SYNC__STORE_ID", "device-2")
	t.Setenv("GOALSTORE_LOG__LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Database.DSN != "/data/goals.db" {
		t.Errorf("file value lost: %q", cfg.Database.DSN)
	}
	if cfg.Sync.StoreID != "device-2" {
		t.Errorf("env override lost: %q", cfg.Sync.StoreID)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("env override lost: %q", cfg.Log.Level)
	}
	if !cfg.Sync.Enabled() {
		t.Error("sync should be enabled")
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("BadEndpoint", func(t *testing.T) {
		t.Setenv("GOALSTORE_SYNC__ENDPOINT", "::not a url::")
		t.Setenv("GOALSTORE_SYNC__STORE_ID", "device-1")
		if _, err := LoadConfig(""); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("EndpointWithoutStoreID", func(t *testing.T) {
		t.Setenv("GOALSTORE_SYNC__ENDPOINT", "https://sync.example.com")
		if _, err := LoadConfig(""); err == nil {
			t.Error("expected validation error")
		}
	})
}
