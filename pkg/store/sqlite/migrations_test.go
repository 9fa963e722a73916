package sqlite_test

import (
	"testing"

	"github.com/plaenen/goalstore/pkg/store/sqlite"
)

func TestMigrationsCreateSchema(t *testing.T) {
	log := newTestLog(t)

	tables := []string{
		"events",
		"aggregate_heads",
		"snapshots",
		"projection_cursor",
		"derived_blobs",
		"sync_status",
	}
	for _, table := range tables {
		var name string
		err := log.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Reopening an already-migrated database must be a no-op.
	dsn := t.TempDir() + "/goals.db"
	for i := 0; i < 2; i++ {
		reopened, err := sqlite.NewEventLog(sqlite.WithDSN(dsn))
		if err != nil {
			t.Fatalf("open %d failed: %v", i, err)
		}
		reopened.Close()
	}
}
