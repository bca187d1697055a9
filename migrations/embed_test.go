package migrations_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aiotsmart/aiot-core/internal/infrastructure/database"
	_ "github.com/aiotsmart/aiot-core/migrations"
)

// TestMigrate_FullSchema applies all embedded migrations against a fresh
// database and verifies the expected tables exist.
func TestMigrate_FullSchema(t *testing.T) {
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "migrate_test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	for _, table := range []string{"users", "gateways", "devices", "telemetry", "command_history"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after migration: %v", table, err)
		}
	}

	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(pending))
	}
	if len(applied) == 0 {
		t.Error("expected at least one applied migration")
	}

	// Migrate is idempotent: a second run applies nothing and succeeds.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}
