package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/storage"
)

func TestApplyMigrationsPurgesEmptyUpdates(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(append(storage.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	records := []storage.UpdateRecord{
		{ObjectID: "doc-1", Payload: []byte{}, UpdateHash: "empty", AppliedAtSeconds: 1},
		{ObjectID: "doc-1", Payload: []byte{1, 2, 3}, UpdateHash: "full", AppliedAtSeconds: 2},
	}
	if err := database.Create(&records).Error; err != nil {
		testContext.Fatalf("failed to insert updates: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []storage.UpdateRecord
	if err := database.Where("object_id = ?", "doc-1").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload updates: %v", err)
	}
	if len(remaining) != 1 || remaining[0].UpdateHash != "full" {
		testContext.Fatalf("expected only the non-empty update to remain, got %+v", remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPurgeEmptyUpdates).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-applying migrations to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesStorageTables(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "workspace.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("open sqlite: %v", err)
	}
	for _, model := range storage.Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected an empty path to be rejected")
	}
}
