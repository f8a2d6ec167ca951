package database

import (
	"fmt"
	"testing"

	"github.com/actualreader/backend/internal/library"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newMigratedDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newMigratedDatabase(t)
	if err := Migrate(db, nil); err != nil {
		t.Fatalf("expected a second migration pass to succeed: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != int64(len(dataMigrations)) {
		t.Fatalf("expected %d migration records, got %d", len(dataMigrations), count)
	}
}

func TestMigrateNormalizesLegacyNarrationStatus(t *testing.T) {
	db := newMigratedDatabase(t)

	// Simulate a row written before the closed status enumeration, then
	// clear the migration record so the normalization runs again over it.
	if err := db.Exec(
		"INSERT INTO books (id, title, source_format, source_path, narration_status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"legacy-book", "Legacy", "txt", "", "error", 1, 1,
	).Error; err != nil {
		t.Fatalf("failed to insert legacy row: %v", err)
	}
	if err := db.Exec("DELETE FROM migration_records").Error; err != nil {
		t.Fatalf("failed to reset migration records: %v", err)
	}

	if err := Migrate(db, nil); err != nil {
		t.Fatalf("failed to re-migrate: %v", err)
	}

	var statuses []string
	if err := db.Model(&library.Book{}).Where("id = ?", "legacy-book").Pluck("narration_status", &statuses).Error; err != nil {
		t.Fatalf("failed to read status: %v", err)
	}
	if len(statuses) != 1 || statuses[0] != "none" {
		t.Fatalf("expected legacy status normalized to none, got %v", statuses)
	}
}
