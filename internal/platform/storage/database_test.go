package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"lumatalk-server/internal/platform/storage/migrations"
)

func openMemory(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(Config{Path: fmt.Sprintf("file:storage-%d?mode=memory&cache=shared", time.Now().UnixNano())})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := openMemory(t)

	history, err := NewMigrationManager(db).GetMigrationHistory()
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 applied migrations, got %d", len(history))
	}
	for _, table := range []string{"transcript_sessions", "transcript_utterances", "saved_phrases", "users"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openMemory(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var count int64
	db.Model(&MigrationRecord{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 migration records, got %d", count)
	}
}

func TestUtteranceUniquePerSession(t *testing.T) {
	db := openMemory(t)
	rec := UtteranceRecord{SessionID: "s1", UtteranceID: 1, SourceText: "hello", DeliveredAt: time.Now()}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := UtteranceRecord{SessionID: "s1", UtteranceID: 1, SourceText: "again", DeliveredAt: time.Now()}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatal("expected unique violation for duplicate utterance")
	}
	other := UtteranceRecord{SessionID: "s2", UtteranceID: 1, DeliveredAt: time.Now()}
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("same utterance id in another session: %v", err)
	}
}

func TestRollbackMigration(t *testing.T) {
	db := openMemory(t)
	manager := NewMigrationManager(db)
	manager.AddMigration(&migrations.Migration001Transcripts{})
	manager.AddMigration(&migrations.Migration002SavedPhrases{})

	if err := manager.RollbackMigration("009_unknown"); err == nil {
		t.Fatal("expected error for unregistered migration")
	}
	if err := manager.RollbackMigration("002_saved_phrases"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if db.Migrator().HasTable("saved_phrases") {
		t.Fatal("saved_phrases should be dropped")
	}
	if err := manager.RollbackMigration("002_saved_phrases"); err == nil {
		t.Fatal("expected error rolling back twice")
	}
	if err := manager.RunMigrations(); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if !db.Migrator().HasTable("saved_phrases") {
		t.Fatal("saved_phrases should be recreated")
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lumatalk.db")
	db, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer Close(db)
	if !db.Migrator().HasTable("saved_phrases") {
		t.Fatal("expected schema in file database")
	}
}
