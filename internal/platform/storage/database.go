package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lumatalk-server/internal/platform/errors"
	"lumatalk-server/internal/platform/storage/migrations"
)

// Config describes where the SQLite database lives. Path accepts a plain file
// path, ":memory:" or a "file:" DSN.
type Config struct {
	Path string
}

// Open opens the SQLite database, creating its directory when needed, and
// applies every registered migration.
func Open(cfg Config) (*gorm.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = filepath.Join("data", "lumatalk.db")
	}

	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "storage.mkdir", "failed to create data directory", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "storage.open", fmt.Sprintf("failed to open database %s", path), err)
	}

	if err := Migrate(db); err != nil {
		_ = Close(db)
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema migrations in version order.
func Migrate(db *gorm.DB) error {
	manager := NewMigrationManager(db)
	manager.AddMigration(&migrations.Migration001Transcripts{})
	manager.AddMigration(&migrations.Migration002SavedPhrases{})
	manager.AddMigration(&migrations.Migration003Users{})
	return manager.RunMigrations()
}

// Close releases the underlying sql.DB.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(errors.KindStorage, "storage.close", "failed to get sql handle", err)
	}
	return sqlDB.Close()
}
