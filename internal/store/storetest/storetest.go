// Package storetest opens a throwaway SQLite-backed store for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"autohunter/internal/store"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// New opens a migrated store in t.TempDir(). A single connection serializes access,
// so callers must only use the tx handle inside WithinTx.
func New(t testing.TB) *store.GormStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "autohunter.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := store.NewGormStore(db)
	if err := s.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}
