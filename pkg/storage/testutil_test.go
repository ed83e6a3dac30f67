package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// newTestStorage opens a migrated storage for one test.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh SQLite file under the test's temp dir.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()

	var db *gorm.DB
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), Config())
		require.NoError(t, err, "open postgres test db")
		require.NoError(t, ConfigurePool(db, MaxOpenConns(2), MaxIdleConns(1)))
	} else {
		var err error
		db, err = Open(filepath.Join(t.TempDir(), "storage.db"))
		require.NoError(t, err, "open sqlite test db")
	}

	s := NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")

	if dsn != "" {
		cleanupTables(db)
	}
	t.Cleanup(func() {
		if dsn != "" {
			cleanupTables(db)
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return s
}

// cleanupTables deletes all rows so postgres tests stay isolated.
func cleanupTables(db *gorm.DB) {
	for _, tbl := range []string{
		"barrier_members", "barriers", "document_chunks", "document_artifacts",
		"combined_artifacts", "pipeline_executions", "documents",
		"analysis_pipelines", "pipeline_configs", "jobs", "tasks", "sequences",
	} {
		db.Exec("DELETE FROM " + tbl)
	}
}
