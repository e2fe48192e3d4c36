// Package dbtest opens a migrated throwaway database for tests.
package dbtest

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lora_pipeline/internal/db"
)

// Logger returns a logger that discards output.
func Logger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// Open returns a migrated sqlite database living in a temp dir.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "pipeline.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	gdb, err := db.OpenDialector(sqlite.Open(dsn), Logger())
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb, Logger()))
	return gdb
}
