package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/storage"
)

// NewSQLiteDB opens a throwaway SQLite database in the test's temp dir
func NewSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// NewTaskStore returns a task store backed by a throwaway SQLite database
func NewTaskStore(t *testing.T) *storage.SQLiteTaskStore {
	t.Helper()

	store, err := storage.NewSQLiteTaskStore(zap.NewNop(), NewSQLiteDB(t))
	require.NoError(t, err)
	return store
}
