package sqlitedb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_AppliesWALAndForeignKeys(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "flows.db"), Options{})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	require.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	require.Equal(t, 1, fk)
}

func TestOpen_DurableModeSetsSynchronousFull(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "flows.db"), Options{Sync: SyncFull})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var sync int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&sync))
	require.Equal(t, 2, sync, "FULL is 2")
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "flows.db"), Options{})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	schema := []string{`CREATE TABLE IF NOT EXISTS t (id TEXT PRIMARY KEY)`}
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db, schema))
	require.NoError(t, Migrate(ctx, db, schema))

	_, err = db.Exec(`INSERT INTO t (id) VALUES ('a')`)
	require.NoError(t, err)
}
