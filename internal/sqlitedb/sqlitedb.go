// Package sqlitedb opens per-repo embedded SQLite databases with the
// pragma profile every hub store relies on: WAL journaling, a generous
// busy timeout, and enforced foreign keys.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SyncMode selects the SQLite synchronous tier.
type SyncMode string

const (
	// SyncNormal is the default tier; safe under WAL for application crashes.
	SyncNormal SyncMode = "NORMAL"
	// SyncFull survives host power loss at a latency cost ("durable mode").
	SyncFull SyncMode = "FULL"
)

// Options configure an Open call.
type Options struct {
	Sync        SyncMode
	BusyTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Sync == "" {
		o.Sync = SyncNormal
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	return o
}

// Open opens (creating if needed) the database at path and applies the hub
// pragma profile. Callers own the handle and must Close it on scope exit.
func Open(path string, opts Options) (*sql.DB, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between this
	// process's own connections; cross-process contention is handled by
	// busy_timeout.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
		fmt.Sprintf("PRAGMA synchronous=%s", opts.Sync),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	return db, nil
}

// Migrate applies schema statements inside one transaction. Statements must
// be idempotent (CREATE TABLE IF NOT EXISTS and friends).
func Migrate(ctx context.Context, db *sql.DB, statements []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit()
}
