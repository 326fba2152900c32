// Package db is the durable local store of the point-of-sale terminal.
//
// Every entity type lives in its own table keyed by its local id. A table
// carries the sync bookkeeping columns (server_id, sync_status, updated_at),
// the JSON snapshot of the record, and the handful of columns the terminal
// queries by (status, store_id, ...). The outbox, the id map, pull watermarks
// and the conflict log share the same database file so a record change and
// the outbox entry describing it commit together.
//
// The database is an embedded SQLite file opened in WAL mode. Write
// transactions take the RESERVED lock at BEGIN so that concurrent writers
// serialize on the busy timeout instead of failing on lock upgrade.
//
// Architecture:
//   - Database file: <data dir>/posd.db
//   - Schema: versioned goose migrations embedded in the binary
//   - Transactions: carried in the context, see RunInTx
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the SQLite connection pool and the schema migrator.
type DB struct {
	conn     *sql.DB
	path     string
	migrator *goose.Provider
}

// dsn builds the connection string. Pragmas are given per connection so that
// every pooled connection gets them, not only the first one.
func dsn(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=synchronous(normal)" +
		"&_txlock=immediate"
}

// Open opens (creating if needed) the local store at path and brings its
// schema to the latest version. Opening an already migrated store is a no-op
// apart from the version check.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(ctx, "/var/lib/posd/posd.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{conn: conn, path: path}
	if err := db.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db.conn, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	db.migrator = provider

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	for _, r := range results {
		slog.Debug("applied migration",
			slog.Int64("version", r.Source.Version),
			slog.Duration("duration", r.Duration),
		)
	}
	return nil
}

// SchemaVersion returns the version of the newest applied migration.
func (db *DB) SchemaVersion(ctx context.Context) (int64, error) {
	v, err := db.migrator.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the pool. Close is idempotent.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("failed to checkpoint WAL", slog.String("error", err.Error()))
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}
