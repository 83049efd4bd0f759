// Package db provides the embedded SQLite database used for durable client
// state (record snapshots, the mutation log) and for the server authority's
// record table.
//
// The database runs with WAL for concurrent readers and synchronous=FULL so
// every committed write survives a crash of the process that made it.
//
// Tables:
//   - entries:           keyed collections (records, confirmed snapshots)
//   - mutations:         the pending mutation log, ordered by seq
//   - done_ops:          tombstones of acknowledged op ids
//   - authority_records: server-side canonical records and version counters
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path and
// initializes the schema.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	database, err := db.Open(".fieldsync/client.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// pragmas are applied by the driver to every pooled connection it opens.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(FULL)",
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, key)
	);

	CREATE TABLE IF NOT EXISTS mutations (
		op_id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		target_id TEXT NOT NULL,
		state TEXT NOT NULL,
		data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS done_ops (
		op_id TEXT PRIMARY KEY,
		done_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS authority_records (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		payload TEXT,
		synced_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_target ON mutations(target_id, seq);
	CREATE INDEX IF NOT EXISTS idx_mutations_state ON mutations(state, seq);
	CREATE INDEX IF NOT EXISTS idx_authority_branch ON authority_records(branch);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Count returns the number of rows in table. Only the known tables are
// accepted.
func (db *DB) Count(ctx context.Context, table string) (int, error) {
	switch table {
	case "entries", "mutations", "done_ops", "authority_records":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}
