package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// SQLite stores one collection in the entries table.
type SQLite struct {
	conn       *sql.DB
	collection string
	logger     *zap.Logger
}

// NewSQLite returns a Store for collection backed by database.
func NewSQLite(database *db.DB, collection string, logger *zap.Logger) *SQLite {
	return &SQLite{
		conn:       database.RawDB(),
		collection: collection,
		logger:     logging.OrNop(logger).With(logging.Collection(collection)),
	}
}

// Get loads a record by id.
func (s *SQLite) Get(ctx context.Context, id string) (*schema.Record, error) {
	var data []byte
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM entries WHERE collection = ? AND key = ?`,
		s.collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", s.collection, id, err)
	}

	r, err := schema.DecodeRecord(data)
	if err != nil {
		s.dropCorrupt(ctx, id, err)
		return nil, syncerr.ErrNotFound
	}
	return r, nil
}

// Put replaces the record stored under r.ID.
func (s *SQLite) Put(ctx context.Context, r *schema.Record) error {
	return s.put(ctx, s.conn, r)
}

// BulkPut writes all records in one transaction.
func (s *SQLite) BulkPut(ctx context.Context, records []*schema.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if err := s.put(ctx, tx, r); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk put: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) put(ctx context.Context, ex execer, r *schema.Record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	data, err := r.Encode()
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO entries (collection, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, s.collection, r.ID, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", s.collection, r.ID, err)
	}
	return nil
}

// Scan returns the records matching pred, ordered by id.
func (s *SQLite) Scan(ctx context.Context, pred Predicate) ([]*schema.Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key, value FROM entries WHERE collection = ? ORDER BY key`,
		s.collection,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.collection, err)
	}

	var (
		out     []*schema.Record
		corrupt = map[string]error{}
	)
	for rows.Next() {
		var (
			key  string
			data []byte
		)
		if err := rows.Scan(&key, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read %s row: %w", s.collection, err)
		}
		r, err := schema.DecodeRecord(data)
		if err != nil {
			corrupt[key] = err
			continue
		}
		if match(pred, r) {
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate %s: %w", s.collection, err)
	}
	rows.Close()

	for key, cause := range corrupt {
		s.dropCorrupt(ctx, key, cause)
	}
	return out, nil
}

// Delete removes the record. Deleting an unknown id is not an error.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM entries WHERE collection = ? AND key = ?`, s.collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", s.collection, id, err)
	}
	return nil
}

func (s *SQLite) dropCorrupt(ctx context.Context, key string, cause error) {
	cerr := &syncerr.CorruptLocalRecordError{Collection: s.collection, Key: key, Err: cause}
	s.logger.Warn("dropping corrupt entry", logging.RecordID(key), zap.Error(cerr))
	if err := s.Delete(ctx, key); err != nil {
		s.logger.Error("failed to drop corrupt entry", logging.RecordID(key), zap.Error(err))
	}
}
