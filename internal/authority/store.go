package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// Store holds the canonical records and their version counters.
type Store struct {
	conn *sql.DB
	now  func() time.Time
}

// NewStore returns a Store over the authority_records table.
func NewStore(database *db.DB) *Store {
	return &Store{conn: database.RawDB(), now: time.Now}
}

// Get returns the canonical record or syncerr.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*schema.Record, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, version, status, branch, payload, synced_at
		FROM authority_records WHERE id = ?
	`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return r, nil
}

// List returns records of branch ordered by id, or every record when branch
// is empty.
func (s *Store) List(ctx context.Context, branch string) ([]*schema.Record, error) {
	query := `SELECT id, version, status, branch, payload, synced_at FROM authority_records`
	var args []any
	if branch != "" {
		query += ` WHERE branch = ?`
		args = append(args, branch)
	}
	query += ` ORDER BY id`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []*schema.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Upsert stores r as-is (seeding and imports). A zero version becomes 1.
func (s *Store) Upsert(ctx context.Context, r *schema.Record) (*schema.Record, error) {
	out := r.Clone()
	out.LocalUpdatedAt = nil
	if out.Version == 0 {
		out.Version = 1
	}
	if out.SyncedAt == nil {
		ts := s.now().UTC()
		out.SyncedAt = &ts
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}

	payload, err := encodePayload(out.Payload)
	if err != nil {
		return nil, err
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO authority_records (id, version, status, branch, payload, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			status = excluded.status,
			branch = excluded.branch,
			payload = excluded.payload,
			synced_at = excluded.synced_at
	`, out.ID, out.Version, string(out.Status), out.Branch, payload, out.SyncedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert record %s: %w", out.ID, err)
	}
	return out, nil
}

// Apply commits patch to record id if its current version equals
// patch.ExpectedVersion. The version moves to ExpectedVersion+1 in the same
// statement that checks it. A stale version yields *syncerr.VersionConflict.
func (s *Store) Apply(ctx context.Context, id string, patch schema.Patch) (current, updated *schema.Record, err error) {
	current, err = s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if current.Version != patch.ExpectedVersion {
		return current, nil, &syncerr.VersionConflict{RecordID: id, ExpectedVersion: patch.ExpectedVersion}
	}

	now := s.now().UTC()
	updated = current.Project(patch, now)
	updated.LocalUpdatedAt = nil
	updated.Version = patch.ExpectedVersion + 1
	updated.SyncedAt = &now
	if err := updated.Validate(); err != nil {
		return current, nil, fmt.Errorf("invalid result: %w", err)
	}

	payload, err := encodePayload(updated.Payload)
	if err != nil {
		return current, nil, err
	}
	res, err := s.conn.ExecContext(ctx, `
		UPDATE authority_records
		SET version = ?, status = ?, payload = ?, synced_at = ?
		WHERE id = ? AND version = ?
	`, updated.Version, string(updated.Status), payload, now.Format(time.RFC3339Nano), id, patch.ExpectedVersion)
	if err != nil {
		return current, nil, fmt.Errorf("failed to update record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return current, nil, fmt.Errorf("failed to check update of %s: %w", id, err)
	}
	if n == 0 {
		// Lost the race to another writer between read and update.
		return current, nil, &syncerr.VersionConflict{RecordID: id, ExpectedVersion: patch.ExpectedVersion}
	}
	return current, updated, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*schema.Record, error) {
	var (
		r        schema.Record
		status   string
		payload  sql.NullString
		syncedAt string
	)
	if err := row.Scan(&r.ID, &r.Version, &status, &r.Branch, &payload, &syncedAt); err != nil {
		return nil, err
	}
	r.Status = schema.Status(status)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to parse payload of %s: %w", r.ID, err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, syncedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse synced_at of %s: %w", r.ID, err)
	}
	r.SyncedAt = &ts
	return &r, nil
}

func encodePayload(p map[string]any) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(data), nil
}
