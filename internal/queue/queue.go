// Package queue implements the durable mutation log.
//
// Ops are kept in insertion order (seq) in the mutations table and survive
// restarts independently of the local record store. Each record id forms a
// lane: only the oldest live op of a lane is eligible for dispatch, so writes
// to one record reach the server strictly in the order they were made while
// different records drain in parallel.
//
// Acknowledged op ids are remembered in done_ops so a replayed enqueue or ack
// is a no-op.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/retry"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// ErrUnknownOp is returned for op ids that are not in the log.
var ErrUnknownOp = errors.New("unknown op")

// Config holds the queue settings.
type Config struct {
	// Policy decides backoff delays and when an op is given up on.
	Policy retry.Policy

	Logger *zap.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with the default retry policy.
func DefaultConfig() Config {
	return Config{Policy: retry.DefaultPolicy()}
}

// Queue is the durable mutation log. Safe for concurrent use.
type Queue struct {
	conn   *sql.DB
	policy retry.Policy
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	lastSeq int64
	wake    chan struct{}
}

// New opens the queue stored in database.
func New(database *db.DB) (*Queue, error) {
	return NewWithConfig(database, DefaultConfig())
}

// NewWithConfig opens the queue with custom settings.
func NewWithConfig(database *db.DB, cfg Config) (*Queue, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	q := &Queue{
		conn:   database.RawDB(),
		policy: cfg.Policy,
		logger: logging.OrNop(cfg.Logger).Named("queue"),
		now:    cfg.Now,
		wake:   make(chan struct{}, 1),
	}

	if err := q.conn.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM mutations`).Scan(&q.lastSeq); err != nil {
		return nil, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return q, nil
}

// Policy returns the retry policy in effect.
func (q *Queue) Policy() retry.Policy {
	return q.policy
}

// Wake receives a value whenever new work may be ready (enqueue, manual
// retry). It is coalescing: many signals may produce one receive.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends op to the log and returns once it is durable. It never
// touches the network. Seq, State and CreatedAt are assigned here.
//
// Re-enqueueing an op id that is already queued or already acknowledged is a
// no-op and reports accepted=false.
func (q *Queue) Enqueue(ctx context.Context, op *schema.MutationOp) (accepted bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	done, err := q.isDone(ctx, op.OpID)
	if err != nil {
		return false, err
	}
	if done {
		q.logger.Debug("ignoring enqueue of acknowledged op", logging.OpID(op.OpID))
		return false, nil
	}

	var exists int
	err = q.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations WHERE op_id = ?`, op.OpID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check op %s: %w", op.OpID, err)
	}
	if exists > 0 {
		return false, nil
	}

	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.now().UTC()
	}
	op.Seq = q.lastSeq + 1
	op.State = schema.OpPending
	op.RetryCount = 0
	op.NextAttemptAt = time.Time{}
	op.LastError = ""

	if err := op.Validate(); err != nil {
		return false, fmt.Errorf("invalid op: %w", err)
	}

	data, err := schema.EncodeOp(op)
	if err != nil {
		return false, err
	}
	_, err = q.conn.ExecContext(ctx,
		`INSERT INTO mutations (op_id, seq, target_id, state, data) VALUES (?, ?, ?, ?, ?)`,
		op.OpID, op.Seq, op.TargetID, string(op.State), data)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue op %s: %w", op.OpID, err)
	}
	q.lastSeq = op.Seq

	q.logger.Debug("op enqueued", logging.OpID(op.OpID), logging.RecordID(op.TargetID), zap.Int64("seq", op.Seq))
	q.signal()
	return true, nil
}

// PeekNext returns the oldest live (pending or inflight) op, or nil when
// there is none.
func (q *Queue) PeekNext(ctx context.Context) (*schema.MutationOp, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.State == schema.OpPending || op.State == schema.OpInflight {
			return op, nil
		}
	}
	return nil, nil
}

// ReadyHeads returns, for each record lane, its oldest op when that op is
// pending and due at now. Lanes whose head is inflight, backing off or failed
// yield nothing; a failed head holds its lane until it is retried or
// discarded. The result is ordered by seq.
func (q *Queue) ReadyHeads(ctx context.Context) ([]*schema.MutationOp, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	now := q.now()
	seen := make(map[string]bool)
	var heads []*schema.MutationOp
	for _, op := range ops {
		if seen[op.TargetID] {
			continue
		}
		seen[op.TargetID] = true
		if op.State == schema.OpPending && !op.NextAttemptAt.After(now) {
			heads = append(heads, op)
		}
	}
	return heads, nil
}

// NextDue returns the earliest NextAttemptAt among pending lane heads that
// are backing off, or the zero time when none are.
func (q *Queue) NextDue(ctx context.Context) (time.Time, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return time.Time{}, err
	}
	seen := make(map[string]bool)
	var next time.Time
	for _, op := range ops {
		if seen[op.TargetID] {
			continue
		}
		seen[op.TargetID] = true
		if op.State != schema.OpPending || op.NextAttemptAt.IsZero() {
			continue
		}
		if next.IsZero() || op.NextAttemptAt.Before(next) {
			next = op.NextAttemptAt
		}
	}
	return next, nil
}

// MarkInflight records that op is being dispatched.
func (q *Queue) MarkInflight(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.get(ctx, opID)
	if err != nil {
		return err
	}
	op.State = schema.OpInflight
	return q.update(ctx, op)
}

// DequeueAfterAck removes an acknowledged op and records its tombstone.
// Acking an id that is already done is a no-op.
func (q *Queue) DequeueAfterAck(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE op_id = ?`, opID); err != nil {
		return fmt.Errorf("failed to remove op %s: %w", opID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO done_ops (op_id, done_at) VALUES (?, ?) ON CONFLICT(op_id) DO NOTHING`,
		opID, q.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record tombstone for %s: %w", opID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ack of %s: %w", opID, err)
	}
	return nil
}

// Advance moves the later ops of acked's lane that were based on the same
// version as acked forward to version, the one the server assigned. Ops
// created on top of a version the device never had confirmed are left alone.
// It returns how many ops moved.
func (q *Queue) Advance(ctx context.Context, acked *schema.MutationOp, version int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, op := range ops {
		if op.TargetID != acked.TargetID || op.OpID == acked.OpID || op.Seq < acked.Seq {
			continue
		}
		if op.ExpectedVersion != acked.ExpectedVersion {
			continue
		}
		op.ExpectedVersion = version
		if err := q.update(ctx, op); err != nil {
			return moved, err
		}
		moved++
	}
	if moved > 0 {
		q.logger.Debug("lane advanced", logging.RecordID(acked.TargetID),
			logging.Version(version), zap.Int("ops", moved))
	}
	return moved, nil
}

// RequeueWithBackoff returns op to pending at its original position with an
// incremented retry count and a due time from the retry policy. When the
// policy is exhausted the op is marked failed instead and exhausted is true.
func (q *Queue) RequeueWithBackoff(ctx context.Context, opID string, cause error) (op *schema.MutationOp, exhausted bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err = q.get(ctx, opID)
	if err != nil {
		return nil, false, err
	}

	op.RetryCount++
	if cause != nil {
		op.LastError = cause.Error()
	}

	if q.policy.Exhausted(op.RetryCount) {
		op.State = schema.OpFailed
		op.NextAttemptAt = time.Time{}
		exhausted = true
	} else {
		op.State = schema.OpPending
		op.NextAttemptAt = q.now().Add(q.policy.Delay(op.RetryCount)).UTC()
	}

	if err := q.update(ctx, op); err != nil {
		return nil, false, err
	}
	return op, exhausted, nil
}

// Release returns an inflight op to pending without counting an attempt,
// for dispatches abandoned before an outcome was known (auth pause,
// shutdown).
func (q *Queue) Release(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.get(ctx, opID)
	if err != nil {
		return err
	}
	op.State = schema.OpPending
	return q.update(ctx, op)
}

// Drop removes a permanently rejected op and returns it. No tombstone is
// written: the op was never applied.
func (q *Queue) Drop(ctx context.Context, opID string) (*schema.MutationOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.get(ctx, opID)
	if err != nil {
		return nil, err
	}
	if _, err := q.conn.ExecContext(ctx, `DELETE FROM mutations WHERE op_id = ?`, opID); err != nil {
		return nil, fmt.Errorf("failed to drop op %s: %w", opID, err)
	}
	return op, nil
}

// Retry resets a failed op to pending with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.get(ctx, opID)
	if err != nil {
		return err
	}
	if op.State != schema.OpFailed {
		return fmt.Errorf("op %s is %s, only failed ops can be retried", opID, op.State)
	}
	op.State = schema.OpPending
	op.RetryCount = 0
	op.NextAttemptAt = time.Time{}
	if err := q.update(ctx, op); err != nil {
		return err
	}
	q.signal()
	return nil
}

// Discard removes a failed op without delivering it, releasing its lane. No
// tombstone is written.
func (q *Queue) Discard(ctx context.Context, opID string) (*schema.MutationOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.get(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op.State != schema.OpFailed {
		return nil, fmt.Errorf("op %s is %s, only failed ops can be discarded", opID, op.State)
	}
	if _, err := q.conn.ExecContext(ctx, `DELETE FROM mutations WHERE op_id = ?`, opID); err != nil {
		return nil, fmt.Errorf("failed to discard op %s: %w", opID, err)
	}
	q.signal()
	return op, nil
}

// BlockedBy maps every op waiting behind a failed op of its lane to that
// failed op's id. ops must be in seq order, as List returns them.
func BlockedBy(ops []*schema.MutationOp) map[string]string {
	failed := make(map[string]string)
	blocked := make(map[string]string)
	for _, op := range ops {
		if id, ok := failed[op.TargetID]; ok {
			blocked[op.OpID] = id
			continue
		}
		if op.State == schema.OpFailed {
			failed[op.TargetID] = op.OpID
		}
	}
	return blocked
}

// Restore prepares the log after a restart: ops left inflight are returned to
// pending (the server may or may not have applied them; the op id doubles as
// the idempotency key) and corrupt rows are dropped. It returns the live ops
// in order.
func (q *Queue) Restore(ctx context.Context) ([]*schema.MutationOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	reset := 0
	for _, op := range ops {
		if op.State != schema.OpInflight {
			continue
		}
		op.State = schema.OpPending
		if err := q.update(ctx, op); err != nil {
			return nil, err
		}
		reset++
	}
	if len(ops) > 0 {
		q.logger.Info("mutation log restored", zap.Int("ops", len(ops)), zap.Int("reset_inflight", reset))
		q.signal()
	}
	return ops, nil
}

// List returns every op in the log ordered by seq. Rows that fail to decode
// are dropped and logged.
func (q *Queue) List(ctx context.Context) ([]*schema.MutationOp, error) {
	rows, err := q.conn.QueryContext(ctx, `SELECT op_id, data FROM mutations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ops: %w", err)
	}

	var (
		ops     []*schema.MutationOp
		corrupt = map[string]error{}
	)
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read op row: %w", err)
		}
		op, err := schema.DecodeOp(data)
		if err != nil {
			corrupt[id] = err
			continue
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate ops: %w", err)
	}
	rows.Close()

	for id, cause := range corrupt {
		cerr := &syncerr.CorruptLocalRecordError{Collection: "mutations", Key: id, Err: cause}
		q.logger.Warn("dropping corrupt op", logging.OpID(id), zap.Error(cerr))
		if _, err := q.conn.ExecContext(ctx, `DELETE FROM mutations WHERE op_id = ?`, id); err != nil {
			q.logger.Error("failed to drop corrupt op", logging.OpID(id), zap.Error(err))
		}
	}
	return ops, nil
}

// Get returns one op.
func (q *Queue) Get(ctx context.Context, opID string) (*schema.MutationOp, error) {
	return q.get(ctx, opID)
}

// Depth returns the number of ops still to be delivered (pending or
// inflight).
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE state IN (?, ?)`,
		string(schema.OpPending), string(schema.OpInflight)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count ops: %w", err)
	}
	return n, nil
}

// Targets returns the record ids that have any op in the log, failed ops
// included.
func (q *Queue) Targets(ctx context.Context) (map[string]bool, error) {
	rows, err := q.conn.QueryContext(ctx, `SELECT DISTINCT target_id FROM mutations`)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to read target: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// HasOps reports whether targetID has any op in the log.
func (q *Queue) HasOps(ctx context.Context, targetID string) (bool, error) {
	var n int
	err := q.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE target_id = ?`, targetID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check ops for %s: %w", targetID, err)
	}
	return n > 0, nil
}

// IsDone reports whether opID has been acknowledged.
func (q *Queue) IsDone(ctx context.Context, opID string) (bool, error) {
	return q.isDone(ctx, opID)
}

// PruneTombstones forgets acknowledged op ids older than cutoff.
func (q *Queue) PruneTombstones(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.conn.ExecContext(ctx,
		`DELETE FROM done_ops WHERE done_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune tombstones: %w", err)
	}
	return res.RowsAffected()
}

func (q *Queue) isDone(ctx context.Context, opID string) (bool, error) {
	var n int
	err := q.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM done_ops WHERE op_id = ?`, opID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone for %s: %w", opID, err)
	}
	return n > 0, nil
}

func (q *Queue) get(ctx context.Context, opID string) (*schema.MutationOp, error) {
	var data []byte
	err := q.conn.QueryRowContext(ctx, `SELECT data FROM mutations WHERE op_id = ?`, opID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, opID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load op %s: %w", opID, err)
	}
	op, err := schema.DecodeOp(data)
	if err != nil {
		return nil, &syncerr.CorruptLocalRecordError{Collection: "mutations", Key: opID, Err: err}
	}
	return op, nil
}

func (q *Queue) update(ctx context.Context, op *schema.MutationOp) error {
	data, err := schema.EncodeOp(op)
	if err != nil {
		return err
	}
	_, err = q.conn.ExecContext(ctx,
		`UPDATE mutations SET state = ?, data = ? WHERE op_id = ?`,
		string(op.State), data, op.OpID)
	if err != nil {
		return fmt.Errorf("failed to update op %s: %w", op.OpID, err)
	}
	return nil
}
