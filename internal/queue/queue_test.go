package queue

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/retry"
	"github.com/fieldsync/fieldsync/internal/schema"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func openQueue(t *testing.T, path string, clock *fakeClock) *Queue {
	t.Helper()
	database, err := db.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := DefaultConfig()
	cfg.Policy = retry.NewPolicy(retry.ModeExponential, time.Second, 8*time.Second, 3)
	cfg.Now = clock.Now
	q, err := NewWithConfig(database, cfg)
	require.NoError(t, err)
	return q
}

func newQueue(t *testing.T) (*Queue, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	return openQueue(t, filepath.Join(t.TempDir(), "client.db"), clock), clock
}

func newOp(target string, expected int64, status schema.Status) *schema.MutationOp {
	return &schema.MutationOp{
		OpID:            uuid.NewString(),
		Method:          http.MethodPatch,
		TargetID:        target,
		ExpectedVersion: expected,
		Body:            schema.Patch{Status: status},
		Action:          string(status),
	}
}

func opIDs(ops []*schema.MutationOp) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.OpID
	}
	return out
}

func TestEnqueue_AssignsSeqAndState(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	a := newOp("O1", 3, schema.StatusAssigned)
	b := newOp("O2", 1, schema.StatusConfirmed)
	for _, op := range []*schema.MutationOp{a, b} {
		ok, err := q.Enqueue(ctx, op)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)
	assert.Equal(t, schema.OpPending, a.State)
	assert.False(t, a.CreatedAt.IsZero())

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	head, err := q.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.OpID, head.OpID)

	select {
	case <-q.Wake():
	default:
		t.Fatal("expected wake signal after enqueue")
	}
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	q, _ := newQueue(t)
	op := newOp("", 1, schema.StatusAssigned)
	_, err := q.Enqueue(context.Background(), op)
	assert.Error(t, err)
}

func TestIdempotence(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	op := newOp("O1", 3, schema.StatusAssigned)

	ok, err := q.Enqueue(ctx, op)
	require.NoError(t, err)
	require.True(t, ok)

	dup := *op
	ok, err = q.Enqueue(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, ok, "queued id is not enqueued twice")

	require.NoError(t, q.DequeueAfterAck(ctx, op.OpID))
	require.NoError(t, q.DequeueAfterAck(ctx, op.OpID), "second ack is a no-op")

	ok, err = q.Enqueue(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, ok, "acknowledged id is not enqueued again")

	done, err := q.IsDone(ctx, op.OpID)
	require.NoError(t, err)
	assert.True(t, done)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDurabilityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")
	clock := &fakeClock{t: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	var want []*schema.MutationOp
	{
		database, err := db.Open(path)
		require.NoError(t, err)
		q, err := NewWithConfig(database, Config{Policy: retry.DefaultPolicy(), Now: clock.Now})
		require.NoError(t, err)

		for i, target := range []string{"O1", "O2", "O1", "O3"} {
			op := newOp(target, int64(i+1), schema.StatusConfirmed)
			_, err := q.Enqueue(ctx, op)
			require.NoError(t, err)
			want = append(want, op)
		}
		// Simulate a crash mid-dispatch.
		require.NoError(t, q.MarkInflight(ctx, want[1].OpID))
		require.NoError(t, database.Close())
	}

	q := openQueue(t, path, clock)
	got, err := q.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	assert.Equal(t, opIDs(want), opIDs(got))
	for i := range want {
		assert.Equal(t, want[i].ExpectedVersion, got[i].ExpectedVersion)
		assert.Equal(t, want[i].TargetID, got[i].TargetID)
		assert.Equal(t, schema.OpPending, got[i].State, "inflight comes back pending")
	}

	// New ops continue after the restored sequence.
	next := newOp("O4", 1, schema.StatusNew)
	_, err = q.Enqueue(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, int64(5), next.Seq)
}

func TestReadyHeads_PerRecordFIFO(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	o1a := newOp("O1", 3, schema.StatusAssigned)
	o2a := newOp("O2", 5, schema.StatusConfirmed)
	o1b := newOp("O1", 3, schema.StatusConfirmed)
	for _, op := range []*schema.MutationOp{o1a, o2a, o1b} {
		_, err := q.Enqueue(ctx, op)
		require.NoError(t, err)
	}

	heads, err := q.ReadyHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o1a.OpID, o2a.OpID}, opIDs(heads))

	require.NoError(t, q.MarkInflight(ctx, o1a.OpID))
	heads, err = q.ReadyHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o2a.OpID}, opIDs(heads), "inflight head blocks its lane")

	require.NoError(t, q.DequeueAfterAck(ctx, o1a.OpID))
	heads, err = q.ReadyHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o2a.OpID, o1b.OpID}, opIDs(heads))
}

func TestRequeueWithBackoff(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()

	o1a := newOp("O1", 3, schema.StatusAssigned)
	o1b := newOp("O1", 3, schema.StatusConfirmed)
	o2 := newOp("O2", 1, schema.StatusConfirmed)
	for _, op := range []*schema.MutationOp{o1a, o1b, o2} {
		_, err := q.Enqueue(ctx, op)
		require.NoError(t, err)
	}
	require.NoError(t, q.MarkInflight(ctx, o1a.OpID))

	op, exhausted, err := q.RequeueWithBackoff(ctx, o1a.OpID, errors.New("timeout"))
	require.NoError(t, err)
	assert.False(t, exhausted)
	assert.Equal(t, 1, op.RetryCount)
	assert.Equal(t, "timeout", op.LastError)
	assert.Equal(t, clock.Now().Add(time.Second), op.NextAttemptAt)
	assert.Equal(t, o1a.Seq, op.Seq, "position is kept")

	heads, err := q.ReadyHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o2.OpID}, opIDs(heads), "backing-off head blocks later ops of its record")

	due, err := q.NextDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, op.NextAttemptAt, due)

	clock.Advance(time.Second)
	heads, err = q.ReadyHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o1a.OpID, o2.OpID}, opIDs(heads))

	head, err := q.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, o1a.OpID, head.OpID)
}

func TestRequeueWithBackoff_ExhaustsToFailed(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()

	op := newOp("O1", 3, schema.StatusAssigned)
	later := newOp("O1", 3, schema.StatusConfirmed)
	_, err := q.Enqueue(ctx, op)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, later)
	require.NoError(t, err)

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		got, exhausted, err := q.RequeueWithBackoff(ctx, op.OpID, errors.New("503"))
		require.NoError(t, err)
		require.False(t, exhausted, "attempt %d", attempt)
		delays = append(delays, got.NextAttemptAt.Sub(clock.Now()))
		clock.Advance(got.NextAttemptAt.Sub(clock.Now()))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	got, exhausted, err := q.RequeueWithBackoff(ctx, op.OpID, errors.New("503"))
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.Equal(t, schema.OpFailed, got.State)

	// A failed op stays in the log and holds its lane.
	heads, err := q.ReadyHeads(ctx)
	require.NoError(t, err)
	assert.Empty(t, heads)
	due, err := q.NextDue(ctx)
	require.NoError(t, err)
	assert.True(t, due.IsZero(), "nothing behind a failed op is due")

	ops, err := q.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{later.OpID: op.OpID}, BlockedBy(ops))

	has, err := q.HasOps(ctx, "O1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, q.Retry(ctx, op.OpID))
	retried, err := q.Get(ctx, op.OpID)
	require.NoError(t, err)
	assert.Equal(t, schema.OpPending, retried.State)
	assert.Zero(t, retried.RetryCount)

	assert.Error(t, q.Retry(ctx, op.OpID), "only failed ops can be retried")

	heads, err = q.ReadyHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{op.OpID}, opIDs(heads))
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	cfg := DefaultConfig()
	cfg.Policy = retry.NewPolicy(retry.ModeFixed, time.Second, time.Second, 0)
	q, err := NewWithConfig(database, cfg)
	require.NoError(t, err)

	op := newOp("O1", 3, schema.StatusAssigned)
	later := newOp("O1", 3, schema.StatusConfirmed)
	for _, o := range []*schema.MutationOp{op, later} {
		_, err := q.Enqueue(ctx, o)
		require.NoError(t, err)
	}

	_, err = q.Discard(ctx, op.OpID)
	assert.Error(t, err, "only failed ops can be discarded")

	_, exhausted, err := q.RequeueWithBackoff(ctx, op.OpID, errors.New("503"))
	require.NoError(t, err)
	require.True(t, exhausted)

	discarded, err := q.Discard(ctx, op.OpID)
	require.NoError(t, err)
	assert.Equal(t, op.OpID, discarded.OpID)

	_, err = q.Get(ctx, op.OpID)
	assert.ErrorIs(t, err, ErrUnknownOp)
	done, err := q.IsDone(ctx, op.OpID)
	require.NoError(t, err)
	assert.False(t, done, "discarded ops are not tombstoned")

	heads, err := q.ReadyHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{later.OpID}, opIDs(heads))
}

func TestAdvance(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	first := newOp("O1", 3, schema.StatusAssigned)
	second := newOp("O1", 3, schema.StatusConfirmed)
	other := newOp("O2", 3, schema.StatusConfirmed)
	stale := newOp("O1", 2, schema.StatusCancelled)
	for _, op := range []*schema.MutationOp{first, second, other, stale} {
		_, err := q.Enqueue(ctx, op)
		require.NoError(t, err)
	}

	moved, err := q.Advance(ctx, first, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err := q.Get(ctx, second.OpID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.ExpectedVersion)

	got, err = q.Get(ctx, other.OpID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ExpectedVersion, "other records are untouched")

	got, err = q.Get(ctx, stale.OpID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ExpectedVersion, "ops built on another version are untouched")

	got, err = q.Get(ctx, first.OpID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ExpectedVersion)
}

func TestBlockedBy(t *testing.T) {
	ops := []*schema.MutationOp{
		{OpID: "a", TargetID: "O1", State: schema.OpFailed},
		{OpID: "b", TargetID: "O2", State: schema.OpPending},
		{OpID: "c", TargetID: "O1", State: schema.OpPending},
		{OpID: "d", TargetID: "O1", State: schema.OpFailed},
		{OpID: "e", TargetID: "O2", State: schema.OpFailed},
		{OpID: "f", TargetID: "O2", State: schema.OpPending},
	}
	assert.Equal(t, map[string]string{"c": "a", "d": "a", "f": "e"}, BlockedBy(ops))
	assert.Empty(t, BlockedBy(nil))
}

func TestDropAndRelease(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	op := newOp("O1", 3, schema.StatusAssigned)
	_, err := q.Enqueue(ctx, op)
	require.NoError(t, err)

	require.NoError(t, q.MarkInflight(ctx, op.OpID))
	require.NoError(t, q.Release(ctx, op.OpID))
	got, err := q.Get(ctx, op.OpID)
	require.NoError(t, err)
	assert.Equal(t, schema.OpPending, got.State)
	assert.Zero(t, got.RetryCount)

	dropped, err := q.Drop(ctx, op.OpID)
	require.NoError(t, err)
	assert.Equal(t, op.OpID, dropped.OpID)

	_, err = q.Get(ctx, op.OpID)
	assert.ErrorIs(t, err, ErrUnknownOp)

	done, err := q.IsDone(ctx, op.OpID)
	require.NoError(t, err)
	assert.False(t, done, "dropped ops are not tombstoned")
}

func TestListDropsCorruptRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")
	clock := &fakeClock{t: time.Now()}
	q := openQueue(t, path, clock)
	ctx := context.Background()

	good := newOp("O1", 1, schema.StatusAssigned)
	_, err := q.Enqueue(ctx, good)
	require.NoError(t, err)
	_, err = q.conn.Exec(`INSERT INTO mutations (op_id, seq, target_id, state, data) VALUES ('bad', 99, 'O9', 'pending', 'garbage')`)
	require.NoError(t, err)

	ops, err := q.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{good.OpID}, opIDs(ops))

	targets, err := q.Targets(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"O1": true}, targets)
}

func TestPruneTombstones(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()

	op := newOp("O1", 1, schema.StatusAssigned)
	_, err := q.Enqueue(ctx, op)
	require.NoError(t, err)
	require.NoError(t, q.DequeueAfterAck(ctx, op.OpID))

	n, err := q.PruneTombstones(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PruneTombstones(ctx, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExport(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	op := newOp("O1", 3, schema.StatusAssigned)
	_, err := q.Enqueue(ctx, op)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, q.Export(ctx, &buf, "yaml"))
	var out []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, op.OpID, out[0]["op_id"])
	assert.Equal(t, "O1", out[0]["target_id"])

	buf.Reset()
	require.NoError(t, q.Export(ctx, &buf, "json"))
	assert.Contains(t, buf.String(), `"expectedVersion": 3`)

	assert.Error(t, q.Export(ctx, &buf, "xml"))
}
