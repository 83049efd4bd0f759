// Package engine is the client sync engine. It applies user intents
// optimistically to the local store, queues them durably, and drains the
// queue against the server authority whenever it is reachable.
//
// Per op outcome:
//   - 2xx: the returned record replaces the local copy and the op is acked.
//   - 409: the conflict resolver restores server truth and a notice is shown.
//   - other 4xx: the op is dropped, its effect discarded, and a notice shown.
//   - 401/403: draining pauses until Reauthenticate; ops stay queued.
//   - anything else: retried with backoff until the policy gives up, then
//     left failed for a manual Retry or Discard. A failed op holds later ops
//     for the same record back.
//
// Ops queued for one record are each based on the version the device held
// when they were made. When an op is acknowledged, the ops queued behind it
// on that same base move up to the version the server assigned, so a burst
// of offline edits lands in order. After a conflict nothing moves: the later
// ops keep their stale version and are refused in turn.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fieldsync/fieldsync/internal/conflict"
	"github.com/fieldsync/fieldsync/internal/connectivity"
	"github.com/fieldsync/fieldsync/internal/localstore"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/push"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// Authority is the server of record as seen by the engine.
type Authority interface {
	Patch(ctx context.Context, op *schema.MutationOp) (*schema.Record, error)
	Get(ctx context.Context, id string) (*schema.Record, error)
	List(ctx context.Context, branch string) ([]*schema.Record, error)
}

// Config holds engine configuration.
type Config struct {
	// Branch scopes reconciliation and force-refresh handling. Empty means
	// every record.
	Branch string

	// Concurrency is how many record lanes drain at once.
	Concurrency int

	// DispatchRate limits writes per second toward the authority.
	DispatchRate  float64
	DispatchBurst int

	// ReconcileInterval schedules full reconciliation. Zero disables it.
	ReconcileInterval time.Duration

	// TombstoneRetention is how long acked op ids are remembered.
	TombstoneRetention time.Duration

	Notifier Notifier
	Logger   *zap.Logger
	Metrics  metrics.Recorder

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        4,
		DispatchRate:       20,
		DispatchBurst:      5,
		ReconcileInterval:  5 * time.Minute,
		TombstoneRetention: 7 * 24 * time.Hour,
	}
}

// Intent is a user action on one record.
type Intent struct {
	// OpID is optional. A caller that may submit the same intent twice sets
	// it so the duplicate is ignored.
	OpID string

	RecordID string
	Action   string
	Patch    schema.Patch
}

// Engine coordinates the local store, the mutation queue and the authority.
type Engine struct {
	cfg       Config
	records   localstore.Store
	confirmed localstore.Store
	queue     *queue.Queue
	authority Authority
	resolver  *conflict.Resolver
	conn      *connectivity.Monitor
	limiter   *rate.Limiter
	notifier  Notifier
	logger    *zap.Logger
	metrics   metrics.Recorder
	now       func() time.Time

	// storeMu serializes local read-modify-write sequences. Never held
	// across a network call.
	storeMu sync.Mutex

	mu    sync.Mutex
	state State
	views *views

	kick   chan struct{}
	events chan push.Envelope
}

// New creates an engine.
func New(records, confirmed localstore.Store, q *queue.Queue, authority Authority, conn *connectivity.Monitor) *Engine {
	return NewWithConfig(records, confirmed, q, authority, conn, DefaultConfig())
}

// NewWithConfig creates an engine with custom settings.
func NewWithConfig(records, confirmed localstore.Store, q *queue.Queue, authority Authority, conn *connectivity.Monitor, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.DispatchRate <= 0 {
		cfg.DispatchRate = def.DispatchRate
	}
	if cfg.DispatchBurst <= 0 {
		cfg.DispatchBurst = def.DispatchBurst
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = def.TombstoneRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.OrNop(cfg.Logger).Named("engine")
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}

	return &Engine{
		cfg:       cfg,
		records:   records,
		confirmed: confirmed,
		queue:     q,
		authority: authority,
		resolver:  conflict.New(records, confirmed, authority, logger),
		conn:      conn,
		limiter:   rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.DispatchBurst),
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics.OrNoop(cfg.Metrics),
		now:       cfg.Now,
		state:     StateDisconnected,
		views:     newViews(StateDisconnected),
		kick:      make(chan struct{}, 1),
		events:    make(chan push.Envelope, 64),
	}
}

// State returns the session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// fire applies ev and reports whether the state changed.
func (e *Engine) fire(ev Event) (from, to State) {
	e.mu.Lock()
	from = e.state
	to = Transition(from, ev)
	e.state = to
	e.mu.Unlock()

	if from != to {
		e.logger.Info("sync state changed",
			zap.String("from", string(from)), logging.State(string(to)), logging.Event(string(ev)))
		e.views.update(func(s *Snapshot) {
			s.State = to
			s.Online = to != StateDisconnected
		})
		e.wake()
	}
	return from, to
}

func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Submit records intent: the op is appended to the durable queue, the
// optimistic projection is written to the local store, and the call returns
// without touching the network.
func (e *Engine) Submit(ctx context.Context, in Intent) (*schema.MutationOp, error) {
	if in.Patch.IsEmpty() {
		return nil, fmt.Errorf("intent on %s changes nothing", in.RecordID)
	}
	if in.Patch.Status != "" && !in.Patch.Status.IsValid() {
		return nil, fmt.Errorf("invalid status: %q", in.Patch.Status)
	}

	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	current, err := e.records.Get(ctx, in.RecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", in.RecordID, err)
	}

	// A record without optimistic edits is server truth; keep it as the
	// snapshot conflicts revert to.
	if !current.IsOptimistic() {
		if err := e.confirmed.Put(ctx, current); err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", in.RecordID, err)
		}
	}

	opID := in.OpID
	if opID == "" {
		opID = uuid.NewString()
	}
	body := in.Patch
	body.ExpectedVersion = 0
	op := &schema.MutationOp{
		OpID:            opID,
		Method:          http.MethodPatch,
		TargetID:        in.RecordID,
		Body:            body,
		ExpectedVersion: current.Version,
		Action:          in.Action,
		CreatedAt:       e.now().UTC(),
	}
	accepted, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("failed to queue %s: %w", op.Label(), err)
	}
	if !accepted {
		e.logger.Debug("duplicate intent ignored", logging.OpID(op.OpID))
		return op, nil
	}

	if err := e.records.Put(ctx, current.Project(in.Patch, e.now())); err != nil {
		// The op is queued; the projection is cosmetic and the ack will
		// overwrite the record anyway.
		e.logger.Warn("failed to apply optimistic projection", logging.OpID(op.OpID), zap.Error(err))
	}

	e.logger.Debug("intent queued",
		logging.OpID(op.OpID), logging.RecordID(op.TargetID), logging.Version(op.ExpectedVersion))
	return op, nil
}

// Retry returns a failed op to the queue.
func (e *Engine) Retry(ctx context.Context, opID string) error {
	return e.queue.Retry(ctx, opID)
}

// Discard gives up on a failed op. Its optimistic effect is removed from the
// local record and the ops queued behind it become deliverable.
func (e *Engine) Discard(ctx context.Context, opID string) error {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	op, err := e.queue.Discard(ctx, opID)
	if err != nil {
		return err
	}
	base, err := e.confirmed.Get(ctx, op.TargetID)
	if err != nil {
		return fmt.Errorf("failed to load confirmed %s: %w", op.TargetID, err)
	}
	if err := e.applyConfirmed(ctx, base, ""); err != nil {
		return fmt.Errorf("failed to rebuild %s: %w", op.TargetID, err)
	}
	e.logger.Info("failed op discarded", logging.OpID(op.OpID), logging.RecordID(op.TargetID))
	e.refreshQueueView(ctx)
	return nil
}

// Reauthenticate resumes draining after credentials were refused.
func (e *Engine) Reauthenticate() {
	e.fire(EventReauthenticated)
}

// Run drives the engine until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.queue.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}

	online, unsubscribe := e.conn.Subscribe()
	defer unsubscribe()
	if e.conn.Online() {
		e.fire(EventOnline)
	}

	sched, err := e.startSchedule(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			e.logger.Warn("failed to stop scheduler", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.eventLoop(ctx)
	}()
	defer wg.Wait()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if e.State() == StateDraining {
			e.drain(ctx)
		}
		e.refreshQueueView(ctx)
		e.armRetryTimer(ctx, timer)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			if up {
				e.fire(EventOnline)
			} else {
				e.fire(EventOffline)
			}
		case <-e.queue.Wake():
			e.fire(EventEnqueued)
		case <-e.kick:
		case <-timer.C:
		}
	}
}

// armRetryTimer schedules a wakeup for the earliest backing-off lane head.
func (e *Engine) armRetryTimer(ctx context.Context, timer *time.Timer) {
	timer.Stop()
	if e.State() != StateDraining {
		return
	}
	due, err := e.queue.NextDue(ctx)
	if err != nil || due.IsZero() {
		return
	}
	d := due.Sub(e.now())
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

// drain delivers ready ops until none are ready. Each round takes the head
// of every ready lane and dispatches them through a bounded pool; a lane's
// next op is only considered after its head has settled.
func (e *Engine) drain(ctx context.Context) {
	for ctx.Err() == nil && e.State() == StateDraining {
		heads, err := e.queue.ReadyHeads(ctx)
		if err != nil {
			e.logger.Error("failed to read queue", zap.Error(err))
			return
		}
		if len(heads) == 0 {
			depth, err := e.deliverable(ctx)
			if err != nil {
				e.logger.Error("failed to read queue depth", zap.Error(err))
				return
			}
			if depth == 0 {
				e.fire(EventQueueEmpty)
				e.views.update(func(s *Snapshot) { s.LastSync = e.now() })
			}
			return
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for _, op := range heads {
			g.Go(func() error {
				e.dispatch(gctx, op)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// deliverable counts pending and inflight ops that are not held behind a
// failed op.
func (e *Engine) deliverable(ctx context.Context) (int, error) {
	ops, err := e.queue.List(ctx)
	if err != nil {
		return 0, err
	}
	blocked := queue.BlockedBy(ops)
	n := 0
	for _, op := range ops {
		if op.State == schema.OpFailed || blocked[op.OpID] != "" {
			continue
		}
		n++
	}
	return n, nil
}

// dispatch delivers one op and applies the outcome.
func (e *Engine) dispatch(ctx context.Context, op *schema.MutationOp) {
	log := e.logger.With(logging.OpID(op.OpID), logging.RecordID(op.TargetID))

	if err := e.limiter.Wait(ctx); err != nil {
		return
	}
	if e.State() != StateDraining {
		return
	}
	if err := e.queue.MarkInflight(ctx, op.OpID); err != nil {
		log.Warn("failed to mark op inflight", zap.Error(err))
		return
	}

	start := e.now()
	rec, err := e.authority.Patch(ctx, op)
	e.metrics.ObserveDispatchDuration(e.now().Sub(start))

	if err != nil && ctx.Err() != nil {
		// Shutting down: outcome unknown, the op id resolves any duplicate.
		_ = e.queue.Release(context.WithoutCancel(ctx), op.OpID)
		return
	}

	switch kind := syncerr.Classify(err); {
	case err == nil:
		e.acknowledge(ctx, op, rec)
	case kind == syncerr.KindConflict:
		e.metrics.IncDispatch(metrics.OutcomeConflict)
		e.resolve(ctx, op, NoticeConflict, "")
	case kind == syncerr.KindValidation:
		e.metrics.IncDispatch(metrics.OutcomeRejected)
		log.Warn("write rejected", zap.Error(err))
		e.resolve(ctx, op, NoticeRejected, fmt.Sprintf("%s was rejected: %v", op.Label(), err))
	case kind == syncerr.KindAuth:
		e.metrics.IncDispatch(metrics.OutcomeAuth)
		if err := e.queue.Release(ctx, op.OpID); err != nil {
			log.Error("failed to release op", zap.Error(err))
		}
		if from, to := e.fire(EventAuthFailed); from != to {
			e.notify(Notice{Kind: NoticeAuth, Message: "sign-in expired, syncing is paused"})
		}
	default:
		e.retryLater(ctx, op, err)
	}
}

func (e *Engine) acknowledge(ctx context.Context, op *schema.MutationOp, rec *schema.Record) {
	e.metrics.IncDispatch(metrics.OutcomeAcked)

	e.storeMu.Lock()
	err := e.applyConfirmed(ctx, rec, op.OpID)
	if err == nil {
		_, err = e.queue.Advance(ctx, op, rec.Version)
	}
	if err == nil {
		err = e.queue.DequeueAfterAck(ctx, op.OpID)
	}
	e.storeMu.Unlock()

	if err != nil {
		// Left inflight; Restore or the next round redelivers under the same
		// op id and the authority replays its answer.
		e.logger.Error("failed to apply ack", logging.OpID(op.OpID), zap.Error(err))
		_ = e.queue.Release(ctx, op.OpID)
		return
	}
	e.logger.Debug("op acknowledged", logging.OpID(op.OpID), logging.RecordID(op.TargetID), logging.Version(rec.Version))
}

// applyConfirmed stores rec as the confirmed snapshot and as the visible
// record, with other intents still queued for the record projected on top.
// Caller holds storeMu.
func (e *Engine) applyConfirmed(ctx context.Context, rec *schema.Record, ackedOpID string) error {
	if err := e.confirmed.Put(ctx, rec); err != nil {
		return err
	}

	ops, err := e.queue.List(ctx)
	if err != nil {
		return err
	}
	visible := rec
	for _, op := range ops {
		if op.TargetID != rec.ID || op.OpID == ackedOpID {
			continue
		}
		visible = visible.Project(op.Body, op.CreatedAt)
	}
	return e.records.Put(ctx, visible)
}

func (e *Engine) resolve(ctx context.Context, op *schema.MutationOp, kind NoticeKind, message string) {
	if _, err := e.queue.Drop(ctx, op.OpID); err != nil {
		e.logger.Error("failed to remove op", logging.OpID(op.OpID), zap.Error(err))
	}

	res, err := e.resolver.Resolve(ctx, op)
	if err != nil {
		e.logger.Warn("failed to refresh record after refusal", logging.OpID(op.OpID), zap.Error(err))
	}
	if message == "" {
		message = fmt.Sprintf("%s changed elsewhere, updated", op.TargetID)
		if res != nil {
			message = res.Message
		}
	}
	e.notify(Notice{Kind: kind, OpID: op.OpID, RecordID: op.TargetID, Action: op.Action, Message: message})
}

func (e *Engine) retryLater(ctx context.Context, op *schema.MutationOp, cause error) {
	updated, exhausted, err := e.queue.RequeueWithBackoff(ctx, op.OpID, cause)
	if err != nil {
		e.logger.Error("failed to requeue op", logging.OpID(op.OpID), zap.Error(err))
		return
	}
	if !exhausted {
		e.metrics.IncDispatch(metrics.OutcomeRetry)
		e.logger.Debug("transient failure, backing off",
			logging.OpID(op.OpID), logging.Attempt(updated.RetryCount),
			zap.Time("next_attempt", updated.NextAttemptAt), zap.Error(cause))
		return
	}
	e.metrics.IncDispatch(metrics.OutcomeExhausted)
	e.notify(Notice{
		Kind:     NoticeExhausted,
		OpID:     op.OpID,
		RecordID: op.TargetID,
		Action:   op.Action,
		Message:  fmt.Sprintf("%s could not be sent after %d attempts: %v", op.Label(), updated.RetryCount, cause),
	})
}

func (e *Engine) notify(n Notice) {
	if n.At.IsZero() {
		n.At = e.now()
	}
	e.views.update(func(s *Snapshot) {
		s.LastNotice = &n
	})
	e.notifier.Notify(n)
}

func (e *Engine) refreshQueueView(ctx context.Context) {
	ops, err := e.queue.List(ctx)
	if err != nil {
		return
	}
	var depth, failed int
	for _, op := range ops {
		switch op.State {
		case schema.OpFailed:
			failed++
		case schema.OpPending, schema.OpInflight:
			depth++
		}
	}
	blocked := len(queue.BlockedBy(ops))
	e.metrics.SetQueueDepth(depth)
	e.views.update(func(s *Snapshot) {
		s.QueueDepth = depth
		s.Failed = failed
		s.Blocked = blocked
	})
}

// startSchedule registers the periodic jobs.
func (e *Engine) startSchedule(ctx context.Context) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	if e.cfg.ReconcileInterval > 0 {
		_, err = s.NewJob(
			gocron.DurationJob(e.cfg.ReconcileInterval),
			gocron.NewTask(e.scheduledReconcile, ctx),
			gocron.WithName("reconcile"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule reconcile: %w", err)
		}
	}

	_, err = s.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(e.pruneTombstones, ctx),
		gocron.WithName("prune-tombstones"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule tombstone pruning: %w", err)
	}

	s.Start()
	return s, nil
}

func (e *Engine) scheduledReconcile(ctx context.Context) {
	if e.State() == StateDisconnected {
		return
	}
	if _, err := e.Reconcile(ctx); err != nil {
		e.logger.Warn("scheduled reconcile failed", zap.Error(err))
	}
}

func (e *Engine) pruneTombstones(ctx context.Context) {
	n, err := e.queue.PruneTombstones(ctx, e.now().Add(-e.cfg.TombstoneRetention))
	if err != nil {
		e.logger.Warn("failed to prune tombstones", zap.Error(err))
		return
	}
	if n > 0 {
		e.logger.Debug("pruned tombstones", zap.Int64("count", n))
	}
}
