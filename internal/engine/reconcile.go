package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/localstore"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/push"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// ReconcileStats summarizes one reconciliation pass.
type ReconcileStats struct {
	Updated int
	Removed int
	Skipped int
	Errors  int
}

// Reconcile pulls the authoritative list for the engine's branch and makes
// the local store match it. Records with queued ops are left alone so
// optimistic edits survive; their own acks or conflicts settle them.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	remote, err := e.authority.List(ctx, e.cfg.Branch)
	if err != nil {
		e.metrics.IncReconcile(false)
		if syncerr.Classify(err) == syncerr.KindAuth {
			e.fire(EventAuthFailed)
		}
		return stats, fmt.Errorf("failed to list records: %w", err)
	}

	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	busy, err := e.queue.Targets(ctx)
	if err != nil {
		return stats, err
	}

	seen := make(map[string]bool, len(remote))
	var fresh []*schema.Record
	for _, rec := range remote {
		seen[rec.ID] = true
		if busy[rec.ID] {
			stats.Skipped++
			continue
		}
		local, err := e.records.Get(ctx, rec.ID)
		if err == nil && local.Version == rec.Version && !local.IsOptimistic() {
			continue
		}
		fresh = append(fresh, rec)
	}

	if len(fresh) > 0 {
		if err := e.confirmed.BulkPut(ctx, fresh); err != nil {
			return stats, fmt.Errorf("failed to store confirmed records: %w", err)
		}
		if err := e.records.BulkPut(ctx, fresh); err != nil {
			return stats, fmt.Errorf("failed to store records: %w", err)
		}
		stats.Updated = len(fresh)
	}

	var scope localstore.Predicate
	if e.cfg.Branch != "" {
		scope = localstore.ByBranch(e.cfg.Branch)
	}
	local, err := e.records.Scan(ctx, scope)
	if err != nil {
		return stats, err
	}
	for _, rec := range local {
		if seen[rec.ID] || busy[rec.ID] {
			continue
		}
		if err := e.forget(ctx, rec.ID); err != nil {
			e.logger.Warn("failed to remove record gone from server", logging.RecordID(rec.ID), zap.Error(err))
			stats.Errors++
			continue
		}
		stats.Removed++
	}

	e.metrics.IncReconcile(true)
	e.views.update(func(s *Snapshot) { s.LastSync = e.now() })
	e.logger.Info("reconcile complete",
		logging.Branch(e.cfg.Branch),
		zap.Int("updated", stats.Updated),
		zap.Int("removed", stats.Removed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors))
	return stats, nil
}

// Invalidate refetches one record. It is a no-op while the record has
// queued ops.
func (e *Engine) Invalidate(ctx context.Context, id string) error {
	busy, err := e.queue.HasOps(ctx, id)
	if err != nil || busy {
		return err
	}

	rec, err := e.authority.Get(ctx, id)
	if errors.Is(err, syncerr.ErrNotFound) {
		e.storeMu.Lock()
		defer e.storeMu.Unlock()
		return e.forget(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", id, err)
	}

	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	// An op may have been queued while we were fetching.
	if busy, err := e.queue.HasOps(ctx, id); err != nil || busy {
		return err
	}
	if err := e.confirmed.Put(ctx, rec); err != nil {
		return err
	}
	return e.records.Put(ctx, rec)
}

// forget removes id from both collections. Caller holds storeMu.
func (e *Engine) forget(ctx context.Context, id string) error {
	if err := e.records.Delete(ctx, id); err != nil {
		return err
	}
	return e.confirmed.Delete(ctx, id)
}

// HandleEvent accepts a push envelope. Events are processed in arrival
// order by Run; when the buffer is full the event is dropped, as push
// delivery is best-effort and reconciliation repairs any gap.
func (e *Engine) HandleEvent(env push.Envelope) {
	select {
	case e.events <- env:
	default:
		e.logger.Warn("push event dropped, engine busy", logging.Event(string(env.Type)))
	}
}

// PushLost reports that the push channel gave up reconnecting.
func (e *Engine) PushLost(err error) {
	msg := "live updates unavailable"
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	e.notify(Notice{Kind: NoticePushLost, Message: msg})
}

func (e *Engine) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-e.events:
			if err := e.applyEvent(ctx, env); err != nil {
				e.logger.Warn("failed to apply push event", logging.Event(string(env.Type)), zap.Error(err))
			}
		}
	}
}

func (e *Engine) applyEvent(ctx context.Context, env push.Envelope) error {
	switch env.Type {
	case push.TypeResourceChanged:
		var p push.ResourceChanged
		if err := env.Decode(&p); err != nil {
			return err
		}
		if e.cfg.Branch != "" && p.Branch != "" && p.Branch != e.cfg.Branch {
			return nil
		}
		if local, err := e.confirmed.Get(ctx, p.ID); err == nil && local.Version >= p.Version {
			return nil
		}
		return e.Invalidate(ctx, p.ID)

	case push.TypeAssignmentChanged:
		var p push.AssignmentChanged
		if err := env.Decode(&p); err != nil {
			return err
		}
		return e.Invalidate(ctx, p.ID)

	case push.TypeRefreshForce:
		var p push.RefreshForce
		if err := env.Decode(&p); err != nil {
			return err
		}
		if !p.AppliesTo(e.cfg.Branch) {
			e.logger.Debug("refresh not for this branch", logging.Branch(e.cfg.Branch))
			return nil
		}
		_, err := e.Reconcile(ctx)
		return err

	case push.TypeNotification:
		var p push.Notification
		if err := env.Decode(&p); err != nil {
			return err
		}
		e.notify(Notice{Kind: NoticeMessage, Message: p.Message})
		return nil

	case push.TypeError:
		var p push.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		e.logger.Warn("push channel error", zap.String("message", p.Message))
		return nil
	}
	return nil
}
