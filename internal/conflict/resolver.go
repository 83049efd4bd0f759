// Package conflict restores server truth after a stale-version rejection.
//
// Resolution is whole-record and server-wins: the op's optimistic effect is
// discarded, the authoritative record is fetched and stored as-is, and the
// caller gets a notice to show. Fields are never merged. Later ops for the
// same record keep their stale expectedVersion and are refused in turn.
package conflict

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/localstore"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// Fetcher reads the authoritative record.
type Fetcher interface {
	Get(ctx context.Context, id string) (*schema.Record, error)
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	// Record is the authoritative record now stored locally, nil when the
	// record no longer exists on the server.
	Record *schema.Record

	// Message is the passive notice for the user.
	Message string
}

// Resolver resolves version conflicts.
type Resolver struct {
	records   localstore.Store
	confirmed localstore.Store
	fetcher   Fetcher
	logger    *zap.Logger
}

// New creates a resolver. records is what readers see; confirmed holds the
// last server-confirmed snapshot of each record.
func New(records, confirmed localstore.Store, fetcher Fetcher, logger *zap.Logger) *Resolver {
	return &Resolver{
		records:   records,
		confirmed: confirmed,
		fetcher:   fetcher,
		logger:    logging.OrNop(logger).Named("conflict"),
	}
}

// Resolve handles a 409 for op.
func (r *Resolver) Resolve(ctx context.Context, op *schema.MutationOp) (*Resolution, error) {
	log := r.logger.With(logging.OpID(op.OpID), logging.RecordID(op.TargetID))

	if err := r.revert(ctx, op.TargetID); err != nil {
		return nil, err
	}

	fresh, err := r.fetcher.Get(ctx, op.TargetID)
	if errors.Is(err, syncerr.ErrNotFound) {
		log.Info("record gone from server, removing local copy")
		if err := r.forget(ctx, op.TargetID); err != nil {
			return nil, err
		}
		return &Resolution{Message: fmt.Sprintf("%s: record %s no longer exists", op.Label(), op.TargetID)}, nil
	}
	if err != nil {
		// The optimistic effect is already gone; reconciliation brings the
		// record up to date later.
		return nil, fmt.Errorf("failed to fetch %s after conflict: %w", op.TargetID, err)
	}

	if err := r.records.Put(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", op.TargetID, err)
	}
	if err := r.confirmed.Put(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to store confirmed %s: %w", op.TargetID, err)
	}

	log.Info("conflict resolved, server version kept",
		zap.Int64("expected_version", op.ExpectedVersion), logging.Version(fresh.Version))

	return &Resolution{
		Record:  fresh,
		Message: fmt.Sprintf("%s changed elsewhere, updated to version %d", op.TargetID, fresh.Version),
	}, nil
}

// revert puts the last confirmed snapshot back in place of the optimistic
// projection.
func (r *Resolver) revert(ctx context.Context, id string) error {
	snap, err := r.confirmed.Get(ctx, id)
	if errors.Is(err, syncerr.ErrNotFound) {
		if err := r.records.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to discard optimistic %s: %w", id, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load confirmed %s: %w", id, err)
	}
	if err := r.records.Put(ctx, snap); err != nil {
		return fmt.Errorf("failed to revert %s: %w", id, err)
	}
	return nil
}

func (r *Resolver) forget(ctx context.Context, id string) error {
	if err := r.records.Delete(ctx, id); err != nil {
		return err
	}
	return r.confirmed.Delete(ctx, id)
}
