// Package localstore is the client's durable keyed cache of the latest known
// record per id.
//
// A Store is one named collection. The engine uses two: "records" holds what
// readers see (optimistic projections included) and "confirmed" holds the
// last server-confirmed snapshot of each record. Every write is durable
// before it returns; a key is replaced atomically.
package localstore

import (
	"context"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// Collection names used by the engine.
const (
	CollectionRecords   = "records"
	CollectionConfirmed = "confirmed"
)

// Predicate selects records in Scan. A nil predicate matches everything.
type Predicate func(*schema.Record) bool

// Store is a durable keyed collection of records.
//
// Get returns syncerr.ErrNotFound for unknown ids. Entries that fail to
// decode are dropped and logged; Get then reports ErrNotFound and Scan skips
// them.
type Store interface {
	Get(ctx context.Context, id string) (*schema.Record, error)
	Put(ctx context.Context, r *schema.Record) error
	BulkPut(ctx context.Context, records []*schema.Record) error
	Scan(ctx context.Context, pred Predicate) ([]*schema.Record, error)
	Delete(ctx context.Context, id string) error
}

// ByBranch matches records owned by branch.
func ByBranch(branch string) Predicate {
	return func(r *schema.Record) bool { return r.Branch == branch }
}

// Optimistic matches records carrying an unconfirmed local write.
func Optimistic() Predicate {
	return func(r *schema.Record) bool { return r.IsOptimistic() }
}

func match(pred Predicate, r *schema.Record) bool {
	return pred == nil || pred(r)
}
