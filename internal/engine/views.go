package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/localstore"
	"github.com/fieldsync/fieldsync/internal/schema"
)

// Snapshot is the sync status shown to the user.
type Snapshot struct {
	State      State `json:"state"`
	Online     bool  `json:"online"`
	QueueDepth int   `json:"queueDepth"`
	Failed     int   `json:"failed"`
	// Blocked counts ops held behind a failed op of the same record.
	Blocked    int       `json:"blocked"`
	LastSync   time.Time `json:"lastSync,omitempty"`
	LastNotice *Notice   `json:"lastNotice,omitempty"`
}

type views struct {
	mu     sync.Mutex
	snap   Snapshot
	subs   map[int]chan Snapshot
	nextID int
}

func newViews(initial State) *views {
	return &views{
		snap: Snapshot{State: initial},
		subs: make(map[int]chan Snapshot),
	}
}

func (v *views) get() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap
}

func (v *views) update(fn func(*Snapshot)) {
	v.mu.Lock()
	defer v.mu.Unlock()

	before := v.snap
	fn(&v.snap)
	if before == v.snap {
		return
	}
	for _, ch := range v.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v.snap
	}
}

func (v *views) watch() (<-chan Snapshot, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nextID
	v.nextID++
	ch := make(chan Snapshot, 1)
	ch <- v.snap
	v.subs[id] = ch

	return ch, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if _, ok := v.subs[id]; ok {
			delete(v.subs, id)
			close(ch)
		}
	}
}

// Status returns the current sync status.
func (e *Engine) Status() Snapshot {
	return e.views.get()
}

// Watch streams status changes, starting with the current one. Slow
// readers only see the latest value.
func (e *Engine) Watch() (<-chan Snapshot, func()) {
	return e.views.watch()
}

// Record returns the record as the user should see it, optimistic edits
// included.
func (e *Engine) Record(ctx context.Context, id string) (*schema.Record, error) {
	return e.records.Get(ctx, id)
}

// Records lists local records, limited to the engine's branch when one is
// configured.
func (e *Engine) Records(ctx context.Context) ([]*schema.Record, error) {
	if e.cfg.Branch == "" {
		return e.records.Scan(ctx, nil)
	}
	return e.records.Scan(ctx, localstore.ByBranch(e.cfg.Branch))
}

// Pending lists queued ops in delivery order, failed ones included.
func (e *Engine) Pending(ctx context.Context) ([]*schema.MutationOp, error) {
	return e.queue.List(ctx)
}
