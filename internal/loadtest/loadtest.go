// Package loadtest races simulated devices against the authority to check
// that version-stamped writes never lose an update under contention.
//
// Every device repeatedly reads a shared record and writes it back with the
// version it read. Writes that lose the race get 409 and are counted as
// conflicts; optionally the device refetches and tries again. After the run
// each record's version must equal its starting version plus the number of
// writes accepted for it.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// Target is the authority under test. *authority.Client implements it.
type Target interface {
	Get(ctx context.Context, id string) (*schema.Record, error)
	Patch(ctx context.Context, op *schema.MutationOp) (*schema.Record, error)
}

// Config describes a run.
type Config struct {
	Devices         int
	WritesPerDevice int
	RecordIDs       []string

	// RetryConflicts makes a device refetch and retry after a 409, up to
	// MaxConflictRetries times per write.
	RetryConflicts     bool
	MaxConflictRetries int

	// Seed makes record selection reproducible.
	Seed int64
}

// DefaultConfig returns a small contended run.
func DefaultConfig() Config {
	return Config{
		Devices:            20,
		WritesPerDevice:    10,
		RetryConflicts:     true,
		MaxConflictRetries: 5,
		Seed:               42,
	}
}

// LatencyStats captures write latency.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Accepted  int
	Conflicts int
	Errors    int
	Elapsed   time.Duration
	Latency   LatencyStats

	// PerRecord counts accepted writes per record.
	PerRecord map[string]int

	// Initial holds each record's version before the run.
	Initial map[string]int64
}

var statuses = []schema.Status{schema.StatusAssigned, schema.StatusConfirmed, schema.StatusInProgress}

// Run executes cfg against target.
func Run(ctx context.Context, target Target, cfg Config) (*Report, error) {
	if cfg.Devices <= 0 || cfg.WritesPerDevice <= 0 {
		return nil, fmt.Errorf("devices and writes per device must be positive")
	}
	if len(cfg.RecordIDs) == 0 {
		return nil, fmt.Errorf("at least one record id is required")
	}

	report := &Report{
		PerRecord: make(map[string]int),
		Initial:   make(map[string]int64),
	}
	for _, id := range cfg.RecordIDs {
		rec, err := target.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", id, err)
		}
		report.Initial[id] = rec.Version
	}

	var (
		mu        sync.Mutex
		durations []time.Duration
	)
	record := func(id string, d time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch kind := syncerr.Classify(err); {
		case err == nil:
			report.Accepted++
			report.PerRecord[id]++
			durations = append(durations, d)
		case kind == syncerr.KindConflict:
			report.Conflicts++
		default:
			report.Errors++
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Devices; i++ {
		device := fmt.Sprintf("D%03d", i)
		rng := rand.New(rand.NewSource(cfg.Seed + int64(i)))
		g.Go(func() error {
			for j := 0; j < cfg.WritesPerDevice; j++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				id := cfg.RecordIDs[rng.Intn(len(cfg.RecordIDs))]
				patch := schema.Patch{
					Status:  statuses[rng.Intn(len(statuses))],
					Payload: map[string]any{"device": device, "write": j},
				}
				writeOnce(gctx, target, cfg, id, patch, record)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Elapsed = time.Since(start)
	report.Latency = computeLatencyStats(durations)
	return report, nil
}

// writeOnce reads id and writes patch against the version read.
func writeOnce(ctx context.Context, target Target, cfg Config, id string, patch schema.Patch, record func(string, time.Duration, error)) {
	attempts := 1
	if cfg.RetryConflicts {
		attempts += cfg.MaxConflictRetries
	}
	for a := 0; a < attempts; a++ {
		current, err := target.Get(ctx, id)
		if err != nil {
			record(id, 0, err)
			return
		}
		op := &schema.MutationOp{
			OpID:            uuid.NewString(),
			Method:          http.MethodPatch,
			TargetID:        id,
			Body:            patch,
			ExpectedVersion: current.Version,
			Action:          "loadtest",
			CreatedAt:       time.Now().UTC(),
		}
		start := time.Now()
		_, err = target.Patch(ctx, op)
		record(id, time.Since(start), err)
		if syncerr.Classify(err) != syncerr.KindConflict {
			return
		}
	}
}

// Verify checks that no accepted write was lost: every record's version
// moved by exactly the number of writes accepted for it.
func Verify(ctx context.Context, target Target, report *Report) error {
	for id, initial := range report.Initial {
		rec, err := target.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}
		want := initial + int64(report.PerRecord[id])
		if rec.Version != want {
			return fmt.Errorf("record %s is at version %d, expected %d (%d accepted writes from version %d)",
				id, rec.Version, want, report.PerRecord[id], initial)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes a human-readable summary.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Writes:\n")
	fmt.Fprintf(w, "  Accepted:      %d\n", r.Accepted)
	fmt.Fprintf(w, "  Conflicts:     %d\n", r.Conflicts)
	fmt.Fprintf(w, "  Errors:        %d\n", r.Errors)
	fmt.Fprintf(w, "  Elapsed:       %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Latency (accepted writes):\n")
	fmt.Fprintf(w, "  Min:           %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Latency.Max)
}
