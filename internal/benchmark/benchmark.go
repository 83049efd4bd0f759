// Package benchmark compares local record store backends under the access
// pattern of a busy device: lane lookups, branch scans and optimistic
// overwrites running concurrently.
package benchmark

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldsync/fieldsync/internal/localstore"
	"github.com/fieldsync/fieldsync/internal/schema"
)

// Config defines the parameters for a benchmark run.
type Config struct {
	// Records is how many records are loaded before the timed phase.
	Records int

	// Branches spreads records across this many branches.
	Branches int

	// Workers is the number of concurrent readers/writers.
	Workers int

	// OpsPerWorker is how many operations each worker performs.
	OpsPerWorker int

	// WritePct is the share of operations that overwrite a record (0.0-1.0).
	WritePct float64

	// ScanPct is the share of operations that scan a branch (0.0-1.0).
	ScanPct float64

	Seed int64
}

// DefaultConfig returns a benchmark configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Records:      1000,
		Branches:     4,
		Workers:      8,
		OpsPerWorker: 200,
		WritePct:     0.3,
		ScanPct:      0.05,
		Seed:         42,
	}
}

// Validate checks that the config describes a runnable workload.
func (c Config) Validate() error {
	if c.Records <= 0 || c.Workers <= 0 || c.OpsPerWorker <= 0 {
		return fmt.Errorf("records, workers and ops per worker must be positive")
	}
	if c.Branches <= 0 {
		return fmt.Errorf("branches must be positive (got %d)", c.Branches)
	}
	if c.WritePct < 0 || c.ScanPct < 0 || c.WritePct+c.ScanPct > 1 {
		return fmt.Errorf("write and scan shares must be within 0..1 combined")
	}
	return nil
}

// Result captures all metrics from one backend run.
type Result struct {
	Backend string
	Config  Config

	// LoadTime is the duration of the initial bulk load.
	LoadTime time.Duration

	Latency    LatencyMetrics
	Throughput ThroughputMetrics
	Resources  ResourceMetrics

	TotalDuration time.Duration
	ErrorCount    int
	ErrorRate     float64
}

// LatencyMetrics captures operation latency statistics.
type LatencyMetrics struct {
	Min  time.Duration
	P50  time.Duration // Median
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration
}

// ThroughputMetrics captures operations-per-second metrics.
type ThroughputMetrics struct {
	OpsPerSecond float64
	TotalOps     int
	Reads        int
	Scans        int
	Writes       int
}

// ResourceMetrics captures heap usage around the timed phase.
type ResourceMetrics struct {
	MemoryBeforeBytes uint64
	MemoryAfterBytes  uint64
	MemoryDeltaBytes  uint64
}

// ComputeStats calculates statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyMetrics {
	if len(durations) == 0 {
		return LatencyMetrics{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyMetrics{
		Min:  sorted[0],
		P50:  sorted[len(sorted)*50/100],
		Mean: sum / time.Duration(len(sorted)),
		P95:  sorted[len(sorted)*95/100],
		P99:  sorted[len(sorted)*99/100],
		Max:  sorted[len(sorted)-1],
	}
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

func recordID(i int) string { return fmt.Sprintf("R%06d", i) }

func branchName(i int) string { return fmt.Sprintf("B%02d", i) }

// seedRecords builds the initial data set.
func seedRecords(cfg Config) []*schema.Record {
	now := time.Now().UTC()
	out := make([]*schema.Record, cfg.Records)
	for i := range out {
		out[i] = &schema.Record{
			ID:       recordID(i),
			Version:  1,
			Status:   schema.StatusNew,
			Branch:   branchName(i % cfg.Branches),
			Payload:  map[string]any{"address": fmt.Sprintf("%d Main St", i), "priority": i % 5},
			SyncedAt: &now,
		}
	}
	return out
}

var writeStatuses = []schema.Status{schema.StatusAssigned, schema.StatusInProgress, schema.StatusCompleted}

// Run loads cfg.Records into store and then times the concurrent workload.
func Run(ctx context.Context, name string, store localstore.Store, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	result := &Result{Backend: name, Config: cfg}

	start := time.Now()
	if err := store.BulkPut(ctx, seedRecords(cfg)); err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	result.LoadTime = time.Since(start)

	runtime.GC()
	result.Resources.MemoryBeforeBytes = heapAlloc()

	var (
		mu        sync.Mutex
		durations []time.Duration
	)
	observe := func(kind string, d time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.ErrorCount++
			return
		}
		durations = append(durations, d)
		switch kind {
		case "write":
			result.Throughput.Writes++
		case "scan":
			result.Throughput.Scans++
		default:
			result.Throughput.Reads++
		}
	}

	timed := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		rng := rand.New(rand.NewSource(cfg.Seed + int64(w)))
		g.Go(func() error {
			for i := 0; i < cfg.OpsPerWorker; i++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				kind, d, err := step(gctx, store, cfg, rng)
				observe(kind, d, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(timed)

	result.Resources.MemoryAfterBytes = heapAlloc()
	if result.Resources.MemoryAfterBytes > result.Resources.MemoryBeforeBytes {
		result.Resources.MemoryDeltaBytes = result.Resources.MemoryAfterBytes - result.Resources.MemoryBeforeBytes
	}

	total := cfg.Workers * cfg.OpsPerWorker
	result.Latency = ComputeStats(durations)
	result.Throughput.TotalOps = len(durations)
	if elapsed > 0 {
		result.Throughput.OpsPerSecond = float64(len(durations)) / elapsed.Seconds()
	}
	result.ErrorRate = float64(result.ErrorCount) / float64(total)
	result.TotalDuration = time.Since(start)
	return result, nil
}

// step performs one randomly chosen operation.
func step(ctx context.Context, store localstore.Store, cfg Config, rng *rand.Rand) (string, time.Duration, error) {
	roll := rng.Float64()
	id := recordID(rng.Intn(cfg.Records))
	begin := time.Now()

	switch {
	case roll < cfg.WritePct:
		rec, err := store.Get(ctx, id)
		if err != nil {
			return "write", 0, err
		}
		now := time.Now().UTC()
		next := rec.Clone()
		next.Status = writeStatuses[rng.Intn(len(writeStatuses))]
		next.LocalUpdatedAt = &now
		err = store.Put(ctx, next)
		return "write", time.Since(begin), err

	case roll < cfg.WritePct+cfg.ScanPct:
		_, err := store.Scan(ctx, localstore.ByBranch(branchName(rng.Intn(cfg.Branches))))
		return "scan", time.Since(begin), err

	default:
		_, err := store.Get(ctx, id)
		return "read", time.Since(begin), err
	}
}

// FormatBytes formats bytes into a human-readable string.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// Print writes a formatted result.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "\n=== %s ===\n\n", r.Backend)
	fmt.Fprintf(w, "Load:\n")
	fmt.Fprintf(w, "  Records:           %d in %s\n", r.Config.Records, FormatDuration(r.LoadTime))
	fmt.Fprintf(w, "Latency:\n")
	fmt.Fprintf(w, "  Min:       %s\n", FormatDuration(r.Latency.Min))
	fmt.Fprintf(w, "  P50:       %s\n", FormatDuration(r.Latency.P50))
	fmt.Fprintf(w, "  Mean:      %s\n", FormatDuration(r.Latency.Mean))
	fmt.Fprintf(w, "  P95:       %s\n", FormatDuration(r.Latency.P95))
	fmt.Fprintf(w, "  P99:       %s\n", FormatDuration(r.Latency.P99))
	fmt.Fprintf(w, "  Max:       %s\n", FormatDuration(r.Latency.Max))
	fmt.Fprintf(w, "Throughput:\n")
	fmt.Fprintf(w, "  Ops/sec:           %.2f\n", r.Throughput.OpsPerSecond)
	fmt.Fprintf(w, "  Reads/Scans/Writes: %d/%d/%d\n", r.Throughput.Reads, r.Throughput.Scans, r.Throughput.Writes)
	fmt.Fprintf(w, "Resources:\n")
	fmt.Fprintf(w, "  Heap Delta:        %s\n", FormatBytes(r.Resources.MemoryDeltaBytes))
	fmt.Fprintf(w, "Overall:\n")
	fmt.Fprintf(w, "  Total Duration:    %s\n", FormatDuration(r.TotalDuration))
	fmt.Fprintf(w, "  Errors:            %d (%.2f%%)\n", r.ErrorCount, r.ErrorRate*100)
}
