package benchmark

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/localstore"
)

// Backend opens a fresh store under dir. The returned func releases it.
type Backend struct {
	Name string
	Open func(dir string) (localstore.Store, func() error, error)
}

// SQLiteBackend benchmarks the SQLite record store.
func SQLiteBackend(logger *zap.Logger) Backend {
	return Backend{
		Name: "sqlite",
		Open: func(dir string) (localstore.Store, func() error, error) {
			database, err := db.Open(filepath.Join(dir, "bench.db"))
			if err != nil {
				return nil, nil, err
			}
			return localstore.NewSQLite(database, localstore.CollectionRecords, logger), database.Close, nil
		},
	}
}

// BadgerBackend benchmarks the Badger record store.
func BadgerBackend(logger *zap.Logger) Backend {
	return Backend{
		Name: "badger",
		Open: func(dir string) (localstore.Store, func() error, error) {
			cfg := localstore.DefaultBadgerConfig(filepath.Join(dir, "badger"))
			cfg.GCInterval = 0
			cfg.Logger = logger
			bdb, err := localstore.OpenBadger(cfg)
			if err != nil {
				return nil, nil, err
			}
			return localstore.NewBadger(bdb, localstore.CollectionRecords), bdb.Close, nil
		},
	}
}

// Comparison holds one result per backend, in the order they ran.
type Comparison struct {
	Results []*Result

	// Winners maps a metric name to the backend that did best on it.
	Winners map[string]string
}

// Compare runs cfg against each backend in its own directory under dir.
func Compare(ctx context.Context, dir string, cfg Config, backends ...Backend) (*Comparison, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("no backends to compare")
	}

	c := &Comparison{Winners: make(map[string]string)}
	for _, b := range backends {
		store, closeFn, err := b.Open(filepath.Join(dir, b.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", b.Name, err)
		}
		res, err := Run(ctx, b.Name, store, cfg)
		if cerr := closeFn(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", b.Name, cerr)
		}
		if err != nil {
			return nil, fmt.Errorf("%s benchmark failed: %w", b.Name, err)
		}
		c.Results = append(c.Results, res)
	}

	c.pickWinners()
	return c, nil
}

func (c *Comparison) pickWinners() {
	lower := map[string]func(*Result) float64{
		"load": func(r *Result) float64 { return r.LoadTime.Seconds() },
		"p50":  func(r *Result) float64 { return r.Latency.P50.Seconds() },
		"p95":  func(r *Result) float64 { return r.Latency.P95.Seconds() },
		"p99":  func(r *Result) float64 { return r.Latency.P99.Seconds() },
		"heap": func(r *Result) float64 { return float64(r.Resources.MemoryDeltaBytes) },
	}
	for metric, value := range lower {
		best := c.Results[0]
		for _, r := range c.Results[1:] {
			if value(r) < value(best) {
				best = r
			}
		}
		c.Winners[metric] = best.Backend
	}

	best := c.Results[0]
	for _, r := range c.Results[1:] {
		if r.Throughput.OpsPerSecond > best.Throughput.OpsPerSecond {
			best = r
		}
	}
	c.Winners["throughput"] = best.Backend
}

// Overall returns the backend that won the most metrics.
func (c *Comparison) Overall() string {
	wins := make(map[string]int)
	for _, b := range c.Winners {
		wins[b]++
	}
	overall, most := "", -1
	for _, r := range c.Results {
		if wins[r.Backend] > most {
			overall, most = r.Backend, wins[r.Backend]
		}
	}
	return overall
}

// Print writes every result followed by a side-by-side summary.
func (c *Comparison) Print(w io.Writer) {
	for _, r := range c.Results {
		r.Print(w)
	}

	fmt.Fprintf(w, "\n=== Summary ===\n\n")
	header := []string{fmt.Sprintf("%-12s", "metric")}
	for _, r := range c.Results {
		header = append(header, fmt.Sprintf("%-12s", r.Backend))
	}
	fmt.Fprintln(w, strings.Join(header, " "))

	rows := []struct {
		name  string
		value func(*Result) string
	}{
		{"load", func(r *Result) string { return FormatDuration(r.LoadTime) }},
		{"p50", func(r *Result) string { return FormatDuration(r.Latency.P50) }},
		{"p95", func(r *Result) string { return FormatDuration(r.Latency.P95) }},
		{"p99", func(r *Result) string { return FormatDuration(r.Latency.P99) }},
		{"throughput", func(r *Result) string { return fmt.Sprintf("%.0f/s", r.Throughput.OpsPerSecond) }},
		{"heap", func(r *Result) string { return FormatBytes(r.Resources.MemoryDeltaBytes) }},
	}
	for _, row := range rows {
		cols := []string{fmt.Sprintf("%-12s", row.name)}
		for _, r := range c.Results {
			v := row.value(r)
			if c.Winners[row.name] == r.Backend && len(c.Results) > 1 {
				v += " *"
			}
			cols = append(cols, fmt.Sprintf("%-12s", v))
		}
		fmt.Fprintln(w, strings.Join(cols, " "))
	}
	fmt.Fprintf(w, "\nOverall: %s\n", c.Overall())
}
