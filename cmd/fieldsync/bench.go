package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/benchmark"
	"github.com/fieldsync/fieldsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "tools",
	Short:   "Compare local store backends",
	Long: `Load records into each local store backend and time a concurrent mix of
lookups, branch scans and overwrites, as a busy device would issue them.

Examples:
  fieldsync bench
  fieldsync bench --records 10000 --workers 16 --backend badger`,
	Run: func(cmd *cobra.Command, args []string) {
		bcfg := benchmark.DefaultConfig()
		bcfg.Records, _ = cmd.Flags().GetInt("records")
		bcfg.Branches, _ = cmd.Flags().GetInt("branches")
		bcfg.Workers, _ = cmd.Flags().GetInt("workers")
		bcfg.OpsPerWorker, _ = cmd.Flags().GetInt("ops")
		bcfg.WritePct, _ = cmd.Flags().GetFloat64("write-pct")
		bcfg.ScanPct, _ = cmd.Flags().GetFloat64("scan-pct")
		only, _ := cmd.Flags().GetString("backend")
		if err := bcfg.Validate(); err != nil {
			fatal("%v", err)
		}

		var backends []benchmark.Backend
		for _, b := range []benchmark.Backend{benchmark.SQLiteBackend(logger), benchmark.BadgerBackend(logger)} {
			if only == "" || only == b.Name {
				backends = append(backends, b)
			}
		}
		if len(backends) == 0 {
			fatal("unknown backend %q (want sqlite or badger)", only)
		}

		dir, err := os.MkdirTemp("", "fieldsync-bench-*")
		if err != nil {
			fatal("%v", err)
		}
		defer os.RemoveAll(dir)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		fmt.Printf("%s %d record(s), %d worker(s) x %d op(s)\n",
			ui.RenderAccent("▶"), bcfg.Records, bcfg.Workers, bcfg.OpsPerWorker)

		c, err := benchmark.Compare(ctx, dir, bcfg, backends...)
		if err != nil {
			fatal("%v", err)
		}
		c.Print(os.Stdout)
	},
}

func init() {
	def := benchmark.DefaultConfig()
	benchCmd.Flags().Int("records", def.Records, "records loaded before timing")
	benchCmd.Flags().Int("branches", def.Branches, "branches records are spread across")
	benchCmd.Flags().Int("workers", def.Workers, "concurrent workers")
	benchCmd.Flags().Int("ops", def.OpsPerWorker, "operations per worker")
	benchCmd.Flags().Float64("write-pct", def.WritePct, "share of overwrites (0-1)")
	benchCmd.Flags().Float64("scan-pct", def.ScanPct, "share of branch scans (0-1)")
	benchCmd.Flags().String("backend", "", "only run this backend")
	rootCmd.AddCommand(benchCmd)
}
