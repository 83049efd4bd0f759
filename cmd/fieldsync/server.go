package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/authority"
	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/migrate"
	"github.com/fieldsync/fieldsync/internal/push"
	"github.com/fieldsync/fieldsync/internal/ui"
)

func openAuthorityStore() (*db.DB, *authority.Store) {
	database, err := db.Open(cfg.Server.DB)
	if err != nil {
		fatal("failed to open %s: %v", cfg.Server.DB, err)
	}
	return database, authority.NewStore(database)
}

var serverCmd = &cobra.Command{
	Use:     "server",
	GroupID: "server",
	Short:   "Run and manage the server authority",
}

var serverRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the record API and push hub",
	Run: func(cmd *cobra.Command, args []string) {
		s := cfg.Server
		if s.JWTSecret == "" {
			fatal("server.jwt_secret is required (set FIELDSYNC_SERVER_JWT_SECRET)")
		}

		database, store := openAuthorityStore()
		defer database.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		registry := prom.NewRegistry()
		var recorder metrics.Recorder
		if cfg.Metrics.Enabled {
			recorder = metrics.NewPrometheusRecorder(registry)
		} else {
			registry = nil
		}

		verifier := push.NewHMACVerifier([]byte(s.JWTSecret), s.Issuer)

		hcfg := push.DefaultHubConfig()
		hcfg.Verifier = verifier
		hcfg.InstanceID = s.InstanceID
		hcfg.Logger = logger
		hcfg.Metrics = recorder
		if s.RedisAddr != "" {
			bp := push.NewRedisBackplane(s.RedisAddr, 0, s.RedisChannel)
			if err := bp.Ping(ctx); err != nil {
				fatal("%v", err)
			}
			defer bp.Close()
			hcfg.Backplane = bp
		}
		hub := push.NewHub(hcfg)
		hub.Start()
		defer hub.Stop()

		acfg := authority.DefaultConfig()
		acfg.Verifier = verifier
		acfg.Push = hub
		acfg.Events = push.NewPublisher(hub, logger)
		acfg.IdempotencyTTL = s.IdempotencyTTL
		acfg.AdminSubjects = s.AdminSubjects
		acfg.Registry = registry
		acfg.Logger = logger
		acfg.Metrics = recorder
		srv := authority.NewServer(store, acfg)

		n, _ := database.Count(ctx, "authority_records")
		fmt.Printf("%s Serving %d record(s) on %s\n", ui.RenderAccent("▶"), n, s.Addr)
		if s.RedisAddr != "" {
			fmt.Printf("   Backplane: redis %s (%s)\n", s.RedisAddr, s.RedisChannel)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if loader != nil {
			loader.Watch(logLevelCtl, logger, nil)
		}

		if err := srv.ListenAndServe(ctx, s.Addr); err != nil && !errors.Is(err, context.Canceled) {
			fatal("server stopped: %v", err)
		}
		logger.Info("server stopped", zap.Int("subscribers", hub.SubscriberCount()))
	},
}

var serverSeedCmd = &cobra.Command{
	Use:   "seed FILE",
	Short: "Import records from a JSONL file",
	Long: `Import records from a JSONL file, one record per line.

Existing records are skipped unless --overwrite is given.

Examples:
  fieldsync server seed orders.jsonl --dry-run
  fieldsync server seed orders.jsonl --backup --overwrite`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		database, store := openAuthorityStore()
		defer database.Close()

		result, err := migrate.Import(cmd.Context(), store, migrate.Options{
			From:      args[0],
			DryRun:    dryRun,
			Backup:    backup,
			Overwrite: overwrite,
		})
		if err != nil {
			fatal("%v", err)
		}

		if result.BackupCreated != "" {
			fmt.Printf("Backup: %s\n", result.BackupCreated)
		}
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d record(s), skipped %d\n", ui.RenderPass("✓"), verb, result.Imported, result.Skipped)
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("!"), e)
		}
		if len(result.Errors) > 0 {
			os.Exit(1)
		}
	},
}

var serverExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write records as JSONL to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		branch, _ := cmd.Flags().GetString("branch")

		database, store := openAuthorityStore()
		defer database.Close()

		n, err := migrate.Export(cmd.Context(), store, branch, os.Stdout)
		if err != nil {
			fatal("%v", err)
		}
		logger.Debug("exported records", zap.Int("count", n), zap.String("branch", branch))
	},
}

func init() {
	serverSeedCmd.Flags().Bool("dry-run", false, "validate without writing")
	serverSeedCmd.Flags().Bool("backup", false, "copy the input file aside first")
	serverSeedCmd.Flags().Bool("overwrite", false, "replace existing records")

	serverExportCmd.Flags().String("branch", "", "only export this branch")

	serverCmd.AddCommand(serverRunCmd, serverSeedCmd, serverExportCmd)
	rootCmd.AddCommand(serverCmd)
}
