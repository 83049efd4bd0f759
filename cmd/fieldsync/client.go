package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fieldsync/fieldsync/internal/authority"
	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/connectivity"
	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/engine"
	"github.com/fieldsync/fieldsync/internal/inbox"
	"github.com/fieldsync/fieldsync/internal/localstore"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/push"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/ui"
)

// device is the local state of one client.
type device struct {
	db        *db.DB
	badger    *localstore.BadgerDB
	records   localstore.Store
	confirmed localstore.Store
	queue     *queue.Queue
}

func openDevice() (*device, error) {
	c := cfg.Client
	database, err := db.Open(filepath.Join(c.DataDir, "client.db"))
	if err != nil {
		return nil, err
	}
	q, err := queue.NewWithConfig(database, queue.Config{Policy: c.Retry.Policy(), Logger: logger})
	if err != nil {
		database.Close()
		return nil, err
	}

	d := &device{db: database, queue: q}
	switch c.Backend {
	case "badger":
		bcfg := localstore.DefaultBadgerConfig(filepath.Join(c.DataDir, "records"))
		bcfg.Logger = logger
		d.badger, err = localstore.OpenBadger(bcfg)
		if err != nil {
			database.Close()
			return nil, err
		}
		d.records = localstore.NewBadger(d.badger, localstore.CollectionRecords)
		d.confirmed = localstore.NewBadger(d.badger, localstore.CollectionConfirmed)
	default:
		d.records = localstore.NewSQLite(database, localstore.CollectionRecords, logger)
		d.confirmed = localstore.NewSQLite(database, localstore.CollectionConfirmed, logger)
	}
	return d, nil
}

func (d *device) Close() {
	if d.badger != nil {
		if err := d.badger.Close(); err != nil {
			logger.Warn("failed to close badger", zap.Error(err))
		}
	}
	if err := d.db.Close(); err != nil {
		logger.Warn("failed to close database", zap.Error(err))
	}
}

func mustOpenDevice() *device {
	d, err := openDevice()
	if err != nil {
		fatal("failed to open local data in %s: %v", cfg.Client.DataDir, err)
	}
	return d
}

// pushURL derives the websocket endpoint from the server URL.
func pushURL(serverURL, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func serveMetrics(ctx context.Context, addr string, reg *prom.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var clientCmd = &cobra.Command{
	Use:     "client",
	GroupID: "client",
	Short:   "Run and inspect a device",
}

var clientRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine (foreground)",
	Long: `Run the device sync engine in the foreground.

The engine:
  1. Applies actions dropped into the inbox directory to local records
  2. Queues every action durably
  3. Delivers queued actions to the server whenever it is reachable
  4. Keeps a push connection open for live updates
  5. Reconciles with the server periodically and on request`,
	Run: func(cmd *cobra.Command, args []string) {
		c := cfg.Client
		ws, err := pushURL(c.ServerURL, c.PushURL)
		if err != nil {
			fatal("%v", err)
		}

		d := mustOpenDevice()
		defer d.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var tokenMu sync.RWMutex
		current := c.Token
		token := func() string {
			tokenMu.RLock()
			defer tokenMu.RUnlock()
			return current
		}
		var recorder metrics.Recorder
		var registry *prom.Registry
		if cfg.Metrics.Enabled {
			registry = prom.NewRegistry()
			recorder = metrics.NewPrometheusRecorder(registry)
		}

		api := authority.NewClient(authority.ClientConfig{BaseURL: c.ServerURL, Token: token})
		conn := connectivity.NewWithConfig(connectivity.Config{
			Probe:    connectivity.HTTPProbe(&http.Client{}, strings.TrimRight(c.ServerURL, "/")+"/health"),
			Interval: c.ProbeInterval,
			Logger:   logger,
		})

		ecfg := engine.DefaultConfig()
		ecfg.Branch = c.Branch
		ecfg.Concurrency = c.Concurrency
		ecfg.DispatchRate = c.DispatchRate
		ecfg.ReconcileInterval = c.ReconcileInterval
		ecfg.Logger = logger
		ecfg.Metrics = recorder
		ecfg.Notifier = engine.NotifierFunc(func(n engine.Notice) {
			fmt.Println(ui.RenderNotice(n))
		})
		eng := engine.NewWithConfig(d.records, d.confirmed, d.queue, api, conn, ecfg)

		var connectedBefore bool
		pcfg := push.DefaultClientConfig(ws)
		pcfg.Token = token
		pcfg.Logger = logger
		pcfg.OnEvent = eng.HandleEvent
		pcfg.OnState = func(s push.ClientState) {
			switch s {
			case push.ClientConnected:
				// Events sent while we were away are gone; catch up.
				if connectedBefore {
					go func() {
						if _, err := eng.Reconcile(ctx); err != nil {
							logger.Warn("reconcile after reconnect failed", zap.Error(err))
						}
					}()
				}
				connectedBefore = true
			case push.ClientExhausted:
				eng.PushLost(nil)
			}
		}
		pusher := push.NewClient(pcfg)

		watcher, err := inbox.NewWithConfig(c.Inbox, eng, inbox.Config{Logger: logger})
		if err != nil {
			fatal("%v", err)
		}

		if loader != nil {
			loader.Watch(logLevelCtl, logger, func(next config.Config) {
				tokenMu.Lock()
				changed := next.Client.Token != current
				current = next.Client.Token
				tokenMu.Unlock()
				if changed {
					logger.Info("token changed, resuming sync")
					eng.Reauthenticate()
					pusher.Trigger()
				}
			})
		}

		fmt.Printf("%s Starting device sync...\n", ui.RenderAccent("▶"))
		fmt.Printf("   Server: %s\n", c.ServerURL)
		fmt.Printf("   Branch: %s\n", c.Branch)
		fmt.Printf("   Inbox:  %s\n", watcher.Dir())
		fmt.Printf("   Data:   %s (%s)\n", c.DataDir, c.Backend)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		online, unsubscribe := conn.Subscribe()
		defer unsubscribe()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return conn.Run(gctx) })
		g.Go(func() error { return eng.Run(gctx) })
		g.Go(func() error { return pusher.Run(gctx) })
		g.Go(func() error { return watcher.Run(gctx) })
		if registry != nil && cfg.Metrics.Addr != "" {
			g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, registry) })
		}
		g.Go(func() error {
			// Reconnect push at once when the network comes back.
			for {
				select {
				case <-gctx.Done():
					return nil
				case up, ok := <-online:
					if !ok {
						return nil
					}
					if up {
						pusher.Trigger()
					}
				}
			}
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			fatal("sync stopped: %v", err)
		}
		fmt.Println("\nSync stopped")
	},
}

var clientStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local queue and record status",
	Run: func(cmd *cobra.Command, args []string) {
		d := mustOpenDevice()
		defer d.Close()
		ctx := cmd.Context()

		ops, err := d.queue.List(ctx)
		if err != nil {
			fatal("%v", err)
		}
		records, err := d.records.Scan(ctx, nil)
		if err != nil {
			fatal("%v", err)
		}

		var pending, failed, optimistic int
		for _, op := range ops {
			if op.State == schema.OpFailed {
				failed++
			} else {
				pending++
			}
		}
		for _, r := range records {
			if r.IsOptimistic() {
				optimistic++
			}
		}

		fmt.Printf("\n%s Device status\n\n", ui.RenderAccent("●"))
		fmt.Printf("Data:       %s (%s)\n", cfg.Client.DataDir, cfg.Client.Backend)
		fmt.Printf("Branch:     %s\n", cfg.Client.Branch)
		fmt.Printf("Records:    %d (%d with unsent edits)\n", len(records), optimistic)
		fmt.Printf("Queued:     %d\n", pending)
		if failed > 0 {
			fmt.Printf("Failed:     %s  (retry or discard with 'fieldsync client queue')\n", ui.RenderFail(fmt.Sprint(failed)))
			if blocked := len(queue.BlockedBy(ops)); blocked > 0 {
				fmt.Printf("Blocked:    %s  (waiting behind failed actions)\n", ui.RenderWarn(fmt.Sprint(blocked)))
			}
		} else {
			fmt.Printf("Failed:     0\n")
		}
		fmt.Println()
	},
}

var clientRecordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List local records",
	Run: func(cmd *cobra.Command, args []string) {
		d := mustOpenDevice()
		defer d.Close()

		var pred localstore.Predicate
		if cfg.Client.Branch != "" {
			pred = localstore.ByBranch(cfg.Client.Branch)
		}
		records, err := d.records.Scan(cmd.Context(), pred)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(ui.RenderRecords(records))
	},
}

var clientSubmitCmd = &cobra.Command{
	Use:   "submit RECORD",
	Short: "Drop an action into the inbox",
	Long: `Write an action file into the inbox for a running 'client run' to pick up.

Examples:
  fieldsync client submit O1 --action assign --status assigned --set assignee=I1
  fieldsync client submit O1 --action note --set note="gate code 1234"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		action, _ := cmd.Flags().GetString("action")
		status, _ := cmd.Flags().GetString("status")
		sets, _ := cmd.Flags().GetStringToString("set")

		a := &schema.ActionFile{
			ID:        uuid.NewString(),
			Action:    action,
			TargetID:  args[0],
			Status:    schema.Status(status),
			CreatedAt: time.Now().UTC(),
		}
		if len(sets) > 0 {
			a.Payload = make(map[string]any, len(sets))
			for k, v := range sets {
				a.Payload[k] = v
			}
		}
		if err := schema.WriteActionFile(cfg.Client.Inbox, a); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Queued %s %s (%s)\n", ui.RenderPass("✓"), a.Action, a.TargetID, a.ID)
	},
}

var clientQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queued actions",
}

var clientQueueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in delivery order",
	Run: func(cmd *cobra.Command, args []string) {
		d := mustOpenDevice()
		defer d.Close()

		ops, err := d.queue.List(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(ui.RenderOps(ops, time.Now()))
	},
}

var clientQueueRetryCmd = &cobra.Command{
	Use:   "retry [OP_ID...]",
	Short: "Return failed actions to the queue",
	Long: `Return failed actions to the queue. With no arguments every failed action
is retried. A running engine picks them up on its next delivery round.`,
	Run: func(cmd *cobra.Command, args []string) {
		d := mustOpenDevice()
		defer d.Close()
		ctx := cmd.Context()

		ids := args
		if len(ids) == 0 {
			ops, err := d.queue.List(ctx)
			if err != nil {
				fatal("%v", err)
			}
			for _, op := range ops {
				if op.State == schema.OpFailed {
					ids = append(ids, op.OpID)
				}
			}
		}
		if len(ids) == 0 {
			fmt.Println(ui.RenderMuted("no failed actions"))
			return
		}

		retried := 0
		for _, id := range ids {
			if err := d.queue.Retry(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), id, err)
				continue
			}
			retried++
		}
		fmt.Printf("%s Retrying %d action(s)\n", ui.RenderPass("✓"), retried)
	},
}

var clientQueueDiscardCmd = &cobra.Command{
	Use:   "discard OP_ID...",
	Short: "Give up on failed actions",
	Long: `Remove failed actions from the queue and undo their local effect. Actions
queued behind them for the same record are delivered on the next round.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		d := mustOpenDevice()
		defer d.Close()
		ctx := cmd.Context()

		ecfg := engine.DefaultConfig()
		ecfg.Branch = cfg.Client.Branch
		ecfg.Logger = logger
		eng := engine.NewWithConfig(d.records, d.confirmed, d.queue, nil, nil, ecfg)

		discarded := 0
		for _, id := range args {
			if err := eng.Discard(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), id, err)
				continue
			}
			discarded++
		}
		fmt.Printf("%s Discarded %d action(s)\n", ui.RenderPass("✓"), discarded)
	},
}

var clientQueueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the queue as JSON or YAML",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		d := mustOpenDevice()
		defer d.Close()

		if err := d.queue.Export(cmd.Context(), os.Stdout, format); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	clientSubmitCmd.Flags().String("action", "update", "action label shown in notices")
	clientSubmitCmd.Flags().String("status", "", "new status")
	clientSubmitCmd.Flags().StringToString("set", nil, "payload fields (key=value)")

	clientQueueExportCmd.Flags().String("format", "json", "output format: json or yaml")

	clientQueueCmd.AddCommand(clientQueueListCmd, clientQueueRetryCmd, clientQueueDiscardCmd, clientQueueExportCmd)
	clientCmd.AddCommand(clientRunCmd, clientStatusCmd, clientRecordsCmd, clientSubmitCmd, clientQueueCmd)
	rootCmd.AddCommand(clientCmd)
}
