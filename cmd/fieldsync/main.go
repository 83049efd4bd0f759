// Command fieldsync runs offline-first sync clients and the server authority.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/logging"
)

var (
	cfgFile  string
	envFiles []string
	logLevel string

	cfg         config.Config
	loader      *config.Loader
	logger      *zap.Logger
	logLevelCtl zap.AtomicLevel
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first record sync with server-wins conflict resolution",
	Long: `fieldsync keeps field devices working while offline.

Clients apply edits locally at once, queue them durably and deliver them to
the server authority when the network returns. Every write carries the
version it was based on; a stale write is refused and the device takes the
server's copy.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		loader, cfg, err = config.Load(cfgFile, envFiles...)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, logLevelCtl = logging.New(cfg.LoggingConfig("fieldsync"))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./fieldsync.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddGroup(
		&cobra.Group{ID: "client", Title: "Device commands:"},
		&cobra.Group{ID: "server", Title: "Server commands:"},
		&cobra.Group{ID: "tools", Title: "Tools:"},
	)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
