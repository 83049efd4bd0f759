package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/authority"
	"github.com/fieldsync/fieldsync/internal/loadtest"
	"github.com/fieldsync/fieldsync/internal/push"
	"github.com/fieldsync/fieldsync/internal/ui"
)

func apiClient() *authority.Client {
	return authority.NewClient(authority.ClientConfig{
		BaseURL: cfg.Client.ServerURL,
		Token:   func() string { return cfg.Client.Token },
	})
}

var tokenCmd = &cobra.Command{
	Use:     "token",
	GroupID: "tools",
	Short:   "Issue a signed access token",
	Long: `Issue an HS256 token signed with server.jwt_secret.

Examples:
  fieldsync token --subject I1 --branch north
  fieldsync token --subject ops --ttl 1h`,
	Run: func(cmd *cobra.Command, args []string) {
		subject, _ := cmd.Flags().GetString("subject")
		branch, _ := cmd.Flags().GetString("branch")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if cfg.Server.JWTSecret == "" {
			fatal("server.jwt_secret is required")
		}
		if subject == "" {
			fatal("--subject is required")
		}
		tok, err := push.IssueToken([]byte(cfg.Server.JWTSecret), cfg.Server.Issuer, subject, branch, ttl)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(tok)
	},
}

var adminCmd = &cobra.Command{
	Use:     "admin",
	GroupID: "tools",
	Short:   "Send operator broadcasts through the server",
}

var adminRefreshCmd = &cobra.Command{
	Use:   "refresh [BRANCH...]",
	Short: "Ask devices to reconcile with the server",
	Long:  `Broadcast a forced refresh. With no branches every device reconciles.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := apiClient().ForceRefresh(cmd.Context(), args); err != nil {
			fatal("%v", err)
		}
		target := "all branches"
		if len(args) > 0 {
			target = fmt.Sprint(args)
		}
		fmt.Printf("%s Refresh sent to %s\n", ui.RenderPass("✓"), target)
	},
}

var adminNotifyCmd = &cobra.Command{
	Use:   "notify SUBJECT MESSAGE",
	Short: "Send a notification to one subject",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		category, _ := cmd.Flags().GetString("category")
		if err := apiClient().Notify(cmd.Context(), args[0], category, args[1]); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Notified %s\n", ui.RenderPass("✓"), args[0])
	},
}

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "tools",
	Short:   "Hammer the server with concurrent version-stamped writes",
	Long: `Simulate many devices writing the same records at once and check that
every accepted write bumped the version exactly once.

Records default to every record visible to the token's branch.`,
	Run: func(cmd *cobra.Command, args []string) {
		lcfg := loadtest.DefaultConfig()
		lcfg.Devices, _ = cmd.Flags().GetInt("devices")
		lcfg.WritesPerDevice, _ = cmd.Flags().GetInt("writes")
		lcfg.RecordIDs, _ = cmd.Flags().GetStringSlice("records")
		lcfg.Seed, _ = cmd.Flags().GetInt64("seed")
		noRetry, _ := cmd.Flags().GetBool("no-retry")
		lcfg.RetryConflicts = !noRetry

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		api := apiClient()
		if len(lcfg.RecordIDs) == 0 {
			records, err := api.List(ctx, cfg.Client.Branch)
			if err != nil {
				fatal("failed to list records: %v", err)
			}
			for _, r := range records {
				lcfg.RecordIDs = append(lcfg.RecordIDs, r.ID)
			}
		}

		fmt.Printf("%s %d device(s) x %d write(s) over %d record(s)\n\n",
			ui.RenderAccent("▶"), lcfg.Devices, lcfg.WritesPerDevice, len(lcfg.RecordIDs))

		report, err := loadtest.Run(ctx, api, lcfg)
		if err != nil {
			fatal("%v", err)
		}
		report.Print(os.Stdout)

		if err := loadtest.Verify(ctx, api, report); err != nil {
			fmt.Printf("\n%s %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("\n%s Versions consistent\n", ui.RenderPass("✓"))
	},
}

func init() {
	tokenCmd.Flags().String("subject", "", "token subject (device or user id)")
	tokenCmd.Flags().String("branch", "", "branch the token is scoped to")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	adminNotifyCmd.Flags().String("category", "info", "notification category")

	loadtestCmd.Flags().Int("devices", 20, "concurrent simulated devices")
	loadtestCmd.Flags().Int("writes", 10, "writes per device")
	loadtestCmd.Flags().StringSlice("records", nil, "record ids to contend on")
	loadtestCmd.Flags().Int64("seed", 42, "random seed")
	loadtestCmd.Flags().Bool("no-retry", false, "do not retry after a version conflict")

	adminCmd.AddCommand(adminRefreshCmd, adminNotifyCmd)
	rootCmd.AddCommand(tokenCmd, adminCmd, loadtestCmd)
}
