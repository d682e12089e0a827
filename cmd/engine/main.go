package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mlm-engine/internal/config"
	"mlm-engine/internal/logging"
	"mlm-engine/internal/worker"
)

var (
	logLevel  string
	logFormat string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "MLM daily return and commission engine",
	Long: `engine credits daily investment returns, pays multi-level referral
commissions and recalculates user tiers against the ledger database.

Run "engine serve" for the scheduled service, or the run/audit commands for
one-off invocations.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.LoadConfig()
		if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-format") || cfg.LogFormat == "" {
			cfg.LogFormat = logFormat
		}

		var err error
		logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one job once and print its summary",
}

var runReturnsCmd = &cobra.Command{
	Use:   "daily-returns",
	Short: "Credit today's returns, retire matured investments and pay commissions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(a *app) worker.Job { return a.returns })
	},
}

var runLevelsCmd = &cobra.Command{
	Use:   "user-levels",
	Short: "Recalculate every user's tier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(a *app) worker.Job { return a.levels })
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check running totals against the ledger entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(a *app) worker.Job { return a.audit })
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the ledger tables",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cron schedule and the HTTP trigger endpoints",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, console)")

	runCmd.AddCommand(runReturnsCmd, runLevelsCmd)
	rootCmd.AddCommand(serveCmd, runCmd, auditCmd, migrateCmd)
}

// errRunFailed makes the process exit non-zero after the summary was printed.
var errRunFailed = errors.New("run failed")

func runOnce(cmd *cobra.Command, pick func(*app) worker.Job) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runner.Run(ctx, pick(a))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if !res.Succeeded() {
		return errRunFailed
	}
	if audit, ok := res.(*worker.AuditSummary); ok && !audit.Consistent {
		return fmt.Errorf("%w: ledger drift detected", errRunFailed)
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
