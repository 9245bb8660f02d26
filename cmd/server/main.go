/*
main.go - Application entry point

PURPOSE:
  Command line for the tontine ledger engine: runs the HTTP server,
  applies the database schema and bills subscriptions by hand.

COMMANDS:
  serve     Start the HTTP API (and the billing scheduler when enabled)
  migrate   Apply the schema to the configured database and exit
  bill      Bill subscriptions for one month (--month YYYY-MM, default current)

GLOBAL FLAGS:
  --config  Optional config file (yaml, toml or json)
  --env     .env files loaded before the config (default: .env)

STARTUP SEQUENCE (serve):
  1. Load .env files and configuration
  2. Open the store (sqlite, postgres or memory)
  3. Build the services and the HTTP router
  4. Start the billing scheduler if billing.enabled
  5. Serve until SIGINT/SIGTERM

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the billing scheduler (waits for a running job)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  # Run against a local SQLite file
  tontined serve

  # Run against Postgres
  TONTINE_DATABASE_DRIVER=postgres \
  TONTINE_DATABASE_DSN=postgres://tontine@localhost/tontine tontined serve

  # Re-run last month's billing
  tontined bill --month 2025-05

SEE ALSO:
  - config/config.go: Configuration keys and environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/tontine-engine/api"
	"github.com/warp/tontine-engine/config"
	"github.com/warp/tontine-engine/ledger"
	"github.com/warp/tontine-engine/ledger/store"
	"github.com/warp/tontine-engine/store/postgres"
	"github.com/warp/tontine-engine/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	envFiles   []string
	billMonth  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", nil, ".env files to load (default .env)")

	billCmd.Flags().StringVar(&billMonth, "month", "", "month to bill as YYYY-MM (default: current month)")

	rootCmd.AddCommand(serveCmd, migrateCmd, billCmd)
}

var rootCmd = &cobra.Command{
	Use:          "tontined",
	Short:        "Tontine ledger and fee settlement engine",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE:  runMigrate,
}

var billCmd = &cobra.Command{
	Use:   "bill",
	Short: "Bill tontinier subscriptions for a month",
	Long: `Bill every active subscription covering the month. Months already
billed are skipped, so the command is safe to re-run.`,
	RunE: runBill,
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Database.Driver, "error", err)
		return err
	}
	defer closeStore()

	settings, err := settingsFrom(cfg)
	if err != nil {
		return err
	}
	handler := api.NewHandler(st, settings, logger)

	if cfg.Billing.Enabled {
		scheduler := api.NewBillingScheduler(handler.Biller, cfg.Billing.Schedule, logger)
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", server.Addr,
			"driver", cfg.Database.Driver,
			"settlement", cfg.Fees.Settlement,
			"timezone", cfg.Reporting.Timezone)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error("server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cfg.Database.Driver == "memory" {
		return errors.New("migrate: the memory driver has no schema")
	}
	// Both SQL stores migrate on open.
	_, closeStore, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("schema up to date", "driver", cfg.Database.Driver)
	return nil
}

func runBill(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	settings, err := settingsFrom(cfg)
	if err != nil {
		return err
	}
	biller := ledger.NewBiller(st, settings.Rules, settings.Calendar, logger)

	at := biller.Clock.Now()
	if billMonth != "" {
		if at, err = settings.Calendar.ParseMonth(billMonth); err != nil {
			return err
		}
	}
	report, err := biller.Run(ctx, at)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: billed %d, skipped %d, amount %d %s\n",
		report.Month, report.Billed, report.Skipped, int64(report.Amount), ledger.DefaultCurrency)
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

func setup() (*config.Config, *slog.Logger, error) {
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func settingsFrom(cfg *config.Config) (api.Settings, error) {
	rules, err := cfg.FeeRules()
	if err != nil {
		return api.Settings{}, err
	}
	cal, err := cfg.Calendar()
	if err != nil {
		return api.Settings{}, err
	}
	return api.Settings{Rules: rules, Settlement: cfg.Settlement(), Calendar: cal}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.TxStore, func(), error) {
	switch cfg.Database.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "memory":
		return store.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
