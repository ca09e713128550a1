package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tabulahq/tabula/internal/events"
	"github.com/tabulahq/tabula/internal/parser"
	"github.com/tabulahq/tabula/internal/staging"
	"github.com/tabulahq/tabula/internal/storage"
	"github.com/tabulahq/tabula/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone background job pool",
	Long: `Runs the import, sampling, sql_transform and exploration job loops
against a shared PostgreSQL database. On SIGTERM the loops finish their
current job before exiting.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default().With("component", "worker_main")

	store, err := storage.Open(cfg.Database.URL, dbLogger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return err
	}

	// The worker shares the upload spool with the API server so staged
	// import files resolve by path.
	var ledger *staging.Ledger
	if cfg.Upload.StagingLedgerPath != "" {
		ledger, err = staging.Open(cfg.Upload.StagingLedgerPath, cfg.Upload.TempDir, cfg.Upload.MaxSizeBytes)
		if err != nil {
			return err
		}
		defer ledger.Close()
	}

	bus := events.NewBus()
	bus.SubscribeAll(events.AuditLogger(slog.Default()))

	pool := worker.NewPool(store, parser.NewFactory(), ledger, bus, worker.Config{
		PollInterval:    cfg.Worker.PollInterval,
		PoolSizePerType: cfg.Worker.PoolSizePerType,
		RowBatchSize:    cfg.RowStoreBatchSize,
		DefaultBranch:   cfg.DefaultBranchName,
	})

	logger.Info("worker pool starting", "pool_size_per_type", cfg.Worker.PoolSizePerType)
	err = pool.Run(ctx)
	logger.Info("worker pool stopped")
	return err
}
