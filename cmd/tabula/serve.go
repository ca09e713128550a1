package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tabulahq/tabula/internal/cache"
	"github.com/tabulahq/tabula/internal/events"
	"github.com/tabulahq/tabula/internal/parser"
	"github.com/tabulahq/tabula/internal/server"
	"github.com/tabulahq/tabula/internal/service"
	"github.com/tabulahq/tabula/internal/staging"
	"github.com/tabulahq/tabula/internal/storage"
	"github.com/tabulahq/tabula/internal/worker"
)

var withWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts the HTTP API. With --with-workers the background job pool runs in
the same process, which is the expected mode for SQLite deployments where a
second process cannot share the database.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&withWorkers, "with-workers", true, "run the job worker pool in-process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default().With("component", "serve")

	store, err := storage.Open(cfg.Database.URL, dbLogger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	ledger, err := openStaging()
	if err != nil {
		return err
	}
	defer ledger.Close()
	if swept, err := ledger.SweepOrphans(24 * time.Hour); err != nil {
		logger.Warn("staging sweep failed", "error", err)
	} else if swept > 0 {
		logger.Info("staging sweep removed orphans", "count", swept)
	}

	var schemas cache.SchemaCache
	if cfg.Cache.RedisURL != "" {
		redis, err := cache.NewRedis(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL)
		if err != nil {
			return err
		}
		defer redis.Close()
		schemas = redis
	}

	bus := events.NewBus()
	bus.SubscribeAll(events.AuditLogger(slog.Default()))

	svc := service.New(store, bus, schemas, cfg.DefaultBranchName)
	api := server.New(svc, store, ledger, server.Config{
		MaxUploadBytes:   cfg.Upload.MaxSizeBytes,
		UploadRatePerMin: cfg.Server.UploadRatePerMin,
		DefaultBranch:    cfg.DefaultBranchName,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if withWorkers {
		pool := worker.NewPool(store, parser.NewFactory(), ledger, bus, worker.Config{
			PollInterval:    cfg.Worker.PollInterval,
			PoolSizePerType: cfg.Worker.PoolSizePerType,
			RowBatchSize:    cfg.RowStoreBatchSize,
			DefaultBranch:   cfg.DefaultBranchName,
		})
		g.Go(func() error {
			return pool.Run(ctx)
		})
	}

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// openStaging places the upload spool under the configured temp dir, falling
// back to the OS temp dir.
func openStaging() (*staging.Ledger, error) {
	dir := cfg.Upload.TempDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tabula-staging")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ledgerPath := cfg.Upload.StagingLedgerPath
	if ledgerPath == "" {
		ledgerPath = filepath.Join(dir, "staging.db")
	}
	return staging.Open(ledgerPath, dir, cfg.Upload.MaxSizeBytes)
}
