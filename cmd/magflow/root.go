package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ioko18/magflow-erp-sub002/internal/api"
	"github.com/ioko18/magflow-erp-sub002/internal/config"
	"github.com/ioko18/magflow-erp-sub002/internal/snapshot"
	"github.com/ioko18/magflow-erp-sub002/internal/store"
	syncsvc "github.com/ioko18/magflow-erp-sub002/internal/sync"
	"github.com/ioko18/magflow-erp-sub002/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "magflow",
	Short: "MagFlow - marketplace synchronization service",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "accounts", len(cfg.Emag.Accounts))

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	stack, err := buildStack(cfg, db, logger)
	if err != nil {
		return err
	}
	defer stack.close()

	handler := api.NewHandler(stack.svc, db, stack.gate, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// Background workers share the signal context; cancelling it stops
	// them all.
	var wg sync.WaitGroup

	sweeper := worker.NewStuckRunSweeper(stack.svc,
		time.Duration(cfg.Sync.SweepInterval),
		time.Duration(cfg.Sync.StuckThreshold))
	startWorker(ctx, &wg, "stuck-sweeper", sweeper.Run)

	if cfg.Sync.ScheduleEnabled {
		scheduler := worker.NewSyncScheduler(stack.svc,
			time.Duration(cfg.Sync.ProductsInterval),
			time.Duration(cfg.Sync.OrdersInterval))
		startWorker(ctx, &wg, "sync-scheduler", scheduler.Run)
	}

	if cfg.Backup.Endpoint != "" {
		uploader, err := snapshot.NewUploader(cfg.Backup)
		if err != nil {
			return err
		}
		coordinator := worker.NewBackupCoordinator(db, uploader,
			time.Duration(cfg.Backup.Interval), "")
		startWorker(ctx, &wg, "backup-coordinator", coordinator.Run)
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error on graceful Shutdown();
		// anything else is a real failure that should bring us down.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// Drain in-flight HTTP requests first, then wait for active sync
	// runs: a run interrupted here is exactly what the savepoint design
	// protects, but a clean finish is still cheaper than a sweep.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := stack.svc.Shutdown(shutdownCtx); err != nil {
		slog.Warn("sync runs still active at shutdown deadline", "error", err)
	}
	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}

var _ api.RecordStore = (*store.SQLiteStore)(nil)
var _ api.SyncService = (*syncsvc.Service)(nil)
