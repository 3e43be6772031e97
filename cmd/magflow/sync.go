package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ioko18/magflow-erp-sub002/internal/config"
	"github.com/ioko18/magflow-erp-sub002/internal/store"
	syncsvc "github.com/ioko18/magflow-erp-sub002/internal/sync"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

var (
	syncAccount  string
	syncMode     string
	syncStrategy string
	syncMaxPages int

	cleanupOlderThan time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run and maintain marketplace syncs without the server",
}

var syncRunCmd = &cobra.Command{
	Use:   "run <kind>",
	Short: "Execute one sync run and wait for it to finish",
	Long:  "Execute a single products or orders sync in the foreground and print the run summary as JSON. Ctrl-C requests cooperative cancellation.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncRun,
}

var syncCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a running sync",
	Long:  "Mark a running sync as cancelled. A run owned by a live server process sees the row finalized and stops at its next checkpoint.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncCancel,
}

var syncCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Fail runs stuck in the running state",
	Long:  "Mark runs that have been running longer than the threshold as failed. Recovers rows orphaned by a crashed process.",
	RunE:  runSyncCleanup,
}

func init() {
	syncRunCmd.Flags().StringVar(&syncAccount, "account", syncsvc.AccountAll,
		"Account to sync: main, fbe, or all")
	syncRunCmd.Flags().StringVar(&syncMode, "mode", "full",
		"Sync mode: full or incremental")
	syncRunCmd.Flags().StringVar(&syncStrategy, "strategy", "upstream_priority",
		"Conflict strategy: upstream_priority, local_priority, newest_wins, manual")
	syncRunCmd.Flags().IntVar(&syncMaxPages, "max-pages", 0,
		"Cap on pages per account (0 = unbounded)")

	syncCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", time.Hour,
		"Age beyond which a running run is considered stuck")

	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncCancelCmd)
	syncCmd.AddCommand(syncCleanupCmd)
}

func runSyncRun(cmd *cobra.Command, args []string) error {
	kind, err := types.ParseKind(args[0])
	if err != nil {
		return err
	}
	mode, err := types.ParseMode(syncMode)
	if err != nil {
		return err
	}
	strategy, err := types.ParseStrategy(syncStrategy)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	stack, err := buildStack(cfg, db, logger)
	if err != nil {
		return err
	}
	defer stack.close()

	runID, err := stack.svc.Start(context.Background(), syncsvc.StartParams{
		Kind:     kind,
		Account:  syncAccount,
		Mode:     mode,
		Strategy: strategy,
		MaxPages: syncMaxPages,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "run %s started\n", runID)

	run, err := waitForRun(ctx, stack.svc, runID)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), run); err != nil {
		return err
	}
	if run.Status != types.StatusCompleted {
		return fmt.Errorf("run finished with status %s", run.Status)
	}
	return nil
}

// waitForRun polls the run row until it turns terminal. A cancelled ctx
// requests cooperative cancellation and keeps waiting for the run to
// acknowledge it.
func waitForRun(ctx context.Context, svc *syncsvc.Service, runID string) (*types.Run, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	cancelRequested := false
	for {
		run, err := svc.Get(context.Background(), runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			if !cancelRequested {
				cancelRequested = true
				slog.Info("cancellation requested", "run_id", runID)
				if err := svc.Cancel(context.Background(), runID); err != nil {
					return nil, err
				}
			}
			time.Sleep(500 * time.Millisecond)
		case <-ticker.C:
		}
	}
}

func runSyncCancel(cmd *cobra.Command, args []string) error {
	runID := args[0]

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is already %s: %w", runID, run.Status, store.ErrInvalidState)
	}

	now := time.Now().UTC()
	duration := now.Sub(run.StartedAt).Seconds()
	if err := db.FinalizeRun(ctx, runID, types.StatusCancelled, now, duration, run.Errors, run.Warnings); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", runID)
	return nil
}

func runSyncCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	cutoff := time.Now().UTC().Add(-cleanupOlderThan)
	count, err := db.FailStuckRuns(context.Background(), cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "failed %d stuck run(s) older than %s\n", count, cleanupOlderThan)
	return nil
}

// printJSON marshals v to indented JSON and writes it to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
