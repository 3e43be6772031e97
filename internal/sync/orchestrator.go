package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ioko18/magflow-erp-sub002/internal/emag"
	"github.com/ioko18/magflow-erp-sub002/internal/store"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

// maxErrorEntries bounds how many structured errors a run accumulates;
// past the cap only the failed counter grows.
const maxErrorEntries = 100

// errCancelled stops the page walk when cooperative cancellation was
// requested; it is translated into the cancelled status, never surfaced.
var errCancelled = errors.New("sync cancelled")

// OrchestratorConfig tunes run execution.
type OrchestratorConfig struct {
	ItemsPerPage int
	MaxPages     int
	RunTimeout   time.Duration
}

// RunParams carries the per-run settings decided by the caller.
type RunParams struct {
	Accounts []string
	Strategy types.Strategy
	MaxPages int
	Filters  map[string]any

	// cancelled is set by Service.Cancel; checked between pages and
	// between items. In-flight upstream calls finish on their own.
	cancelled *atomic.Bool
}

// Orchestrator executes one sync run across the configured accounts:
// pagination per account, conflict resolution per item, savepoint
// commits, progress updates, and exactly-once finalization.
type Orchestrator struct {
	store    Store
	fetchers map[string]AccountFetcher
	progress *Tracker
	log      *slog.Logger
	cfg      OrchestratorConfig
}

// NewOrchestrator builds an Orchestrator over the given account
// fetchers.
func NewOrchestrator(st Store, fetchers map[string]AccountFetcher, progress *Tracker, log *slog.Logger, cfg OrchestratorConfig) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ItemsPerPage <= 0 {
		cfg.ItemsPerPage = 100
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	return &Orchestrator{
		store:    st,
		fetchers: fetchers,
		progress: progress,
		log:      log,
		cfg:      cfg,
	}
}

// runState is the shared mutable state of one run, updated by the
// concurrent per-account tasks under its lock.
type runState struct {
	mu        sync.Mutex
	counters  types.Counters
	errs      []types.RunError
	warnings  []string
	perIO     map[string]ioDelta
	cancelled *atomic.Bool
}

type ioDelta struct {
	requests int64
	waits    int64
}

func (s *runState) isCancelled() bool {
	return s.cancelled != nil && s.cancelled.Load()
}

func (s *runState) recordError(account string, page int, key, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Failed++
	if len(s.errs) >= maxErrorEntries {
		return
	}
	if len(message) > 500 {
		message = message[:500]
	}
	s.errs = append(s.errs, types.RunError{
		Account: account,
		Page:    page,
		Key:     key,
		Message: message,
		At:      time.Now().UTC(),
	})
}

func (s *runState) warn(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, message)
}

// setIO refreshes one account's request/throttle deltas and recomputes
// the combined counters.
func (s *runState) setIO(account string, requests, waits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perIO[account] = ioDelta{requests: requests, waits: waits}
	var reqs, ws int64
	for _, d := range s.perIO {
		reqs += d.requests
		ws += d.waits
	}
	s.counters.Requests = reqs
	s.counters.RateLimitWaits = ws
}

func (s *runState) snapshot() (types.Counters, []types.RunError, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := append([]types.RunError(nil), s.errs...)
	warnings := append([]string(nil), s.warnings...)
	return s.counters, errs, warnings
}

type accountOutcome struct {
	account string
	err     error
}

// Execute drives the run to a terminal status and finalizes its row.
// The run row must already exist with status running. Returns the
// terminal status reached.
func (o *Orchestrator) Execute(ctx context.Context, run *types.Run, params RunParams) types.Status {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	state := &runState{
		perIO:     make(map[string]ioDelta),
		cancelled: params.cancelled,
	}

	o.log.Info("sync run started",
		"component", "sync",
		"run_id", run.ID,
		"kind", string(run.Kind),
		"accounts", params.Accounts,
		"mode", string(run.Mode),
		"strategy", params.Strategy.String(),
	)

	// Accounts are independent failure domains: each goroutine reports
	// its outcome instead of propagating an error, so one account's
	// abort never cancels the other's walk.
	outcomes := make([]accountOutcome, len(params.Accounts))
	g := new(errgroup.Group)
	for i, account := range params.Accounts {
		i, account := i, account
		g.Go(func() error {
			outcomes[i] = accountOutcome{
				account: account,
				err:     o.syncAccount(runCtx, run, account, params, state),
			}
			return nil
		})
	}
	g.Wait()

	status := o.decideStatus(runCtx, state, outcomes)
	o.finalize(ctx, run, status, state)
	return status
}

// decideStatus maps the run-level condition and per-account outcomes to
// the terminal status.
func (o *Orchestrator) decideStatus(runCtx context.Context, state *runState, outcomes []accountOutcome) types.Status {
	if state.isCancelled() {
		return types.StatusCancelled
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return types.StatusTimeout
	}

	succeeded, failed := 0, 0
	for _, out := range outcomes {
		if out.err != nil {
			failed++
			state.recordErrorRunLevel(out.account, out.err)
		} else {
			succeeded++
		}
	}
	switch {
	case failed == 0:
		return types.StatusCompleted
	case succeeded > 0:
		return types.StatusPartial
	default:
		return types.StatusFailed
	}
}

// recordErrorRunLevel records an account-level abort without touching
// the failed-items counter.
func (s *runState) recordErrorRunLevel(account string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) >= maxErrorEntries {
		return
	}
	s.errs = append(s.errs, types.RunError{
		Account: account,
		Message: fmt.Sprintf("account sync aborted: %v", err),
		At:      time.Now().UTC(),
	})
}

// finalize closes the run exactly once. The caller's context may
// already be dead (timeout, shutdown), so persistence runs on a fresh
// bounded context.
func (o *Orchestrator) finalize(ctx context.Context, run *types.Run, status types.Status, state *runState) {
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	duration := now.Sub(run.StartedAt).Seconds()
	if status == types.StatusTimeout {
		// Report the configured deadline, not however long the last
		// in-flight call took to drain.
		duration = o.cfg.RunTimeout.Seconds()
		now = run.StartedAt.Add(o.cfg.RunTimeout)
		state.recordErrorRunLevel("", fmt.Errorf("run exceeded the %s deadline", o.cfg.RunTimeout))
	}

	counters, errs, warnings := state.snapshot()
	total := counters.Processed + counters.Failed
	counters.Total = &total

	if err := o.store.SaveRunCounters(finCtx, run.ID, counters); err != nil {
		o.log.Error("failed to save final run counters",
			"component", "sync",
			"run_id", run.ID,
			"error", err,
		)
	}
	if err := o.store.FinalizeRun(finCtx, run.ID, status, now, duration, errs, warnings); err != nil {
		// ErrInvalidState here means an external actor (cancel API,
		// stuck-run sweep) finalized first; their verdict stands.
		if !errors.Is(err, store.ErrInvalidState) {
			o.log.Error("failed to finalize run",
				"component", "sync",
				"run_id", run.ID,
				"status", string(status),
				"error", err,
			)
		}
	}

	run.Status = status
	run.Counters = counters
	run.CompletedAt = &now
	run.DurationSeconds = &duration
	run.Errors = errs
	run.Warnings = warnings

	o.progress.Remove(finCtx, run.ID)

	o.log.Info("sync run finished",
		"component", "sync",
		"run_id", run.ID,
		"status", string(status),
		"processed", counters.Processed,
		"created", counters.Created,
		"updated", counters.Updated,
		"unchanged", counters.Unchanged,
		"failed", counters.Failed,
		"pages", counters.Pages,
		"duration_s", duration,
	)
}

// syncAccount walks one account's pages sequentially. Returns nil when
// the walk finished (item-level failures included), an error when the
// account's fetch aborted.
func (o *Orchestrator) syncAccount(ctx context.Context, run *types.Run, account string, params RunParams, state *runState) error {
	fetcher, ok := o.fetchers[account]
	if !ok {
		return fmt.Errorf("no fetcher configured for account %q", account)
	}

	baseRequests := fetcher.RequestCount()
	baseWaits := fetcher.RateWaitCount()

	maxPages := params.MaxPages
	if maxPages <= 0 {
		maxPages = o.cfg.MaxPages
	}
	req := emag.ListRequest{
		Path:     listPath(run.Kind),
		Filters:  params.Filters,
		PerPage:  o.cfg.ItemsPerPage,
		MaxPages: maxPages,
	}

	start := time.Now()
	_, err := fetcher.Fetch(ctx, req, func(ctx context.Context, page emag.Page) error {
		if state.isCancelled() {
			return errCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.processPage(ctx, run, account, page, params.Strategy, state); err != nil {
			return err
		}
		state.setIO(account, fetcher.RequestCount()-baseRequests, fetcher.RateWaitCount()-baseWaits)
		o.publishProgress(ctx, run, account, page.Number, start, state)
		return nil
	})
	if err != nil {
		if errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Run-level condition, not an account failure.
			return nil
		}
		o.log.Error("account sync aborted",
			"component", "sync",
			"run_id", run.ID,
			"account", account,
			"error", err,
		)
		return err
	}
	return nil
}

// processPage applies one page of items through the conflict resolver
// into a savepoint-per-item batch. Item failures are recorded and
// skipped; only batch-level persistence failures abort the page.
func (o *Orchestrator) processPage(ctx context.Context, run *types.Run, account string, page emag.Page, strategy types.Strategy, state *runState) error {
	batch, err := o.store.BeginRecordBatch(ctx, run.Kind, account)
	if err != nil {
		return fmt.Errorf("begin batch for page %d: %w", page.Number, err)
	}
	defer batch.Rollback()

	type itemFailure struct {
		key     string
		message string
	}
	var created, updated, unchanged int
	var failures []itemFailure
	for _, raw := range page.Items {
		if state.isCancelled() {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}

		rec, err := decodeRecord(run.Kind, raw)
		if err != nil {
			state.recordError(account, page.Number, "", err.Error())
			continue
		}

		overwrite := true
		meta, err := batch.Meta(ctx, rec.Key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			meta = nil
		case err != nil:
			state.recordError(account, page.Number, rec.Key, fmt.Sprintf("lookup: %v", err))
			failures = append(failures, itemFailure{key: rec.Key, message: fmt.Sprintf("lookup: %v", err)})
			continue
		}
		if meta != nil {
			overwrite = ShouldOverwrite(meta, rec, strategy)
			if strategy == types.StrategyManual {
				o.log.Info("record held for manual review",
					"component", "sync",
					"run_id", run.ID,
					"account", account,
					"key", rec.Key,
				)
			}
		}

		outcome, err := batch.Apply(ctx, rec, overwrite)
		if err != nil {
			state.recordError(account, page.Number, rec.Key, err.Error())
			failures = append(failures, itemFailure{key: rec.Key, message: err.Error()})
			continue
		}
		switch outcome {
		case store.OutcomeCreated:
			created++
		case store.OutcomeUpdated:
			updated++
		case store.OutcomeUnchanged:
			unchanged++
		}
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit page %d: %w", page.Number, err)
	}

	// Annotate failed items only after the page commits: the row may
	// predate this batch, and the annotation must survive the item's
	// savepoint rollback. Records that failed before their first insert
	// have no row to annotate.
	for _, f := range failures {
		if err := o.store.MarkRecordError(ctx, run.Kind, account, f.key, f.message); err != nil {
			o.log.Warn("failed to annotate record sync error",
				"component", "sync",
				"run_id", run.ID,
				"account", account,
				"key", f.key,
				"error", err,
			)
		}
	}

	state.mu.Lock()
	state.counters.Created += created
	state.counters.Updated += updated
	state.counters.Unchanged += unchanged
	state.counters.Processed += created + updated + unchanged
	state.counters.Pages++
	state.mu.Unlock()
	return nil
}

// publishProgress persists the live counters and refreshes the tracker
// projection after each page.
func (o *Orchestrator) publishProgress(ctx context.Context, run *types.Run, account string, pageNum int, start time.Time, state *runState) {
	counters, _, _ := state.snapshot()
	if err := o.store.SaveRunCounters(ctx, run.ID, counters); err != nil {
		o.log.Warn("failed to persist run counters",
			"component", "sync",
			"run_id", run.ID,
			"page", pageNum,
			"error", err,
		)
	}

	elapsed := time.Since(start).Seconds()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(counters.Processed) / elapsed
	}
	var percent *float64
	if counters.Total != nil && *counters.Total > 0 {
		p := float64(counters.Processed) / float64(*counters.Total) * 100
		percent = &p
	}
	o.progress.Update(ctx, types.Progress{
		RunID:          run.ID,
		Kind:           run.Kind,
		Account:        run.Account,
		Status:         types.StatusRunning,
		Counters:       counters,
		Percent:        percent,
		ItemsPerSecond: throughput,
		CurrentAccount: account,
		CurrentPage:    pageNum,
	})
}
