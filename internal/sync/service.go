package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/emag"
	"github.com/ioko18/magflow-erp-sub002/internal/store"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

// AccountAll requests a run across every configured account.
const AccountAll = "all"

var (
	// ErrUnknownAccount is returned when a start request names an
	// account with no configured credentials.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrInvalidState is returned when cancelling a run that is already
	// terminal.
	ErrInvalidState = store.ErrInvalidState
)

// StartParams are the caller-facing settings of a new run.
type StartParams struct {
	Kind     types.Kind
	Account  string
	Mode     types.Mode
	MaxPages int
	Strategy types.Strategy
	Filters  map[string]any
}

// Offer is one outbound price/stock update for the bulk push endpoint.
type Offer struct {
	SKU       string  `json:"sku"`
	SalePrice float64 `json:"sale_price"`
	Stock     int     `json:"stock"`
	Status    int     `json:"status"`
}

// Service is the orchestration trigger surface: it owns run lifecycles,
// the registry of in-process runs for cooperative cancellation, and the
// outbound offer push flow.
type Service struct {
	store     Store
	orch      *Orchestrator
	progress  *Tracker
	notifier  Notifier
	executors map[string]Executor
	accounts  []string
	log       *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	cancel    context.CancelFunc
	cancelled *atomic.Bool
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store     Store
	Orch      *Orchestrator
	Progress  *Tracker
	Notifier  Notifier
	Executors map[string]Executor
	Accounts  []string
	Logger    *slog.Logger
}

// NewService builds the trigger surface.
func NewService(cfg ServiceConfig) *Service {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		orch:      cfg.Orch,
		progress:  cfg.Progress,
		notifier:  notifier,
		executors: cfg.Executors,
		accounts:  cfg.Accounts,
		log:       log,
		active:    make(map[string]*activeRun),
	}
}

// resolveAccounts expands the account parameter into the concrete list.
func (s *Service) resolveAccounts(account string) ([]string, error) {
	if account == AccountAll || account == "" {
		return append([]string(nil), s.accounts...), nil
	}
	for _, a := range s.accounts {
		if a == account {
			return []string{account}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, account)
}

// Start creates the run row and launches the orchestrator on a
// background goroutine. The run is detached from the caller's context:
// an HTTP request ending must not kill its sync.
func (s *Service) Start(ctx context.Context, params StartParams) (string, error) {
	accounts, err := s.resolveAccounts(params.Account)
	if err != nil {
		return "", err
	}
	if params.Account == "" {
		params.Account = AccountAll
	}
	if params.Mode == "" {
		params.Mode = types.ModeFull
	}

	filters := params.Filters
	if params.Mode == types.ModeIncremental && filters == nil {
		if since := s.lastCompletedStart(ctx, params.Kind, params.Account); since != nil {
			filters = map[string]any{"modifiedAfter": since.Format("2006-01-02 15:04:05")}
		}
	}

	run := &types.Run{
		Kind:    params.Kind,
		Account: params.Account,
		Mode:    params.Mode,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cancelled := &atomic.Bool{}

	s.mu.Lock()
	s.active[run.ID] = &activeRun{cancel: cancel, cancelled: cancelled}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.active, run.ID)
			s.mu.Unlock()
		}()

		s.orch.Execute(runCtx, run, RunParams{
			Accounts:  accounts,
			Strategy:  params.Strategy,
			MaxPages:  params.MaxPages,
			Filters:   filters,
			cancelled: cancelled,
		})
		s.notifier.RunFinished(context.WithoutCancel(runCtx), run)
	}()

	return run.ID, nil
}

// lastCompletedStart finds the start time of the latest completed run
// for the same kind/account, used as the incremental watermark.
func (s *Service) lastCompletedStart(ctx context.Context, kind types.Kind, account string) *time.Time {
	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		Kind:    kind,
		Account: account,
		Status:  types.StatusCompleted,
		Limit:   1,
	})
	if err != nil || len(runs) == 0 {
		return nil
	}
	return &runs[0].StartedAt
}

// Get returns one run by ID.
func (s *Service) Get(ctx context.Context, runID string) (*types.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// List returns recent runs, newest first.
func (s *Service) List(ctx context.Context, filter store.RunFilter) ([]types.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// Progress returns the live projection for a running run, falling back
// to the run row when the projection is gone (run ended, or another
// process owns it).
func (s *Service) Progress(ctx context.Context, runID string) (*types.Progress, error) {
	if p, ok := s.progress.Get(runID); ok {
		return p, nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &types.Progress{
		RunID:     run.ID,
		Kind:      run.Kind,
		Account:   run.Account,
		Status:    run.Status,
		Counters:  run.Counters,
		UpdatedAt: run.StartedAt,
	}, nil
}

// Cancel requests cooperative cancellation of a running run. For runs
// owned by this process the flag is set and the context cancelled; the
// orchestrator finalizes as cancelled. Orphaned rows (a previous
// process crashed mid-run) are finalized directly. Cancelling a
// terminal run returns ErrInvalidState.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	ar, owned := s.active[runID]
	s.mu.Unlock()

	if owned {
		ar.cancelled.Store(true)
		ar.cancel()
		s.log.Info("sync run cancellation requested",
			"component", "sync",
			"run_id", runID,
		)
		return nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrInvalidState)
	}
	now := time.Now().UTC()
	return s.store.FinalizeRun(ctx, runID, types.StatusCancelled, now, now.Sub(run.StartedAt).Seconds(),
		[]types.RunError{{Message: "cancelled externally (run not owned by this process)", At: now}}, nil)
}

// CleanupStuck finalizes as failed every run still marked running that
// started more than olderThan ago.
func (s *Service) CleanupStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	count, err := s.store.FailStuckRuns(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.log.Warn("stuck runs cleaned up",
			"component", "sync",
			"count", count,
			"older_than", olderThan.String(),
		)
	}
	return count, nil
}

// ActiveRunIDs lists the runs currently owned by this process.
func (s *Service) ActiveRunIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// ValidateOffer is the pre-chunk predicate for outbound offers.
func ValidateOffer(o Offer) error {
	if o.SKU == "" {
		return errors.New("missing sku")
	}
	if o.SalePrice <= 0 {
		return errors.New("sale_price must be positive")
	}
	if o.Stock < 0 {
		return errors.New("stock must not be negative")
	}
	return nil
}

// PushOffers sends price/stock updates upstream in validated chunks.
func (s *Service) PushOffers(ctx context.Context, account string, offers []Offer, chunkSize int) (*emag.BulkReport, error) {
	exec, ok := s.executors[account]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	report, err := emag.SendBulk(ctx, offers, func(ctx context.Context, chunk []Offer) error {
		_, err := exec.Execute(ctx, http.MethodPost, "product_offer/save", nil, chunk)
		return err
	}, emag.BulkOptions[Offer]{
		ChunkSize: chunkSize,
		Delay:     500 * time.Millisecond,
		Validate:  ValidateOffer,
	})
	if err != nil {
		return report, err
	}
	s.log.Info("offer push finished",
		"component", "sync",
		"account", account,
		"submitted", report.Submitted,
		"invalid", report.Invalid,
		"failed", report.Failed,
	)
	return report, nil
}

// Shutdown waits for in-process runs to finish, up to the context
// deadline. Runs are not cancelled: restarts should let a page finish
// rather than waste its work.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
