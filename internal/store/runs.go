package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

const runColumns = `id, kind, account, mode, status, total_items, processed_items,
	created_items, updated_items, unchanged_items, failed_items, pages, requests,
	rate_limit_waits, started_at, completed_at, duration_seconds, errors, warnings`

// CreateRun inserts a new run row with status running. The run's ID and
// StartedAt are assigned here.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *types.Run) error {
	run.ID = ulid.Make().String()
	run.Status = types.StatusRunning
	run.StartedAt = time.Now().UTC()
	if run.Errors == nil {
		run.Errors = []types.RunError{}
	}
	if run.Warnings == nil {
		run.Warnings = []string{}
	}

	errsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("encode run errors: %w", err)
	}
	warnJSON, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("encode run warnings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, kind, account, mode, status, started_at, errors, warnings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, string(run.Kind), run.Account, string(run.Mode), string(run.Status),
		formatTime(run.StartedAt), string(errsJSON), string(warnJSON))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads one run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// RunFilter narrows ListRuns. Zero values mean "any".
type RunFilter struct {
	Kind    types.Kind
	Account string
	Status  types.Status
	Limit   int
}

// ListRuns returns recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]types.Run, error) {
	var where []string
	var args []any
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Account != "" {
		where = append(where, "account = ?")
		args = append(args, filter.Account)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	q := `SELECT ` + runColumns + ` FROM sync_runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// SaveRunCounters persists the live counters of a running run.
func (s *SQLiteStore) SaveRunCounters(ctx context.Context, id string, c types.Counters) error {
	var total any
	if c.Total != nil {
		total = *c.Total
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET total_items = ?, processed_items = ?, created_items = ?,
			updated_items = ?, unchanged_items = ?, failed_items = ?, pages = ?,
			requests = ?, rate_limit_waits = ?
		WHERE id = ?
	`, total, c.Processed, c.Created, c.Updated, c.Unchanged, c.Failed, c.Pages,
		c.Requests, c.RateLimitWaits, id)
	if err != nil {
		return fmt.Errorf("save run counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinalizeRun moves a running run to a terminal status exactly once.
// The WHERE guard enforces forward-only transitions: finalizing an
// already-terminal run returns ErrInvalidState.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, id string, status types.Status, completedAt time.Time, durationSeconds float64, errs []types.RunError, warnings []string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize to non-terminal status %q", status)
	}
	if errs == nil {
		errs = []types.RunError{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("encode run errors: %w", err)
	}
	warnJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("encode run warnings: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET status = ?, completed_at = ?, duration_seconds = ?,
			errors = ?, warnings = ?
		WHERE id = ? AND status = 'running'
	`, string(status), formatTime(completedAt), durationSeconds,
		string(errsJSON), string(warnJSON), id)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %s: %w", id, ErrInvalidState)
	}
	return nil
}

// FailStuckRuns finalizes every run still marked running that started
// before cutoff. Crashed processes leave such rows behind; this is the
// self-healing sweep. Returns the number of runs failed.
func (s *SQLiteStore) FailStuckRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at FROM sync_runs
		WHERE status = 'running' AND started_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("query stuck runs: %w", err)
	}

	type stuck struct {
		id        string
		startedAt time.Time
	}
	var found []stuck
	for rows.Next() {
		var id, started string
		if err := rows.Scan(&id, &started); err != nil {
			rows.Close()
			return 0, err
		}
		t, err := parseTime(started)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("parse started_at for run %s: %w", id, err)
		}
		found = append(found, stuck{id: id, startedAt: t})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var count int64
	for _, r := range found {
		runErr := types.RunError{
			Message: fmt.Sprintf("stuck run: still running %s after start, forcibly failed by maintenance sweep", now.Sub(r.startedAt).Round(time.Second)),
			At:      now,
		}
		err := s.FinalizeRun(ctx, r.id, types.StatusFailed, now, now.Sub(r.startedAt).Seconds(), []types.RunError{runErr}, nil)
		if err != nil {
			// A run that finished between the query and the update is
			// not stuck anymore; skip it.
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*types.Run, error) {
	var (
		run         types.Run
		kind        string
		mode        string
		status      string
		total       sql.NullInt64
		startedAt   string
		completedAt sql.NullString
		duration    sql.NullFloat64
		errsJSON    string
		warnJSON    string
	)
	err := row.Scan(&run.ID, &kind, &run.Account, &mode, &status, &total,
		&run.Counters.Processed, &run.Counters.Created, &run.Counters.Updated,
		&run.Counters.Unchanged, &run.Counters.Failed, &run.Counters.Pages,
		&run.Counters.Requests, &run.Counters.RateLimitWaits,
		&startedAt, &completedAt, &duration, &errsJSON, &warnJSON)
	if err != nil {
		return nil, err
	}

	run.Kind = types.Kind(kind)
	run.Mode = types.Mode(mode)
	run.Status = types.Status(status)
	if total.Valid {
		t := int(total.Int64)
		run.Counters.Total = &t
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if duration.Valid {
		run.DurationSeconds = &duration.Float64
	}
	if err := json.Unmarshal([]byte(errsJSON), &run.Errors); err != nil {
		return nil, fmt.Errorf("decode run errors: %w", err)
	}
	if err := json.Unmarshal([]byte(warnJSON), &run.Warnings); err != nil {
		return nil, fmt.Errorf("decode run warnings: %w", err)
	}
	return &run, nil
}
