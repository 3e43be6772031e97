package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ioko18/magflow-erp-sub002/internal/store"
	syncsvc "github.com/ioko18/magflow-erp-sub002/internal/sync"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
	"github.com/ioko18/magflow-erp-sub002/internal/validation"
)

// StartSyncRequest is the POST /sync/{kind} body. All fields are
// optional; zero values fall back to the engine defaults.
type StartSyncRequest struct {
	Account  string `json:"account"`
	Mode     string `json:"mode"`
	Strategy string `json:"strategy"`
	MaxPages int    `json:"max_pages"`
}

// StartSync handles POST /api/v1/sync/{kind}. The run is accepted and
// executed asynchronously; poll the run resource for its outcome.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	kind, err := types.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		WriteProblem(w, r, http.StatusNotFound, "Unknown sync kind")
		return
	}

	var req StartSyncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
			return
		}
	}

	var c validation.Collector
	if req.Mode != "" {
		c.Add(validation.ValidateEnum("mode", req.Mode, []string{"full", "incremental", "selective"}))
	}
	if req.Strategy != "" {
		c.Add(validation.ValidateEnum("strategy", req.Strategy, []string{"upstream_priority", "local_priority", "newest_wins", "manual"}))
	}
	if req.MaxPages < 0 {
		c.Add(&validation.ValidationError{Field: "max_pages", Message: "must not be negative"})
	}
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	params := syncsvc.StartParams{
		Kind:     kind,
		Account:  req.Account,
		MaxPages: req.MaxPages,
	}
	if req.Mode != "" {
		params.Mode, _ = types.ParseMode(req.Mode)
	}
	if req.Strategy != "" {
		params.Strategy, _ = types.ParseStrategy(req.Strategy)
	}

	runID, err := h.svc.Start(r.Context(), params)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// ListRuns handles GET /api/v1/sync/runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Account: r.URL.Query().Get("account"),
	}
	if v := r.URL.Query().Get("kind"); v != "" {
		kind, err := types.ParseKind(v)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filter.Kind = kind
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status, err := types.ParseStatus(v)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	runs, err := h.svc.List(r.Context(), filter)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	if runs == nil {
		runs = []types.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /api/v1/sync/runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateULID("id", id); err != nil {
		WriteProblemWithErrors(w, r, "Invalid run ID", []validation.ValidationError{*err})
		return
	}

	run, err := h.svc.Get(r.Context(), id)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunProgress handles GET /api/v1/sync/runs/{id}/progress.
func (h *Handler) GetRunProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateULID("id", id); err != nil {
		WriteProblemWithErrors(w, r, "Invalid run ID", []validation.ValidationError{*err})
		return
	}

	progress, err := h.svc.Progress(r.Context(), id)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// CancelRun handles POST /api/v1/sync/runs/{id}/cancel. Cancelling a
// terminal run returns 409.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateULID("id", id); err != nil {
		WriteProblemWithErrors(w, r, "Invalid run ID", []validation.ValidationError{*err})
		return
	}

	if err := h.svc.Cancel(r.Context(), id); err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

// CleanupRequest is the POST /sync/cleanup body.
type CleanupRequest struct {
	OlderThanMinutes int `json:"older_than_minutes"`
}

// CleanupStuck handles POST /api/v1/sync/cleanup: finalize runs that a
// crashed process left marked running.
func (h *Handler) CleanupStuck(w http.ResponseWriter, r *http.Request) {
	req := CleanupRequest{OlderThanMinutes: 60}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
			return
		}
	}
	if req.OlderThanMinutes <= 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{
			{Field: "older_than_minutes", Message: "must be positive"},
		})
		return
	}

	count, err := h.svc.CleanupStuck(r.Context(), time.Duration(req.OlderThanMinutes)*time.Minute)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleaned": count})
}

// Unblock handles POST /api/v1/sync/unblock: the manual operator action
// that reopens the captcha gate.
func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	blocked, reason, _ := h.gate.Blocked()
	h.gate.Clear()
	if blocked {
		slog.Info("upstream block cleared by operator",
			"component", "api",
			"reason", reason,
		)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"was_blocked": blocked})
}
