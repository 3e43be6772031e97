// Package api is the HTTP surface: chi routes, bearer auth, RFC 7807
// problem responses, and the handlers fronting the sync engine and the
// synced-record read models.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/emag"
	"github.com/ioko18/magflow-erp-sub002/internal/store"
	syncsvc "github.com/ioko18/magflow-erp-sub002/internal/sync"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

// SyncService is the run-lifecycle surface the handlers drive.
// *sync.Service satisfies it.
type SyncService interface {
	Start(ctx context.Context, params syncsvc.StartParams) (string, error)
	Get(ctx context.Context, runID string) (*types.Run, error)
	List(ctx context.Context, filter store.RunFilter) ([]types.Run, error)
	Progress(ctx context.Context, runID string) (*types.Progress, error)
	Cancel(ctx context.Context, runID string) error
	CleanupStuck(ctx context.Context, olderThan time.Duration) (int64, error)
	PushOffers(ctx context.Context, account string, offers []syncsvc.Offer, chunkSize int) (*emag.BulkReport, error)
}

// RecordStore is the read-model surface for synced products and orders.
// *store.SQLiteStore satisfies it.
type RecordStore interface {
	ListProducts(ctx context.Context, filter store.RecordFilter) ([]types.ProductRow, error)
	GetProduct(ctx context.Context, sku, account string) (*types.ProductRow, error)
	ListOrders(ctx context.Context, filter store.RecordFilter) ([]types.OrderRow, error)
	GetOrder(ctx context.Context, ref, account string) (*types.OrderRow, error)
}

// Handler implements the API handlers
type Handler struct {
	svc     SyncService
	records RecordStore
	gate    *emag.CaptchaGate
	apiKey  string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(svc SyncService, records RecordStore, gate *emag.CaptchaGate, apiKey, version string) *Handler {
	return &Handler{
		svc:     svc,
		records: records,
		gate:    gate,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	UpstreamBlocked bool   `json:"upstream_blocked"`
	BlockedReason   string `json:"blocked_reason,omitempty"`
	BlockedAt       string `json:"blocked_at,omitempty"`
}

// Health returns the health status, including the captcha gate state so
// operators can see a block without grepping logs.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
	}
	if blocked, reason, at := h.gate.Blocked(); blocked {
		resp.Status = "degraded"
		resp.UpstreamBlocked = true
		resp.BlockedReason = reason
		resp.BlockedAt = at.Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
