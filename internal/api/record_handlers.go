package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ioko18/magflow-erp-sub002/internal/store"
	syncsvc "github.com/ioko18/magflow-erp-sub002/internal/sync"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
	"github.com/ioko18/magflow-erp-sub002/internal/validation"
)

// recordFilter reads the shared list-query parameters.
func recordFilter(r *http.Request) (store.RecordFilter, *validation.ValidationError) {
	filter := store.RecordFilter{
		Account:    r.URL.Query().Get("account"),
		SyncStatus: r.URL.Query().Get("sync_status"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, &validation.ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		filter.Limit = n
	}
	return filter, nil
}

// ListProducts handles GET /api/v1/products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	filter, verr := recordFilter(r)
	if verr != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*verr})
		return
	}

	products, err := h.records.ListProducts(r.Context(), filter)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	if products == nil {
		products = []types.ProductRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

// GetProduct handles GET /api/v1/products/{sku}. The account query
// parameter is required: the same SKU exists once per seller account.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	account := r.URL.Query().Get("account")

	var c validation.Collector
	c.Add(validation.ValidateSKU("sku", sku))
	c.Add(validation.ValidateRequired("account", account))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	product, err := h.records.GetProduct(r.Context(), sku, account)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// ListOrders handles GET /api/v1/orders.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter, verr := recordFilter(r)
	if verr != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*verr})
		return
	}

	orders, err := h.records.ListOrders(r.Context(), filter)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	if orders == nil {
		orders = []types.OrderRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// GetOrder handles GET /api/v1/orders/{ref}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	account := r.URL.Query().Get("account")

	var c validation.Collector
	c.Add(validation.ValidateRequired("ref", ref))
	c.Add(validation.ValidateRequired("account", account))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	order, err := h.records.GetOrder(r.Context(), ref, account)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// PushOffersRequest is the POST /offers/push body.
type PushOffersRequest struct {
	Account   string         `json:"account"`
	ChunkSize int            `json:"chunk_size"`
	Offers    []syncsvc.Offer `json:"offers"`
}

// PushOffers handles POST /api/v1/offers/push: outbound price/stock
// updates sent upstream in validated chunks.
func (h *Handler) PushOffers(w http.ResponseWriter, r *http.Request) {
	var req PushOffersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	var c validation.Collector
	c.Add(validation.ValidateRequired("account", req.Account))
	if len(req.Offers) == 0 {
		c.Add(&validation.ValidationError{Field: "offers", Message: "must not be empty"})
	}
	if req.ChunkSize < 0 {
		c.Add(&validation.ValidationError{Field: "chunk_size", Message: "must not be negative"})
	}
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	report, err := h.svc.PushOffers(r.Context(), req.Account, req.Offers, req.ChunkSize)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
