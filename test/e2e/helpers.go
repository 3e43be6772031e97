// Package e2e exercises the assembled service: the HTTP API over a real
// SQLite store and a real marketplace client, pointed at a mock
// upstream that speaks the marketplace wire protocol.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/api"
	"github.com/ioko18/magflow-erp-sub002/internal/emag"
	"github.com/ioko18/magflow-erp-sub002/internal/store"
	syncsvc "github.com/ioko18/magflow-erp-sub002/internal/sync"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

const (
	testAPIKey   = "e2e-api-key"
	sessionToken = "e2e-session-token"
)

// --- Mock Upstream ---

// mockUpstream emulates the marketplace API: token auth, paginated
// listing endpoints, and the bulk offer save endpoint. Items are served
// from in-memory slices under a lock so tests can swap the catalog
// between runs.
type mockUpstream struct {
	srv *httptest.Server

	mu         sync.Mutex
	products   []map[string]any
	orders     []map[string]any
	captcha    bool
	authCalls  int
	readCalls  int
	saveBodies [][]byte
}

func newMockUpstream(t *testing.T) *mockUpstream {
	m := &mockUpstream{}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockUpstream) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/auth/token":
		m.handleAuth(w, r)
	case "/product_offer/read":
		m.handleList(w, r, func() []map[string]any { return m.products })
	case "/order/read":
		m.handleList(w, r, func() []map[string]any { return m.orders })
	case "/product_offer/save":
		m.handleSave(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *mockUpstream) handleAuth(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.authCalls++
	m.mu.Unlock()
	writeUpstreamJSON(w, map[string]any{"token": sessionToken, "expires_in": 3600})
}

func (m *mockUpstream) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+sessionToken {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func (m *mockUpstream) handleList(w http.ResponseWriter, r *http.Request, items func() []map[string]any) {
	if !m.authorized(w, r) {
		return
	}

	m.mu.Lock()
	captcha := m.captcha
	m.readCalls++
	all := items()
	m.mu.Unlock()

	if captcha {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "<html>captcha challenge - access denied</html>")
		return
	}

	var req struct {
		CurrentPage  int `json:"currentPage"`
		ItemsPerPage int `json:"itemsPerPage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CurrentPage < 1 || req.ItemsPerPage < 1 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	start := (req.CurrentPage - 1) * req.ItemsPerPage
	end := start + req.ItemsPerPage
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}

	writeUpstreamJSON(w, map[string]any{
		"isError":  false,
		"messages": []string{},
		"results":  all[start:end],
	})
}

func (m *mockUpstream) handleSave(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(w, r) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.saveBodies = append(m.saveBodies, body)
	m.mu.Unlock()
	writeUpstreamJSON(w, map[string]any{
		"isError":  false,
		"messages": []string{},
		"results":  []any{},
	})
}

func writeUpstreamJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(err)
	}
}

func (m *mockUpstream) setProducts(items []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = items
}

func (m *mockUpstream) setOrders(items []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = items
}

func (m *mockUpstream) setCaptcha(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captcha = on
}

func (m *mockUpstream) savedChunks() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.saveBodies...)
}

func productSKU(n int) string {
	return fmt.Sprintf("SKU-%04d", n)
}

// productCatalog generates n product items in the marketplace's wire
// shape.
func productCatalog(n int, modified, namePrefix string, price float64) []map[string]any {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"sku":         productSKU(i + 1),
			"name":        fmt.Sprintf("%s %d", namePrefix, i+1),
			"part_number": fmt.Sprintf("PN-%04d", i+1),
			"sale_price":  price,
			"modified":    modified,
		}
	}
	return items
}

// orderBook generates n order items in the marketplace's wire shape.
func orderBook(n int, date string) []map[string]any {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"id":       i + 1,
			"status":   4,
			"total":    99.90,
			"date":     date,
			"customer": map[string]any{"name": fmt.Sprintf("Customer %d", i+1)},
		}
	}
	return items
}

// --- Test Environment ---

type testEnv struct {
	t        *testing.T
	upstream *mockUpstream
	db       *store.SQLiteStore
	svc      *syncsvc.Service
	gate     *emag.CaptchaGate
	apiSrv   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	upstream := newMockUpstream(t)

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "magflow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate := emag.NewCaptchaGate()
	// Quotas high enough that throttling never slows a test down.
	limiter := emag.NewRateLimiter(map[emag.Category]emag.Limits{
		emag.CategoryOrders: {PerSecond: 1000, PerMinute: 60000},
		emag.CategoryOther:  {PerSecond: 1000, PerMinute: 60000},
	})

	client := emag.NewClient(emag.ClientConfig{
		Account:     "main",
		BaseURL:     upstream.srv.URL,
		Credentials: emag.Credentials{Username: "seller@example.com", Password: "secret"},
		HTTPClient:  upstream.srv.Client(),
		Limiter:     limiter,
		Gate:        gate,
		Logger:      logger,
		MaxAttempts: 2,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	})

	fetchers := map[string]syncsvc.AccountFetcher{
		"main": emag.NewPager(client, emag.PagerConfig{
			PageAttempts: 1,
			BackoffBase:  5 * time.Millisecond,
			Logger:       logger,
		}),
	}
	executors := map[string]syncsvc.Executor{"main": client}

	engineStore := syncsvc.WrapStore(db)
	tracker := syncsvc.NewTracker(nil, logger)
	orch := syncsvc.NewOrchestrator(engineStore, fetchers, tracker, logger, syncsvc.OrchestratorConfig{
		ItemsPerPage: 100,
		RunTimeout:   time.Minute,
	})
	svc := syncsvc.NewService(syncsvc.ServiceConfig{
		Store:     engineStore,
		Orch:      orch,
		Progress:  tracker,
		Executors: executors,
		Accounts:  []string{"main"},
		Logger:    logger,
	})

	handler := api.NewHandler(svc, db, gate, testAPIKey, "e2e")
	apiSrv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(apiSrv.Close)

	return &testEnv{
		t:        t,
		upstream: upstream,
		db:       db,
		svc:      svc,
		gate:     gate,
		apiSrv:   apiSrv,
	}
}

// request performs one authenticated API call and returns the status
// code and raw body.
func (env *testEnv) request(method, path string, payload any) (int, []byte) {
	env.t.Helper()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			env.t.Fatalf("marshal request payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.apiSrv.URL+path, body)
	if err != nil {
		env.t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := env.apiSrv.Client().Do(req)
	if err != nil {
		env.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		env.t.Fatalf("read response body: %v", err)
	}
	return res.StatusCode, raw
}

// startSync kicks off a run through the API and returns its ID.
func (env *testEnv) startSync(kind string, body map[string]any) string {
	env.t.Helper()

	status, raw := env.request(http.MethodPost, "/api/v1/sync/"+kind, body)
	if status != http.StatusAccepted {
		env.t.Fatalf("start %s sync: status %d, body %s", kind, status, raw)
	}
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.RunID == "" {
		env.t.Fatalf("start %s sync: bad response %s", kind, raw)
	}
	return resp.RunID
}

// waitForRun polls the run until it reaches a terminal state.
func (env *testEnv) waitForRun(runID string) *types.Run {
	env.t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		status, raw := env.request(http.MethodGet, "/api/v1/sync/runs/"+runID, nil)
		if status != http.StatusOK {
			env.t.Fatalf("get run %s: status %d, body %s", runID, status, raw)
		}
		var run types.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			env.t.Fatalf("decode run: %v", err)
		}
		if run.Status.Terminal() {
			return &run
		}
		time.Sleep(20 * time.Millisecond)
	}
	env.t.Fatalf("run %s did not finish in time", runID)
	return nil
}

// runSync starts a run and waits for it.
func (env *testEnv) runSync(kind string, body map[string]any) *types.Run {
	env.t.Helper()
	return env.waitForRun(env.startSync(kind, body))
}

func (env *testEnv) listProducts() []types.ProductRow {
	env.t.Helper()
	status, raw := env.request(http.MethodGet, "/api/v1/products?limit=1000", nil)
	if status != http.StatusOK {
		env.t.Fatalf("list products: status %d, body %s", status, raw)
	}
	var resp struct {
		Products []types.ProductRow `json:"products"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		env.t.Fatalf("decode products: %v", err)
	}
	return resp.Products
}

func (env *testEnv) health() (int, api.HealthResponse) {
	env.t.Helper()
	res, err := env.apiSrv.Client().Get(env.apiSrv.URL + "/api/v1/health")
	if err != nil {
		env.t.Fatalf("health: %v", err)
	}
	defer res.Body.Close()
	var h api.HealthResponse
	if err := json.NewDecoder(res.Body).Decode(&h); err != nil {
		env.t.Fatalf("decode health: %v", err)
	}
	return res.StatusCode, h
}
