package emag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// pageServer serves scripted listing pages keyed by currentPage.
type pageServer struct {
	mu        sync.Mutex
	pages     map[int]string // page number -> raw results body
	failPages map[int]int    // page number -> HTTP status to fail with
	requested []int
}

func (ps *pageServer) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPage  int `json:"currentPage"`
		ItemsPerPage int `json:"itemsPerPage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ps.mu.Lock()
	ps.requested = append(ps.requested, req.CurrentPage)
	status, failing := ps.failPages[req.CurrentPage]
	body, ok := ps.pages[req.CurrentPage]
	ps.mu.Unlock()

	if failing {
		w.WriteHeader(status)
		w.Write([]byte(`{"isError":true,"messages":["page unavailable"]}`))
		return
	}
	if !ok {
		body = "[]"
	}
	fmt.Fprintf(w, `{"isError":false,"messages":[],"results":%s}`, body)
}

func (ps *pageServer) pagesRequested() []int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]int(nil), ps.requested...)
}

func itemsBody(n int) string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf(`{"id":%d}`, i)
	}
	out := "["
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it
	}
	return out + "]"
}

func newTestPager(t *testing.T, ps *pageServer) *Pager {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/", ps.handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{
		Account: "main",
		BaseURL: srv.URL,
		Limiter: NewRateLimiter(map[Category]Limits{
			CategoryOrders: {PerSecond: 1000, PerMinute: 10000},
			CategoryOther:  {PerSecond: 1000, PerMinute: 10000},
		}),
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	return NewPager(client, PagerConfig{PageAttempts: 2, BackoffBase: time.Millisecond})
}

func TestPager_TerminatesOnShortPage(t *testing.T) {
	ps := &pageServer{pages: map[int]string{
		1: itemsBody(100),
		2: itemsBody(100),
		3: itemsBody(50),
		4: itemsBody(100), // must never be requested
	}}
	pager := newTestPager(t, ps)

	var pageNumbers []int
	var total int
	stats, err := pager.Fetch(context.Background(), ListRequest{Path: "product_offer/read", PerPage: 100}, func(ctx context.Context, p Page) error {
		pageNumbers = append(pageNumbers, p.Number)
		total += len(p.Items)
		return nil
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(pageNumbers) != 3 || pageNumbers[2] != 3 {
		t.Errorf("pages delivered = %v, want [1 2 3]", pageNumbers)
	}
	if total != 250 {
		t.Errorf("total items = %d, want 250", total)
	}
	if stats.Pages != 3 || stats.Skipped != 0 {
		t.Errorf("stats = %+v", stats)
	}
	for _, n := range ps.pagesRequested() {
		if n > 3 {
			t.Errorf("page %d requested after short page", n)
		}
	}
}

func TestPager_MaxPagesCap(t *testing.T) {
	ps := &pageServer{pages: map[int]string{
		1: itemsBody(10), 2: itemsBody(10), 3: itemsBody(10), 4: itemsBody(10),
	}}
	pager := newTestPager(t, ps)

	var delivered int
	_, err := pager.Fetch(context.Background(), ListRequest{Path: "product_offer/read", PerPage: 10, MaxPages: 2}, func(ctx context.Context, p Page) error {
		delivered++
		return nil
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if delivered != 2 {
		t.Errorf("pages delivered = %d, want 2", delivered)
	}
}

func TestPager_SkipsFailingPageAndContinues(t *testing.T) {
	ps := &pageServer{
		pages: map[int]string{
			1: itemsBody(10),
			2: itemsBody(10),
			3: itemsBody(5),
		},
		failPages: map[int]int{2: http.StatusUnprocessableEntity},
	}
	pager := newTestPager(t, ps)

	var pageNumbers []int
	stats, err := pager.Fetch(context.Background(), ListRequest{Path: "product_offer/read", PerPage: 10}, func(ctx context.Context, p Page) error {
		pageNumbers = append(pageNumbers, p.Number)
		return nil
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(pageNumbers) != 2 || pageNumbers[0] != 1 || pageNumbers[1] != 3 {
		t.Errorf("pages delivered = %v, want [1 3]", pageNumbers)
	}
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}
}

func TestPager_AbortsAfterConsecutiveSkips(t *testing.T) {
	ps := &pageServer{
		pages: map[int]string{1: itemsBody(10)},
		failPages: map[int]int{
			2: http.StatusUnprocessableEntity,
			3: http.StatusUnprocessableEntity,
			4: http.StatusUnprocessableEntity,
			5: http.StatusUnprocessableEntity,
		},
	}
	pager := newTestPager(t, ps)

	_, err := pager.Fetch(context.Background(), ListRequest{Path: "product_offer/read", PerPage: 10}, func(ctx context.Context, p Page) error {
		return nil
	})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Fetch error = %v, want ErrAborted", err)
	}
	for _, n := range ps.pagesRequested() {
		if n >= 5 {
			t.Errorf("page %d requested after circuit breaker tripped", n)
		}
	}
}

func TestPager_SkipCounterResetsOnSuccess(t *testing.T) {
	ps := &pageServer{
		pages: map[int]string{
			1: itemsBody(10),
			3: itemsBody(10),
			5: itemsBody(10),
			6: itemsBody(0),
		},
		failPages: map[int]int{
			2: http.StatusUnprocessableEntity,
			4: http.StatusUnprocessableEntity,
		},
	}
	pager := newTestPager(t, ps)

	stats, err := pager.Fetch(context.Background(), ListRequest{Path: "product_offer/read", PerPage: 10}, func(ctx context.Context, p Page) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Fetch: %v (interleaved failures must not trip the breaker)", err)
	}
	if stats.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", stats.Skipped)
	}
}

func TestPager_CallbackErrorAborts(t *testing.T) {
	ps := &pageServer{pages: map[int]string{1: itemsBody(10), 2: itemsBody(10)}}
	pager := newTestPager(t, ps)

	wantErr := errors.New("persistence exploded")
	_, err := pager.Fetch(context.Background(), ListRequest{Path: "product_offer/read", PerPage: 10}, func(ctx context.Context, p Page) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Fetch error = %v, want callback error", err)
	}
	for _, n := range ps.pagesRequested() {
		if n > 1 {
			t.Errorf("page %d requested after callback error", n)
		}
	}
}
