package emag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrAborted is returned when too many consecutive pages failed and the
// account's fetch was cut short to stop burning quota on a degraded
// upstream.
var ErrAborted = errors.New("fetch aborted after consecutive page failures")

// maxConsecutiveSkips is the page-level circuit breaker threshold.
const maxConsecutiveSkips = 3

// ListRequest describes a paginated listing walk.
type ListRequest struct {
	Path    string
	Filters map[string]any
	PerPage int
	// MaxPages caps the walk; zero means unbounded.
	MaxPages int
}

// Page is one fetched page, items in upstream order.
type Page struct {
	Number int
	Items  []json.RawMessage
}

// FetchStats summarizes one fetch walk.
type FetchStats struct {
	Pages   int
	Skipped int
	Items   int
}

// Pager walks a page-based listing endpoint through a Client. Each page
// is handed to the callback before the next one is requested, so the
// sequence is lazy and non-restartable; a fresh walk means a fresh call.
//
// Termination relies on the upstream's only signal: a page shorter than
// the requested size. A short page caused by upstream filtering rather
// than exhaustion will under-fetch; the upstream contract gives us
// nothing better to key on.
type Pager struct {
	client *Client
	log    *slog.Logger

	// pageAttempts is the per-page try budget layered above the client's
	// own retries. Deliberately smaller: the client has already retried
	// the transient class before a page attempt fails.
	pageAttempts int
	backoffBase  time.Duration
}

// PagerConfig tunes a Pager.
type PagerConfig struct {
	PageAttempts int
	BackoffBase  time.Duration
	Logger       *slog.Logger
}

// NewPager builds a Pager over the given client.
func NewPager(client *Client, cfg PagerConfig) *Pager {
	p := &Pager{
		client:       client,
		log:          cfg.Logger,
		pageAttempts: cfg.PageAttempts,
		backoffBase:  cfg.BackoffBase,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.pageAttempts <= 0 {
		p.pageAttempts = 2
	}
	if p.backoffBase <= 0 {
		p.backoffBase = time.Second
	}
	return p
}

// RequestCount reports the underlying client's HTTP exchange count.
func (p *Pager) RequestCount() int64 { return p.client.RequestCount() }

// RateWaitCount reports the underlying client's own throttle waits.
func (p *Pager) RateWaitCount() int64 { return p.client.RateWaitCount() }

// Fetch walks all pages of the listing, invoking fn for each page. A page
// that keeps failing after its retry budget is recorded as skipped and
// the walk advances; maxConsecutiveSkips skipped pages in a row abort the
// walk with ErrAborted. A callback error aborts immediately.
func (p *Pager) Fetch(ctx context.Context, req ListRequest, fn func(context.Context, Page) error) (*FetchStats, error) {
	if req.PerPage <= 0 {
		req.PerPage = 100
	}

	stats := &FetchStats{}
	consecutiveSkips := 0

	for pageNum := 1; req.MaxPages == 0 || pageNum <= req.MaxPages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		items, err := p.fetchPage(ctx, req, pageNum)
		if err != nil {
			if errors.Is(err, ErrBlocked) || ctx.Err() != nil {
				// Captcha gate and cancellation are walk-terminal, not
				// page-local.
				return stats, err
			}
			stats.Skipped++
			consecutiveSkips++
			p.log.Warn("page skipped after retries",
				"component", "emag",
				"account", p.client.Account(),
				"path", req.Path,
				"page", pageNum,
				"consecutive_skips", consecutiveSkips,
				"error", err,
			)
			if consecutiveSkips >= maxConsecutiveSkips {
				return stats, fmt.Errorf("%w: %d pages in a row (last: %v)", ErrAborted, consecutiveSkips, err)
			}
			continue
		}
		consecutiveSkips = 0
		stats.Pages++
		stats.Items += len(items)

		if err := fn(ctx, Page{Number: pageNum, Items: items}); err != nil {
			return stats, err
		}

		if len(items) < req.PerPage {
			// Short page: the upstream's only last-page signal.
			break
		}
	}
	return stats, nil
}

// fetchPage requests one page, retrying within the page-level budget.
func (p *Pager) fetchPage(ctx context.Context, req ListRequest, pageNum int) ([]json.RawMessage, error) {
	payload := make(map[string]any, len(req.Filters)+2)
	for k, v := range req.Filters {
		payload[k] = v
	}
	payload["currentPage"] = pageNum
	payload["itemsPerPage"] = req.PerPage

	backoff := retry.NewExponential(p.backoffBase)
	backoff = retry.WithJitter(p.backoffBase/2, backoff)
	backoff = retry.WithMaxRetries(uint64(p.pageAttempts-1), backoff)

	var items []json.RawMessage
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := p.client.Execute(ctx, http.MethodPost, req.Path, nil, payload)
		if err != nil {
			if errors.Is(err, ErrBlocked) {
				return err
			}
			// The client has exhausted its own transient budget by the
			// time an error reaches here; one more page-level round is
			// the circuit-breaker allowance.
			return retry.RetryableError(err)
		}
		items, err = resp.Items()
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
