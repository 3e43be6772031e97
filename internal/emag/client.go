// Package emag implements the marketplace API client: dual-window rate
// limiting, a retrying request executor with response normalization, a
// paginated fetcher, and a bulk chunker for outbound pushes.
package emag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// Credentials identifies one upstream seller account.
type Credentials struct {
	Username string
	Password string
}

// ClientConfig configures a Client. Limiter and Gate are typically shared
// across all account clients in the process.
type ClientConfig struct {
	Account     string
	BaseURL     string
	Credentials Credentials
	HTTPClient  *http.Client
	Limiter     *RateLimiter
	Gate        *CaptchaGate
	Logger      *slog.Logger

	// MaxAttempts bounds total tries per logical call, first attempt
	// included.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Client executes single logical calls against one upstream account.
// Safe for concurrent use.
type Client struct {
	account   string
	baseURL   string
	creds     Credentials
	http      *http.Client
	limiter   *RateLimiter
	gate      *CaptchaGate
	log       *slog.Logger
	requests  atomic.Int64
	rateWaits atomic.Int64

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	sessionMu sync.Mutex
	token     string
	tokenExp  time.Time
}

// NewClient builds a Client, applying defaults for unset tuning knobs.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		account:     cfg.Account,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		creds:       cfg.Credentials,
		http:        cfg.HTTPClient,
		limiter:     cfg.Limiter,
		gate:        cfg.Gate,
		log:         cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.limiter == nil {
		c.limiter = NewRateLimiter(nil)
	}
	if c.gate == nil {
		c.gate = NewCaptchaGate()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 4
	}
	if c.backoffBase <= 0 {
		c.backoffBase = 500 * time.Millisecond
	}
	if c.backoffCap <= 0 {
		c.backoffCap = 8 * time.Second
	}
	return c
}

// Account returns the upstream account this client is bound to.
func (c *Client) Account() string { return c.account }

// RequestCount returns the number of HTTP exchanges issued, retries and
// re-authentications included.
func (c *Client) RequestCount() int64 { return c.requests.Load() }

// RateWaitCount returns the throttle waits this client incurred at the
// limiter. The limiter is usually shared across accounts; waits are
// attributed to the client that slept.
func (c *Client) RateWaitCount() int64 { return c.rateWaits.Load() }

// Gate exposes the shared captcha gate for status surfaces.
func (c *Client) Gate() *CaptchaGate { return c.gate }

// Execute performs one logical call: rate-limit acquisition, session
// management, the HTTP exchange, envelope normalization, and retries for
// the transient failure class. Terminal failures surface as
// *UpstreamError; a set captcha gate surfaces as ErrBlocked.
func (c *Client) Execute(ctx context.Context, method, path string, query url.Values, payload any) (*Response, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request payload: %w", err)
		}
		body = b
	}

	category := CategoryForPath(path)
	attempts := 0

	backoff := retry.NewExponential(c.backoffBase)
	backoff = retry.WithJitter(c.backoffBase/2, backoff)
	backoff = retry.WithCappedDuration(c.backoffCap, backoff)
	backoff = retry.WithMaxRetries(uint64(c.maxAttempts-1), backoff)

	var resp *Response
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if blocked, reason, _ := c.gate.Blocked(); blocked {
			return fmt.Errorf("%w: %s", ErrBlocked, reason)
		}
		waited, err := c.limiter.Acquire(ctx, category)
		c.rateWaits.Add(waited)
		if err != nil {
			return err
		}
		attempts++

		r, err := c.attempt(ctx, method, path, query, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			ue.Attempts = attempts
		}
		return nil, err
	}
	return resp, nil
}

// attempt performs one HTTP exchange and classifies the outcome.
// Transient failures come back wrapped in retry.RetryableError.
func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, body []byte) (*Response, error) {
	status, raw, err := c.exchange(ctx, method, path, query, body)
	if err != nil {
		c.log.Warn("upstream transport failure",
			"component", "emag",
			"account", c.account,
			"path", path,
			"error", err,
		)
		return nil, retry.RetryableError(fmt.Errorf("upstream transport: %w", err))
	}

	if status == http.StatusUnauthorized {
		// One re-authentication per attempt; a second 401 is terminal.
		c.log.Info("session expired, re-authenticating",
			"component", "emag",
			"account", c.account,
		)
		if err := c.reauthenticate(ctx); err != nil {
			return nil, err
		}
		status, raw, err = c.exchange(ctx, method, path, query, body)
		if err != nil {
			return nil, retry.RetryableError(fmt.Errorf("upstream transport: %w", err))
		}
		if status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: 401 after token refresh", ErrAuthFailed)
		}
	}

	if status == http.StatusTooManyRequests || status >= 500 {
		if status == http.StatusTooManyRequests {
			c.log.Warn("upstream rate limit hit",
				"component", "emag",
				"account", c.account,
				"path", path,
			)
		}
		return nil, retry.RetryableError(&UpstreamError{
			StatusCode: status,
			Messages:   []string{http.StatusText(status)},
			Raw:        truncateRaw(string(raw)),
		})
	}

	if !isJSONBody(raw) {
		if looksLikeCaptcha(string(raw)) || status == http.StatusForbidden {
			reason := fmt.Sprintf("captcha challenge from account %s (status %d)", c.account, status)
			c.gate.Block(reason)
			c.log.Error("captcha challenge detected, blocking all upstream calls",
				"component", "emag",
				"account", c.account,
				"status", status,
			)
			return nil, fmt.Errorf("%w: %s", ErrBlocked, reason)
		}
		c.log.Warn("non-JSON upstream response",
			"component", "emag",
			"account", c.account,
			"path", path,
			"status", status,
		)
		return nil, &UpstreamError{
			StatusCode: status,
			Messages:   []string{"non-JSON response"},
			Raw:        truncateRaw(string(raw)),
		}
	}

	resp, err := normalizeBody(raw, status)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		// Business 4xx (400/403/404/422): never retried.
		msgs := resp.Messages
		if len(msgs) == 0 {
			msgs = []string{http.StatusText(status)}
		}
		return nil, &UpstreamError{
			StatusCode: status,
			Messages:   msgs,
			Raw:        truncateRaw(string(raw)),
		}
	}
	if resp.Synthetic {
		c.log.Debug("upstream envelope missing error flag, wrapped",
			"component", "emag",
			"account", c.account,
			"path", path,
		)
	}
	return resp, nil
}

// exchange issues the raw HTTP call with the current session token.
func (c *Client) exchange(ctx context.Context, method, path string, query url.Values, body []byte) (int, []byte, error) {
	token, err := c.ensureSession(ctx)
	if err != nil {
		return 0, nil, err
	}

	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	c.requests.Add(1)
	res, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return res.StatusCode, raw, nil
}

// sessionSlack refreshes tokens slightly before their reported expiry.
const sessionSlack = 30 * time.Second

// ensureSession returns a valid session token, authenticating if the
// cached one is missing or near expiry.
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp.Add(-sessionSlack)) {
		return c.token, nil
	}
	return c.authenticateLocked(ctx)
}

// reauthenticate drops the cached token and establishes a new session.
func (c *Client) reauthenticate(ctx context.Context) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.token = ""
	_, err := c.authenticateLocked(ctx)
	return err
}

// authenticateLocked exchanges account credentials for a session token.
// Caller holds sessionMu.
func (c *Client) authenticateLocked(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username": c.creds.Username,
		"password": c.creds.Password,
	})
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.requests.Add(1)
	res, err := c.http.Do(req)
	if err != nil {
		return "", retry.RetryableError(fmt.Errorf("auth transport: %w", err))
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: auth endpoint returned %d", ErrAuthFailed, res.StatusCode)
	}

	var session struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &session); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if session.Token == "" {
		return "", fmt.Errorf("%w: empty token in auth response", ErrAuthFailed)
	}
	if session.ExpiresIn <= 0 {
		session.ExpiresIn = 3600
	}

	c.token = session.Token
	c.tokenExp = time.Now().Add(time.Duration(session.ExpiresIn) * time.Second)
	return c.token, nil
}
