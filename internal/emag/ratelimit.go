package emag

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Category partitions endpoints for rate limiting. The marketplace grants
// order endpoints a higher quota than the rest of the API, so the two
// pools are tracked independently.
type Category string

const (
	CategoryOrders Category = "orders"
	CategoryOther  Category = "other"
)

// Limits holds the per-second and per-minute ceilings for one category.
type Limits struct {
	PerSecond int
	PerMinute int
}

// DefaultLimits mirrors the marketplace's documented quotas.
func DefaultLimits() map[Category]Limits {
	return map[Category]Limits{
		CategoryOrders: {PerSecond: 12, PerMinute: 720},
		CategoryOther:  {PerSecond: 3, PerMinute: 180},
	}
}

// CategoryForPath classifies an endpoint path into a rate-limit category.
func CategoryForPath(path string) Category {
	if strings.Contains(path, "order") {
		return CategoryOrders
	}
	return CategoryOther
}

const (
	secondWindow = time.Second
	minuteWindow = time.Minute
	maxJitter    = 100 * time.Millisecond
)

// bucket tracks admission timestamps for one category. Both windows are
// checked and appended under the same lock so an admission decision is
// atomic with respect to concurrent callers.
type bucket struct {
	mu     sync.Mutex
	limits Limits
	second []time.Time
	minute []time.Time
}

// RateLimiter enforces dual sliding-window quotas per category. It only
// delays callers; the sole failure mode is context cancellation while
// waiting. State is process-local and reset by restart.
type RateLimiter struct {
	buckets map[Category]*bucket
	waits   atomic.Int64

	// Injected for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rng   func(n int64) int64
}

// NewRateLimiter builds a limiter for the given category limits.
// Categories absent from the map fall back to CategoryOther's limits.
func NewRateLimiter(limits map[Category]Limits) *RateLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	buckets := make(map[Category]*bucket, len(limits))
	for cat, l := range limits {
		buckets[cat] = &bucket{limits: l}
	}
	return &RateLimiter{
		buckets: buckets,
		now:     time.Now,
		sleep:   sleepContext,
		rng:     rand.Int63n,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire blocks until a request slot is available in the given category.
// Returns the number of throttle sleeps this call performed, so callers
// sharing the limiter can attribute waits to themselves; the only error
// is context cancellation while waiting.
func (rl *RateLimiter) Acquire(ctx context.Context, cat Category) (int64, error) {
	b := rl.bucket(cat)
	var waited int64
	for {
		wait, ok := b.tryAdmit(rl.now())
		if ok {
			return waited, nil
		}
		waited++
		rl.waits.Add(1)
		// Jitter desynchronizes concurrent callers waking up on the
		// same window boundary.
		wait += time.Duration(rl.rng(int64(maxJitter)))
		if err := rl.sleep(ctx, wait); err != nil {
			return waited, err
		}
	}
}

// WaitCount returns the limiter-wide number of throttle waits since
// construction, across all callers.
func (rl *RateLimiter) WaitCount() int64 {
	return rl.waits.Load()
}

func (rl *RateLimiter) bucket(cat Category) *bucket {
	if b, ok := rl.buckets[cat]; ok {
		return b
	}
	return rl.buckets[CategoryOther]
}

// tryAdmit evicts expired entries and either records an admission or
// returns the minimum wait until one of the windows frees a slot.
func (b *bucket) tryAdmit(now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.second = evict(b.second, now, secondWindow)
	b.minute = evict(b.minute, now, minuteWindow)

	if len(b.second) < b.limits.PerSecond && len(b.minute) < b.limits.PerMinute {
		b.second = append(b.second, now)
		b.minute = append(b.minute, now)
		return 0, true
	}

	var wait time.Duration
	if len(b.second) >= b.limits.PerSecond {
		if w := secondWindow - now.Sub(b.second[0]); w > wait {
			wait = w
		}
	}
	if len(b.minute) >= b.limits.PerMinute {
		if w := minuteWindow - now.Sub(b.minute[0]); w > wait {
			wait = w
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait, false
}

// evict drops entries older than the window, preserving order.
func evict(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= window {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
