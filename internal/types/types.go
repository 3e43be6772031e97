// Package types holds the domain types shared between the store, the
// sync engine, and the API surface.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies what a sync run pulls from the marketplace.
type Kind string

const (
	KindProducts Kind = "products"
	KindOrders   Kind = "orders"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindProducts, KindOrders:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown sync kind %q", s)
}

// Mode selects how much of the catalog a run covers.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeSelective   Mode = "selective"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeIncremental, ModeSelective:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown sync mode %q", s)
}

// Status is the lifecycle state of a sync run. Transitions are
// forward-only: running moves to exactly one terminal state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusRunning, StatusCompleted, StatusPartial, StatusFailed, StatusCancelled, StatusTimeout:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

// Strategy is the closed set of conflict-resolution policies. A tagged
// enum rather than strings so switches over it are exhaustive.
type Strategy int

const (
	// StrategyUpstreamPriority always overwrites local data.
	StrategyUpstreamPriority Strategy = iota
	// StrategyLocalPriority never overwrites local data.
	StrategyLocalPriority
	// StrategyNewestWins overwrites only when the upstream record is
	// strictly newer; a missing timestamp on either side defaults to
	// overwrite.
	StrategyNewestWins
	// StrategyManual never overwrites; the record is flagged for human
	// review instead.
	StrategyManual
)

var strategyNames = map[Strategy]string{
	StrategyUpstreamPriority: "upstream_priority",
	StrategyLocalPriority:    "local_priority",
	StrategyNewestWins:       "newest_wins",
	StrategyManual:           "manual",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps a wire name to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	for strat, name := range strategyNames {
		if name == s {
			return strat, nil
		}
	}
	return 0, fmt.Errorf("unknown conflict strategy %q", s)
}

// Counters are the per-run progress statistics. Total stays nil while
// the upstream page count is unknown.
type Counters struct {
	Total          *int  `json:"total_items,omitempty"`
	Processed      int   `json:"processed_items"`
	Created        int   `json:"created_items"`
	Updated        int   `json:"updated_items"`
	Unchanged      int   `json:"unchanged_items"`
	Failed         int   `json:"failed_items"`
	Pages          int   `json:"pages"`
	Requests       int64 `json:"requests"`
	RateLimitWaits int64 `json:"rate_limit_waits"`
}

// RunError is one structured error entry recorded against a run.
type RunError struct {
	Account string    `json:"account,omitempty"`
	Page    int       `json:"page,omitempty"`
	Key     string    `json:"key,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Run is one execution of the sync engine: identity, configuration,
// counters, and lifecycle timestamps. The run row is the source of truth
// for final counts; Progress is only a live projection.
type Run struct {
	ID              string     `json:"id"`
	Kind            Kind       `json:"kind"`
	Account         string     `json:"account"`
	Mode            Mode       `json:"mode"`
	Status          Status     `json:"status"`
	Counters        Counters   `json:"counters"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	Errors          []RunError `json:"errors"`
	Warnings        []string   `json:"warnings"`
}

// Progress is the mutable live view of a running sync, owned by the
// orchestrator and dropped when the run ends.
type Progress struct {
	RunID          string    `json:"run_id"`
	Kind           Kind      `json:"kind"`
	Account        string    `json:"account"`
	Status         Status    `json:"status"`
	Counters       Counters  `json:"counters"`
	Percent        *float64  `json:"percent,omitempty"`
	ItemsPerSecond float64   `json:"items_per_second"`
	CurrentAccount string    `json:"current_account,omitempty"`
	CurrentPage    int       `json:"current_page"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Record is one decoded upstream item: its natural key, the upstream's
// reported modification time when present, and the raw payload kept
// verbatim for debugging.
type Record struct {
	Key        string
	ModifiedAt *time.Time
	Payload    json.RawMessage
}

// RecordMeta is the sync-relevant slice of a stored local record.
type RecordMeta struct {
	ID                 string
	Key                string
	Account            string
	UpstreamModifiedAt *time.Time
	SyncStatus         string
	SyncAttempts       int
}

// ProductRow is the read model for the products CRUD surface.
type ProductRow struct {
	SKU        string     `json:"sku"`
	Account    string     `json:"account"`
	Name       string     `json:"name"`
	PartNumber string     `json:"part_number"`
	Price      float64    `json:"price"`
	Stock      int        `json:"stock"`
	SyncStatus string     `json:"sync_status"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// OrderRow is the read model for the orders CRUD surface.
type OrderRow struct {
	Ref          string     `json:"ref"`
	Account      string     `json:"account"`
	CustomerName string     `json:"customer_name"`
	OrderStatus  int        `json:"order_status"`
	Total        float64    `json:"total"`
	SyncStatus   string     `json:"sync_status"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
