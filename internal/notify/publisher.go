// Package notify publishes run-lifecycle events to NATS so downstream
// ERP consumers (inventory, invoicing) can react to finished syncs
// without polling the API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ioko18/magflow-erp-sub002/internal/config"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

// natsConn is the slice of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// Publisher emits one event per finished run on
// "<prefix>.runs.<status>", so consumers can subscribe to a single
// status ("magflow.sync.runs.failed") or all of them with a wildcard.
type Publisher struct {
	conn   natsConn
	prefix string
}

// runEvent is the wire shape of a run-finished notification.
type runEvent struct {
	RunID           string           `json:"run_id"`
	Kind            types.Kind       `json:"kind"`
	Account         string           `json:"account"`
	Mode            types.Mode       `json:"mode"`
	Status          types.Status     `json:"status"`
	Counters        types.Counters   `json:"counters"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	DurationSeconds *float64         `json:"duration_seconds,omitempty"`
	Errors          []types.RunError `json:"errors,omitempty"`
}

// NewPublisher connects to the NATS server named in cfg.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("magflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}
	return &Publisher{conn: conn, prefix: cfg.SubjectPrefix}, nil
}

// RunFinished publishes the run's terminal state. Publish failures are
// logged and swallowed: notifications never fail a sync.
func (p *Publisher) RunFinished(_ context.Context, run *types.Run) {
	data, err := json.Marshal(runEvent{
		RunID:           run.ID,
		Kind:            run.Kind,
		Account:         run.Account,
		Mode:            run.Mode,
		Status:          run.Status,
		Counters:        run.Counters,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		DurationSeconds: run.DurationSeconds,
		Errors:          run.Errors,
	})
	if err != nil {
		slog.Error("run event marshal failed",
			"component", "notify",
			"run_id", run.ID,
			"error", err,
		)
		return
	}

	subject := fmt.Sprintf("%s.runs.%s", p.prefix, run.Status)
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Warn("run event publish failed",
			"component", "notify",
			"run_id", run.ID,
			"subject", subject,
			"error", err,
		)
		return
	}

	slog.Debug("run event published",
		"component", "notify",
		"run_id", run.ID,
		"subject", subject,
		"status", string(run.Status),
	)
}

// Close drains the connection, flushing any buffered events.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		slog.Warn("nats drain failed", "component", "notify", "error", err)
	}
}
