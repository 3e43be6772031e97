package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

// Outcome classifies what Apply did with a record.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	OutcomeUnchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// tableFor maps a sync kind to its table and natural-key column.
func tableFor(kind types.Kind) (table, keyColumn string, err error) {
	switch kind {
	case types.KindProducts:
		return "products", "sku", nil
	case types.KindOrders:
		return "orders", "order_ref", nil
	}
	return "", "", fmt.Errorf("unknown record kind %q", kind)
}

// GetRecordMeta loads the sync-relevant columns of one local record.
func (s *SQLiteStore) GetRecordMeta(ctx context.Context, kind types.Kind, account, key string) (*types.RecordMeta, error) {
	table, keyCol, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, %s, account, upstream_modified_at, sync_status, sync_attempts
		FROM %s WHERE %s = ? AND account = ?
	`, keyCol, table, keyCol), key, account)
	return scanRecordMeta(row, kind, account, key)
}

// RecordBatch is one page-scoped transaction. Each Apply runs inside its
// own savepoint so a bad item rolls back alone and the rest of the page
// still commits.
type RecordBatch struct {
	tx      *sql.Tx
	kind    types.Kind
	account string
	table   string
	keyCol  string
	seq     int
	done    bool
}

// BeginRecordBatch opens a transaction for one page of records belonging
// to one (kind, account) pair.
func (s *SQLiteStore) BeginRecordBatch(ctx context.Context, kind types.Kind, account string) (*RecordBatch, error) {
	table, keyCol, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin record batch: %w", err)
	}
	return &RecordBatch{tx: tx, kind: kind, account: account, table: table, keyCol: keyCol}, nil
}

// Meta looks up a record's sync metadata within the batch transaction,
// so keys written earlier in the same page are visible.
func (b *RecordBatch) Meta(ctx context.Context, key string) (*types.RecordMeta, error) {
	row := b.tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, %s, account, upstream_modified_at, sync_status, sync_attempts
		FROM %s WHERE %s = ? AND account = ?
	`, b.keyCol, b.table, b.keyCol), key, b.account)
	return scanRecordMeta(row, b.kind, b.account, key)
}

// Apply upserts one record inside its own savepoint. When the record
// exists and overwrite is false, nothing is written and the outcome is
// OutcomeUnchanged. On error the savepoint is rolled back and the batch
// remains usable for the next item.
func (b *RecordBatch) Apply(ctx context.Context, rec types.Record, overwrite bool) (Outcome, error) {
	b.seq++
	sp := fmt.Sprintf("item_%d", b.seq)
	if _, err := b.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return 0, fmt.Errorf("open savepoint: %w", err)
	}

	outcome, err := b.apply(ctx, rec, overwrite)
	if err != nil {
		if _, rbErr := b.tx.ExecContext(ctx, "ROLLBACK TO "+sp); rbErr != nil {
			return 0, fmt.Errorf("rollback savepoint after %v: %w", err, rbErr)
		}
		if _, relErr := b.tx.ExecContext(ctx, "RELEASE "+sp); relErr != nil {
			return 0, fmt.Errorf("release savepoint after rollback: %w", relErr)
		}
		return 0, err
	}
	if _, err := b.tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return 0, fmt.Errorf("release savepoint: %w", err)
	}
	return outcome, nil
}

func (b *RecordBatch) apply(ctx context.Context, rec types.Record, overwrite bool) (Outcome, error) {
	if rec.Key == "" {
		return 0, errors.New("record has empty natural key")
	}

	var existingID string
	err := b.tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT id FROM %s WHERE %s = ? AND account = ?", b.table, b.keyCol,
	), rec.Key, b.account).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := b.insert(ctx, rec); err != nil {
			return 0, err
		}
		return OutcomeCreated, nil
	case err != nil:
		return 0, fmt.Errorf("look up record: %w", err)
	}

	if !overwrite {
		return OutcomeUnchanged, nil
	}
	if err := b.update(ctx, existingID, rec); err != nil {
		return 0, err
	}
	return OutcomeUpdated, nil
}

func (b *RecordBatch) insert(ctx context.Context, rec types.Record) error {
	now := formatTime(time.Now())
	cols, vals, err := extractColumns(b.kind, rec.Payload)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (id, %s, account, %s, %s, %s, upstream_modified_at,
			sync_status, synced_at, sync_attempts, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'synced', ?, 1, ?, ?, ?)
	`, b.table, b.keyCol, cols[0], cols[1], cols[2])
	_, err = b.tx.ExecContext(ctx, q,
		ulid.Make().String(), rec.Key, b.account, vals[0], vals[1], vals[2],
		formatTimePtr(rec.ModifiedAt), now, string(rec.Payload), now, now)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.Key, err)
	}
	return nil
}

func (b *RecordBatch) update(ctx context.Context, id string, rec types.Record) error {
	now := formatTime(time.Now())
	cols, vals, err := extractColumns(b.kind, rec.Payload)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`
		UPDATE %s SET %s = ?, %s = ?, %s = ?, upstream_modified_at = ?,
			sync_status = 'synced', synced_at = ?, sync_error = NULL,
			sync_attempts = sync_attempts + 1, payload = ?, updated_at = ?
		WHERE id = ?
	`, b.table, cols[0], cols[1], cols[2])
	_, err = b.tx.ExecContext(ctx, q,
		vals[0], vals[1], vals[2], formatTimePtr(rec.ModifiedAt),
		now, string(rec.Payload), now, id)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.Key, err)
	}
	return nil
}

// MarkRecordError records a sync failure against an existing record, outside
// any batch. Missing records are ignored: a record that failed before
// its first successful insert has no row to annotate.
func (s *SQLiteStore) MarkRecordError(ctx context.Context, kind types.Kind, account, key, message string) error {
	table, keyCol, err := tableFor(kind)
	if err != nil {
		return err
	}
	if len(message) > 500 {
		message = message[:500]
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET sync_status = 'error', sync_error = ?,
			sync_attempts = sync_attempts + 1, updated_at = ?
		WHERE %s = ? AND account = ?
	`, table, keyCol), message, formatTime(time.Now()), key, account)
	if err != nil {
		return fmt.Errorf("mark record error: %w", err)
	}
	return nil
}

// Commit commits the page transaction.
func (b *RecordBatch) Commit() error {
	if b.done {
		return nil
	}
	b.done = true
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("commit record batch: %w", err)
	}
	return nil
}

// Rollback abandons the page transaction. Safe after Commit.
func (b *RecordBatch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	return b.tx.Rollback()
}

// extractColumns pulls the typed display columns for a kind out of the
// raw payload. Unknown or missing fields default to zero values; the
// payload itself is stored verbatim regardless.
func extractColumns(kind types.Kind, payload json.RawMessage) ([3]string, [3]any, error) {
	switch kind {
	case types.KindProducts:
		var probe struct {
			Name       string  `json:"name"`
			PartNumber string  `json:"part_number"`
			SalePrice  float64 `json:"sale_price"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil {
			return [3]string{}, [3]any{}, fmt.Errorf("decode product payload: %w", err)
		}
		return [3]string{"name", "part_number", "price"},
			[3]any{probe.Name, probe.PartNumber, probe.SalePrice}, nil
	case types.KindOrders:
		var probe struct {
			Status   int `json:"status"`
			Customer struct {
				Name string `json:"name"`
			} `json:"customer"`
			Total float64 `json:"total"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil {
			return [3]string{}, [3]any{}, fmt.Errorf("decode order payload: %w", err)
		}
		return [3]string{"customer_name", "order_status", "total"},
			[3]any{probe.Customer.Name, probe.Status, probe.Total}, nil
	}
	return [3]string{}, [3]any{}, fmt.Errorf("unknown record kind %q", kind)
}

func scanRecordMeta(row *sql.Row, kind types.Kind, account, key string) (*types.RecordMeta, error) {
	var (
		meta     types.RecordMeta
		modified sql.NullString
	)
	err := row.Scan(&meta.ID, &meta.Key, &meta.Account, &modified, &meta.SyncStatus, &meta.SyncAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s record %s/%s: %w", kind, account, key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if meta.UpstreamModifiedAt, err = parseTimePtr(modified); err != nil {
		return nil, fmt.Errorf("parse upstream_modified_at: %w", err)
	}
	return &meta, nil
}
