package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

// RecordFilter narrows the CRUD read queries.
type RecordFilter struct {
	Account    string
	SyncStatus string
	Limit      int
}

// ListProducts returns synced product rows, most recently updated first.
func (s *SQLiteStore) ListProducts(ctx context.Context, filter RecordFilter) ([]types.ProductRow, error) {
	q := `SELECT sku, account, name, part_number, price, stock, sync_status, synced_at, updated_at
		FROM products WHERE 1=1`
	var args []any
	if filter.Account != "" {
		q += " AND account = ?"
		args = append(args, filter.Account)
	}
	if filter.SyncStatus != "" {
		q += " AND sync_status = ?"
		args = append(args, filter.SyncStatus)
	}
	q += " ORDER BY updated_at DESC, sku ASC LIMIT ?"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []types.ProductRow
	for rows.Next() {
		var (
			p        types.ProductRow
			syncedAt sql.NullString
			updated  string
		)
		if err := rows.Scan(&p.SKU, &p.Account, &p.Name, &p.PartNumber, &p.Price, &p.Stock, &p.SyncStatus, &syncedAt, &updated); err != nil {
			return nil, err
		}
		if p.SyncedAt, err = parseTimePtr(syncedAt); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProduct returns one product row by natural key.
func (s *SQLiteStore) GetProduct(ctx context.Context, sku, account string) (*types.ProductRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sku, account, name, part_number, price, stock, sync_status, synced_at, updated_at
		FROM products WHERE sku = ? AND account = ?
	`, sku, account)

	var (
		p        types.ProductRow
		syncedAt sql.NullString
		updated  string
	)
	err := row.Scan(&p.SKU, &p.Account, &p.Name, &p.PartNumber, &p.Price, &p.Stock, &p.SyncStatus, &syncedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s/%s: %w", account, sku, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if p.SyncedAt, err = parseTimePtr(syncedAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListOrders returns synced order rows, most recently updated first.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter RecordFilter) ([]types.OrderRow, error) {
	q := `SELECT order_ref, account, customer_name, order_status, total, sync_status, synced_at, updated_at
		FROM orders WHERE 1=1`
	var args []any
	if filter.Account != "" {
		q += " AND account = ?"
		args = append(args, filter.Account)
	}
	if filter.SyncStatus != "" {
		q += " AND sync_status = ?"
		args = append(args, filter.SyncStatus)
	}
	q += " ORDER BY updated_at DESC, order_ref ASC LIMIT ?"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []types.OrderRow
	for rows.Next() {
		var (
			o        types.OrderRow
			syncedAt sql.NullString
			updated  string
		)
		if err := rows.Scan(&o.Ref, &o.Account, &o.CustomerName, &o.OrderStatus, &o.Total, &o.SyncStatus, &syncedAt, &updated); err != nil {
			return nil, err
		}
		if o.SyncedAt, err = parseTimePtr(syncedAt); err != nil {
			return nil, err
		}
		if o.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOrder returns one order row by natural key.
func (s *SQLiteStore) GetOrder(ctx context.Context, ref, account string) (*types.OrderRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_ref, account, customer_name, order_status, total, sync_status, synced_at, updated_at
		FROM orders WHERE order_ref = ? AND account = ?
	`, ref, account)

	var (
		o        types.OrderRow
		syncedAt sql.NullString
		updated  string
	)
	err := row.Scan(&o.Ref, &o.Account, &o.CustomerName, &o.OrderStatus, &o.Total, &o.SyncStatus, &syncedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s/%s: %w", account, ref, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if o.SyncedAt, err = parseTimePtr(syncedAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &o, nil
}
