package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradewire/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ FillStore = (*SQLiteStore)(nil)

// ErrOrderNotFound is returned by GetOrder for an unknown order ID.
var ErrOrderNotFound = errors.New("store: order not found")

// SQLiteStore implements OrderStore and FillStore backed by a SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	asset       TEXT NOT NULL,
	type        TEXT NOT NULL,
	direction   TEXT NOT NULL,
	duration    TEXT NOT NULL,
	session     TEXT NOT NULL,
	quantity    INTEGER NOT NULL,
	limit_price REAL NOT NULL DEFAULT 0,
	stop_price  REAL NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS fills (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id   TEXT NOT NULL,
	account_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_account ON fills(account_id, at);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and applies
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order. Orders without an explicit status start as
// QUEUED.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == "" {
		return fmt.Errorf("store: order has no ID")
	}
	status := o.Status
	if status == "" {
		status = domain.StatusQueued
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, symbol, asset, type, direction, duration, session,
			quantity, limit_price, stop_price, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Symbol, o.Asset, o.Type, o.Direction, o.Duration, o.Session,
		o.Quantity, o.LimitPrice, o.StopPrice, status, now, now)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, asset, type, direction, duration, session,
			quantity, limit_price, stop_price, status
		FROM orders WHERE id = ?`, id)

	var o domain.Order
	err := row.Scan(&o.ID, &o.Symbol, &o.Asset, &o.Type, &o.Direction,
		&o.Duration, &o.Session, &o.Quantity, &o.LimitPrice, &o.StopPrice, &o.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w", id, err)
	}
	return &o, nil
}

// ListOrders returns all orders with the given status, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, asset, type, direction, duration, session,
			quantity, limit_price, stop_price, status
		FROM orders WHERE status = ? ORDER BY created_at DESC`, status)
	if err != nil {
		return nil, fmt.Errorf("listing %s orders: %w", status, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.Symbol, &o.Asset, &o.Type, &o.Direction,
			&o.Duration, &o.Session, &o.Quantity, &o.LimitPrice, &o.StopPrice, &o.Status); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateOrderStatus records a status transition for an order.
func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// FillStore implementation
// ---------------------------------------------------------------------------

// SaveFill inserts one order status event. When the order is known locally,
// its status is advanced in the same transaction.
func (s *SQLiteStore) SaveFill(ctx context.Context, f *domain.Fill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fills (order_id, account_id, status, at) VALUES (?, ?, ?, ?)`,
		f.OrderID, f.AccountID, f.Status, f.At.UnixMilli()); err != nil {
		return fmt.Errorf("inserting fill for order %s: %w", f.OrderID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		f.Status, time.Now().UnixMilli(), f.OrderID); err != nil {
		return fmt.Errorf("advancing order %s: %w", f.OrderID, err)
	}
	return tx.Commit()
}

// ListFills returns the most recent fills for an account, up to limit.
func (s *SQLiteStore) ListFills(ctx context.Context, accountID string, limit int) ([]domain.Fill, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, account_id, status, at
		FROM fills WHERE account_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing fills for %s: %w", accountID, err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var at int64
		if err := rows.Scan(&f.OrderID, &f.AccountID, &f.Status, &at); err != nil {
			return nil, err
		}
		f.At = time.UnixMilli(at)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}
