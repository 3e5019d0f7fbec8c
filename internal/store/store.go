// Package store persists market data and order state: ticks and bar history
// in Parquet files, orders and fills in SQLite.
package store

import (
	"context"
	"time"

	"tradewire/internal/domain"
)

// TickStore persists time-and-sales prints captured from the stream.
type TickStore interface {
	// WriteTicks persists a batch of ticks.
	WriteTicks(ctx context.Context, ticks []domain.Tick) error

	// ReadTicks returns ticks for the symbol within [start, end].
	ReadTicks(ctx context.Context, symbol string, start, end time.Time) ([]domain.Tick, error)
}

// BarStore persists OHLCV history.
type BarStore interface {
	// WriteBars persists a batch of bars.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the symbol within [start, end].
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all symbols with stored history.
	ListSymbols(ctx context.Context) ([]string, error)
}

// OrderStore persists order records and their status transitions.
type OrderStore interface {
	// SaveOrder inserts a new order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns all orders with the given status, newest first.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// UpdateOrderStatus records a status transition for an order.
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error
}

// FillStore persists account-activity order events from the stream.
type FillStore interface {
	// SaveFill inserts one order status event.
	SaveFill(ctx context.Context, fill *domain.Fill) error

	// ListFills returns the most recent fills for an account, up to limit.
	ListFills(ctx context.Context, accountID string, limit int) ([]domain.Fill, error)
}
