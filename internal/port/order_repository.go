package port

import (
	"context"
	"time"

	"github.com/rl1809/orderflow/internal/core/domain"
)

type OrderRepository interface {
	// CreateOrder persists a new order and its items in one transaction
	CreateOrder(ctx context.Context, order domain.Order) error

	// GetOrder returns domain.ErrNotFound when the order does not exist
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)

	// ListOrdersByUser returns the user's orders, newest first
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)

	// UpdateStatus moves the order from `from` to `to` only if it is still in
	// `from`; returns domain.ErrOptimisticLock when it is not
	UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, at time.Time) error
}

// OrderReader is the read side used by collaborators that never mutate orders.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
}

// IdempotencyStore binds client-supplied idempotency keys to order ids.
type IdempotencyStore interface {
	// ReserveIdempotencyKey returns (orderID, true) when the key was free, or
	// the previously bound order id and false
	ReserveIdempotencyKey(ctx context.Context, key, orderID string) (string, bool, error)

	ReleaseIdempotencyKey(ctx context.Context, key string) error
}
