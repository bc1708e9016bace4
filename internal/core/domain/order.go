package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusFulfilled  OrderStatus = "fulfilled"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// statusRank orders the forward path. Cancelled sits outside it.
var statusRank = map[OrderStatus]int{
	OrderStatusPending:    0,
	OrderStatusProcessing: 1,
	OrderStatusPaid:       2,
	OrderStatusFulfilled:  3,
}

func (s OrderStatus) Valid() bool {
	if s == OrderStatusCancelled {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFulfilled || s == OrderStatusCancelled
}

// CanTransition reports whether next is reachable from s. Moves go strictly
// forward along pending → processing → paid → fulfilled; cancelled is only
// reachable from pending or processing.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == OrderStatusCancelled {
		return s == OrderStatusPending || s == OrderStatusProcessing
	}
	return statusRank[next] > statusRank[s]
}

type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"` // minor units
}

func (i OrderItem) Subtotal() int64 {
	return int64(i.Quantity) * i.UnitPrice
}

type Order struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	Items         []OrderItem `json:"items"`
	Total         int64       `json:"total"`
	Status        OrderStatus `json:"status"`
	CorrelationID string      `json:"correlationId"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// NewOrder validates items and builds a pending order with its total computed.
func NewOrder(userID string, items []OrderItem, correlationID string, now time.Time) (Order, error) {
	if userID == "" {
		return Order{}, &ValidationError{Field: "userId", Reason: "is required"}
	}
	if len(items) == 0 {
		return Order{}, &ValidationError{Field: "items", Reason: "must not be empty"}
	}

	var total int64
	copied := make([]OrderItem, 0, len(items))
	for i, it := range items {
		if it.ProductID == "" {
			return Order{}, &ValidationError{Field: itemField(i, "productId"), Reason: "is required"}
		}
		if it.Quantity <= 0 {
			return Order{}, &ValidationError{Field: itemField(i, "quantity"), Reason: "must be greater than 0"}
		}
		if it.UnitPrice < 0 {
			return Order{}, &ValidationError{Field: itemField(i, "unitPrice"), Reason: "must not be negative"}
		}
		if it.UnitPrice > 0 && int64(it.Quantity) > math.MaxInt64/it.UnitPrice {
			return Order{}, &ValidationError{Field: itemField(i, "unitPrice"), Reason: "quantity times unitPrice overflows"}
		}
		sub := it.Subtotal()
		if total > math.MaxInt64-sub {
			return Order{}, &ValidationError{Field: "items", Reason: "total overflows"}
		}
		total += sub
		copied = append(copied, it)
	}

	now = now.UTC()
	return Order{
		ID:            "ord_" + uuid.NewString(),
		UserID:        userID,
		Items:         copied,
		Total:         total,
		Status:        OrderStatusPending,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// OrderRoom and UserRoom name the realtime rooms an order's updates go to.
func OrderRoom(orderID string) string { return "order_" + orderID }

func UserRoom(userID string) string { return "user_" + userID }
