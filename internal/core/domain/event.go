package domain

import (
	"encoding/json"
	"time"
)

const (
	TopicOrderEvents     = "order-events"
	TopicPaymentEvents   = "payment-events"
	TopicInventoryEvents = "inventory-events"
)

// Event types carried on order-events.
const (
	EventOrderCreated         = "order_created"
	EventOrderStatusChanged   = "order_status_changed"
	EventOrderCancelRequested = "order_cancel_requested"
	EventOrderShipped         = "order_shipped"
	EventJobFailed            = "job_failed"
)

// Event types carried on payment-events.
const (
	EventPaymentProcessed = "payment_processed"
	EventPaymentFailed    = "payment_failed"
)

// Event types carried on inventory-events.
const (
	EventInventoryReserved   = "inventory_reserved"
	EventInventoryOutOfStock = "inventory_out_of_stock"
)

// KnownEventTypes lists every event type each topic may carry.
var KnownEventTypes = map[string][]string{
	TopicOrderEvents: {
		EventOrderCreated,
		EventOrderStatusChanged,
		EventOrderCancelRequested,
		EventOrderShipped,
		EventJobFailed,
	},
	TopicPaymentEvents: {
		EventPaymentProcessed,
		EventPaymentFailed,
	},
	TopicInventoryEvents: {
		EventInventoryReserved,
		EventInventoryOutOfStock,
	},
}

// Event is the broker envelope. Topic, Partition and Offset are set by the
// consumer from the broker and are never serialized.
type Event struct {
	Type          string          `json:"type"`
	OrderID       string          `json:"orderId"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`

	Topic     string `json:"-"`
	Partition int    `json:"-"`
	Offset    int64  `json:"-"`
}

// NewEvent marshals payload into an envelope stamped with the current time.
func NewEvent(eventType, orderID string, payload any, correlationID string) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:          eventType,
		OrderID:       orderID,
		Payload:       raw,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// DedupeKey identifies an event for idempotent handling.
func (e Event) DedupeKey() string {
	return e.Type + ":" + e.OrderID
}

type OrderCreatedPayload struct {
	UserID string      `json:"userId"`
	Items  []OrderItem `json:"items"`
	Total  int64       `json:"total"`
}

type StatusChangedPayload struct {
	UserID    string      `json:"userId"`
	OldStatus OrderStatus `json:"oldStatus"`
	NewStatus OrderStatus `json:"newStatus"`
}

type PaymentPayload struct {
	Amount int64  `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type JobFailedPayload struct {
	JobID    string `json:"jobId"`
	JobType  string `json:"jobType"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// StatusUpdate is the order_status push sent to realtime clients.
type StatusUpdate struct {
	OrderID   string      `json:"orderId"`
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}
