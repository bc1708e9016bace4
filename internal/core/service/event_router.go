package service

import (
	"context"
	"encoding/json"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/logging"
)

type eventHandler func(ctx context.Context, ev domain.Event) error

// EventRouter dispatches consumed events by topic and type. Redelivered
// events are absorbed twice over: a bounded window of recently applied
// (type, order) pairs, and the status machine rejecting repeated moves.
type EventRouter struct {
	svc     *OrderService
	routes  map[string]map[string]eventHandler
	aliases map[string]string
	seen    *lru.Cache[string, struct{}]
	log     *logging.Logger
}

type RouterOptions struct {
	DedupeSize int

	// Deployed topic names, when they differ from the canonical ones.
	OrderTopic     string
	PaymentTopic   string
	InventoryTopic string
}

func NewEventRouter(svc *OrderService, opts RouterOptions, log *logging.Logger) (*EventRouter, error) {
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 10000
	}
	seen, err := lru.New[string, struct{}](opts.DedupeSize)
	if err != nil {
		return nil, err
	}

	aliases := make(map[string]string)
	for name, canonical := range map[string]string{
		opts.OrderTopic:     domain.TopicOrderEvents,
		opts.PaymentTopic:   domain.TopicPaymentEvents,
		opts.InventoryTopic: domain.TopicInventoryEvents,
	} {
		if name != "" {
			aliases[name] = canonical
		}
	}

	r := &EventRouter{svc: svc, seen: seen, aliases: aliases, log: log}
	r.routes = map[string]map[string]eventHandler{
		domain.TopicOrderEvents: {
			domain.EventOrderCreated:         r.ignore,
			domain.EventOrderStatusChanged:   r.ignore,
			domain.EventOrderCancelRequested: r.transitionTo(domain.OrderStatusCancelled),
			domain.EventOrderShipped:         r.transitionTo(domain.OrderStatusFulfilled),
			domain.EventJobFailed:            r.jobFailed,
		},
		domain.TopicPaymentEvents: {
			domain.EventPaymentProcessed: r.transitionTo(domain.OrderStatusPaid),
			domain.EventPaymentFailed:    r.transitionTo(domain.OrderStatusCancelled),
		},
		domain.TopicInventoryEvents: {
			domain.EventInventoryReserved:   r.transitionTo(domain.OrderStatusProcessing),
			domain.EventInventoryOutOfStock: r.inventoryOutOfStock,
		},
	}
	return r, nil
}

// Handle applies one event. Errors returned are transient and ask for
// redelivery; everything else is logged and acknowledged.
func (r *EventRouter) Handle(ctx context.Context, ev domain.Event) error {
	log := r.log.Ctx(ctx).With(map[string]any{
		"topic": ev.Topic, "type": ev.Type, "order_id": ev.OrderID, "offset": ev.Offset,
	})

	topic := ev.Topic
	if canonical, ok := r.aliases[topic]; ok {
		topic = canonical
	}
	h, ok := r.routes[topic][ev.Type]
	if !ok {
		log.Warn("unroutable event dropped", nil)
		return nil
	}

	key := ev.DedupeKey()
	if r.seen.Contains(key) {
		log.Debug("duplicate event skipped", nil)
		return nil
	}

	err := h(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidTransition):
		log.Info("event already applied or superseded", map[string]any{"reason": err})
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("event for unknown order dropped", nil)
		return nil
	case errors.Is(err, domain.ErrValidation):
		log.Warn("invalid event dropped", map[string]any{"err": err})
		return nil
	default:
		return err
	}

	r.seen.Add(key, struct{}{})
	return nil
}

func (r *EventRouter) transitionTo(next domain.OrderStatus) eventHandler {
	return func(ctx context.Context, ev domain.Event) error {
		if ev.OrderID == "" {
			return &domain.ValidationError{Field: "orderId", Reason: "is required"}
		}
		_, err := r.svc.Transition(ctx, ev.OrderID, next)
		return err
	}
}

func (r *EventRouter) inventoryOutOfStock(ctx context.Context, ev domain.Event) error {
	var p domain.InventoryPayload
	_ = decodePayload(ev, &p)
	r.log.Ctx(ctx).Info("inventory unavailable, cancelling order", map[string]any{
		"order_id": ev.OrderID, "reason": p.Reason, "lines": len(p.Lines),
	})
	return r.transitionTo(domain.OrderStatusCancelled)(ctx, ev)
}

func (r *EventRouter) jobFailed(ctx context.Context, ev domain.Event) error {
	var p domain.JobFailedPayload
	if err := decodePayload(ev, &p); err != nil {
		return &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	r.log.Ctx(ctx).Error("background job dead-lettered", map[string]any{
		"order_id": ev.OrderID, "job_id": p.JobID, "job_type": p.JobType, "attempts": p.Attempts, "err": p.Error,
	})
	return nil
}

func (r *EventRouter) ignore(context.Context, domain.Event) error { return nil }

// Routes lists the event types handled per topic.
func (r *EventRouter) Routes() map[string][]string {
	out := make(map[string][]string, len(r.routes))
	for topic, handlers := range r.routes {
		for typ := range handlers {
			out[topic] = append(out[topic], typ)
		}
	}
	return out
}

func decodePayload(ev domain.Event, v any) error {
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(ev.Payload, v)
}
