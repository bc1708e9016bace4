package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/correlation"
	"github.com/rl1809/orderflow/internal/logging"
	"github.com/rl1809/orderflow/internal/metrics"
	"github.com/rl1809/orderflow/internal/port"
)

// ErrDuplicateRequest is returned when an idempotency key is bound to an order
// that is still being created by another request.
var ErrDuplicateRequest = errors.New("duplicate request")

// ErrNotScheduled is returned when an order was stored but its processOrder
// job could not be enqueued. The idempotency key stays bound, so a retry with
// the same key returns the stored order and schedules it again.
var ErrNotScheduled = errors.New("order stored but processing not scheduled")

const (
	// postCommitTimeout bounds the publish, enqueue and push work that follows
	// a committed write. That work does not inherit the caller's cancellation.
	postCommitTimeout    = 10 * time.Second
	maxTransitionRetries = 5
	defaultListLimit     = 20
	maxListLimit         = 100
)

type Deps struct {
	Orders      port.OrderRepository
	Publisher   port.EventPublisher
	Jobs        port.JobEnqueuer
	Notifier    port.StatusNotifier
	Idempotency port.IdempotencyStore // optional
	Sender      port.MessageSender
	OrderTopic  string
	Log         *logging.Logger
	Metrics     *metrics.Metrics
}

type OrderService struct {
	orders      port.OrderRepository
	publisher   port.EventPublisher
	jobs        port.JobEnqueuer
	notifier    port.StatusNotifier
	idempotency port.IdempotencyStore
	sender      port.MessageSender
	topic       string
	log         *logging.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewOrderService(d Deps) *OrderService {
	if d.OrderTopic == "" {
		d.OrderTopic = domain.TopicOrderEvents
	}
	return &OrderService{
		orders:      d.Orders,
		publisher:   d.Publisher,
		jobs:        d.Jobs,
		notifier:    d.Notifier,
		idempotency: d.Idempotency,
		sender:      d.Sender,
		topic:       d.OrderTopic,
		log:         d.Log,
		metrics:     d.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder validates and stores a pending order, announces it and schedules
// its processing. A non-empty idempotencyKey makes retries of the same request
// return the order created first.
func (s *OrderService) CreateOrder(ctx context.Context, userID string, items []domain.OrderItem, idempotencyKey string) (_ domain.Order, err error) {
	ctx, corrID := correlation.Ensure(ctx)
	log := s.log.Ctx(ctx)

	order, err := domain.NewOrder(userID, items, corrID, s.now())
	if err != nil {
		return domain.Order{}, err
	}

	if idempotencyKey != "" && s.idempotency != nil {
		key := userID + ":" + idempotencyKey
		boundID, fresh, rerr := s.idempotency.ReserveIdempotencyKey(ctx, key, order.ID)
		if rerr != nil {
			return domain.Order{}, fmt.Errorf("idempotency check failed: %w", rerr)
		}
		if !fresh {
			existing, gerr := s.orders.GetOrder(ctx, boundID)
			if errors.Is(gerr, domain.ErrNotFound) {
				return domain.Order{}, ErrDuplicateRequest
			}
			if gerr != nil {
				return domain.Order{}, gerr
			}
			if existing.Status == domain.OrderStatusPending {
				// may be a second job; processOrder skips steps already taken
				if serr := s.schedule(ctx, existing.ID); serr != nil {
					return domain.Order{}, serr
				}
			}
			return existing, nil
		}
		defer func() {
			if err != nil && !errors.Is(err, ErrNotScheduled) {
				if rerr := s.idempotency.ReleaseIdempotencyKey(context.WithoutCancel(ctx), key); rerr != nil {
					log.Warn("idempotency key not released", map[string]any{"err": rerr})
				}
			}
		}()
	}

	if err = s.orders.CreateOrder(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}
	s.metrics.Transition(string(order.Status))
	log.Info("order created", map[string]any{"order_id": order.ID, "user_id": userID, "total": order.Total})

	pctx, cancel := postCommit(ctx)
	defer cancel()
	s.emit(pctx, domain.EventOrderCreated, order.ID, domain.OrderCreatedPayload{
		UserID: order.UserID,
		Items:  order.Items,
		Total:  order.Total,
	})
	if err = s.schedule(pctx, order.ID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// schedule enqueues the processOrder job for a stored order.
func (s *OrderService) schedule(ctx context.Context, orderID string) error {
	if _, err := s.jobs.Enqueue(ctx, domain.JobProcessOrder, domain.ProcessOrderPayload{OrderID: orderID}); err != nil {
		s.log.Ctx(ctx).Error("processOrder not enqueued", map[string]any{"order_id": orderID, "err": err})
		return fmt.Errorf("%w: %v", ErrNotScheduled, err)
	}
	return nil
}

// postCommit returns a context for work that must follow a committed write
// even when the caller has gone away. It keeps ctx's values.
func postCommit(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), postCommitTimeout)
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return s.orders.GetOrder(ctx, orderID)
}

func (s *OrderService) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if userID == "" {
		return nil, &domain.ValidationError{Field: "userId", Reason: "is required"}
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.orders.ListOrdersByUser(ctx, userID, min(limit, maxListLimit))
}

// CancelOrder cancels an order on behalf of its owner. Orders owned by someone
// else are reported as not found.
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.UserID != userID {
		return domain.Order{}, domain.ErrNotFound
	}
	return s.Transition(ctx, orderID, domain.OrderStatusCancelled)
}

// Transition moves an order to next, then publishes order_status_changed and
// pushes the new status to live connections.
func (s *OrderService) Transition(ctx context.Context, orderID string, next domain.OrderStatus) (domain.Order, error) {
	for range maxTransitionRetries {
		order, err := s.orders.GetOrder(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		from := order.Status
		if !from.CanTransition(next) {
			return domain.Order{}, &domain.InvalidTransitionError{OrderID: orderID, From: from, To: next}
		}

		now := s.now()
		err = s.orders.UpdateStatus(ctx, orderID, from, next, now)
		if errors.Is(err, domain.ErrOptimisticLock) {
			continue
		}
		if err != nil {
			return domain.Order{}, fmt.Errorf("update status: %w", err)
		}

		order.Status = next
		order.UpdatedAt = now
		pctx, cancel := postCommit(ctx)
		s.afterTransition(pctx, order, from)
		cancel()
		return order, nil
	}
	return domain.Order{}, fmt.Errorf("transition %s to %s: %w", orderID, next, domain.ErrOptimisticLock)
}

func (s *OrderService) afterTransition(ctx context.Context, order domain.Order, from domain.OrderStatus) {
	s.metrics.Transition(string(order.Status))
	s.log.Ctx(ctx).Info("order status changed", map[string]any{
		"order_id": order.ID, "from": from, "to": order.Status,
	})

	s.emit(ctx, domain.EventOrderStatusChanged, order.ID, domain.StatusChangedPayload{
		UserID:    order.UserID,
		OldStatus: from,
		NewStatus: order.Status,
	})
	if s.notifier != nil {
		s.notifier.NotifyStatus(ctx, order)
	}
}

// emit publishes an event on the order topic. A failed publish is handed to
// the job queue as a publishEvent job instead of failing the caller.
func (s *OrderService) emit(ctx context.Context, eventType, orderID string, payload any) {
	log := s.log.Ctx(ctx)
	ev, err := domain.NewEvent(eventType, orderID, payload, correlation.ID(ctx))
	if err != nil {
		log.Error("event encode failed", map[string]any{"type": eventType, "order_id": orderID, "err": err})
		return
	}

	perr := s.publisher.Publish(ctx, s.topic, ev)
	if perr == nil {
		return
	}
	log.Warn("publish failed, deferring to job queue", map[string]any{"type": eventType, "order_id": orderID, "err": perr})

	if _, err := s.jobs.Enqueue(ctx, domain.JobPublishEvent, domain.PublishEventPayload{Topic: s.topic, Event: ev}); err != nil {
		log.Error("event lost: publish and enqueue both failed", map[string]any{
			"type": eventType, "order_id": orderID, "err": err,
		})
	}
}
