package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/core/queue"
)

// JobHandlers maps every job type to its processor.
func (s *OrderService) JobHandlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		domain.JobProcessOrder:     s.ProcessOrder,
		domain.JobSendNotification: s.SendNotification,
		domain.JobPublishEvent:     s.PublishEvent,
	}
}

// ProcessOrder drives an order through processing to fulfilled. Steps the
// order has already passed are skipped, so a re-run after a crash does not
// apply anything twice. The fulfilment notification is enqueued at least once:
// a retry that finds the order already fulfilled enqueues it again.
func (s *OrderService) ProcessOrder(ctx context.Context, job domain.Job) error {
	var p domain.ProcessOrderPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("bad processOrder payload: %w", err)
	}
	if p.OrderID == "" {
		return errors.New("processOrder payload missing orderId")
	}
	log := s.log.Ctx(ctx).With(map[string]any{"order_id": p.OrderID, "job_id": job.ID})

	var fulfilled *domain.Order
	for _, next := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusFulfilled} {
		order, err := s.Transition(ctx, p.OrderID, next)
		switch {
		case err == nil:
			if next == domain.OrderStatusFulfilled {
				fulfilled = &order
			}
		case errors.Is(err, domain.ErrInvalidTransition):
			log.Debug("processing step skipped", map[string]any{"to": next, "reason": err})
		case errors.Is(err, domain.ErrNotFound):
			log.Warn("order for processOrder job not found", nil)
			return nil
		default:
			return err
		}
	}

	if fulfilled == nil && job.Attempts > 1 {
		// an earlier attempt may have fulfilled the order without enqueueing
		// the notification; enqueueing it here can duplicate it
		order, err := s.orders.GetOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderStatusFulfilled {
			fulfilled = &order
		}
	}
	if fulfilled == nil {
		return nil
	}
	_, err := s.jobs.Enqueue(ctx, domain.JobSendNotification, domain.NotificationPayload{
		UserID:  fulfilled.UserID,
		OrderID: fulfilled.ID,
		Subject: "Your order has been fulfilled",
		Body:    fmt.Sprintf("Order %s is fulfilled.", fulfilled.ID),
	})
	if err != nil {
		log.Error("sendNotification not enqueued", map[string]any{"err": err})
		return fmt.Errorf("enqueue sendNotification: %w", err)
	}
	return nil
}

func (s *OrderService) SendNotification(ctx context.Context, job domain.Job) error {
	var p domain.NotificationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("bad sendNotification payload: %w", err)
	}
	if s.sender == nil {
		return errors.New("no message sender configured")
	}
	return s.sender.Send(ctx, p)
}

// PublishEvent republishes an event whose first publish failed.
func (s *OrderService) PublishEvent(ctx context.Context, job domain.Job) error {
	var p domain.PublishEventPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("bad publishEvent payload: %w", err)
	}
	if p.Topic == "" {
		p.Topic = s.topic
	}
	return s.publisher.Publish(ctx, p.Topic, p.Event)
}
