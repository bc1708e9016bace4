package port

import (
	"context"

	"github.com/rl1809/orderflow/internal/core/domain"
)

type EventPublisher interface {
	// Publish returns nil once the broker has accepted the event, otherwise a
	// *domain.PublishError
	Publish(ctx context.Context, topic string, event domain.Event) error
}

// EventHandler handles one delivered event. Returning an error asks the
// consumer to redeliver it.
type EventHandler func(ctx context.Context, event domain.Event) error

// StatusNotifier pushes order status changes to live connections.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, order domain.Order)
}

// MessageSender delivers out-of-band messages such as email.
type MessageSender interface {
	Send(ctx context.Context, msg domain.NotificationPayload) error
}

// IdentityVerifier resolves a bearer credential to a user id, returning
// domain.ErrAuthentication when it does not resolve.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}
