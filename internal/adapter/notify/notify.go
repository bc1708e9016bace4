// Package notify holds out-of-band message senders and identity verifiers
// that do not need a backing service.
package notify

import (
	"context"
	"errors"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/logging"
)

// LogSender records notifications in the service log instead of delivering
// them. It stands in for an email or push provider.
type LogSender struct {
	log *logging.Logger
}

func NewLogSender(log *logging.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, msg domain.NotificationPayload) error {
	if msg.UserID == "" {
		return errors.New("notification without recipient")
	}
	s.log.Ctx(ctx).Info("notification sent", map[string]any{
		"user_id":  msg.UserID,
		"order_id": msg.OrderID,
		"subject":  msg.Subject,
	})
	return nil
}

// StaticVerifier resolves tokens from a fixed table.
type StaticVerifier map[string]string

func (v StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	userID, ok := v[token]
	if !ok || userID == "" {
		return "", domain.ErrAuthentication
	}
	return userID, nil
}
