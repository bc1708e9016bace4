package domain

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOptimisticLock    = errors.New("optimistic lock conflict")
	ErrPublish           = errors.New("publish failed")
	ErrAuthentication    = errors.New("authentication failed")
	ErrAuthorization     = errors.New("not authorized")
	ErrLeaseLost         = errors.New("job lease lost")
	ErrQueueClosed       = errors.New("job queue closed")
	ErrHubClosed         = errors.New("hub closed")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type InvalidTransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type PublishError struct {
	Topic     string
	EventType string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %s: %v", e.EventType, e.Topic, e.Err)
}

func (e *PublishError) Is(target error) bool { return target == ErrPublish }

func (e *PublishError) Unwrap() error { return e.Err }

func itemField(i int, name string) string {
	return "items[" + strconv.Itoa(i) + "]." + name
}
