package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

const (
	JobProcessOrder     = "processOrder"
	JobSendNotification = "sendNotification"
	JobPublishEvent     = "publishEvent"
)

type Job struct {
	ID            string
	Type          string
	Payload       json.RawMessage
	Status        JobStatus
	Attempts      int
	MaxAttempts   int
	RunAt         time.Time
	CorrelationID string
	LastError     string
	LeaseToken    string
	LeaseExpires  time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ProcessOrderPayload struct {
	OrderID string `json:"orderId"`
}

type NotificationPayload struct {
	UserID  string `json:"userId"`
	OrderID string `json:"orderId"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// PublishEventPayload carries an envelope whose first publish attempt failed.
type PublishEventPayload struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

type EnqueueOptions struct {
	Delay         time.Duration
	MaxAttempts   int
	CorrelationID string
}

type EnqueueOption func(*EnqueueOptions)

// WithDelay postpones the job's first visibility.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) { o.Delay = d }
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(o *EnqueueOptions) { o.MaxAttempts = n }
}

// WithCorrelationID overrides the correlation id taken from the context.
func WithCorrelationID(id string) EnqueueOption {
	return func(o *EnqueueOptions) { o.CorrelationID = id }
}
