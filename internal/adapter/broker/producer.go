// Package broker publishes and consumes domain events on Kafka.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/metrics"
)

const headerCorrelationID = "correlation_id"

var errProducerClosed = errors.New("producer closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes envelopes keyed by order id, so all events of one order land
// on the same partition.
type Producer struct {
	w       messageWriter
	timeout time.Duration
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

func NewProducer(brokers []string, timeout time.Duration, m *metrics.Metrics) *Producer {
	return newProducer(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           timeout,
	}, timeout, m)
}

func newProducer(w messageWriter, timeout time.Duration, m *metrics.Metrics) *Producer {
	return &Producer{w: w, timeout: timeout, metrics: m}
}

func (p *Producer) Publish(ctx context.Context, topic string, ev domain.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return &domain.PublishError{Topic: topic, EventType: ev.Type, Err: errProducerClosed}
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return &domain.PublishError{Topic: topic, EventType: ev.Type, Err: err}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(ev.OrderID),
		Value: b,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: headerCorrelationID, Value: []byte(ev.CorrelationID)},
		},
	})
	p.metrics.EventPublished(topic, err)
	if err != nil {
		return &domain.PublishError{Topic: topic, EventType: ev.Type, Err: err}
	}
	return nil
}

// Close flushes pending writes. Publishes after Close fail with a PublishError.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.w.Close()
}
