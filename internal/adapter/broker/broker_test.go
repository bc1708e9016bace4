package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/logging"
	"github.com/rl1809/orderflow/internal/metrics"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// fakeReader hands out queued messages and blocks once they run out.
type fakeReader struct {
	mu        sync.Mutex
	queue     chan kafka.Message
	committed []kafka.Message
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{queue: make(chan kafka.Message, len(msgs)+8)}
	for _, m := range msgs {
		r.queue <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.queue:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

func envelope(t *testing.T, topic string, offset int64, ev domain.Event) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Topic: topic, Offset: offset, Key: []byte(ev.OrderID), Value: b}
}

func mustEvent(t *testing.T, eventType, orderID string, payload any, correlationID string) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(eventType, orderID, payload, correlationID)
	require.NoError(t, err)
	return ev
}

func TestProducer_PublishKeysByOrder(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, time.Second, metrics.Nop())

	ev := mustEvent(t, domain.EventOrderCreated, "ord_1", map[string]int{"total": 1300}, "corr-1")
	require.NoError(t, p.Publish(context.Background(), domain.TopicOrderEvents, ev))

	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, domain.TopicOrderEvents, m.Topic)
	assert.Equal(t, "ord_1", string(m.Key))
	assert.Equal(t, "corr-1", string(m.Headers[0].Value))

	var got domain.Event
	require.NoError(t, json.Unmarshal(m.Value, &got))
	assert.Equal(t, domain.EventOrderCreated, got.Type)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestProducer_WriteFailureIsPublishError(t *testing.T) {
	p := newProducer(&fakeWriter{err: errors.New("broker down")}, time.Second, metrics.Nop())

	err := p.Publish(context.Background(), domain.TopicOrderEvents, mustEvent(t, domain.EventOrderCreated, "ord_1", nil, "c"))
	assert.ErrorIs(t, err, domain.ErrPublish)

	var pe *domain.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.TopicOrderEvents, pe.Topic)
}

func TestProducer_ClosedRejectsPublish(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, time.Second, metrics.Nop())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, w.closed)

	err := p.Publish(context.Background(), domain.TopicOrderEvents, mustEvent(t, domain.EventOrderCreated, "ord_1", nil, "c"))
	assert.ErrorIs(t, err, domain.ErrPublish)
	assert.Empty(t, w.msgs)
}

func TestConsumer_CommitsAfterHandler(t *testing.T) {
	ev := mustEvent(t, domain.EventPaymentProcessed, "ord_1", nil, "corr-9")
	r := newFakeReader(envelope(t, domain.TopicPaymentEvents, 7, ev))
	c := newConsumer(r, ConsumerOptions{MaxBackoff: 10 * time.Millisecond}, logging.Nop(), metrics.Nop())

	got := make(chan domain.Event, 1)
	require.NoError(t, c.Subscribe(func(ctx context.Context, ev domain.Event) error {
		got <- ev
		return nil
	}))

	select {
	case ev := <-got:
		assert.Equal(t, domain.TopicPaymentEvents, ev.Topic)
		assert.Equal(t, int64(7), ev.Offset)
		assert.Equal(t, "corr-9", ev.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	require.Eventually(t, func() bool { return len(r.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
	assert.True(t, r.closed)
}

func TestConsumer_RetriesUntilHandlerSucceeds(t *testing.T) {
	ev := mustEvent(t, domain.EventInventoryReserved, "ord_2", nil, "c")
	r := newFakeReader(envelope(t, domain.TopicInventoryEvents, 1, ev))
	c := newConsumer(r, ConsumerOptions{MaxBackoff: 5 * time.Millisecond}, logging.Nop(), metrics.Nop())

	var mu sync.Mutex
	calls := 0
	require.NoError(t, c.Subscribe(func(ctx context.Context, ev domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			// not committed yet
			assert.Empty(t, r.commits())
			return errors.New("store unavailable")
		}
		return nil
	}))

	require.Eventually(t, func() bool { return len(r.commits()) == 1 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestConsumer_MalformedIsCommittedAndSkipped(t *testing.T) {
	good := mustEvent(t, domain.EventPaymentFailed, "ord_3", nil, "c")
	r := newFakeReader(
		kafka.Message{Topic: domain.TopicPaymentEvents, Offset: 1, Value: []byte("{not json")},
		envelope(t, domain.TopicPaymentEvents, 2, good),
	)
	c := newConsumer(r, ConsumerOptions{}, logging.Nop(), metrics.Nop())

	handled := make(chan string, 2)
	require.NoError(t, c.Subscribe(func(ctx context.Context, ev domain.Event) error {
		handled <- ev.Type
		return nil
	}))

	select {
	case typ := <-handled:
		assert.Equal(t, domain.EventPaymentFailed, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	require.Eventually(t, func() bool { return len(r.commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
}

func TestConsumer_StopWaitsForInFlightHandler(t *testing.T) {
	ev := mustEvent(t, domain.EventPaymentProcessed, "ord_4", nil, "c")
	r := newFakeReader(envelope(t, domain.TopicPaymentEvents, 1, ev))
	c := newConsumer(r, ConsumerOptions{}, logging.Nop(), metrics.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error
	require.NoError(t, c.Subscribe(func(ctx context.Context, ev domain.Event) error {
		close(started)
		<-release
		handlerCtxErr = ctx.Err()
		return nil
	}))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while handler in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.NoError(t, handlerCtxErr)
	assert.Len(t, r.commits(), 1)
}

func TestConsumer_StopHonoursDeadline(t *testing.T) {
	ev := mustEvent(t, domain.EventPaymentProcessed, "ord_5", nil, "c")
	r := newFakeReader(envelope(t, domain.TopicPaymentEvents, 1, ev))
	c := newConsumer(r, ConsumerOptions{}, logging.Nop(), metrics.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, c.Subscribe(func(ctx context.Context, ev domain.Event) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, r.closed)
}
