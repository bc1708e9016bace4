package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/correlation"
	"github.com/rl1809/orderflow/internal/logging"
	"github.com/rl1809/orderflow/internal/metrics"
	"github.com/rl1809/orderflow/internal/port"
)

const commitTimeout = 5 * time.Second

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerOptions struct {
	// MaxBackoff caps the wait between retries of fetch errors and failing handlers.
	MaxBackoff time.Duration
}

// Consumer reads one consumer group across several topics and commits each
// message only after its handler succeeded, giving at-least-once delivery.
// Messages are handled one at a time so per-partition order is preserved.
type Consumer struct {
	r       messageReader
	opts    ConsumerOptions
	log     *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewConsumer(brokers []string, groupID string, topics []string, opts ConsumerOptions, log *logging.Logger, m *metrics.Metrics) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newConsumer(r, opts, log, m)
}

func newConsumer(r messageReader, opts ConsumerOptions, log *logging.Logger, m *metrics.Metrics) *Consumer {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	return &Consumer{r: r, opts: opts, log: log, metrics: m}
}

// Subscribe starts delivering events to handler in the background. It may be
// called once.
func (c *Consumer) Subscribe(handler port.EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil || c.stopped {
		return errors.New("consumer already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, handler)
	return nil
}

// Stop stops fetching, lets the in-flight handler finish, then closes the
// reader. If ctx expires first the reader is closed anyway and ctx.Err() is
// returned; the uncommitted message will be redelivered.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	var waitErr error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
	}

	if err := c.r.Close(); err != nil {
		return errors.Join(waitErr, err)
	}
	return waitErr
}

func (c *Consumer) run(ctx context.Context, handler port.EventHandler) {
	defer close(c.done)

	b := c.newBackOff()
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("consume fetch failed", map[string]any{"err": err})
			if !sleep(ctx, next(b)) {
				return
			}
			continue
		}
		b.Reset()

		ev, err := decodeMessage(m)
		if err != nil {
			c.log.Warn("malformed event dropped", map[string]any{
				"topic": m.Topic, "partition": m.Partition, "offset": m.Offset, "err": err,
			})
			c.metrics.EventConsumed(m.Topic, "malformed")
			c.commit(ctx, m)
			continue
		}

		if !c.deliver(ctx, handler, ev) {
			return
		}
		c.commit(ctx, m)
	}
}

// deliver retries handler until it succeeds. It reports false when the
// consumer was stopped before that happened.
func (c *Consumer) deliver(ctx context.Context, handler port.EventHandler, ev domain.Event) bool {
	hctx := correlation.WithID(context.WithoutCancel(ctx), ev.CorrelationID)
	log := c.log.Ctx(hctx)
	b := c.newBackOff()

	for {
		err := handler(hctx, ev)
		if err == nil {
			c.metrics.EventConsumed(ev.Topic, "handled")
			return true
		}

		c.metrics.EventConsumed(ev.Topic, "retry")
		log.Warn("event handler failed, retrying", map[string]any{
			"topic": ev.Topic, "type": ev.Type, "order_id": ev.OrderID, "offset": ev.Offset, "err": err,
		})
		if !sleep(ctx, next(b)) {
			return false
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := c.r.CommitMessages(cctx, m); err != nil {
		c.log.Error("commit failed", map[string]any{"topic": m.Topic, "offset": m.Offset, "err": err})
	}
}

func (c *Consumer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = c.opts.MaxBackoff
	return b
}

func decodeMessage(m kafka.Message) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return domain.Event{}, err
	}
	if ev.Type == "" {
		return domain.Event{}, errors.New("missing event type")
	}
	if ev.OrderID == "" {
		ev.OrderID = string(m.Key)
	}
	if ev.CorrelationID == "" {
		for _, h := range m.Headers {
			if h.Key == headerCorrelationID {
				ev.CorrelationID = string(h.Value)
			}
		}
	}
	ev.Topic = m.Topic
	ev.Partition = m.Partition
	ev.Offset = m.Offset
	return ev, nil
}

func next(b *backoff.ExponentialBackOff) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return b.MaxInterval
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
