package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/orderflow/internal/adapter/storage"
	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/correlation"
	"github.com/rl1809/orderflow/internal/logging"
	"github.com/rl1809/orderflow/internal/metrics"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) all() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *storage.RedisAdapter, *recordingPublisher, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := storage.NewRedisAdapter(client)
	pub := &recordingPublisher{}
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000).UTC()}

	q := New(store, pub, opts, logging.Nop(), metrics.Nop())
	q.now = clock.Now
	return q, store, pub, clock
}

func TestEnqueue_DefaultsAndCorrelation(t *testing.T) {
	q, store, _, clock := newTestQueue(t, Options{MaxAttempts: 3})
	ctx := correlation.WithID(context.Background(), "corr-enqueue")

	id, err := q.Enqueue(ctx, domain.JobProcessOrder, domain.ProcessOrderPayload{OrderID: "ord_1"})
	require.NoError(t, err)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.JobStatusWaiting, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, "corr-enqueue", job.CorrelationID)
	assert.Equal(t, clock.Now(), job.RunAt)
	assert.JSONEq(t, `{"orderId":"ord_1"}`, string(job.Payload))
}

func TestEnqueue_DelayHidesJob(t *testing.T) {
	q, _, _, clock := newTestQueue(t, Options{})
	ctx := context.Background()

	var runs atomic.Int32
	q.RegisterProcessor(domain.JobSendNotification, func(ctx context.Context, job domain.Job) error {
		runs.Add(1)
		return nil
	})

	_, err := q.Enqueue(ctx, domain.JobSendNotification, domain.NotificationPayload{UserID: "u1"},
		domain.WithDelay(time.Minute), domain.WithMaxAttempts(5))
	require.NoError(t, err)

	ran, err := q.processNext(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	clock.Advance(time.Minute)
	ran, err = q.processNext(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(1), runs.Load())
}

func TestProcess_SucceedsAfterFailures(t *testing.T) {
	q, store, pub, clock := newTestQueue(t, Options{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: time.Minute})
	ctx := context.Background()

	var calls int
	var seenCorr []string
	q.RegisterProcessor(domain.JobProcessOrder, func(ctx context.Context, job domain.Job) error {
		calls++
		seenCorr = append(seenCorr, correlation.ID(ctx))
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	id, err := q.Enqueue(ctx, domain.JobProcessOrder, domain.ProcessOrderPayload{OrderID: "ord_1"}, domain.WithCorrelationID("corr-7"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		ran, err := q.processNext(ctx)
		require.NoError(t, err)
		require.True(t, ran, "attempt %d", attempt)

		// not visible again until the backoff elapses
		if attempt < 3 {
			ran, err = q.processNext(ctx)
			require.NoError(t, err)
			require.False(t, ran)
			clock.Advance(q.retryDelay(attempt))
		}
	}

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"corr-7", "corr-7", "corr-7"}, seenCorr)
	assert.Empty(t, pub.all())
}

func TestProcess_ExhaustedEmitsJobFailed(t *testing.T) {
	q, store, pub, clock := newTestQueue(t, Options{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: time.Minute})
	ctx := context.Background()

	var calls int
	q.RegisterProcessor(domain.JobProcessOrder, func(ctx context.Context, job domain.Job) error {
		calls++
		return errors.New("boom")
	})

	id, err := q.Enqueue(ctx, domain.JobProcessOrder, domain.ProcessOrderPayload{OrderID: "ord_9"})
	require.NoError(t, err)

	var delays []time.Duration
	prevRunAt := clock.Now()
	for {
		ran, err := q.processNext(ctx)
		require.NoError(t, err)
		if !ran {
			job, err := store.Get(ctx, id)
			require.NoError(t, err)
			if job.Status != domain.JobStatusWaiting {
				break
			}
			delays = append(delays, job.RunAt.Sub(prevRunAt))
			prevRunAt = job.RunAt
			clock.Advance(job.RunAt.Sub(clock.Now()))
		}
	}

	assert.Equal(t, 3, calls)
	require.Len(t, delays, 2)
	assert.LessOrEqual(t, delays[0], delays[1])

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.LastError)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventJobFailed, events[0].Type)
	assert.Equal(t, "ord_9", events[0].OrderID)
	assert.Equal(t, domain.TopicOrderEvents, pub.topics[0])

	var payload domain.JobFailedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, id, payload.JobID)
	assert.Equal(t, 3, payload.Attempts)

	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
}

func TestProcess_PanicIsRetried(t *testing.T) {
	q, store, _, _ := newTestQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()

	q.RegisterProcessor(domain.JobSendNotification, func(ctx context.Context, job domain.Job) error {
		panic("nil map")
	})
	id, err := q.Enqueue(ctx, domain.JobSendNotification, domain.NotificationPayload{UserID: "u1"})
	require.NoError(t, err)

	ran, err := q.processNext(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusWaiting, job.Status)
	assert.Contains(t, job.LastError, "panicked")
}

func TestProcess_ExpiredLeaseCountsAsAttempt(t *testing.T) {
	q, store, pub, clock := newTestQueue(t, Options{MaxAttempts: 1, Lease: 10 * time.Second})
	ctx := context.Background()

	var calls int
	q.RegisterProcessor(domain.JobProcessOrder, func(ctx context.Context, job domain.Job) error {
		calls++
		return nil
	})
	id, err := q.Enqueue(ctx, domain.JobProcessOrder, domain.ProcessOrderPayload{OrderID: "ord_3"})
	require.NoError(t, err)

	// a worker that claims and then dies
	claimed, err := store.Claim(ctx, clock.Now(), "dead-worker", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Advance(11 * time.Second)
	n, err := store.Reap(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ran, err := q.processNext(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	assert.Zero(t, calls)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.Len(t, pub.all(), 1)
}

func TestProcess_UnregisteredTypeFails(t *testing.T) {
	q, store, _, _ := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "unknownJob", map[string]string{"orderId": "ord_4"})
	require.NoError(t, err)

	_, err = q.processNext(ctx)
	require.NoError(t, err)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.LastError, "no processor")
}

func TestRetryDelay_NonDecreasingAndCapped(t *testing.T) {
	q := New(nil, nil, Options{BackoffBase: time.Second, BackoffMax: 20 * time.Second}, logging.Nop(), metrics.Nop())

	assert.Equal(t, time.Second, q.retryDelay(1))
	assert.Equal(t, 2*time.Second, q.retryDelay(2))
	assert.Equal(t, 4*time.Second, q.retryDelay(3))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 40; attempt++ {
		d := q.retryDelay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 20*time.Second)
		prev = d
	}
	assert.Equal(t, 20*time.Second, prev)
}

func TestStartStop_WorkersDrainInFlight(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := New(storage.NewRedisAdapter(client), &recordingPublisher{}, Options{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		Lease:        time.Minute,
	}, logging.Nop(), metrics.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	q.RegisterProcessor(domain.JobProcessOrder, func(ctx context.Context, job domain.Job) error {
		close(started)
		<-release
		finished.Store(true)
		return ctx.Err()
	})

	require.NoError(t, q.Start())
	_, err := q.Enqueue(context.Background(), domain.JobProcessOrder, domain.ProcessOrderPayload{OrderID: "ord_5"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job not picked up")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- q.Stop(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-stopped)
	assert.True(t, finished.Load())
	assert.ErrorIs(t, q.Start(), domain.ErrQueueClosed)
}

func TestStop_BoundedByContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := New(storage.NewRedisAdapter(client), nil, Options{Workers: 1, PollInterval: 5 * time.Millisecond}, logging.Nop(), metrics.Nop())
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	q.RegisterProcessor(domain.JobProcessOrder, func(ctx context.Context, job domain.Job) error {
		close(started)
		<-release
		return nil
	})

	require.NoError(t, q.Start())
	_, err := q.Enqueue(context.Background(), domain.JobProcessOrder, domain.ProcessOrderPayload{OrderID: "ord_6"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(ctx), context.DeadlineExceeded)
}
