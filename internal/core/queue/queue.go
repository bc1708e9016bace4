// Package queue runs named background jobs on top of a durable JobStore with
// leases, exponential retry and a dead-letter event once attempts run out.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/correlation"
	"github.com/rl1809/orderflow/internal/logging"
	"github.com/rl1809/orderflow/internal/metrics"
	"github.com/rl1809/orderflow/internal/port"
)

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job domain.Job) error

type Options struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
	ReapInterval time.Duration

	// DeadLetterTopic receives job_failed events.
	DeadLetterTopic string
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 5 * time.Second
	}
	if o.DeadLetterTopic == "" {
		o.DeadLetterTopic = domain.TopicOrderEvents
	}
}

type Queue struct {
	store     port.JobStore
	publisher port.EventPublisher
	opts      Options
	log       *logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	cancel   context.CancelFunc
	done     chan struct{}
	stopped  bool
}

func New(store port.JobStore, publisher port.EventPublisher, opts Options, log *logging.Logger, m *metrics.Metrics) *Queue {
	opts.setDefaults()
	return &Queue{
		store:     store,
		publisher: publisher,
		opts:      opts,
		log:       log,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		handlers:  make(map[string]Handler),
	}
}

// Enqueue stores a waiting job and returns its id without waiting for it to run.
// The correlation id comes from ctx unless overridden.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...domain.EnqueueOption) (string, error) {
	o := domain.EnqueueOptions{MaxAttempts: q.opts.MaxAttempts, CorrelationID: correlation.ID(ctx)}
	for _, opt := range opts {
		opt(&o)
	}
	if jobType == "" {
		return "", errors.New("job type is required")
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = q.opts.MaxAttempts
	}
	if o.Delay < 0 {
		o.Delay = 0
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", jobType, err)
	}

	now := q.now()
	job := domain.Job{
		ID:            "job_" + uuid.NewString(),
		Type:          jobType,
		Payload:       raw,
		Status:        domain.JobStatusWaiting,
		MaxAttempts:   o.MaxAttempts,
		RunAt:         now.Add(o.Delay),
		CorrelationID: o.CorrelationID,
		CreatedAt:     now,
	}
	if err := q.store.Add(ctx, job); err != nil {
		return "", err
	}

	q.metrics.JobEnqueued(jobType)
	q.log.Ctx(ctx).Debug("job enqueued", map[string]any{"job_id": job.ID, "type": jobType, "delay": o.Delay.String()})
	return job.ID, nil
}

// RegisterProcessor binds a handler to a job type. Registering the same type
// twice replaces the handler.
func (q *Queue) RegisterProcessor(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Start launches the workers and the lease reaper. They run until Stop.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return domain.ErrQueueClosed
	}
	if q.done != nil {
		return errors.New("queue already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})

	var g errgroup.Group
	for i := 0; i < q.opts.Workers; i++ {
		g.Go(func() error {
			q.work(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		q.reap(ctx)
		return nil
	})
	go func() {
		_ = g.Wait()
		close(q.done)
	}()

	q.log.Info("job workers started", map[string]any{"workers": q.opts.Workers})
	return nil
}

// Stop stops claiming new jobs and waits for running ones. Jobs still running
// when ctx expires keep their lease and are reaped back to waiting once it
// lapses.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed returns dead-lettered jobs, most recent first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]domain.Job, error) {
	ids, err := q.store.Failed(ctx, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (q *Queue) work(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		ran, err := q.processNext(ctx)
		if err != nil {
			q.log.Error("job worker error", map[string]any{"worker": worker, "err": err})
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func (q *Queue) reap(ctx context.Context) {
	t := time.NewTicker(q.opts.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := q.store.Reap(ctx, q.now())
			if err != nil {
				q.log.Error("lease reap failed", map[string]any{"err": err})
				continue
			}
			if n > 0 {
				q.log.Warn("expired job leases returned to waiting", map[string]any{"count": n})
			}
		}
	}
}

// processNext claims and runs at most one due job. It reports whether a job
// was claimed.
func (q *Queue) processNext(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	job, err := q.store.Claim(ctx, q.now(), token, q.opts.Lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	// the job outlives a stop request; only a lost lease cancels it
	jctx, cancel := context.WithCancel(correlation.WithID(context.WithoutCancel(ctx), job.CorrelationID))
	defer cancel()
	log := q.log.Ctx(jctx).With(map[string]any{"job_id": job.ID, "type": job.Type, "attempt": job.Attempts})

	if job.Attempts > job.MaxAttempts {
		// re-claimed after its last lease expired
		return true, q.fail(jctx, log, job, token, job.LastError)
	}

	start := time.Now()
	runErr := q.run(jctx, cancel, job, token)
	if errors.Is(runErr, domain.ErrLeaseLost) {
		log.Warn("job lease lost", nil)
		return true, nil
	}

	if runErr == nil {
		q.metrics.JobProcessed(job.Type, "completed", time.Since(start))
		if err := q.store.Complete(jctx, job.ID, token, q.now()); err != nil {
			return true, fmt.Errorf("complete %s: %w", job.ID, err)
		}
		log.Debug("job completed", nil)
		return true, nil
	}

	if job.Attempts >= job.MaxAttempts {
		q.metrics.JobProcessed(job.Type, "failed", time.Since(start))
		return true, q.fail(jctx, log, job, token, runErr.Error())
	}

	delay := q.retryDelay(job.Attempts)
	q.metrics.JobProcessed(job.Type, "retry", time.Since(start))
	log.Warn("job failed, retry scheduled", map[string]any{"err": runErr, "delay": delay.String()})
	if err := q.store.Retry(jctx, job.ID, token, q.now().Add(delay), runErr.Error()); err != nil {
		return true, fmt.Errorf("retry %s: %w", job.ID, err)
	}
	return true, nil
}

// run invokes the job's handler while a heartbeat keeps the lease alive.
func (q *Queue) run(ctx context.Context, cancel context.CancelFunc, job *domain.Job, token string) (err error) {
	h, ok := q.handler(job.Type)
	if !ok {
		return fmt.Errorf("no processor registered for %q", job.Type)
	}

	var lost bool
	var mu sync.Mutex
	hbDone := make(chan struct{})
	hbStop := make(chan struct{})
	go func() {
		defer close(hbDone)
		t := time.NewTicker(q.opts.Lease / 2)
		defer t.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-t.C:
				err := q.store.Extend(ctx, job.ID, token, q.now().Add(q.opts.Lease))
				if errors.Is(err, domain.ErrLeaseLost) {
					mu.Lock()
					lost = true
					mu.Unlock()
					cancel()
					return
				}
				if err != nil {
					q.log.Ctx(ctx).Warn("lease extend failed", map[string]any{"job_id": job.ID, "err": err})
				}
			}
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
		close(hbStop)
		<-hbDone
		mu.Lock()
		defer mu.Unlock()
		if lost {
			err = domain.ErrLeaseLost
		}
	}()

	return h(ctx, *job)
}

func (q *Queue) fail(ctx context.Context, log *logging.Logger, job *domain.Job, token, lastErr string) error {
	if err := q.store.Fail(ctx, job.ID, token, q.now(), lastErr); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			return nil
		}
		return fmt.Errorf("fail %s: %w", job.ID, err)
	}
	log.Error("job failed permanently", map[string]any{"attempts": job.Attempts, "err": lastErr})

	if q.publisher == nil {
		return nil
	}
	ev, err := domain.NewEvent(domain.EventJobFailed, jobOrderID(job), domain.JobFailedPayload{
		JobID:    job.ID,
		JobType:  job.Type,
		Attempts: min(job.Attempts, job.MaxAttempts),
		Error:    lastErr,
	}, job.CorrelationID)
	if err != nil {
		return err
	}
	if err := q.publisher.Publish(ctx, q.opts.DeadLetterTopic, ev); err != nil {
		// the job itself stays in the failed set for inspection
		log.Error("job_failed event not published", map[string]any{"err": err})
	}
	return nil
}

// retryDelay is base * 2^(attempt-1), capped at BackoffMax.
func (q *Queue) retryDelay(attempt int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.BackoffMax {
			return q.opts.BackoffMax
		}
	}
	return min(d, q.opts.BackoffMax)
}

func jobOrderID(job *domain.Job) string {
	var p struct {
		OrderID string `json:"orderId"`
		Event   struct {
			OrderID string `json:"orderId"`
		} `json:"event"`
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return ""
	}
	if p.OrderID != "" {
		return p.OrderID
	}
	return p.Event.OrderID
}
