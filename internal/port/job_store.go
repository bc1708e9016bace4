package port

import (
	"context"
	"time"

	"github.com/rl1809/orderflow/internal/core/domain"
)

type JobStore interface {
	// Add stores a waiting job that becomes visible at job.RunAt
	Add(ctx context.Context, job domain.Job) error

	// Claim atomically moves the earliest due job to active under leaseToken.
	// Returns nil when nothing is due
	Claim(ctx context.Context, now time.Time, leaseToken string, lease time.Duration) (*domain.Job, error)

	// Extend pushes the lease expiry forward if leaseToken still owns the job
	Extend(ctx context.Context, jobID, leaseToken string, until time.Time) error

	// Complete marks the job completed if leaseToken still owns it
	Complete(ctx context.Context, jobID, leaseToken string, now time.Time) error

	// Retry returns the job to waiting, visible again at runAt
	Retry(ctx context.Context, jobID, leaseToken string, runAt time.Time, lastErr string) error

	// Fail marks the job permanently failed
	Fail(ctx context.Context, jobID, leaseToken string, now time.Time, lastErr string) error

	// Reap returns jobs whose lease expired before now to waiting
	Reap(ctx context.Context, now time.Time) (int, error)

	// Get loads a job by id
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// Failed lists ids of failed jobs, most recent first
	Failed(ctx context.Context, limit int) ([]string, error)
}

// JobEnqueuer is what producers of work need from the queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...domain.EnqueueOption) (string, error)
}
