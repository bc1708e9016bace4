package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/orderflow/internal/core/domain"
)

const (
	jobKeyPrefix         = "job:"
	waitingKey           = "jobs:waiting"
	activeKey            = "jobs:active"
	failedKey            = "jobs:failed"
	sessionKeyPrefix     = "session:"
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
	completedJobTTL      = 24 * time.Hour
)

// claimJobScript moves the earliest due waiting job to active.
var claimJobScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end

local id = ids[1]
local key = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[3], id)
redis.call('HSET', key, 'status', 'active', 'lease_token', ARGV[2], 'lease_expires', ARGV[3], 'updated_at', ARGV[1])
redis.call('HINCRBY', key, 'attempts', 1)
return id
`)

var extendLeaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease_token') ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], 'lease_expires', ARGV[3])
return 1
`)

var completeJobScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease_token') ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'status', 'completed', 'lease_token', '', 'updated_at', ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return 1
`)

var retryJobScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'lease_token') ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[3], 'status', 'waiting', 'lease_token', '', 'run_at', ARGV[3], 'updated_at', ARGV[4], 'last_error', ARGV[5])
return 1
`)

var failJobScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'lease_token') ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[3], 'status', 'failed', 'lease_token', '', 'updated_at', ARGV[3], 'last_error', ARGV[4])
return 1
`)

// reapLeasesScript returns every job whose lease expired to waiting.
var reapLeasesScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
	redis.call('HSET', ARGV[2] .. id, 'status', 'waiting', 'lease_token', '', 'run_at', ARGV[1], 'updated_at', ARGV[1])
end
return #ids
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Add(ctx context.Context, job domain.Job) error {
	key := jobKeyPrefix + job.ID
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"id":             job.ID,
			"type":           job.Type,
			"payload":        string(job.Payload),
			"status":         string(domain.JobStatusWaiting),
			"attempts":       job.Attempts,
			"max_attempts":   job.MaxAttempts,
			"run_at":         job.RunAt.UnixMilli(),
			"correlation_id": job.CorrelationID,
			"last_error":     "",
			"lease_token":    "",
			"lease_expires":  0,
			"created_at":     job.CreatedAt.UnixMilli(),
			"updated_at":     job.CreatedAt.UnixMilli(),
		})
		pipe.ZAdd(ctx, waitingKey, redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	return nil
}

func (r *RedisAdapter) Claim(ctx context.Context, now time.Time, leaseToken string, lease time.Duration) (*domain.Job, error) {
	id, err := claimJobScript.Run(ctx, r.client,
		[]string{waitingKey, activeKey},
		now.UnixMilli(), leaseToken, now.Add(lease).UnixMilli(), jobKeyPrefix,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *RedisAdapter) Extend(ctx context.Context, jobID, leaseToken string, until time.Time) error {
	return r.leased(extendLeaseScript.Run(ctx, r.client,
		[]string{activeKey, jobKeyPrefix + jobID},
		jobID, leaseToken, until.UnixMilli(),
	).Int())
}

func (r *RedisAdapter) Complete(ctx context.Context, jobID, leaseToken string, now time.Time) error {
	return r.leased(completeJobScript.Run(ctx, r.client,
		[]string{activeKey, jobKeyPrefix + jobID},
		jobID, leaseToken, now.UnixMilli(), int(completedJobTTL.Seconds()),
	).Int())
}

func (r *RedisAdapter) Retry(ctx context.Context, jobID, leaseToken string, runAt time.Time, lastErr string) error {
	return r.leased(retryJobScript.Run(ctx, r.client,
		[]string{activeKey, waitingKey, jobKeyPrefix + jobID},
		jobID, leaseToken, runAt.UnixMilli(), time.Now().UnixMilli(), lastErr,
	).Int())
}

func (r *RedisAdapter) Fail(ctx context.Context, jobID, leaseToken string, now time.Time, lastErr string) error {
	return r.leased(failJobScript.Run(ctx, r.client,
		[]string{activeKey, failedKey, jobKeyPrefix + jobID},
		jobID, leaseToken, now.UnixMilli(), lastErr,
	).Int())
}

func (r *RedisAdapter) Reap(ctx context.Context, now time.Time) (int, error) {
	n, err := reapLeasesScript.Run(ctx, r.client,
		[]string{activeKey, waitingKey},
		now.UnixMilli(), jobKeyPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reap leases: %w", err)
	}
	return n, nil
}

// Get returns nil, nil when the job does not exist.
func (r *RedisAdapter) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	fields, err := r.client.HGetAll(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeJob(fields), nil
}

func (r *RedisAdapter) Failed(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRevRange(ctx, failedKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	return ids, nil
}

// Verify resolves a bearer token issued by the auth service.
func (r *RedisAdapter) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrAuthentication
	}
	userID, err := r.client.Get(ctx, sessionKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) || (err == nil && userID == "") {
		return "", domain.ErrAuthentication
	}
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	return userID, nil
}

// PutSession registers a token for userID; used by local tooling and tests.
func (r *RedisAdapter) PutSession(ctx context.Context, token, userID string, ttl time.Duration) error {
	return r.client.Set(ctx, sessionKeyPrefix+token, userID, ttl).Err()
}

// ReserveIdempotencyKey binds key to orderID. When the key is already bound it
// returns the existing order id and false.
func (r *RedisAdapter) ReserveIdempotencyKey(ctx context.Context, key, orderID string) (string, bool, error) {
	k := idempotencyKeyPrefix + key
	ok, err := r.client.SetNX(ctx, k, orderID, idempotencyKeyTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return orderID, true, nil
	}

	existing, err := r.client.Get(ctx, k).Result()
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (r *RedisAdapter) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisAdapter) leased(n int, err error) error {
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func decodeJob(f map[string]string) *domain.Job {
	return &domain.Job{
		ID:            f["id"],
		Type:          f["type"],
		Payload:       []byte(f["payload"]),
		Status:        domain.JobStatus(f["status"]),
		Attempts:      atoi(f["attempts"]),
		MaxAttempts:   atoi(f["max_attempts"]),
		RunAt:         fromMillis(f["run_at"]),
		CorrelationID: f["correlation_id"],
		LastError:     f["last_error"],
		LeaseToken:    f["lease_token"],
		LeaseExpires:  fromMillis(f["lease_expires"]),
		CreatedAt:     fromMillis(f["created_at"]),
		UpdatedAt:     fromMillis(f["updated_at"]),
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
