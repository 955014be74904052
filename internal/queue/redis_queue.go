package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
)

const (
	pendingKey = "crawlq:pending"
	jobPrefix  = "crawlq:job:"
	lockPrefix = "crawlq:lock:"
)

// ErrJobExists is returned when adding a job ID already present
var ErrJobExists = errors.New("queue: job already exists")

// ErrLeaseLost is returned when renewing a lease that has expired or was
// never taken
var ErrLeaseLost = errors.New("queue: lease lost")

// RedisQueue implements interfaces.Queue on Redis lists and hashes. Every
// job is attempted exactly once; there is no automatic redelivery. Crash
// recovery is the orphan reconciler's responsibility.
type RedisQueue struct {
	client *redis.Client
	logger arbor.ILogger
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client: client,
		logger: common.GetLogger().WithPrefix("queue"),
	}
}

func jobKey(id string) string  { return jobPrefix + id }
func lockKey(id string) string { return lockPrefix + id }

func (q *RedisQueue) Add(ctx context.Context, job *interfaces.QueueJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	created, err := q.client.HSetNX(ctx, jobKey(job.ID), "id", job.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to add job %s: %w", job.ID, err)
	}
	if !created {
		return ErrJobExists
	}

	pipe := q.client.Pipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]interface{}{
		"site_id":    job.SiteID,
		"state":      interfaces.JobStateWaiting,
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
	})
	pipe.LPush(ctx, pendingKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	q.logger.Debug().Str("job_id", job.ID).Str("site_id", job.SiteID).Msg("Job enqueued")
	return nil
}

func (q *RedisQueue) Lease(ctx context.Context, wait, lockDur time.Duration) (*interfaces.QueueJob, error) {
	res, err := q.client.BRPop(ctx, wait, pendingKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	jobID := res[1]

	pipe := q.client.Pipeline()
	pipe.HSet(ctx, jobKey(jobID), "state", interfaces.JobStateActive)
	pipe.Set(ctx, lockKey(jobID), "held", lockDur)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to activate job %s: %w", jobID, err)
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Hash vanished between pop and read; treat as spurious wakeup
		q.logger.Warn().Str("job_id", jobID).Msg("Leased job has no record, skipping")
		return nil, nil
	}
	return job, nil
}

func (q *RedisQueue) RenewLease(ctx context.Context, jobID string, lockDur time.Duration) error {
	ok, err := q.client.Expire(ctx, lockKey(jobID), lockDur).Result()
	if err != nil {
		return fmt.Errorf("failed to renew lease for %s: %w", jobID, err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// GetJob returns the job record, or nil when the queue has no trace of it
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*interfaces.QueueJob, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job := &interfaces.QueueJob{
		ID:     jobID,
		SiteID: fields["site_id"],
		State:  fields["state"],
	}
	if raw := fields["created_at"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			job.CreatedAt = ts
		}
	}
	return job, nil
}

func (q *RedisQueue) GetState(ctx context.Context, jobID string) (string, error) {
	state, err := q.client.HGet(ctx, jobKey(jobID), "state").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return interfaces.JobStateMissing, nil
		}
		return "", fmt.Errorf("failed to read job state for %s: %w", jobID, err)
	}

	// An active record is only truly held while the lock key lives. Once
	// the holder stops renewing, the job is stalled and eligible for
	// requeue.
	if state == interfaces.JobStateActive {
		held, err := q.client.Exists(ctx, lockKey(jobID)).Result()
		if err != nil {
			return "", fmt.Errorf("failed to check lock for %s: %w", jobID, err)
		}
		if held == 0 {
			return interfaces.JobStateStalled, nil
		}
	}
	return state, nil
}

// Requeue returns a stalled job to the pending list under the same ID
func (q *RedisQueue) Requeue(ctx context.Context, jobID string) error {
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, jobKey(jobID), "state", interfaces.JobStateWaiting)
	pipe.Del(ctx, lockKey(jobID))
	pipe.LRem(ctx, pendingKey, 0, jobID)
	pipe.LPush(ctx, pendingKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	q.logger.Debug().Str("job_id", jobID).Msg("Job requeued")
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, interfaces.JobStateCompleted, "")
}

func (q *RedisQueue) Fail(ctx context.Context, jobID string, reason string) error {
	return q.finish(ctx, jobID, interfaces.JobStateFailed, reason)
}

func (q *RedisQueue) finish(ctx context.Context, jobID, state, reason string) error {
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, jobKey(jobID), "state", state)
	if reason != "" {
		pipe.HSet(ctx, jobKey(jobID), "reason", reason)
	}
	pipe.Del(ctx, lockKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to finish job %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, pendingKey, 0, jobID)
	pipe.Del(ctx, jobKey(jobID), lockKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return nil
}
