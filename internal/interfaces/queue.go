package interfaces

import (
	"context"
	"time"
)

// Job states tracked by the queue, distinct from crawl lifecycle states
const (
	JobStateWaiting   = "waiting"
	JobStateActive    = "active"
	JobStateStalled   = "stalled" // active record whose holder's lock expired
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
	JobStateMissing   = "missing"
)

// QueueJob is one unit of crawl work. The job ID equals the crawl ID.
type QueueJob struct {
	ID        string    `json:"id"`
	SiteID    string    `json:"site_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Queue is a durable job queue with lease-based delivery. Jobs are
// delivered at most once; a crashed holder surfaces through lease expiry
// and the orphan reconciler, not redelivery.
type Queue interface {
	// Add enqueues a job; adding an existing ID is an error
	Add(ctx context.Context, job *QueueJob) error

	// Lease blocks up to wait for a job, moving it to active and taking a
	// lock for lockDur. Returns nil with no error when the wait elapses.
	Lease(ctx context.Context, wait, lockDur time.Duration) (*QueueJob, error)

	// RenewLease extends the holder's lock on an active job
	RenewLease(ctx context.Context, jobID string, lockDur time.Duration) error

	// Requeue moves a stalled job back to waiting so a worker can lease
	// it again
	Requeue(ctx context.Context, jobID string) error

	GetState(ctx context.Context, jobID string) (string, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason string) error
	Remove(ctx context.Context, jobID string) error

	Close() error
}
