package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/sitevault/internal/interfaces"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client), mr
}

func TestQueueAddAndLease(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, &interfaces.QueueJob{ID: "crawl-1", SiteID: "site-1"}))

	job, err := q.Lease(ctx, time.Second, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "crawl-1", job.ID)
	assert.Equal(t, "site-1", job.SiteID)
	assert.Equal(t, interfaces.JobStateActive, job.State)

	state, err := q.GetState(ctx, "crawl-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobStateActive, state)
}

func TestQueueAddDuplicate(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, &interfaces.QueueJob{ID: "crawl-1", SiteID: "site-1"}))
	err := q.Add(ctx, &interfaces.QueueJob{ID: "crawl-1", SiteID: "site-1"})
	assert.ErrorIs(t, err, ErrJobExists)
}

func TestQueueLeaseEmptyReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.Lease(context.Background(), 50*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueueLeaseIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, &interfaces.QueueJob{ID: "first", SiteID: "s"}))
	require.NoError(t, q.Add(ctx, &interfaces.QueueJob{ID: "second", SiteID: "s"}))

	job, err := q.Lease(ctx, time.Second, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "first", job.ID)
}

func TestQueueCompleteAndFail(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, &interfaces.QueueJob{ID: "c1", SiteID: "s"}))
	require.NoError(t, q.Add(ctx, &interfaces.QueueJob{ID: "c2", SiteID: "s"}))

	_, err := q.Lease(ctx, time.Second, time.Minute)
	require.NoError(t, err)
	_, err = q.Lease(ctx, time.Second, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, "c1"))
	require.NoError(t, q.Fail(ctx, "c2", "browser crashed"))

	state, err := q.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobStateCompleted, state)

	state, err = q.GetState(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobStateFailed, state)
}

func TestQueueGetStateMissing(t *testing.T) {
	q, _ := newTestQueue(t)

	state, err := q.GetState(context.Background(), "never-added")
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobStateMissing, state)
}

func TestQueueLeaseRenewal(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, &interfaces.QueueJob{ID: "c1", SiteID: "s"}))
	_, err := q.Lease(ctx, time.Second, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.RenewLease(ctx, "c1", 2*time.Minute))

	// Let the lock expire, renewal must then fail
	mr.FastForward(3 * time.Minute)
	err = q.RenewLease(ctx, "c1", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestQueueStateStalledAfterLockExpiry(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, &interfaces.QueueJob{ID: "c1", SiteID: "s"}))
	_, err := q.Lease(ctx, time.Second, time.Minute)
	require.NoError(t, err)

	state, err := q.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobStateActive, state)

	// Holder dies: the lock expires but the job record stays active
	mr.FastForward(2 * time.Minute)
	state, err = q.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobStateStalled, state)
}

func TestQueueRequeueMakesJobLeasableAgain(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, &interfaces.QueueJob{ID: "c1", SiteID: "s1"}))
	_, err := q.Lease(ctx, time.Second, time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	require.NoError(t, q.Requeue(ctx, "c1"))

	state, err := q.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobStateWaiting, state)

	job, err := q.Lease(ctx, time.Second, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "c1", job.ID)
	assert.Equal(t, "s1", job.SiteID)
}

func TestQueueRemove(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, &interfaces.QueueJob{ID: "c1", SiteID: "s"}))
	require.NoError(t, q.Remove(ctx, "c1"))

	state, err := q.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobStateMissing, state)

	job, err := q.Lease(ctx, 50*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}
