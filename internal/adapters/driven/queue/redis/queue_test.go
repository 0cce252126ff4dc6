package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

func setupQueue(t *testing.T, consumer string, claimTimeout time.Duration) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := NewQueue(context.Background(), client, consumer, claimTimeout)
	require.NoError(t, err)
	return q, client
}

func testJob(id string) *domain.SyncJob {
	return &domain.SyncJob{
		ID:           id,
		ConnectionID: "conn-1",
		TenantID:     "tenant-1",
		Kind:         domain.JobKindDelta,
		Status:       domain.JobStatusQueued,
		Attempt:      1,
		CreatedAt:    time.Now(),
	}
}

func TestNewQueue_GroupExists(t *testing.T) {
	q, client := setupQueue(t, "w1", 0)
	assert.Equal(t, defaultClaimTimeout, q.claimTimeout)

	_, err := NewQueue(context.Background(), client, "", 0)
	assert.NoError(t, err)
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	q, client := setupQueue(t, "w1", 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob("job-1")))

	job, err := q.DequeueWithTimeout(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, domain.JobKindDelta, job.Kind)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.PendingCount)
	assert.Equal(t, int64(1), stats.ProcessingCount)

	require.NoError(t, q.Ack(ctx, "job-1"))

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ProcessingCount)
	assert.Zero(t, client.Exists(ctx, jobKeyPrefix+"job-1", jobKeyPrefix+"job-1:msg").Val())
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q, _ := setupQueue(t, "w1", 0)

	job, err := q.DequeueWithTimeout(context.Background(), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_ScheduledJobWaits(t *testing.T) {
	q, _ := setupQueue(t, "w1", 0)
	ctx := context.Background()

	job := testJob("job-later")
	job.ScheduledFor = time.Now().Add(time.Hour)
	require.NoError(t, q.Enqueue(ctx, job))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ScheduledCount)
	assert.Equal(t, int64(0), stats.PendingCount)

	got, err := q.DequeueWithTimeout(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestQueue_NackRedelivers(t *testing.T) {
	q, _ := setupQueue(t, "w1", 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob("job-1")))
	job, err := q.DequeueWithTimeout(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Nack(ctx, "job-1", 0))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ProcessingCount)
	assert.Equal(t, int64(1), stats.ScheduledCount)

	// Promoted on the next poll
	job, err = q.DequeueWithTimeout(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
}

func TestQueue_NackWithDelayHoldsJob(t *testing.T) {
	q, _ := setupQueue(t, "w1", 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob("job-1")))
	_, err := q.DequeueWithTimeout(ctx, 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, "job-1", time.Minute))

	job, err := q.DequeueWithTimeout(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_NackUnknownJob(t *testing.T) {
	q, _ := setupQueue(t, "w1", 0)

	err := q.Nack(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueue_ClaimsAbandonedDelivery(t *testing.T) {
	q1, client := setupQueue(t, "w1", 10*time.Millisecond)
	ctx := context.Background()

	q2, err := NewQueue(ctx, client, "w2", 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, q1.Enqueue(ctx, testJob("job-1")))
	job, err := q1.DequeueWithTimeout(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// w1 dies without acking
	time.Sleep(30 * time.Millisecond)

	job, err = q2.DequeueWithTimeout(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)

	require.NoError(t, q2.Ack(ctx, "job-1"))
	stats, err := q2.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ProcessingCount)
}

func TestQueue_DropsMessageWithoutBody(t *testing.T) {
	q, client := setupQueue(t, "w1", 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob("job-1")))
	require.NoError(t, client.Del(ctx, jobKeyPrefix+"job-1").Err())

	job, err := q.DequeueWithTimeout(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ProcessingCount)
	assert.Equal(t, int64(0), stats.PendingCount)
}
