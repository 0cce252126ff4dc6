package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

const (
	jobStream     = "evergreen:jobs"
	jobGroup      = "evergreen:workers"
	scheduledJobs = "evergreen:jobs:scheduled"

	// jobKeyPrefix holds the job body; the ":msg" suffix holds the stream
	// message ID of the current delivery.
	jobKeyPrefix = "evergreen:job:"

	consumerPrefix = "worker-"

	// jobDataTTL bounds how long an unprocessed job body survives.
	jobDataTTL = 24 * time.Hour

	defaultClaimTimeout = 45 * time.Minute
	promoteBatch        = 100
)

// Verify interface compliance
var _ driven.JobQueue = (*Queue)(nil)

// Queue implements JobQueue using Redis Streams with one consumer group.
// Future jobs wait in a sorted set scored by due time (unix ms) and are
// moved onto the stream when a worker polls.
type Queue struct {
	client       redis.UniversalClient
	consumerName string
	claimTimeout time.Duration
}

// NewQueue creates a Redis-backed job queue. consumerName should be unique
// per worker process; claimTimeout must exceed the longest job timeout.
func NewQueue(ctx context.Context, client redis.UniversalClient, consumerName string, claimTimeout time.Duration) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if consumerName == "" {
		consumerName = fmt.Sprintf("%s%d", consumerPrefix, time.Now().UnixNano())
	}
	if claimTimeout <= 0 {
		claimTimeout = defaultClaimTimeout
	}

	q := &Queue{client: client, consumerName: consumerName, claimTimeout: claimTimeout}

	err := q.client.XGroupCreateMkStream(ctx, jobStream, jobGroup, "0").Err()
	if err != nil && !isGroupExistsError(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return q, nil
}

// Enqueue stores the job body and either streams it or schedules it.
func (q *Queue) Enqueue(ctx context.Context, job *domain.SyncJob) error {
	if job == nil {
		return errors.New("job is required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKeyPrefix+job.ID, data, jobDataTTL)
	if job.ScheduledFor.After(time.Now()) {
		pipe.ZAdd(ctx, scheduledJobs, redis.Z{
			Score:  float64(job.ScheduledFor.UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: jobStream,
			Values: map[string]any{"job_id": job.ID, "connection_id": job.ConnectionID},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// DequeueWithTimeout returns the next job, reclaiming deliveries abandoned
// by dead consumers before reading new ones.
func (q *Queue) DequeueWithTimeout(ctx context.Context, timeout time.Duration) (*domain.SyncJob, error) {
	if err := q.promoteScheduled(ctx); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("promote scheduled jobs: %w", err)
	}

	job, err := q.claimAbandoned(ctx)
	if err != nil || job != nil {
		return job, err
	}

	block := timeout
	if block <= 0 {
		block = -1 // no BLOCK argument
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    jobGroup,
		Consumer: q.consumerName,
		Streams:  []string{jobStream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return q.deliver(ctx, streams[0].Messages[0])
}

// deliver loads the job of a stream message and records the delivery.
// Messages whose body is gone are dropped.
func (q *Queue) deliver(ctx context.Context, msg redis.XMessage) (*domain.SyncJob, error) {
	jobID, _ := msg.Values["job_id"].(string)
	job, err := q.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		q.drop(ctx, msg.ID)
		return nil, nil
	}
	if err := q.client.Set(ctx, jobKeyPrefix+jobID+":msg", msg.ID, jobDataTTL).Err(); err != nil {
		return nil, fmt.Errorf("record delivery: %w", err)
	}
	return job, nil
}

func (q *Queue) load(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	if jobID == "" {
		return nil, nil
	}
	data, err := q.client.Get(ctx, jobKeyPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	var job domain.SyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (q *Queue) drop(ctx context.Context, msgID string) {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, jobStream, jobGroup, msgID)
	pipe.XDel(ctx, jobStream, msgID)
	_, _ = pipe.Exec(ctx)
}

// Ack removes the delivery and the job body.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	msgID, err := q.client.Get(ctx, jobKeyPrefix+jobID+":msg").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get message id: %w", err)
	}

	pipe := q.client.TxPipeline()
	if msgID != "" {
		pipe.XAck(ctx, jobStream, jobGroup, msgID)
		pipe.XDel(ctx, jobStream, msgID)
	}
	pipe.Del(ctx, jobKeyPrefix+jobID, jobKeyPrefix+jobID+":msg")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Nack ends the current delivery and schedules the job again after delay.
func (q *Queue) Nack(ctx context.Context, jobID string, delay time.Duration) error {
	exists, err := q.client.Exists(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("nack job %s: %w", jobID, domain.ErrNotFound)
	}

	msgID, err := q.client.Get(ctx, jobKeyPrefix+jobID+":msg").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get message id: %w", err)
	}

	pipe := q.client.TxPipeline()
	if msgID != "" {
		pipe.XAck(ctx, jobStream, jobGroup, msgID)
		pipe.XDel(ctx, jobStream, msgID)
	}
	pipe.Del(ctx, jobKeyPrefix+jobID+":msg")
	pipe.Expire(ctx, jobKeyPrefix+jobID, jobDataTTL)
	pipe.ZAdd(ctx, scheduledJobs, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack job: %w", err)
	}
	return nil
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	length, err := q.client.XLen(ctx, jobStream).Result()
	if err != nil {
		return nil, fmt.Errorf("stream length: %w", err)
	}
	pending, err := q.client.XPending(ctx, jobStream, jobGroup).Result()
	if err != nil {
		return nil, fmt.Errorf("pending deliveries: %w", err)
	}
	scheduled, err := q.client.ZCard(ctx, scheduledJobs).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduled count: %w", err)
	}

	// Delivered messages stay in the stream until acked.
	return &driven.QueueStats{
		PendingCount:    length - pending.Count,
		ScheduledCount:  scheduled,
		ProcessingCount: pending.Count,
	}, nil
}

// Ping checks if the queue backend is healthy.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op; the client is shared.
func (q *Queue) Close() error {
	return nil
}

// promoteScript moves due members of KEYS[1] onto the stream KEYS[2].
// ZREM guards against two workers promoting the same job.
var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
local moved = 0
for _, id in ipairs(ids) do
	if redis.call("ZREM", KEYS[1], id) == 1 then
		redis.call("XADD", KEYS[2], "*", "job_id", id)
		moved = moved + 1
	end
end
return moved
`)

func (q *Queue) promoteScheduled(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return promoteScript.Run(ctx, q.client, []string{scheduledJobs, jobStream}, now, promoteBatch).Err()
}

// claimAbandoned takes over a delivery idle for longer than the claim timeout.
func (q *Queue) claimAbandoned(ctx context.Context) (*domain.SyncJob, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: jobStream,
		Group:  jobGroup,
		Start:  "-",
		End:    "+",
		Count:  10,
		Idle:   q.claimTimeout,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("list pending deliveries: %w", err)
	}

	for _, p := range pending {
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   jobStream,
			Group:    jobGroup,
			Consumer: q.consumerName,
			MinIdle:  q.claimTimeout,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		job, err := q.deliver(ctx, claimed[0])
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

func isGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
