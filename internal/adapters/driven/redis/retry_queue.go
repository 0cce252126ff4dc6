package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.RetryQueue = (*RetryQueue)(nil)

const (
	retryItemsKey    = "evergreen:retry:items"
	retryVersionsKey = "evergreen:retry:versions"
	retryDueKey      = "evergreen:retry:due"
	retrySeqKey      = "evergreen:retry:seq"
)

// RetryQueue keeps pending compensations in Redis:
//   - evergreen:retry:items    hash key -> item JSON
//   - evergreen:retry:versions hash key -> version
//   - evergreen:retry:due      zset key scored by next attempt (unix ms)
//   - evergreen:retry:seq      counter the versions are drawn from, so a
//     version is never reused after its item is removed
type RetryQueue struct {
	client redis.UniversalClient
}

// NewRetryQueue creates a Redis-backed RetryQueue
func NewRetryQueue(client redis.UniversalClient) *RetryQueue {
	return &RetryQueue{client: client}
}

var putScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[4])
redis.call("HSET", KEYS[2], ARGV[1], v)
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
return v
`)

// completeScript deletes the item when its version is ARGV[2].
var completeScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
return 1
`)

// rescheduleScript replaces the body and due time when the version is ARGV[2].
var rescheduleScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
return 1
`)

func (q *RetryQueue) keys() []string {
	return []string{retryItemsKey, retryVersionsKey, retryDueKey, retrySeqKey}
}

// Put stores item, superseding any pending item for the same document
func (q *RetryQueue) Put(ctx context.Context, item *domain.RetryItem) (int64, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("marshal retry item: %w", err)
	}
	version, err := putScript.Run(ctx, q.client, q.keys(),
		item.Key(), data, item.NextAttemptAt.UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("put retry item: %w", err)
	}
	item.Version = version
	return version, nil
}

// Get returns the pending item of a document
func (q *RetryQueue) Get(ctx context.Context, tenantID, documentID string) (*domain.RetryItem, error) {
	key := (&domain.RetryItem{TenantID: tenantID, DocumentID: documentID}).Key()
	pipe := q.client.Pipeline()
	body := pipe.HGet(ctx, retryItemsKey, key)
	version := pipe.HGet(ctx, retryVersionsKey, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load retry item: %w", err)
	}
	data, err := body.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load retry item: %w", err)
	}
	var item domain.RetryItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode retry item: %w", err)
	}
	if item.Version, err = version.Int64(); err != nil {
		return nil, fmt.Errorf("load retry version: %w", err)
	}
	return &item, nil
}

// Due returns up to limit items whose next attempt has passed
func (q *RetryQueue) Due(ctx context.Context, now time.Time, limit int) ([]*domain.RetryItem, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	keys, err := q.client.ZRangeByScore(ctx, retryDueKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	bodies, err := q.client.HMGet(ctx, retryItemsKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load retry items: %w", err)
	}
	versions, err := q.client.HMGet(ctx, retryVersionsKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load retry versions: %w", err)
	}

	items := make([]*domain.RetryItem, 0, len(keys))
	for i := range keys {
		body, ok := bodies[i].(string)
		if !ok {
			// Completed between the two reads.
			continue
		}
		var item domain.RetryItem
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return nil, fmt.Errorf("decode retry item: %w", err)
		}
		if v, ok := versions[i].(string); ok {
			item.Version, _ = strconv.ParseInt(v, 10, 64)
		}
		items = append(items, &item)
	}
	return items, nil
}

// Complete removes the item if no newer mutation replaced it
func (q *RetryQueue) Complete(ctx context.Context, tenantID, documentID string, version int64) (bool, error) {
	key := (&domain.RetryItem{TenantID: tenantID, DocumentID: documentID}).Key()
	n, err := completeScript.Run(ctx, q.client, q.keys(), key, strconv.FormatInt(version, 10)).Int64()
	if err != nil {
		return false, fmt.Errorf("complete retry item: %w", err)
	}
	return n == 1, nil
}

// Reschedule records a failed attempt if no newer mutation replaced the item
func (q *RetryQueue) Reschedule(ctx context.Context, item *domain.RetryItem) (bool, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal retry item: %w", err)
	}
	n, err := rescheduleScript.Run(ctx, q.client, q.keys(),
		item.Key(), strconv.FormatInt(item.Version, 10), data, item.NextAttemptAt.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("reschedule retry item: %w", err)
	}
	return n == 1, nil
}

// Remove drops any pending item for the document
func (q *RetryQueue) Remove(ctx context.Context, tenantID, documentID string) error {
	key := (&domain.RetryItem{TenantID: tenantID, DocumentID: documentID}).Key()
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, retryItemsKey, key)
	pipe.HDel(ctx, retryVersionsKey, key)
	pipe.ZRem(ctx, retryDueKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove retry item: %w", err)
	}
	return nil
}

// Len returns the number of pending items
func (q *RetryQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.HLen(ctx, retryItemsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count retry items: %w", err)
	}
	return int(n), nil
}
