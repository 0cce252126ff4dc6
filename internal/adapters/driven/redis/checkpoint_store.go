package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.CheckpointStore = (*CheckpointStore)(nil)

const checkpointPrefix = "evergreen:checkpoint:"

// CheckpointStore keeps each checkpoint in a hash with two fields: the JSON
// body and the version. The version field is authoritative.
type CheckpointStore struct {
	client redis.UniversalClient
}

// NewCheckpointStore creates a Redis-backed CheckpointStore
func NewCheckpointStore(client redis.UniversalClient) *CheckpointStore {
	return &CheckpointStore{client: client}
}

// casScript writes ARGV[2] when the stored version equals ARGV[1].
// Returns the new version, or -1 on conflict.
var casScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if not current then
	current = "0"
end
if current ~= ARGV[1] then
	return -1
end
local next = tonumber(current) + 1
redis.call("HSET", KEYS[1], "data", ARGV[2], "version", next)
return next
`)

// Get returns the checkpoint, or domain.ErrNotFound
func (s *CheckpointStore) Get(ctx context.Context, connectionID string) (*domain.SyncCheckpoint, error) {
	fields, err := s.client.HMGet(ctx, checkpointPrefix+connectionID, "data", "version").Result()
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	data, ok := fields[0].(string)
	if !ok {
		return nil, domain.ErrNotFound
	}

	var cp domain.SyncCheckpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if v, ok := fields[1].(string); ok {
		cp.Version, _ = strconv.ParseInt(v, 10, 64)
	}
	return &cp, nil
}

// CompareAndSwap writes cp if the stored version equals expectedVersion
func (s *CheckpointStore) CompareAndSwap(ctx context.Context, cp *domain.SyncCheckpoint, expectedVersion int64) (int64, error) {
	body := *cp
	body.Version = expectedVersion + 1
	data, err := json.Marshal(&body)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint: %w", err)
	}

	version, err := casScript.Run(ctx, s.client, []string{checkpointPrefix + cp.ConnectionID},
		strconv.FormatInt(expectedVersion, 10), data).Int64()
	if err != nil {
		return 0, fmt.Errorf("checkpoint cas: %w", err)
	}
	if version < 0 {
		return 0, fmt.Errorf("connection %s at version %d: %w", cp.ConnectionID, expectedVersion, domain.ErrCheckpointConflict)
	}
	cp.Version = version
	return version, nil
}

// Delete removes the checkpoint
func (s *CheckpointStore) Delete(ctx context.Context, connectionID string) error {
	if err := s.client.Del(ctx, checkpointPrefix+connectionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
