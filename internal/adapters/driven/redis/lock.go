package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*Lock)(nil)

const lockPrefix = "evergreen:lock:"

// ErrLockNotHeld is returned by Extend when the lock expired or belongs to
// another instance.
var ErrLockNotHeld = errors.New("lock not held by this instance")

// Lock implements DistributedLock with SET NX PX. The value is an owner
// token so only the instance that took a lock can extend or release it.
type Lock struct {
	client  redis.UniversalClient
	ownerID string
}

// NewLock creates a lock with a fresh owner token.
func NewLock(client redis.UniversalClient) *Lock {
	return &Lock{client: client, ownerID: newOwnerID()}
}

// newOwnerID returns hostname:pid:random.
func newOwnerID() string {
	hostname, _ := os.Hostname()
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), hex.EncodeToString(b))
}

// Acquire takes the lock if nobody holds it.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockPrefix+name, l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// ownerScript runs a command on KEYS[1] only while ARGV[1] owns it.
// ARGV[2] selects del or pexpire; ARGV[3] is the new TTL in ms.
var ownerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] == "del" then
	return redis.call("DEL", KEYS[1])
end
return redis.call("PEXPIRE", KEYS[1], ARGV[3])
`)

// Release drops the lock if this instance owns it. Releasing an expired or
// foreign lock is a no-op.
func (l *Lock) Release(ctx context.Context, name string) error {
	err := ownerScript.Run(ctx, l.client, []string{lockPrefix + name}, l.ownerID, "del", 0).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// Extend pushes the expiry of a lock this instance owns.
func (l *Lock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	n, err := ownerScript.Run(ctx, l.client, []string{lockPrefix + name}, l.ownerID, "pexpire", ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("extend lock %s: %w", name, ErrLockNotHeld)
	}
	return nil
}

// Ping checks if the Redis backend is healthy.
func (l *Lock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// OwnerID returns the token this instance writes into its locks.
func (l *Lock) OwnerID() string {
	return l.ownerID
}
