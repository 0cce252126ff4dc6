package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestLock_OwnerID_Unique(t *testing.T) {
	client, _ := setupTestRedis(t)

	lock1 := NewLock(client)
	lock2 := NewLock(client)

	if lock1.OwnerID() == "" {
		t.Fatal("expected non-empty owner ID")
	}
	if lock1.OwnerID() == lock2.OwnerID() {
		t.Errorf("expected unique owner IDs, got %s twice", lock1.OwnerID())
	}
}

func TestLock_Acquire(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	lock1 := NewLock(client)
	lock2 := NewLock(client)

	acquired, err := lock1.Acquire(ctx, "sync:conn-1", 10*time.Second)
	if err != nil || !acquired {
		t.Fatalf("Acquire() = %v, %v; want true", acquired, err)
	}

	// Not re-entrant, even for the same owner
	for _, l := range []*Lock{lock1, lock2} {
		acquired, err = l.Acquire(ctx, "sync:conn-1", 10*time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if acquired {
			t.Error("expected held lock to be refused")
		}
	}

	// Independent names do not contend
	acquired, err = lock2.Acquire(ctx, "sync:conn-2", 10*time.Second)
	if err != nil || !acquired {
		t.Errorf("Acquire(conn-2) = %v, %v; want true", acquired, err)
	}

	if got, _ := mr.Get(lockPrefix + "sync:conn-1"); got != lock1.OwnerID() {
		t.Errorf("stored owner = %q, want %q", got, lock1.OwnerID())
	}
}

func TestLock_ExpiresWithTTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	lock1 := NewLock(client)
	lock2 := NewLock(client)

	if ok, _ := lock1.Acquire(ctx, "scheduler", time.Second); !ok {
		t.Fatal("expected to acquire lock")
	}
	mr.FastForward(2 * time.Second)

	acquired, err := lock2.Acquire(ctx, "scheduler", time.Second)
	if err != nil || !acquired {
		t.Errorf("Acquire() after expiry = %v, %v; want true", acquired, err)
	}
}

func TestLock_Release(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	lock1 := NewLock(client)
	lock2 := NewLock(client)

	if err := lock1.Release(ctx, "sync:conn-1"); err != nil {
		t.Errorf("releasing unheld lock: %v", err)
	}

	if ok, _ := lock1.Acquire(ctx, "sync:conn-1", 10*time.Second); !ok {
		t.Fatal("expected to acquire lock")
	}

	// A foreign release leaves the lock in place
	if err := lock2.Release(ctx, "sync:conn-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := lock2.Acquire(ctx, "sync:conn-1", 10*time.Second); ok {
		t.Fatal("expected lock to still be held by lock1")
	}

	if err := lock1.Release(ctx, "sync:conn-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := lock2.Acquire(ctx, "sync:conn-1", 10*time.Second); !ok {
		t.Error("expected to acquire lock after release")
	}
}

func TestLock_Extend(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	lock1 := NewLock(client)
	lock2 := NewLock(client)

	if err := lock1.Extend(ctx, "sync:conn-1", time.Minute); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("Extend() unheld = %v, want ErrLockNotHeld", err)
	}

	if ok, _ := lock1.Acquire(ctx, "sync:conn-1", time.Second); !ok {
		t.Fatal("expected to acquire lock")
	}
	if err := lock2.Extend(ctx, "sync:conn-1", time.Minute); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("Extend() by other owner = %v, want ErrLockNotHeld", err)
	}
	if err := lock1.Extend(ctx, "sync:conn-1", time.Minute); err != nil {
		t.Fatalf("Extend() = %v", err)
	}

	mr.FastForward(30 * time.Second)
	if ok, _ := lock2.Acquire(ctx, "sync:conn-1", time.Second); ok {
		t.Error("extended lock expired early")
	}
	if ttl := mr.TTL(lockPrefix + "sync:conn-1"); ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("remaining ttl = %v", ttl)
	}
}

func TestLock_Ping(t *testing.T) {
	client, _ := setupTestRedis(t)
	lock := NewLock(client)

	if err := lock.Ping(context.Background()); err != nil {
		t.Errorf("unexpected ping error: %v", err)
	}
}
