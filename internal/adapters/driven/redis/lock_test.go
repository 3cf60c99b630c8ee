package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLock_OwnerID_Unique(t *testing.T) {
	_, client := setupTestRedis(t)

	lock1 := NewLock(client)
	lock2 := NewLock(client)

	if lock1.OwnerID() == "" {
		t.Fatal("expected non-empty owner ID")
	}
	if lock1.OwnerID() == lock2.OwnerID() {
		t.Errorf("expected unique owner IDs, got same: %s", lock1.OwnerID())
	}
}

func TestLock_Acquire_AlreadyHeld(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	lock1 := NewLock(client)
	lock2 := NewLock(client)

	acquired, err := lock1.Acquire(ctx, "document:doc-1", 10*time.Second)
	if err != nil || !acquired {
		t.Fatalf("expected first lock to acquire, got %v, %v", acquired, err)
	}
	if got, _ := mr.Get(lockPrefix + "document:doc-1"); got != lock1.OwnerID() {
		t.Errorf("expected owner %s stored, got %s", lock1.OwnerID(), got)
	}

	acquired, err = lock2.Acquire(ctx, "document:doc-1", 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acquired {
		t.Error("expected second lock to fail")
	}

	// not reentrant
	acquired, _ = lock1.Acquire(ctx, "document:doc-1", 10*time.Second)
	if acquired {
		t.Error("expected reentrant acquire to fail")
	}
}

func TestLock_Acquire_AfterExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	lock1 := NewLock(client)
	lock2 := NewLock(client)

	if ok, _ := lock1.Acquire(ctx, "scheduler", time.Second); !ok {
		t.Fatal("expected to acquire lock")
	}
	mr.FastForward(2 * time.Second)

	ok, err := lock2.Acquire(ctx, "scheduler", time.Second)
	if err != nil || !ok {
		t.Errorf("expected to acquire expired lock, got %v, %v", ok, err)
	}
}

func TestLock_Release(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	lock := NewLock(client)

	// releasing an unheld lock is fine
	if err := lock.Release(ctx, "test-lock"); err != nil {
		t.Errorf("unexpected error releasing unheld lock: %v", err)
	}

	if ok, _ := lock.Acquire(ctx, "test-lock", 10*time.Second); !ok {
		t.Fatal("expected to acquire lock")
	}
	if err := lock.Release(ctx, "test-lock"); err != nil {
		t.Fatalf("unexpected error on release: %v", err)
	}
	if ok, _ := lock.Acquire(ctx, "test-lock", 10*time.Second); !ok {
		t.Error("expected to acquire lock after release")
	}
}

func TestLock_Release_ByDifferentOwner(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	lock1 := NewLock(client)
	lock2 := NewLock(client)

	if ok, _ := lock1.Acquire(ctx, "test-lock", 10*time.Second); !ok {
		t.Fatal("expected to acquire lock")
	}
	if err := lock2.Release(ctx, "test-lock"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := lock2.Acquire(ctx, "test-lock", 10*time.Second); ok {
		t.Error("expected lock to still be held by lock1")
	}
}

func TestLock_Extend(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	lock1 := NewLock(client)
	lock2 := NewLock(client)

	if ok, _ := lock1.Acquire(ctx, "test-lock", time.Second); !ok {
		t.Fatal("expected to acquire lock")
	}
	if err := lock1.Extend(ctx, "test-lock", 10*time.Second); err != nil {
		t.Fatalf("unexpected error on extend: %v", err)
	}
	if ttl := mr.TTL(lockPrefix + "test-lock"); ttl != 10*time.Second {
		t.Errorf("expected ttl 10s, got %v", ttl)
	}

	err := lock2.Extend(ctx, "test-lock", 20*time.Second)
	if !errors.Is(err, domain.ErrLockNotAcquired) {
		t.Errorf("expected ErrLockNotAcquired for foreign extend, got %v", err)
	}
	err = lock1.Extend(ctx, "other-lock", time.Second)
	if !errors.Is(err, domain.ErrLockNotAcquired) {
		t.Errorf("expected ErrLockNotAcquired for unheld lock, got %v", err)
	}
}

func TestLock_DifferentLockNames(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	lock := NewLock(client)

	if ok, _ := lock.Acquire(ctx, "document:a", 10*time.Second); !ok {
		t.Error("expected to acquire document:a")
	}
	if ok, _ := lock.Acquire(ctx, "document:b", 10*time.Second); !ok {
		t.Error("expected to acquire document:b")
	}
}

func TestLock_Ping(t *testing.T) {
	mr, client := setupTestRedis(t)
	lock := NewLock(client)

	if err := lock.Ping(context.Background()); err != nil {
		t.Errorf("unexpected ping error: %v", err)
	}

	mr.Close()
	if err := lock.Ping(context.Background()); err == nil {
		t.Error("expected ping error after shutdown")
	}
}
