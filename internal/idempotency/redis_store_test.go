package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestBeginCompleteAndReplay(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	reportID, replay, err := store.Begin(ctx, "user-1", "key-1")
	if err != nil || replay || reportID != "" {
		t.Fatalf("first Begin = %q, %v, %v", reportID, replay, err)
	}

	if _, _, err := store.Begin(ctx, "user-1", "key-1"); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress while pending, got %v", err)
	}

	if err := store.Complete(ctx, "user-1", "key-1", "rpt_123"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	reportID, replay, err = store.Begin(ctx, "user-1", "key-1")
	if err != nil {
		t.Fatalf("replay Begin failed: %v", err)
	}
	if !replay || reportID != "rpt_123" {
		t.Fatalf("expected replay of rpt_123, got %q replay=%v", reportID, replay)
	}
}

func TestKeysAreScopedPerUser(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, _, err := store.Begin(ctx, "user-1", "shared"); err != nil {
		t.Fatalf("Begin user-1 failed: %v", err)
	}
	if err := store.Complete(ctx, "user-1", "shared", "rpt_1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	reportID, replay, err := store.Begin(ctx, "user-2", "shared")
	if err != nil || replay || reportID != "" {
		t.Fatalf("user-2 must get a fresh claim, got %q, %v, %v", reportID, replay, err)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, _, err := store.Begin(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := store.Release(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	_, replay, err := store.Begin(ctx, "user-1", "key-1")
	if err != nil || replay {
		t.Fatalf("expected a fresh claim after release, got replay=%v err=%v", replay, err)
	}
}

func TestPendingClaimExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, _, err := store.Begin(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	s.FastForward(pendingTTL + time.Second)

	_, replay, err := store.Begin(ctx, "user-1", "key-1")
	if err != nil || replay {
		t.Fatalf("expected a fresh claim after expiry, got replay=%v err=%v", replay, err)
	}
}

func TestCompletedKeyExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, _, err := store.Begin(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := store.Complete(ctx, "user-1", "key-1", "rpt_1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	s.FastForward(2 * time.Hour)

	_, replay, err := store.Begin(ctx, "user-1", "key-1")
	if err != nil || replay {
		t.Fatalf("expected key to be forgotten, got replay=%v err=%v", replay, err)
	}
}
