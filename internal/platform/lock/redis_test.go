package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRedis_TryLockAndUnlock(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	l, client, err := NewRedisFromURL(ctx, url, "test:"+uuid.NewString()+":")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	token, err := l.TryLock(ctx, "day", 5*time.Second)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := l.TryLock(ctx, "day", 5*time.Second); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if err := l.Unlock(ctx, "day", "not-mine"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := l.Unlock(ctx, "day", token); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := l.Unlock(ctx, "day", token); err != nil {
		t.Fatalf("second Unlock of a free key should be a no-op, got %v", err)
	}
}
