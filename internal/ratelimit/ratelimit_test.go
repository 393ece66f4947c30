package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestInMemoryRateLimiter_Allow(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	allowed, remaining, _, err := rl.Allow(ctx, "10.0.0.1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed to be true")
	}
	if remaining != 2 {
		t.Errorf("expected remaining 2, got %d", remaining)
	}

	rl.Allow(ctx, "10.0.0.1", 3)
	rl.Allow(ctx, "10.0.0.1", 3)

	allowed, remaining, _, _ = rl.Allow(ctx, "10.0.0.1", 3)
	if allowed {
		t.Error("expected allowed to be false after limit exceeded")
	}
	if remaining != 0 {
		t.Errorf("expected remaining 0, got %d", remaining)
	}
}

func TestInMemoryRateLimiter_DifferentClients(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	rl.Allow(ctx, "10.0.0.1", 1)

	if allowed, _, _, _ := rl.Allow(ctx, "10.0.0.1", 1); allowed {
		t.Error("10.0.0.1 should be rate limited")
	}
	if allowed, _, _, _ := rl.Allow(ctx, "10.0.0.2", 1); !allowed {
		t.Error("10.0.0.2 should not be rate limited")
	}
}

func TestInMemoryRateLimiter_WindowResets(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewInMemoryRateLimiter()
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, resetAt, _ := rl.Allow(ctx, "c", 1)
	if !resetAt.Equal(now.Add(time.Minute)) {
		t.Errorf("resetAt = %v", resetAt)
	}

	if allowed, _, _, _ := rl.Allow(ctx, "c", 1); allowed {
		t.Fatal("second request in window should be limited")
	}

	now = now.Add(time.Minute)
	if allowed, _, _, _ := rl.Allow(ctx, "c", 1); !allowed {
		t.Error("request after reset should be allowed")
	}
}

func TestInMemoryRateLimiter_SweepsExpiredWindows(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewInMemoryRateLimiter()
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	rl.Allow(ctx, "a", 10)
	rl.Allow(ctx, "b", 10)

	now = now.Add(2 * time.Minute)
	rl.Allow(ctx, "c", 10)

	if got := rl.Len(); got != 1 {
		t.Errorf("expected expired windows to be dropped, %d remain", got)
	}
}

func TestRedisRateLimiter(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis rate limiter tests")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	rl := NewRedisRateLimiter(client)
	rl.prefix = "llmduel:test:ratelimit:"
	ctx := context.Background()
	key := "client-" + time.Now().Format("150405.000000")
	defer client.Del(ctx, rl.prefix+key)

	for i := 0; i < 2; i++ {
		if allowed, _, _, err := rl.Allow(ctx, key, 2); err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	if allowed, remaining, _, _ := rl.Allow(ctx, key, 2); allowed || remaining != 0 {
		t.Errorf("third request: allowed=%v remaining=%d", allowed, remaining)
	}
}
