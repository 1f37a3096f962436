package quota

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestHourlyLimiter(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewHourlyLimiter(client, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "cfg", 2)
	if err != nil || !allowed {
		t.Fatalf("expected first call allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.Allow(ctx, "cfg", 2)
	if !allowed {
		t.Fatal("expected second call allowed")
	}
	allowed, _, _ = limiter.Allow(ctx, "cfg", 2)
	if allowed {
		t.Fatal("expected third call paced")
	}

	// A different config has its own bucket.
	allowed, _, _ = limiter.Allow(ctx, "other", 2)
	if !allowed {
		t.Fatal("expected independent bucket for other config")
	}
}

func TestHourlyLimiterUnlimited(t *testing.T) {
	limiter := NewHourlyLimiter(nil, time.Minute)
	allowed, _, err := limiter.Allow(context.Background(), "cfg", 0)
	if err != nil || !allowed {
		t.Fatalf("expected unlimited config to pass without redis, got allowed=%v err=%v", allowed, err)
	}
}
