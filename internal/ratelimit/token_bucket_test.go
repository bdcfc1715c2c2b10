package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }

	allowed, _, err := bucket.Allow(ctx, "17")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, remaining, _ := bucket.Allow(ctx, "17")
	if !allowed || remaining != 0 {
		t.Fatalf("expected second token allowed with 0 left, got allowed=%v remaining=%v", allowed, remaining)
	}
	allowed, _, _ = bucket.Allow(ctx, "17")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Other recruiters have their own bucket.
	if allowed, _, _ = bucket.Allow(ctx, "18"); !allowed {
		t.Fatalf("expected independent bucket for another identity")
	}

	clock = clock.Add(1500 * time.Millisecond)
	if allowed, _, _ = bucket.Allow(ctx, "17"); !allowed {
		t.Fatalf("expected a token after refill")
	}
	if allowed, _, _ = bucket.Allow(ctx, "17"); allowed {
		t.Fatalf("only one token should have refilled")
	}
	if !mr.Exists(Key("17")) {
		t.Fatalf("expected bucket key %q", Key("17"))
	}
}
