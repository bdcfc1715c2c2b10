package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// TokenBucket is a distributed token bucket shared by every API replica.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Key namespaces a caller identity (a recruiter id) in the limiter keyspace.
func Key(identity string) string {
	return keyPrefix + identity
}

// Allow consumes a single token for identity if available.
// Returns allowed flag and remaining token count.
func (b *TokenBucket) Allow(ctx context.Context, identity string) (bool, float64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{Key(identity)},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", identity, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %T", identity, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed == 1, tokens, nil
}

// Tokens are stored as thousandths so the reply stays an integer.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1]) * 1000
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'milli', 'last_ms')
local milli = tonumber(data[1])
local last = tonumber(data[2])
if milli == nil then milli = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
milli = math.min(capacity, milli + math.floor(delta * refill))

local allowed = 0
if milli >= 1000 then
  allowed = 1
  milli = milli - 1000
end

redis.call('HSET', key, 'milli', milli, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(milli / 1000)}
`)
