// Package delaystore is a Redis-backed key/value store whose keys can fire an
// expiration notification. A delay entry is a trigger key with a TTL and an
// empty value plus a backup key ("<key>_bk") holding the payload; only the
// trigger's expiration is consumed.
package delaystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"recruiter-outreach-scheduler/internal/config"
)

// BackupSuffix is appended to a trigger key to name its payload key.
const BackupSuffix = "_bk"

const (
	watermarkKey = "latest"
	claimValue   = "pending"
)

// ErrAlreadyScheduled is returned by Reserve when the subject already has a backup payload.
var ErrAlreadyScheduled = errors.New("delay entry already exists")

// Store wraps one logical Redis DB.
type Store struct {
	client *redis.Client
	db     int
}

// New opens a store on the given logical DB using the shared Redis settings.
func New(cfg config.Config, db int) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       db,
	})
	return &Store{client: client, db: db}
}

// NewWithClient wraps an existing client. db must match the client's selected DB.
func NewWithClient(client *redis.Client, db int) *Store {
	return &Store{client: client, db: db}
}

// BackupKey returns the payload key paired with a trigger key.
func BackupKey(key string) string {
	return key + BackupSuffix
}

// IsBackupKey reports whether key names a payload rather than a trigger.
func IsBackupKey(key string) bool {
	return strings.HasSuffix(key, BackupSuffix)
}

// Client exposes the underlying connection for callers that need lower-level primitives.
func (s *Store) Client() *redis.Client { return s.client }

// DB returns the logical database index.
func (s *Store) DB() int { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Set writes value under key with no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get returns the value under key. ok is false when the key does not exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n == 1, nil
}

// Delete removes keys and returns how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete %v: %w", keys, err)
	}
	return n, nil
}

// ExpireAfter sets a TTL on an existing key. It returns false when the key is missing.
func (s *Store) ExpireAfter(ctx context.Context, key string, d time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, d).Result()
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", key, err)
	}
	return ok, nil
}

// Arm writes the backup payload and an empty trigger that expires after ttl, atomically.
func (s *Store) Arm(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, BackupKey(key), payload, 0)
	pipe.Set(ctx, key, "", ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("arm %s: %w", key, err)
	}
	return nil
}

// Take reads and deletes the backup payload of key in one transaction.
func (s *Store) Take(ctx context.Context, key string) ([]byte, bool, error) {
	pipe := s.client.TxPipeline()
	get := pipe.Get(ctx, BackupKey(key))
	pipe.Del(ctx, BackupKey(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, false, fmt.Errorf("take %s: %w", key, err)
	}
	val, err := get.Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("take %s: %w", key, err)
	}
	return val, true, nil
}

// Cancel removes both the trigger and the backup of key. It reports whether anything existed.
func (s *Store) Cancel(ctx context.Context, key string) (bool, error) {
	n, err := s.Delete(ctx, key, BackupKey(key))
	return n > 0, err
}

// Reserve claims the backup of key and returns the next send slot (unix seconds).
// The slot is max(watermark, now) + gap and becomes the new watermark. When the backup
// already exists nothing changes and ErrAlreadyScheduled is returned. The caller must
// follow up with Arm, or Release on failure.
func (s *Store) Reserve(ctx context.Context, key string, gap time.Duration, now time.Time) (int64, error) {
	res, err := reserveScript.Run(ctx, s.client,
		[]string{BackupKey(key), watermarkKey},
		now.Unix(), int64(gap/time.Second), claimValue,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("reserve %s: %w", key, err)
	}
	if res < 0 {
		return 0, ErrAlreadyScheduled
	}
	return res, nil
}

// Release drops a claim taken by Reserve that was never armed.
func (s *Store) Release(ctx context.Context, key string) error {
	_, err := releaseScript.Run(ctx, s.client, []string{BackupKey(key)}, claimValue).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Watermark returns the latest reserved slot, or 0 if none was reserved yet.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	v, err := s.client.Get(ctx, watermarkKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	return v, nil
}

var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
local now = tonumber(ARGV[1])
local slot = tonumber(redis.call('GET', KEYS[2]) or '0')
if slot < now then
  slot = now
end
slot = slot + tonumber(ARGV[2])
redis.call('SET', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], slot)
return slot
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Push appends a fragment to the backup list of key and re-arms its trigger to ttl.
func (s *Store) Push(ctx context.Context, key string, fragment []byte, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, BackupKey(key), fragment)
	pipe.Set(ctx, key, "", ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// Drain returns every fragment pushed under key and deletes the list.
func (s *Store) Drain(ctx context.Context, key string) ([]string, error) {
	pipe := s.client.TxPipeline()
	rng := pipe.LRange(ctx, BackupKey(key), 0, -1)
	pipe.Del(ctx, BackupKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("drain %s: %w", key, err)
	}
	return rng.Val(), nil
}

// Rearm resets the trigger of key to ttl if its backup exists. It reports whether it did.
func (s *Store) Rearm(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := rearmScript.Run(ctx, s.client, []string{BackupKey(key), key}, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("rearm %s: %w", key, err)
	}
	return n == 1, nil
}

var rearmScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[2], '', 'PX', ARGV[1])
return 1
`)
