package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fablemill/sessiond/internal/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// casScript performs the versioned compare-and-swap. ARGV[1] is the expected
// version (0 means the key must not exist), ARGV[2] the full new record JSON,
// ARGV[3] the TTL in milliseconds.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local expected = tonumber(ARGV[1])
if not cur then
  if expected ~= 0 then return 0 end
else
  local rec = cjson.decode(cur)
  if tonumber(rec['version']) ~= expected then return 0 end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// unlockScript releases a lock only if the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript renews the lease of a lock the caller still owns.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Redis is the production Store implementation backed by a shared Redis
// deployment. All service instances point at the same Redis, which makes it
// the single source of truth for sessions, families, and refresh locks.
type Redis struct {
	rdb *redis.Client
}

// ConnectRedis creates a Redis store and verifies connectivity with a
// 5-second ping timeout.
func ConnectRedis(cfg *config.RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Redis connected successfully", "address", cfg.Address())
	return &Redis{rdb: rdb}, nil
}

// Close closes the underlying client
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Get retrieves a record by key
func (r *Redis) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record at %s: %w", key, err)
	}
	return &rec, nil
}

// CompareAndSwap writes payload at key iff the stored version still equals
// expectedVersion. expectedVersion 0 creates the key and fails if it exists.
func (r *Redis) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, payload []byte, ttl time.Duration) error {
	rec := Record{
		Version: expectedVersion + 1,
		Payload: payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	res, err := casScript.Run(ctx, r.rdb, []string{key},
		expectedVersion, string(data), ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res != 1 {
		return ErrVersionConflict
	}
	return nil
}

// Delete removes a key
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Expire adjusts the TTL of an existing key
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := r.rdb.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Acquire takes the lock at key for the given lease. The returned token must
// be presented to Release or Extend. If the lock is held, ErrLockHeld is
// returned immediately; grace-window polling is the caller's concern.
func (r *Redis) Acquire(ctx context.Context, key string, lease time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

// Release frees the lock if the caller still owns it
func (r *Redis) Release(ctx context.Context, key, token string) error {
	res, err := unlockScript.Run(ctx, r.rdb, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res != 1 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend renews the lease if the caller still owns the lock
func (r *Redis) Extend(ctx context.Context, key, token string, lease time.Duration) error {
	res, err := extendScript.Run(ctx, r.rdb, []string{key}, token, lease.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res != 1 {
		return ErrLockNotHeld
	}
	return nil
}
