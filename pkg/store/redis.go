package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	gfctx "github.com/vnykmshr/gatekeep/pkg/common/context"
	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
)

// RedisConfig holds configuration for a Redis-backed store.
type RedisConfig struct {
	// Client is the Redis client used for coordination.
	Client redis.UniversalClient

	// OpTimeout bounds each store operation (defaults to DefaultOpTimeout).
	OpTimeout time.Duration
}

// RedisStore implements Store on top of Redis.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration

	compareAndDelete *redis.Script
	compareAndExpire *redis.Script
	incrWithExpiry   *redis.Script
	pushTrim         *redis.Script
}

// NewRedis creates a Redis-backed store.
func NewRedis(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, gferrors.NewValidationError("store", "client", nil, "redis client is required")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}

	return &RedisStore{
		client:           cfg.Client,
		opTimeout:        cfg.OpTimeout,
		compareAndDelete: redis.NewScript(luaCompareAndDelete),
		compareAndExpire: redis.NewScript(luaCompareAndExpire),
		incrWithExpiry:   redis.NewScript(luaIncrWithExpiry),
		pushTrim:         redis.NewScript(luaPushTrim),
	}, nil
}

// SetNX creates key only if absent, with the given ttl.
func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := gfctx.WithOpTimeout(ctx, r.opTimeout)
	defer cancel()

	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fail("setnx", key, err)
	}
	return ok, nil
}

// Get returns the value at key.
func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := gfctx.WithOpTimeout(ctx, r.opTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fail("get", key, err)
	}
	return val, true, nil
}

// CompareAndDelete deletes key when it still holds expected.
func (r *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	ctx, cancel := gfctx.WithOpTimeout(ctx, r.opTimeout)
	defer cancel()

	n, err := r.compareAndDelete.Run(ctx, r.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fail("compare_and_delete", key, err)
	}
	return n == 1, nil
}

// CompareAndExpire resets the ttl of key when it still holds expected.
func (r *RedisStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	ctx, cancel := gfctx.WithOpTimeout(ctx, r.opTimeout)
	defer cancel()

	n, err := r.compareAndExpire.Run(ctx, r.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fail("compare_and_expire", key, err)
	}
	return n == 1, nil
}

// IncrWithExpiry increments the counter at key.
func (r *RedisStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	ctx, cancel := gfctx.WithOpTimeout(ctx, r.opTimeout)
	defer cancel()

	vals, err := r.incrWithExpiry.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fail("incr_with_expiry", key, err)
	}
	if len(vals) != 2 {
		return 0, 0, fail("incr_with_expiry", key, fmt.Errorf("unexpected script reply %v", vals))
	}
	return vals[0], time.Duration(max(vals[1], 0)) * time.Millisecond, nil
}

// PushTrim appends value to the list at key and keeps the newest maxLen entries.
func (r *RedisStore) PushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) (int64, error) {
	if maxLen <= 0 {
		return 0, gferrors.NewValidationError("store", "maxLen", maxLen, "must be positive")
	}

	ctx, cancel := gfctx.WithOpTimeout(ctx, r.opTimeout)
	defer cancel()

	n, err := r.pushTrim.Run(ctx, r.client, []string{key}, value, maxLen, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fail("push_trim", key, err)
	}
	return n, nil
}

// Range returns the list at key, oldest first.
func (r *RedisStore) Range(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := gfctx.WithOpTimeout(ctx, r.opTimeout)
	defer cancel()

	vals, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fail("range", key, err)
	}
	return vals, nil
}

// Delete removes keys.
func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := gfctx.WithOpTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fail("delete", keys[0], err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := gfctx.WithOpTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fail("ping", "", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func fail(op, key string, err error) error {
	return &gferrors.StoreError{Op: op, Key: key, Err: err}
}

// KEYS[1]: lock key
// ARGV[1]: expected holder token
const luaCompareAndDelete = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// KEYS[1]: lock key
// ARGV[1]: expected holder token
// ARGV[2]: new ttl (milliseconds)
const luaCompareAndExpire = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// KEYS[1]: counter key
// ARGV[1]: ttl (milliseconds), applied on creation or when the ttl is missing
// Returns {count, remaining ttl in milliseconds}.
const luaIncrWithExpiry = `
local count = redis.call('INCR', KEYS[1])
local pttl = redis.call('PTTL', KEYS[1])
if count == 1 or pttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    pttl = tonumber(ARGV[1])
end
return {count, pttl}
`

// KEYS[1]: list key
// ARGV[1]: value
// ARGV[2]: max length
// ARGV[3]: ttl (milliseconds)
const luaPushTrim = `
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], -tonumber(ARGV[2]), -1)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return redis.call('LLEN', KEYS[1])
`
