package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("ratelimit",
	fx.Provide(
		fx.Annotate(NewRedisStore, fx.As(new(CounterStore))),
		NewLimiter,
	),
)

// CounterStore is the shared state behind rate limiting and mutual exclusion
// across worker processes. Every operation must be atomic on the backend.
type CounterStore interface {
	// IncrWithTTL increments key and returns the new value. The key expires
	// ttl after the first increment of its window.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// AcquireLock sets key to token only if absent, with the given expiry.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseLock deletes key only while it still holds token.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}

var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrScript.Run(ctx, s.rdb, []string{key}, ttl.Milliseconds()).Int64()
}

func (s *RedisStore) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, token, ttl).Result()
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
