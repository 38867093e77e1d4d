package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const takeScript = `
local capacity = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local allowed = 0
if current < capacity then
  current = redis.call("INCR", KEYS[1])
  allowed = 1
end
if redis.call("PTTL", KEYS[1]) == -1 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end

return {allowed, current}
`

type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(takeScript),
	}
}

func (s *RedisStore) Take(ctx context.Context, key string, capacity int64, ttl time.Duration) (int64, bool, error) {
	res, err := s.script.Run(ctx, s.client, []string{key}, capacity, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(res) < 2 {
		return 0, false, errors.New("invalid rate limit script response")
	}
	return castToInt(res[1]), castToInt(res[0]) == 1, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}
