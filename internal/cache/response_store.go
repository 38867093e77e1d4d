package cache

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/licensegate/internal/clock"
)

var ErrStoreUnavailable = errors.New("cache store unavailable")

const (
	entryPrefix = "cache:entry:"
	typePrefix  = "cache:type:"
	typesKey    = "cache:types"
	keyTypeKey  = "cache:keytype"
	scanCount   = 500
)

// Store persists encoded cache payloads and the per data type index.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration, dataType string) error
	InvalidateDataType(ctx context.Context, dataType string) (int64, error)
	InvalidatePattern(ctx context.Context, pattern string) (int64, error)
	Flush(ctx context.Context) error
	Counts(ctx context.Context, dataTypes []string) (map[string]int64, error)
	Backend() string
}

// A key belongs to one data type index at a time; retyping a key moves it.
const setScript = `
local previous = redis.call("HGET", KEYS[4], KEYS[1])
if previous and previous ~= ARGV[3] then
  redis.call("SREM", ARGV[4] .. previous, KEYS[1])
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], KEYS[1])
redis.call("SADD", KEYS[3], ARGV[3])
redis.call("HSET", KEYS[4], KEYS[1], ARGV[3])
return 1
`

const invalidateScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local removed = 0
for _, key in ipairs(members) do
  removed = removed + redis.call("DEL", key)
  redis.call("HDEL", KEYS[2], key)
end
redis.call("DEL", KEYS[1])
return removed
`

const countScript = `
local members = redis.call("SMEMBERS", KEYS[1])
for _, key in ipairs(members) do
  if redis.call("EXISTS", key) == 0 then
    redis.call("SREM", KEYS[1], key)
    redis.call("HDEL", KEYS[2], key)
  end
end
return redis.call("SCARD", KEYS[1])
`

type RedisStore struct {
	client     *redis.Client
	set        *redis.Script
	invalidate *redis.Script
	count      *redis.Script
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		set:        redis.NewScript(setScript),
		invalidate: redis.NewScript(invalidateScript),
		count:      redis.NewScript(countScript),
	}
}

func (s *RedisStore) Backend() string { return "redis" }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := s.client.Get(ctx, entryPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return payload, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration, dataType string) error {
	keys := []string{entryPrefix + key, typePrefix + dataType, typesKey, keyTypeKey}
	if err := s.set.Run(ctx, s.client, keys, payload, ttl.Milliseconds(), dataType, typePrefix).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) InvalidateDataType(ctx context.Context, dataType string) (int64, error) {
	removed, err := s.invalidate.Run(ctx, s.client, []string{typePrefix + dataType, keyTypeKey}).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return removed, nil
}

func (s *RedisStore) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	return s.deleteMatching(ctx, entryPrefix+pattern)
}

func (s *RedisStore) Flush(ctx context.Context) error {
	_, err := s.deleteMatching(ctx, "cache:*")
	return err
}

func (s *RedisStore) deleteMatching(ctx context.Context, match string) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Counts(ctx context.Context, dataTypes []string) (map[string]int64, error) {
	known, err := s.client.SMembers(ctx, typesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	counts := make(map[string]int64, len(dataTypes))
	for _, dataType := range mergeTypes(dataTypes, known) {
		n, err := s.count.Run(ctx, s.client, []string{typePrefix + dataType, keyTypeKey}).Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		counts[dataType] = n
	}
	return counts, nil
}

type memoryEntry struct {
	payload   []byte
	dataType  string
	expiresAt time.Time
}

// MemoryStore is the single-instance store used when no Redis is configured.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{clock: c, entries: map[string]memoryEntry{}}
}

func (s *MemoryStore) Backend() string { return "memory" }

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		return nil, false, nil
	}
	return entry.payload, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, payload []byte, ttl time.Duration, dataType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{
		payload:   append([]byte(nil), payload...),
		dataType:  dataType,
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) InvalidateDataType(_ context.Context, dataType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key := range s.entries {
		entry, ok := s.live(key)
		if ok && entry.dataType == dataType {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) InvalidatePattern(_ context.Context, pattern string) (int64, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key := range s.entries {
		if _, ok := s.live(key); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]memoryEntry{}
	return nil
}

func (s *MemoryStore) Counts(_ context.Context, dataTypes []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64, len(dataTypes))
	for _, dataType := range dataTypes {
		counts[dataType] = 0
	}
	for key := range s.entries {
		if entry, ok := s.live(key); ok {
			counts[entry.dataType]++
		}
	}
	return counts, nil
}

// live drops the entry when it has expired. Callers hold mu.
func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.clock.Now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func mergeTypes(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok || v == "" {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
