package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang/snappy"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	flagPlain  byte = 0
	flagSnappy byte = 1

	defaultOpTimeout = 250 * time.Millisecond
)

var (
	ErrInvalidKey      = errors.New("cache key is required")
	ErrInvalidDataType = errors.New("cache data type is required")
	errCorruptPayload  = errors.New("corrupt cache payload")
)

// Entry is one cached response. Value holds the JSON encoding of what was set.
type Entry struct {
	Value    json.RawMessage `json:"value"`
	CachedAt time.Time       `json:"cached_at"`
	DataType string          `json:"data_type"`
	TTL      time.Duration   `json:"ttl"`
}

// Decode unmarshals the cached value into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Value, v)
}

type Stats struct {
	Backend  string           `json:"backend"`
	Degraded bool             `json:"degraded"`
	Keys     map[string]int64 `json:"keys"`
}

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Policy  *config.PolicyHolder
	Client  *redis.Client    `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
	Ops     *metrics.Ops     `optional:"true"`
}

// ResponseCache is a shared response cache with per data type TTLs. Store
// failures never surface to readers: a broken store behaves as a miss.
type ResponseCache struct {
	log        *zap.Logger
	clock      clock.Clock
	policy     *config.PolicyHolder
	store      Store
	enabled    bool
	threshold  int
	opTimeout  time.Duration
	obsMetrics *metrics.Metrics
	ops        *metrics.Ops
}

func NewResponseCache(p Params) *ResponseCache {
	var store Store
	if p.Client == nil {
		store = NewMemoryStore(p.Clock)
	} else {
		store = NewRedisStore(p.Client)
	}
	return newResponseCache(p, store)
}

func newResponseCache(p Params, store Store) *ResponseCache {
	timeout := p.Config.Redis.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &ResponseCache{
		log:        p.Log.Named("cache.response"),
		clock:      p.Clock,
		policy:     p.Policy,
		store:      store,
		enabled:    p.Config.Cache.Enabled,
		threshold:  p.Config.Cache.CompressThreshold,
		opTimeout:  timeout,
		obsMetrics: p.Metrics,
		ops:        p.Ops,
	}
}

// TTLFor returns the configured freshness of a data type.
func (c *ResponseCache) TTLFor(dataType string) time.Duration {
	return c.policy.Get().TTL(dataType)
}

func (c *ResponseCache) Get(ctx context.Context, key string) (*Entry, bool) {
	if !c.enabled || strings.TrimSpace(key) == "" {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	payload, ok, err := c.store.Get(opCtx, key)
	if err != nil {
		c.degrade("get", err)
		c.obsMetrics.RecordCacheLookup(ctx, "", "error")
		return nil, false
	}
	c.ops.SetDegraded(metrics.ComponentResponseCache, false)
	if !ok {
		c.obsMetrics.RecordCacheLookup(ctx, "", "miss")
		return nil, false
	}

	entry, err := c.decode(payload)
	if err != nil {
		c.log.Warn("dropping unreadable cache entry", zap.String("key", key), zap.Error(err))
		c.obsMetrics.RecordCacheLookup(ctx, "", "error")
		return nil, false
	}
	c.obsMetrics.RecordCacheLookup(ctx, entry.DataType, "hit")
	return entry, true
}

// Set stores value under key. A non-positive ttl uses the data type's TTL.
// Store failures are logged and swallowed.
func (c *ResponseCache) Set(ctx context.Context, key string, value any, ttl time.Duration, dataType string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	dataType = strings.TrimSpace(dataType)
	if dataType == "" {
		return ErrInvalidDataType
	}
	if !c.enabled {
		return nil
	}
	if ttl <= 0 {
		ttl = c.TTLFor(dataType)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	payload, err := c.encode(Entry{
		Value:    raw,
		CachedAt: c.clock.Now().UTC(),
		DataType: dataType,
		TTL:      ttl,
	})
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.store.Set(opCtx, key, payload, ttl, dataType); err != nil {
		c.degrade("set", err)
		return nil
	}
	c.ops.SetDegraded(metrics.ComponentResponseCache, false)
	return nil
}

func (c *ResponseCache) InvalidateDataType(ctx context.Context, dataType string) (int64, error) {
	dataType = strings.TrimSpace(dataType)
	if dataType == "" {
		return 0, ErrInvalidDataType
	}
	removed, err := c.store.InvalidateDataType(ctx, dataType)
	if err != nil {
		c.degrade("invalidate_data_type", err)
		return 0, err
	}
	c.log.Info("cache invalidated", zap.String("data_type", dataType), zap.Int64("removed", removed))
	return removed, nil
}

// InvalidatePattern removes keys matching a glob pattern such as "datasets:*".
func (c *ResponseCache) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return 0, ErrInvalidKey
	}
	removed, err := c.store.InvalidatePattern(ctx, pattern)
	if err != nil {
		c.degrade("invalidate_pattern", err)
		return 0, err
	}
	c.log.Info("cache invalidated", zap.String("pattern", pattern), zap.Int64("removed", removed))
	return removed, nil
}

func (c *ResponseCache) Flush(ctx context.Context) error {
	if err := c.store.Flush(ctx); err != nil {
		c.degrade("flush", err)
		return err
	}
	c.log.Info("cache flushed")
	return nil
}

// Stats reports live key counts by data type.
func (c *ResponseCache) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Backend: c.store.Backend()}
	counts, err := c.store.Counts(ctx, c.policy.Get().DataTypes())
	if err != nil {
		c.degrade("stats", err)
		stats.Degraded = true
		return stats, err
	}
	stats.Keys = counts
	return stats, nil
}

func (c *ResponseCache) degrade(op string, err error) {
	c.ops.SetDegraded(metrics.ComponentResponseCache, true)
	c.log.Warn("cache store degraded", zap.String("op", op), zap.Error(err))
}

// encode compresses entries whose value, not envelope, is over the threshold.
func (c *ResponseCache) encode(entry Entry) ([]byte, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if c.threshold > 0 && len(entry.Value) > c.threshold {
		return append([]byte{flagSnappy}, snappy.Encode(nil, body)...), nil
	}
	return append([]byte{flagPlain}, body...), nil
}

func (c *ResponseCache) decode(payload []byte) (*Entry, error) {
	if len(payload) == 0 {
		return nil, errCorruptPayload
	}
	body := payload[1:]
	switch payload[0] {
	case flagPlain:
	case flagSnappy:
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, err
		}
		body = decoded
	default:
		return nil, errCorruptPayload
	}
	var entry Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
