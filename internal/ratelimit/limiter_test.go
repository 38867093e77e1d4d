package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var windowStart = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestLimiter(store CounterStore, c clock.Clock) *Limiter {
	return NewLimiter(Params{
		Store:  store,
		Clock:  c,
		Policy: config.NewStaticPolicyHolder(config.DefaultPolicy()),
		Config: config.Config{Redis: config.RedisConfig{OpTimeout: time.Second}},
		Log:    zap.NewNop(),
	})
}

func TestExpectedTokensRamp(t *testing.T) {
	anonymous := config.RateTier{RequestsPerMinute: 60, Burst: 10}
	authenticated := config.RateTier{RequestsPerMinute: 200, Burst: 20}

	cases := []struct {
		name    string
		tier    config.RateTier
		elapsed time.Duration
		want    int64
	}{
		{"window_open", anonymous, 0, 0},
		{"half_second", anonymous, 500 * time.Millisecond, 0},
		{"five_seconds", anonymous, 5 * time.Second, 5},
		{"capped_by_burst", anonymous, 45 * time.Second, 10},
		{"authenticated_three_seconds", authenticated, 3 * time.Second, 10},
		{"authenticated_capped", authenticated, 30 * time.Second, 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, expectedTokens(tc.tier, tc.elapsed))
		})
	}
}

func TestLimiterMemoryStoreWindow(t *testing.T) {
	fc := clock.NewFakeClock(windowStart.Add(30 * time.Second))
	limiter := newTestLimiter(NewMemoryStore(fc), fc)
	id := IdentityFor("", "203.0.113.9:5123")
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		allowed, info := limiter.IsAllowed(ctx, id, "/v1/datasets")
		require.True(t, allowed, "request %d", i)
		assert.Equal(t, 10-i, info.Remaining)
		assert.Equal(t, i, info.WindowCount)
	}

	allowed, info := limiter.IsAllowed(ctx, id, "/v1/datasets")
	assert.False(t, allowed)
	assert.Equal(t, int64(0), info.Remaining)
	assert.Equal(t, windowStart.Add(time.Minute), info.Reset)
	assert.Equal(t, 30*time.Second, info.ResetAfter)
	assert.Equal(t, int64(60), info.Limit)

	fc.Advance(time.Minute)
	allowed, info = limiter.IsAllowed(ctx, id, "/v1/datasets")
	assert.True(t, allowed)
	assert.Equal(t, int64(1), info.WindowCount)
}

func TestLimiterRampDeniesEarlyBurst(t *testing.T) {
	fc := clock.NewFakeClock(windowStart.Add(3 * time.Second))
	limiter := newTestLimiter(NewMemoryStore(fc), fc)
	id := IdentityFor("", "198.51.100.7")
	ctx := context.Background()

	granted := 0
	for i := 0; i < 10; i++ {
		if ok, _ := limiter.IsAllowed(ctx, id, ""); ok {
			granted++
		}
	}
	assert.Equal(t, 3, granted)
}

func TestLimiterRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fc := clock.NewFakeClock(windowStart.Add(40 * time.Second))
	limiter := newTestLimiter(NewRedisStore(client), fc)
	id := IdentityFor("secret-key", "")
	ctx := context.Background()

	assert.True(t, id.Authenticated)
	for i := 0; i < 20; i++ {
		allowed, _ := limiter.IsAllowed(ctx, id, "")
		require.True(t, allowed)
	}
	allowed, info := limiter.IsAllowed(ctx, id, "")
	assert.False(t, allowed)
	assert.Equal(t, int64(20), info.WindowCount)
	assert.Equal(t, int64(200), info.Limit)

	status := limiter.Status(ctx, id, "")
	assert.Equal(t, int64(20), status.WindowCount)
	assert.Equal(t, int64(0), status.Remaining)

	key := "rate_limit:" + id.ClientID + ":" + "1704103200"
	assert.True(t, mr.Exists(key))
	ttl := mr.TTL(key)
	assert.True(t, ttl > time.Minute && ttl <= 70*time.Second)
}

func TestLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	fc := clock.NewFakeClock(windowStart.Add(30 * time.Second))
	limiter := newTestLimiter(NewRedisStore(client), fc)
	mr.Close()

	allowed, info := limiter.IsAllowed(context.Background(), IdentityFor("", "192.0.2.1"), "")

	assert.True(t, allowed)
	assert.True(t, info.Degraded)
	assert.True(t, limiter.Degraded())
	assert.Equal(t, int64(60), info.Remaining)
}

func TestIdentityFor(t *testing.T) {
	keyed := IdentityFor("  abc123  ", "10.0.0.1")
	assert.Equal(t, "api_key:"+Fingerprint("abc123"), keyed.ClientID)
	assert.NotContains(t, keyed.ClientID, "abc123")
	assert.Equal(t, config.TierAuthenticated, keyed.Tier())

	assert.Equal(t, "ip:10.0.0.1", IdentityFor("", "10.0.0.1, 172.16.0.1").ClientID)
	assert.Equal(t, "ip:10.0.0.2", IdentityFor("", "10.0.0.2:443").ClientID)
	assert.Equal(t, "ip:unknown", IdentityFor("", "").ClientID)
}
