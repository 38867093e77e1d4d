package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyWindow         = "rate_limit:%s:%d"
	keyEndpointWindow = "rate_limit:%s:%s:%d"

	// Counters outlive their window slightly so late readers still see them.
	windowGrace = 10 * time.Second
)

// Info describes a client's position in the current window.
type Info struct {
	Limit          int64         `json:"limit"`
	Remaining      int64         `json:"remaining"`
	Reset          time.Time     `json:"reset"`
	ResetAfter     time.Duration `json:"reset_after"`
	Burst          int64         `json:"burst"`
	WindowCount    int64         `json:"window_count"`
	ExpectedTokens int64         `json:"expected_tokens"`
	Degraded       bool          `json:"degraded,omitempty"`
}

type Params struct {
	fx.In

	Store   CounterStore
	Clock   clock.Clock
	Policy  *config.PolicyHolder
	Config  config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
	Ops     *metrics.Ops     `optional:"true"`
}

// Limiter is a fixed-window limiter whose allowance ramps up over the window
// toward the tier's burst, so a client cannot spend its whole budget in the
// first second.
type Limiter struct {
	store       CounterStore
	clock       clock.Clock
	policy      *config.PolicyHolder
	log         *zap.Logger
	metrics     *metrics.Metrics
	ops         *metrics.Ops
	timeout     time.Duration
	perEndpoint bool
	degraded    atomic.Bool
}

func NewLimiter(p Params) *Limiter {
	timeout := p.Config.Redis.OpTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Limiter{
		store:       p.Store,
		clock:       p.Clock,
		policy:      p.Policy,
		log:         p.Log.Named("ratelimit"),
		metrics:     p.Metrics,
		ops:         p.Ops,
		timeout:     timeout,
		perEndpoint: p.Config.Access.RateLimitPerEndpoint,
	}
}

// IsAllowed consumes one request from the client's current window. When the
// counter store cannot be reached the request is allowed and Info.Degraded is
// set.
func (l *Limiter) IsAllowed(ctx context.Context, id Identity, endpoint string) (bool, Info) {
	now := l.clock.Now()
	policy := l.policy.Get()
	tier := policy.Tier(id.Tier())
	window := policy.Window()
	start, reset := windowBounds(now, window)
	expected := expectedTokens(tier, now.Sub(start))

	info := Info{
		Limit:          tier.RequestsPerMinute,
		Reset:          reset,
		ResetAfter:     reset.Sub(now),
		Burst:          tier.Burst,
		ExpectedTokens: expected,
	}

	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, allowed, err := l.store.Take(opCtx, l.key(id, endpoint, start), expected, window+windowGrace)
	if err != nil {
		l.markDegraded(err)
		info.Remaining = tier.RequestsPerMinute
		info.Degraded = true
		return true, info
	}
	l.markHealthy()

	info.WindowCount = count
	info.Remaining = max(expected-count, 0)
	if allowed {
		l.metrics.RecordRateLimitAllowed(ctx, id.Tier(), endpoint)
	} else {
		l.metrics.RecordRateLimitDenied(ctx, id.Tier(), endpoint, "window_exhausted")
	}
	return allowed, info
}

// Status reports the window without consuming from it.
func (l *Limiter) Status(ctx context.Context, id Identity, endpoint string) Info {
	now := l.clock.Now()
	policy := l.policy.Get()
	tier := policy.Tier(id.Tier())
	start, reset := windowBounds(now, policy.Window())
	expected := expectedTokens(tier, now.Sub(start))

	info := Info{
		Limit:          tier.RequestsPerMinute,
		Reset:          reset,
		ResetAfter:     reset.Sub(now),
		Burst:          tier.Burst,
		ExpectedTokens: expected,
	}

	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, err := l.store.Peek(opCtx, l.key(id, endpoint, start))
	if err != nil {
		l.markDegraded(err)
		info.Remaining = tier.RequestsPerMinute
		info.Degraded = true
		return info
	}
	info.WindowCount = count
	info.Remaining = max(expected-count, 0)
	return info
}

// Degraded reports whether the last store call failed.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

func (l *Limiter) key(id Identity, endpoint string, start time.Time) string {
	if l.perEndpoint && strings.TrimSpace(endpoint) != "" {
		return fmt.Sprintf(keyEndpointWindow, id.ClientID, endpoint, start.Unix())
	}
	return fmt.Sprintf(keyWindow, id.ClientID, start.Unix())
}

func (l *Limiter) markDegraded(err error) {
	if !l.degraded.Swap(true) {
		l.log.Warn("rate limiter store unavailable, failing open", zap.Error(err))
		l.ops.SetDegraded(metrics.ComponentRateLimiter, true)
	}
}

func (l *Limiter) markHealthy() {
	if l.degraded.Swap(false) {
		l.log.Info("rate limiter store recovered")
		l.ops.SetDegraded(metrics.ComponentRateLimiter, false)
	}
}

// windowBounds aligns windows to the Unix epoch so every replica agrees on them.
func windowBounds(now time.Time, window time.Duration) (time.Time, time.Time) {
	size := int64(window / time.Second)
	if size <= 0 {
		size = 60
	}
	startUnix := now.Unix() / size * size
	start := time.Unix(startUnix, 0).UTC()
	return start, start.Add(time.Duration(size) * time.Second)
}

// expectedTokens is min(burst, floor(rpm/60 * elapsed seconds)).
func expectedTokens(tier config.RateTier, elapsed time.Duration) int64 {
	if elapsed < 0 {
		elapsed = 0
	}
	ramped := int64(math.Floor(float64(tier.RequestsPerMinute) / 60 * elapsed.Seconds()))
	return min(tier.Burst, ramped)
}
