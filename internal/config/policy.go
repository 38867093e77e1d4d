package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	TierAnonymous     = "anonymous"
	TierAuthenticated = "authenticated"

	DataTypeMarketData   = "market_data"
	DataTypeESGData      = "esg_data"
	DataTypeStaticData   = "static_data"
	DataTypeAPIResponses = "api_responses"
	DataTypeAnalytics    = "analytics"
	DataTypeNews         = "news"
)

// Policy is the hot-reloadable part of the configuration: limiter tiers and
// cache freshness per data type.
type Policy struct {
	RateLimit RateLimitPolicy `mapstructure:"ratelimit"`
	CacheTTL  map[string]int  `mapstructure:"cachettl"`
}

type RateLimitPolicy struct {
	WindowSeconds int                 `mapstructure:"windowseconds"`
	Tiers         map[string]RateTier `mapstructure:"tiers"`
}

type RateTier struct {
	RequestsPerMinute int64 `mapstructure:"requestsperminute"`
	Burst             int64 `mapstructure:"burst"`
}

func DefaultPolicy() Policy {
	return Policy{
		RateLimit: RateLimitPolicy{
			WindowSeconds: 60,
			Tiers: map[string]RateTier{
				TierAnonymous:     {RequestsPerMinute: 60, Burst: 10},
				TierAuthenticated: {RequestsPerMinute: 200, Burst: 20},
			},
		},
		CacheTTL: map[string]int{
			DataTypeMarketData:   60,
			DataTypeESGData:      3600,
			DataTypeStaticData:   86400,
			DataTypeAPIResponses: 300,
			DataTypeAnalytics:    1800,
			DataTypeNews:         900,
		},
	}
}

// Window returns the rate-limit window length.
func (p Policy) Window() time.Duration {
	if p.RateLimit.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(p.RateLimit.WindowSeconds) * time.Second
}

// Tier returns the limiter tier, falling back to the anonymous tier.
func (p Policy) Tier(name string) RateTier {
	if tier, ok := p.RateLimit.Tiers[strings.ToLower(name)]; ok {
		return tier
	}
	return p.RateLimit.Tiers[TierAnonymous]
}

// TTL returns the freshness window for a data type. Unknown types use the
// api_responses window.
func (p Policy) TTL(dataType string) time.Duration {
	seconds, ok := p.CacheTTL[strings.ToLower(strings.TrimSpace(dataType))]
	if !ok {
		seconds = p.CacheTTL[DataTypeAPIResponses]
	}
	if seconds <= 0 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}

// DataTypes lists the configured cache data types.
func (p Policy) DataTypes() []string {
	out := make([]string, 0, len(p.CacheTTL))
	for name := range p.CacheTTL {
		out = append(out, name)
	}
	return out
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("config.policy")
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/licensegate/config")
	v.AddConfigPath("/etc/licensegate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LICENSEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy()
	v.SetDefault("policy.ratelimit.windowseconds", defaults.RateLimit.WindowSeconds)
	for name, tier := range defaults.RateLimit.Tiers {
		v.SetDefault("policy.ratelimit.tiers."+name+".requestsperminute", tier.RequestsPerMinute)
		v.SetDefault("policy.ratelimit.tiers."+name+".burst", tier.Burst)
	}
	for dataType, ttl := range defaults.CacheTTL {
		v.SetDefault("policy.cachettl."+dataType, ttl)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("policy file not found, using defaults")
	}

	var p Policy
	if err := v.UnmarshalKey("policy", &p); err != nil {
		return nil, err
	}
	if err := validatePolicy(p); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(p)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Policy
		if err := v.UnmarshalKey("policy", &updated); err != nil {
			log.Warn("policy reload failed", zap.Error(err))
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	return h.current.Load().(Policy)
}

func validatePolicy(p Policy) error {
	if p.RateLimit.WindowSeconds <= 0 {
		return errors.New("policy.ratelimit.windowseconds must be positive")
	}
	if _, ok := p.RateLimit.Tiers[TierAnonymous]; !ok {
		return errors.New("policy.ratelimit.tiers.anonymous is required")
	}
	for name, tier := range p.RateLimit.Tiers {
		if tier.RequestsPerMinute <= 0 || tier.Burst <= 0 {
			return fmt.Errorf("policy.ratelimit.tiers.%s must have positive limits", name)
		}
	}
	for dataType, ttl := range p.CacheTTL {
		if ttl <= 0 {
			return fmt.Errorf("policy.cachettl.%s must be positive", dataType)
		}
	}
	return nil
}
