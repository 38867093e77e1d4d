package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicyTTLs(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, time.Minute, p.TTL(DataTypeMarketData))
	assert.Equal(t, 24*time.Hour, p.TTL(DataTypeStaticData))
	assert.Equal(t, 5*time.Minute, p.TTL("unknown"))
	assert.Equal(t, time.Minute, p.Window())
}

func TestPolicyTierFallsBackToAnonymous(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, int64(200), p.Tier(TierAuthenticated).RequestsPerMinute)
	assert.Equal(t, int64(60), p.Tier("partner").RequestsPerMinute)
	assert.Equal(t, int64(10), p.Tier("partner").Burst)
}

func TestValidatePolicy(t *testing.T) {
	assert.NoError(t, validatePolicy(DefaultPolicy()))

	broken := DefaultPolicy()
	broken.RateLimit.Tiers = map[string]RateTier{TierAuthenticated: {RequestsPerMinute: 10, Burst: 1}}
	assert.Error(t, validatePolicy(broken))

	zeroTTL := DefaultPolicy()
	zeroTTL.CacheTTL = map[string]int{DataTypeNews: 0}
	assert.Error(t, validatePolicy(zeroTTL))
}

func TestStaticPolicyHolder(t *testing.T) {
	p := DefaultPolicy()
	p.CacheTTL[DataTypeNews] = 5
	holder := NewStaticPolicyHolder(p)

	assert.Equal(t, 5*time.Second, holder.Get().TTL(DataTypeNews))

	var nilHolder *PolicyHolder
	assert.Equal(t, 15*time.Minute, nilHolder.Get().TTL(DataTypeNews))
}
