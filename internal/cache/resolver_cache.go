package cache

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
)

const defaultResolverTTL = 30 * time.Second

// ResolverCache holds hot-path reference lookups for access checks: datasets
// by slug and licenses by id. Subscriptions are never cached here because a
// suspension must take effect on the next request.
type ResolverCache interface {
	GetDataset(slug string) (datasetdomain.Dataset, bool)
	SetDataset(dataset datasetdomain.Dataset)
	InvalidateDataset(slug string)
	GetLicense(id snowflake.ID) (licensedomain.License, bool)
	SetLicense(license licensedomain.License)
	InvalidateLicense(id snowflake.ID)
}

type resolverCache struct {
	datasets Cache[string, datasetdomain.Dataset]
	licenses Cache[snowflake.ID, licensedomain.License]
	ttl      time.Duration
}

// NewResolverCache returns an in-memory resolver cache.
func NewResolverCache(cfg config.Config, c clock.Clock) ResolverCache {
	ttl := cfg.Cache.ResolverTTL
	if ttl <= 0 {
		ttl = defaultResolverTTL
	}
	return &resolverCache{
		datasets: NewTTLCacheWithClock[string, datasetdomain.Dataset](c.Now),
		licenses: NewTTLCacheWithClock[snowflake.ID, licensedomain.License](c.Now),
		ttl:      ttl,
	}
}

func (c *resolverCache) GetDataset(slug string) (datasetdomain.Dataset, bool) {
	return c.datasets.Get(normalizeSlug(slug))
}

func (c *resolverCache) SetDataset(dataset datasetdomain.Dataset) {
	if dataset.ID == 0 {
		return
	}
	c.datasets.Set(normalizeSlug(dataset.Slug), dataset, c.ttl)
}

func (c *resolverCache) InvalidateDataset(slug string) {
	c.datasets.Delete(normalizeSlug(slug))
}

func (c *resolverCache) GetLicense(id snowflake.ID) (licensedomain.License, bool) {
	return c.licenses.Get(id)
}

func (c *resolverCache) SetLicense(license licensedomain.License) {
	if license.ID == 0 {
		return
	}
	c.licenses.Set(license.ID, license, c.ttl)
}

func (c *resolverCache) InvalidateLicense(id snowflake.ID) {
	c.licenses.Delete(id)
}

func normalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}
