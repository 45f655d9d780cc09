package pricing

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/platinummonkey/callmeter/pkg/billing"
)

// Clock returns the current time
type Clock func() time.Time

const (
	// DefaultCacheTTL is how long a region's pricing stays cached
	DefaultCacheTTL = time.Hour
	// DefaultCacheSize bounds the number of cached regions
	DefaultCacheSize = 256
)

type cacheEntry struct {
	config    *billing.RegionalPricingConfig
	expiresAt time.Time
}

// Cache holds regional pricing keyed by region with an explicit expiry instant per entry.
// Expiry is evaluated against the injected clock rather than wall time.
type Cache struct {
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration
	now     Clock
}

// NewCache creates a pricing cache. Zero size or ttl use the defaults; nil now uses time.Now.
func NewCache(size int, ttl time.Duration, now Clock) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}

	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}

	return &Cache{
		entries: entries,
		ttl:     ttl,
		now:     now,
	}, nil
}

// Get returns the cached config for region if present and not expired
func (c *Cache) Get(region string) (*billing.RegionalPricingConfig, bool) {
	entry, ok := c.entries.Get(region)
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.entries.Remove(region)
		return nil, false
	}
	return entry.config, true
}

// Set caches cfg for region until now + ttl
func (c *Cache) Set(region string, cfg *billing.RegionalPricingConfig) {
	c.entries.Add(region, cacheEntry{
		config:    cfg,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Clear drops every cached region
func (c *Cache) Clear() {
	c.entries.Purge()
}

// Len returns the number of cached regions, including expired ones not yet evicted
func (c *Cache) Len() int {
	return c.entries.Len()
}
