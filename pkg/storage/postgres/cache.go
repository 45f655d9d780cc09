package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/storage"
	"github.com/sirupsen/logrus"
)

const pricingKeyPrefix = "callmeter:pricing:"

// RedisPricingCache shares regional rate cards and discount tiers between
// processes. Cache failures fall through to the wrapped store.
type RedisPricingCache struct {
	store storage.PricingStore
	redis *redis.Client
	ttl   time.Duration
	log   logrus.FieldLogger
}

// NewRedisPricingCache wraps store with a Redis read-through cache
func NewRedisPricingCache(store storage.PricingStore, client *redis.Client, ttl time.Duration, log logrus.FieldLogger) *RedisPricingCache {
	if log == nil {
		log = logrus.New()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisPricingCache{
		store: store,
		redis: client,
		ttl:   ttl,
		log:   log,
	}
}

func pricingKey(region string) string {
	return pricingKeyPrefix + "config:" + region
}

func discountKey(region string, bucket billing.UsageBucket) string {
	return fmt.Sprintf("%sdiscounts:%s:%s", pricingKeyPrefix, region, bucket)
}

// GetActivePricing serves the cached config when it is still effective at the given time
func (c *RedisPricingCache) GetActivePricing(ctx context.Context, region string, at time.Time) (*billing.RegionalPricingConfig, error) {
	key := pricingKey(region)

	var cached billing.RegionalPricingConfig
	if c.get(ctx, key, &cached) && effectiveAt(&cached, at) {
		return &cached, nil
	}

	cfg, err := c.store.GetActivePricing(ctx, region, at)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, cfg)
	return cfg, nil
}

func effectiveAt(cfg *billing.RegionalPricingConfig, at time.Time) bool {
	if cfg.EffectiveFrom.After(at) {
		return false
	}
	return cfg.EffectiveTo == nil || cfg.EffectiveTo.After(at)
}

// ListVolumeDiscounts serves cached tiers for region and bucket
func (c *RedisPricingCache) ListVolumeDiscounts(ctx context.Context, region string, bucket billing.UsageBucket) ([]*billing.VolumeDiscount, error) {
	key := discountKey(region, bucket)

	var cached []*billing.VolumeDiscount
	if c.get(ctx, key, &cached) {
		return cached, nil
	}

	tiers, err := c.store.ListVolumeDiscounts(ctx, region, bucket)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, tiers)
	return tiers, nil
}

// Invalidate drops every cached entry for region
func (c *RedisPricingCache) Invalidate(ctx context.Context, region string) error {
	keys := []string{pricingKey(region)}
	for _, bucket := range []billing.UsageBucket{billing.UsageBucketMinutes, billing.UsageBucketSMS, billing.UsageBucketSpend} {
		keys = append(keys, discountKey(region, bucket))
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate pricing cache: %w", err)
	}
	return nil
}

func (c *RedisPricingCache) get(ctx context.Context, key string, dst any) bool {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Pricing cache read failed")
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		// corrupt entry
		c.redis.Del(ctx, key)
		return false
	}
	return true
}

func (c *RedisPricingCache) set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Failed to encode pricing cache entry")
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Pricing cache write failed")
	}
}
