package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Store reads regional reference data
type Store interface {
	// GetActivePricing returns the newest config for region effective at the given
	// instant, or billing.ErrPricingNotFound.
	GetActivePricing(ctx context.Context, region string, at time.Time) (*billing.RegionalPricingConfig, error)
	ListVolumeDiscounts(ctx context.Context, region string, bucket billing.UsageBucket) ([]*billing.VolumeDiscount, error)
}

// UsageSource reports a user's cumulative usage for a calendar month
type UsageSource interface {
	MonthlyUsage(ctx context.Context, userID string, bucket billing.UsageBucket, month time.Time) (int64, error)
}

// Regional resolves region rate cards and applies volume discounts
type Regional struct {
	store   Store
	usage   UsageSource
	cache   *Cache
	now     Clock
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

// RegionalOption configures Regional
type RegionalOption func(*Regional)

// WithUsageSource enables volume discounts using src
func WithUsageSource(src UsageSource) RegionalOption {
	return func(r *Regional) { r.usage = src }
}

// WithClock sets the clock used for effective-date checks and discount months
func WithClock(now Clock) RegionalOption {
	return func(r *Regional) { r.now = now }
}

// WithRegionalMetrics records cache and discount metrics on m
func WithRegionalMetrics(m *observability.Metrics) RegionalOption {
	return func(r *Regional) { r.metrics = m }
}

// NewRegional creates a regional pricing resolver
func NewRegional(store Store, cache *Cache, log logrus.FieldLogger, opts ...RegionalOption) *Regional {
	if log == nil {
		log = logrus.New()
	}
	r := &Regional{
		store: store,
		cache: cache,
		now:   time.Now,
		log:   log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetRegionalPricing returns the region's current config, consulting the cache first
func (r *Regional) GetRegionalPricing(ctx context.Context, region string) (*billing.RegionalPricingConfig, error) {
	if r.cache != nil {
		if cfg, ok := r.cache.Get(region); ok {
			r.metrics.PricingCacheLookup(true)
			return cfg, nil
		}
		r.metrics.PricingCacheLookup(false)
	}

	cfg, err := r.store.GetActivePricing(ctx, region, r.now())
	if err != nil {
		return nil, fmt.Errorf("failed to get pricing for region %s: %w", region, err)
	}

	if r.cache != nil {
		r.cache.Set(region, cfg)
	}
	return cfg, nil
}

// ClearCache drops all cached region configs
func (r *Regional) ClearCache() {
	if r.cache != nil {
		r.cache.Clear()
	}
}

// CalculateRegionalCost prices an event with the region's rate card, then applies
// volume discounts for call and SMS events when a user is known.
func (r *Regional) CalculateRegionalCost(ctx context.Context, in CostInput) (*CostResult, error) {
	if !in.EventType.Valid() {
		return nil, fmt.Errorf("%w: %q", billing.ErrUnknownEventType, in.EventType)
	}

	cfg, err := r.GetRegionalPricing(ctx, in.Region)
	if err != nil {
		return nil, err
	}

	result, err := price(cfg.Rates, in)
	if err != nil {
		return nil, fmt.Errorf("region %s: %w", in.Region, err)
	}
	result.Currency = cfg.Currency
	result.Region = cfg.Region

	if in.UserID != "" {
		if bucket, ok := billing.BucketFor(in.EventType); ok {
			r.applyVolumeDiscount(ctx, result, in.UserID, bucket)
		}
	}

	return result, nil
}

// applyVolumeDiscount mutates result in place. Lookup failures leave it undiscounted.
func (r *Regional) applyVolumeDiscount(ctx context.Context, result *CostResult, userID string, bucket billing.UsageBucket) {
	if r.usage == nil || result.TotalCost == 0 {
		return
	}

	log := r.log.WithFields(logrus.Fields{
		"user_id": userID,
		"region":  result.Region,
		"bucket":  bucket,
	})

	used, err := r.usage.MonthlyUsage(ctx, userID, bucket, r.now())
	if err != nil {
		log.WithError(err).Warn("Failed to load monthly usage, skipping volume discount")
		return
	}

	tiers, err := r.store.ListVolumeDiscounts(ctx, result.Region, bucket)
	if err != nil {
		log.WithError(err).Warn("Failed to load volume discounts, skipping volume discount")
		return
	}

	tier := SelectTier(tiers, used)
	if tier == nil {
		return
	}

	amount := applyRate(result.TotalCost, tier.DiscountPercent.Div(decimal.NewFromInt(100)))
	if amount <= 0 {
		return
	}

	result.TotalCost -= amount
	result.AppliedDiscounts = append(result.AppliedDiscounts, billing.AppliedDiscount{
		TierName: tier.TierName,
		Percent:  tier.DiscountPercent,
		Amount:   amount,
	})
	r.metrics.DiscountApplied(tier.TierName)
}

// SelectTier returns the matching tier with the highest percentage, or nil
func SelectTier(tiers []*billing.VolumeDiscount, usage int64) *billing.VolumeDiscount {
	var best *billing.VolumeDiscount
	for _, tier := range tiers {
		if tier == nil || !tier.Contains(usage) {
			continue
		}
		if best == nil || tier.DiscountPercent.GreaterThan(best.DiscountPercent) {
			best = tier
		}
	}
	return best
}
