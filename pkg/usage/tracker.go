package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/platinummonkey/callmeter/pkg/pricing"
	"github.com/sirupsen/logrus"
)

// Store persists usage events and serves read-side aggregations
type Store interface {
	GetAccount(ctx context.Context, id string) (*billing.BillingAccount, error)
	CreateUsageEvent(ctx context.Context, event *billing.UsageEvent) error
	ListUninvoicedUsage(ctx context.Context, accountID string, start, end time.Time) ([]*billing.UsageEvent, error)
	MarkUsageInvoiced(ctx context.Context, eventIDs []string, invoiceItemID string) error
	UsageStatistics(ctx context.Context, accountID string, start, end time.Time) ([]billing.UsageStatistic, error)
	DailyUsage(ctx context.Context, accountID string, start, end time.Time) ([]billing.DailyUsage, error)
}

// Pricer prices a single event
type Pricer interface {
	Calculate(ctx context.Context, in pricing.CostInput) (*pricing.CostResult, error)
}

// TrackInput describes a billable occurrence as reported by the telephony layer
type TrackInput struct {
	AccountID       string
	NumberID        string
	EventType       billing.EventType
	DurationSeconds *int
	Quantity        int64
	FromNumber      string
	ToNumber        string
	Metadata        map[string]any
	// Timestamp defaults to now when zero
	Timestamp time.Time
	// Region and UserID default to the account's values when empty
	Region string
	UserID string
}

// Tracker records priced usage events
type Tracker struct {
	store   Store
	pricer  Pricer
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

// NewTracker creates a usage tracker
func NewTracker(store Store, pricer Pricer, log logrus.FieldLogger, metrics *observability.Metrics) *Tracker {
	if log == nil {
		log = logrus.New()
	}
	return &Tracker{
		store:   store,
		pricer:  pricer,
		now:     time.Now,
		log:     log,
		metrics: metrics,
	}
}

// TrackUsage prices and stores one event. The stored quantity is the priced
// quantity, so call durations are recorded as billable minutes.
func (t *Tracker) TrackUsage(ctx context.Context, in TrackInput) (*billing.UsageEvent, error) {
	if in.AccountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	account, err := t.store.GetAccount(ctx, in.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", in.AccountID, err)
	}

	region := in.Region
	if region == "" {
		region = account.Region
	}
	userID := in.UserID
	if userID == "" {
		userID = account.UserID
	}

	cost, err := t.pricer.Calculate(ctx, pricing.CostInput{
		EventType:       in.EventType,
		DurationSeconds: in.DurationSeconds,
		Quantity:        in.Quantity,
		Region:          region,
		UserID:          userID,
		Metadata:        in.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to calculate cost: %w", err)
	}

	now := t.now()
	timestamp := in.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}

	metadata := make(map[string]any, len(in.Metadata)+2)
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	metadata["description"] = cost.Description
	if len(cost.AppliedDiscounts) > 0 {
		metadata["applied_discounts"] = cost.AppliedDiscounts
	}

	event := &billing.UsageEvent{
		ID:              uuid.NewString(),
		AccountID:       in.AccountID,
		NumberID:        in.NumberID,
		EventType:       in.EventType,
		DurationSeconds: in.DurationSeconds,
		Quantity:        cost.Quantity,
		UnitCost:        cost.UnitCost,
		TotalCost:       cost.TotalCost,
		Currency:        cost.Currency,
		FromNumber:      in.FromNumber,
		ToNumber:        in.ToNumber,
		Metadata:        metadata,
		Timestamp:       timestamp,
		CreatedAt:       now,
	}

	if err := t.store.CreateUsageEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to store usage event: %w", err)
	}

	t.metrics.UsageTracked(ctx, string(event.EventType), event.Currency, event.TotalCost)
	t.log.WithFields(logrus.Fields{
		"account_id": event.AccountID,
		"event_id":   event.ID,
		"event_type": event.EventType,
		"total_cost": event.TotalCost,
	}).Debug("Usage event tracked")

	return event, nil
}

// GetUninvoicedUsage returns un-invoiced events in [start, end], oldest first
func (t *Tracker) GetUninvoicedUsage(ctx context.Context, accountID string, start, end time.Time) ([]*billing.UsageEvent, error) {
	events, err := t.store.ListUninvoicedUsage(ctx, accountID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list uninvoiced usage: %w", err)
	}
	return events, nil
}

// MarkAsInvoiced links events to an invoice item. Re-marking is a no-op.
func (t *Tracker) MarkAsInvoiced(ctx context.Context, eventIDs []string, invoiceItemID string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	if err := t.store.MarkUsageInvoiced(ctx, eventIDs, invoiceItemID); err != nil {
		return fmt.Errorf("failed to mark usage invoiced: %w", err)
	}
	return nil
}

// GetUsageStatistics aggregates usage by event type
func (t *Tracker) GetUsageStatistics(ctx context.Context, accountID string, start, end time.Time) ([]billing.UsageStatistic, error) {
	stats, err := t.store.UsageStatistics(ctx, accountID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage statistics: %w", err)
	}
	return stats, nil
}

// GetDailyUsageAggregation aggregates usage by UTC calendar day
func (t *Tracker) GetDailyUsageAggregation(ctx context.Context, accountID string, start, end time.Time) ([]billing.DailyUsage, error) {
	days, err := t.store.DailyUsage(ctx, accountID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}
	return days, nil
}
