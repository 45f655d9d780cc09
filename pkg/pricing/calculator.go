package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Rates is a default rate table. Amounts are minor units per minute for call
// events, per unit for SMS and voicemail, and per charge for flat fees.
type Rates struct {
	Currency string
	TaxRate  decimal.Decimal
	PerUnit  map[billing.EventType]int64
}

// DefaultRates returns the built-in rate table
func DefaultRates() *Rates {
	return &Rates{
		Currency: "INR",
		TaxRate:  decimal.RequireFromString("0.18"),
		PerUnit: map[billing.EventType]int64{
			billing.EventTypeInboundCall:         50,
			billing.EventTypeOutboundCall:        100,
			billing.EventTypeCallForwarded:       100,
			billing.EventTypeSMSOutbound:         25,
			billing.EventTypeSMSInbound:          10,
			billing.EventTypeVoicemail:           50,
			billing.EventTypeMonthlySubscription: 50000,
			billing.EventTypeSetupFee:            100000,
		},
	}
}

// Validate checks that every event type has a non-negative rate
func (r *Rates) Validate() error {
	if r.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if r.TaxRate.IsNegative() {
		return fmt.Errorf("tax rate must not be negative")
	}
	for _, t := range billing.EventTypes {
		rate, ok := r.PerUnit[t]
		if !ok {
			return fmt.Errorf("missing rate for %s", t)
		}
		if rate < 0 {
			return fmt.Errorf("negative rate for %s", t)
		}
	}
	return nil
}

// CostInput describes one event to price
type CostInput struct {
	EventType       billing.EventType
	DurationSeconds *int
	Quantity        int64
	Region          string
	UserID          string
	Metadata        map[string]any
}

// CostResult is a priced line
type CostResult struct {
	UnitCost         int64
	TotalCost        int64
	Quantity         int64
	Description      string
	Currency         string
	Region           string
	AppliedDiscounts []billing.AppliedDiscount
}

// RegionalCalculator prices events with a region's rate card
type RegionalCalculator interface {
	CalculateRegionalCost(ctx context.Context, in CostInput) (*CostResult, error)
}

// Calculator converts usage into priced lines
type Calculator struct {
	rates    atomic.Pointer[Rates]
	regional RegionalCalculator
	log      logrus.FieldLogger
	metrics  *observability.Metrics
}

// CalculatorOption configures a Calculator
type CalculatorOption func(*Calculator)

// WithRegional delegates region-scoped calculations to r
func WithRegional(r RegionalCalculator) CalculatorOption {
	return func(c *Calculator) { c.regional = r }
}

// WithCalculatorMetrics records fallbacks on m
func WithCalculatorMetrics(m *observability.Metrics) CalculatorOption {
	return func(c *Calculator) { c.metrics = m }
}

// NewCalculator creates a calculator using rates, or DefaultRates when nil
func NewCalculator(rates *Rates, log logrus.FieldLogger, opts ...CalculatorOption) *Calculator {
	if rates == nil {
		rates = DefaultRates()
	}
	if log == nil {
		log = logrus.New()
	}
	c := &Calculator{log: log}
	c.rates.Store(rates)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rates returns the rate table currently in use
func (c *Calculator) Rates() *Rates {
	return c.rates.Load()
}

// SetRates swaps the default rate table. In-flight calculations keep the old one.
func (c *Calculator) SetRates(r *Rates) error {
	if r == nil {
		return fmt.Errorf("rates must not be nil")
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid rates: %w", err)
	}
	c.rates.Store(r)
	return nil
}

// Calculate prices one event. A region is tried first when configured; any
// failure other than an unknown event type falls back to the default table.
func (c *Calculator) Calculate(ctx context.Context, in CostInput) (*CostResult, error) {
	if in.Region != "" && c.regional != nil {
		result, err := c.regional.CalculateRegionalCost(ctx, in)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, billing.ErrUnknownEventType) {
			return nil, err
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"region":     in.Region,
			"event_type": in.EventType,
		}).Debug("Regional pricing unavailable, using default rates")
		c.metrics.PricingFallback(in.Region)
	}

	rates := c.rates.Load()
	result, err := price(rates.PerUnit, in)
	if err != nil {
		return nil, err
	}
	result.Currency = rates.Currency
	return result, nil
}

// CalculateTax returns round(subtotal x taxRate)
func (c *Calculator) CalculateTax(subtotal int64) int64 {
	return applyRate(subtotal, c.rates.Load().TaxRate)
}

// CalculateTotal returns subtotal plus tax
func (c *Calculator) CalculateTotal(subtotal int64) int64 {
	return subtotal + c.CalculateTax(subtotal)
}

// BillableMinutes rounds a call duration up to whole minutes
func BillableMinutes(durationSeconds int) int64 {
	if durationSeconds <= 0 {
		return 0
	}
	return int64((durationSeconds + 59) / 60)
}

func price(table map[billing.EventType]int64, in CostInput) (*CostResult, error) {
	if !in.EventType.Valid() {
		return nil, fmt.Errorf("%w: %q", billing.ErrUnknownEventType, in.EventType)
	}
	rate, ok := table[in.EventType]
	if !ok {
		return nil, fmt.Errorf("no rate configured for %s", in.EventType)
	}

	var quantity int64
	var description string
	switch {
	case in.EventType.IsCall():
		duration := 0
		if in.DurationSeconds != nil {
			duration = *in.DurationSeconds
		}
		quantity = BillableMinutes(duration)
		description = fmt.Sprintf("%s (%d min)", in.EventType.Label(), quantity)
	case in.EventType.IsFlat():
		quantity = 1
		description = in.EventType.Label()
	default:
		quantity = in.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		description = in.EventType.Label()
		if quantity > 1 {
			description = fmt.Sprintf("%s x%d", description, quantity)
		}
	}

	return &CostResult{
		UnitCost:    rate,
		TotalCost:   rate * quantity,
		Quantity:    quantity,
		Description: description,
	}, nil
}

func applyRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}
