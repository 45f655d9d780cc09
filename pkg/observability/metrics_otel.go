package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the tracer and meter name used across the module
const InstrumentationName = "github.com/platinummonkey/callmeter"

// OTelMetrics holds OpenTelemetry instruments for monetary totals.
// Amounts are minor currency units; a nil *OTelMetrics records nothing.
type OTelMetrics struct {
	usageCost      metric.Int64Counter
	invoicedAmount metric.Int64Counter
	collected      metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsFromMeter(otel.Meter(InstrumentationName))
}

// NewOTelMetricsFromMeter creates instruments on the given meter
func NewOTelMetricsFromMeter(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	m.usageCost, err = meter.Int64Counter(
		"billing.usage.cost",
		metric.WithDescription("Priced cost of tracked usage events"),
		metric.WithUnit("{minor_unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage cost counter: %w", err)
	}

	m.invoicedAmount, err = meter.Int64Counter(
		"billing.invoice.amount",
		metric.WithDescription("Invoice totals including tax"),
		metric.WithUnit("{minor_unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoiced amount counter: %w", err)
	}

	m.collected, err = meter.Int64Counter(
		"billing.payment.collected",
		metric.WithDescription("Amounts confirmed as paid"),
		metric.WithUnit("{minor_unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create collected amount counter: %w", err)
	}

	return m, nil
}

// RecordUsageCost adds the cost of one usage event
func (m *OTelMetrics) RecordUsageCost(ctx context.Context, eventType, currency string, amount int64) {
	if m == nil {
		return
	}
	m.usageCost.Add(ctx, amount, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("currency", currency),
	))
}

// RecordInvoiced adds an invoice total
func (m *OTelMetrics) RecordInvoiced(ctx context.Context, currency string, amount int64) {
	if m == nil {
		return
	}
	m.invoicedAmount.Add(ctx, amount, metric.WithAttributes(attribute.String("currency", currency)))
}

// RecordCollected adds a confirmed payment amount
func (m *OTelMetrics) RecordCollected(ctx context.Context, currency string, amount int64) {
	if m == nil {
		return
	}
	m.collected.Add(ctx, amount, metric.WithAttributes(attribute.String("currency", currency)))
}
