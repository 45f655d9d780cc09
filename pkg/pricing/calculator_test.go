package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRegionalCalculator struct {
	calculateFunc func(ctx context.Context, in CostInput) (*CostResult, error)
}

func (m *mockRegionalCalculator) CalculateRegionalCost(ctx context.Context, in CostInput) (*CostResult, error) {
	return m.calculateFunc(ctx, in)
}

func seconds(s int) *int { return &s }

func TestBillableMinutes(t *testing.T) {
	tests := []struct {
		seconds  int
		expected int64
	}{
		{0, 0},
		{1, 1},
		{59, 1},
		{60, 1},
		{61, 2},
		{120, 2},
		{121, 3},
		{3600, 60},
		{-5, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, BillableMinutes(tt.seconds), "seconds=%d", tt.seconds)
	}
}

func TestCalculatorDefaultPricing(t *testing.T) {
	calc := NewCalculator(nil, observability.NewNopLogger())
	ctx := context.Background()

	tests := []struct {
		name          string
		input         CostInput
		expectedQty   int64
		expectedUnit  int64
		expectedTotal int64
		expectedDesc  string
	}{
		{
			name:          "zero duration call bills nothing",
			input:         CostInput{EventType: billing.EventTypeInboundCall, DurationSeconds: seconds(0)},
			expectedQty:   0,
			expectedUnit:  50,
			expectedTotal: 0,
			expectedDesc:  "Inbound call (0 min)",
		},
		{
			name:          "61 seconds rounds up to two minutes",
			input:         CostInput{EventType: billing.EventTypeOutboundCall, DurationSeconds: seconds(61)},
			expectedQty:   2,
			expectedUnit:  100,
			expectedTotal: 200,
			expectedDesc:  "Outbound call (2 min)",
		},
		{
			name:          "call without duration",
			input:         CostInput{EventType: billing.EventTypeCallForwarded},
			expectedQty:   0,
			expectedUnit:  100,
			expectedTotal: 0,
			expectedDesc:  "Forwarded call (0 min)",
		},
		{
			name:          "caller quantity is ignored for calls",
			input:         CostInput{EventType: billing.EventTypeInboundCall, DurationSeconds: seconds(180), Quantity: 9},
			expectedQty:   3,
			expectedUnit:  50,
			expectedTotal: 150,
			expectedDesc:  "Inbound call (3 min)",
		},
		{
			name:          "sms defaults to one unit",
			input:         CostInput{EventType: billing.EventTypeSMSOutbound},
			expectedQty:   1,
			expectedUnit:  25,
			expectedTotal: 25,
			expectedDesc:  "Outbound SMS",
		},
		{
			name:          "multi-part sms",
			input:         CostInput{EventType: billing.EventTypeSMSOutbound, Quantity: 3},
			expectedQty:   3,
			expectedUnit:  25,
			expectedTotal: 75,
			expectedDesc:  "Outbound SMS x3",
		},
		{
			name:          "voicemail",
			input:         CostInput{EventType: billing.EventTypeVoicemail, Quantity: 2},
			expectedQty:   2,
			expectedUnit:  50,
			expectedTotal: 100,
			expectedDesc:  "Voicemail x2",
		},
		{
			name:          "subscription is flat",
			input:         CostInput{EventType: billing.EventTypeMonthlySubscription, Quantity: 5},
			expectedQty:   1,
			expectedUnit:  50000,
			expectedTotal: 50000,
			expectedDesc:  "Monthly subscription",
		},
		{
			name:          "setup fee is flat",
			input:         CostInput{EventType: billing.EventTypeSetupFee},
			expectedQty:   1,
			expectedUnit:  100000,
			expectedTotal: 100000,
			expectedDesc:  "Setup fee",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := calc.Calculate(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedQty, result.Quantity)
			assert.Equal(t, tt.expectedUnit, result.UnitCost)
			assert.Equal(t, tt.expectedTotal, result.TotalCost)
			assert.Equal(t, tt.expectedUnit*tt.expectedQty, result.TotalCost)
			assert.Equal(t, tt.expectedDesc, result.Description)
			assert.Equal(t, "INR", result.Currency)
		})
	}
}

func TestCalculatorUnknownEventType(t *testing.T) {
	ctx := context.Background()

	t.Run("default path", func(t *testing.T) {
		calc := NewCalculator(nil, observability.NewNopLogger())
		_, err := calc.Calculate(ctx, CostInput{EventType: "FAX"})
		assert.ErrorIs(t, err, billing.ErrUnknownEventType)
	})

	t.Run("regional path", func(t *testing.T) {
		store := &mockStore{}
		regional := NewRegional(store, nil, observability.NewNopLogger())
		calc := NewCalculator(nil, observability.NewNopLogger(), WithRegional(regional))

		_, err := calc.Calculate(ctx, CostInput{EventType: "FAX", Region: "IN-KA"})
		assert.ErrorIs(t, err, billing.ErrUnknownEventType)
		assert.Zero(t, store.activeCalls, "unknown type must fail before any lookup")
	})
}

func TestCalculatorRegionalFallback(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	regional := &mockRegionalCalculator{
		calculateFunc: func(ctx context.Context, in CostInput) (*CostResult, error) {
			return nil, errors.New("database unavailable")
		},
	}
	calc := NewCalculator(nil, observability.NewNopLogger(), WithRegional(regional), WithCalculatorMetrics(metrics))

	result, err := calc.Calculate(ctx, CostInput{EventType: billing.EventTypeSMSOutbound, Region: "XX"})
	require.NoError(t, err)
	assert.Equal(t, int64(25), result.TotalCost)
	assert.Empty(t, result.Region)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PricingFallbacksTotal.WithLabelValues("XX")))
}

func TestCalculatorRegionalDelegation(t *testing.T) {
	regional := &mockRegionalCalculator{
		calculateFunc: func(ctx context.Context, in CostInput) (*CostResult, error) {
			return &CostResult{UnitCost: 7, TotalCost: 7, Quantity: 1, Currency: "USD", Region: in.Region}, nil
		},
	}
	calc := NewCalculator(nil, observability.NewNopLogger(), WithRegional(regional))

	result, err := calc.Calculate(context.Background(), CostInput{EventType: billing.EventTypeSMSOutbound, Region: "US"})
	require.NoError(t, err)
	assert.Equal(t, "USD", result.Currency)
	assert.Equal(t, int64(7), result.TotalCost)

	result, err = calc.Calculate(context.Background(), CostInput{EventType: billing.EventTypeSMSOutbound})
	require.NoError(t, err)
	assert.Equal(t, "INR", result.Currency, "no region skips the regional path")
}

func TestCalculateTaxAndTotal(t *testing.T) {
	calc := NewCalculator(nil, observability.NewNopLogger())

	tests := []struct {
		subtotal int64
		tax      int64
	}{
		{0, 0},
		{1, 0},
		{3, 1},
		{10, 2},
		{1000, 180},
		{1234, 222},
		{25, 5},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.tax, calc.CalculateTax(tt.subtotal), "subtotal=%d", tt.subtotal)
		assert.Equal(t, tt.subtotal+tt.tax, calc.CalculateTotal(tt.subtotal), "subtotal=%d", tt.subtotal)
	}
}

func TestCalculatorSetRates(t *testing.T) {
	calc := NewCalculator(nil, observability.NewNopLogger())

	rates := DefaultRates()
	rates.Currency = "USD"
	rates.TaxRate = decimal.RequireFromString("0.1")
	rates.PerUnit[billing.EventTypeSMSOutbound] = 2
	require.NoError(t, calc.SetRates(rates))

	result, err := calc.Calculate(context.Background(), CostInput{EventType: billing.EventTypeSMSOutbound})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalCost)
	assert.Equal(t, "USD", result.Currency)
	assert.Equal(t, int64(10), calc.CalculateTax(100))

	assert.Error(t, calc.SetRates(nil))

	incomplete := &Rates{Currency: "USD", PerUnit: map[billing.EventType]int64{}}
	assert.Error(t, calc.SetRates(incomplete))
	assert.Equal(t, "USD", calc.Rates().Currency, "rejected rates leave the table unchanged")
}
