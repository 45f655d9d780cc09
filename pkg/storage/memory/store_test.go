package memory

import (
	"context"
	"testing"
	"time"

	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jan = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func seconds(n int) *int { return &n }

func TestStore_AccountsDueForBilling(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutAccount(&billing.BillingAccount{ID: "b", NextBillingDate: jan})
	s.PutAccount(&billing.BillingAccount{ID: "a", NextBillingDate: jan})
	s.PutAccount(&billing.BillingAccount{ID: "early", NextBillingDate: jan.AddDate(0, 0, -1)})
	s.PutAccount(&billing.BillingAccount{ID: "later", NextBillingDate: jan.AddDate(0, 0, 1)})

	due, err := s.ListAccountsDueForBilling(ctx, jan)
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, a := range due {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"early", "a", "b"}, ids)

	require.NoError(t, s.UpdateAccountNextBillingDate(ctx, "a", jan.AddDate(0, 1, 0)))
	got, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, jan.AddDate(0, 1, 0), got.NextBillingDate)

	assert.ErrorIs(t, s.UpdateAccountNextBillingDate(ctx, "missing", jan), billing.ErrAccountNotFound)
	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)
}

func TestStore_UsageLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutAccount(&billing.BillingAccount{ID: "acct", UserID: "user"})

	events := []*billing.UsageEvent{
		{ID: "e2", AccountID: "acct", EventType: billing.EventTypeOutboundCall, DurationSeconds: seconds(90), Quantity: 2, TotalCost: 200, Timestamp: jan.Add(time.Hour)},
		{ID: "e1", AccountID: "acct", EventType: billing.EventTypeSMSOutbound, Quantity: 1, TotalCost: 25, Timestamp: jan},
		{ID: "e3", AccountID: "acct", EventType: billing.EventTypeOutboundCall, DurationSeconds: seconds(30), Quantity: 1, TotalCost: 100, Timestamp: jan.AddDate(0, 0, 1)},
		{ID: "fwd", AccountID: "acct", EventType: billing.EventTypeCallForwarded, DurationSeconds: seconds(300), Quantity: 5, TotalCost: 500, Timestamp: jan.AddDate(0, 0, 5)},
		{ID: "other", AccountID: "other", EventType: billing.EventTypeSMSOutbound, Quantity: 1, TotalCost: 25, Timestamp: jan},
	}
	for _, e := range events {
		require.NoError(t, s.CreateUsageEvent(ctx, e))
	}

	start, end := jan.AddDate(0, 0, -1), jan.AddDate(0, 0, 2)
	pending, err := s.ListUninvoicedUsage(ctx, "acct", start, end)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "e1", pending[0].ID)
	assert.Equal(t, "e2", pending[1].ID)

	stats, err := s.UsageStatistics(ctx, "acct", start, end)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, billing.EventTypeOutboundCall, stats[0].EventType)
	assert.Equal(t, int64(2), stats[0].Count)
	assert.Equal(t, int64(3), stats[0].Quantity)
	assert.Equal(t, int64(300), stats[0].TotalCost)
	assert.Equal(t, int64(120), stats[0].TotalDurationSeconds)

	days, err := s.DailyUsage(ctx, "acct", start, end)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), days[0].Day)
	assert.Equal(t, int64(225), days[0].TotalCost)

	minutes, err := s.MonthlyUsage(ctx, "user", billing.UsageBucketMinutes, jan)
	require.NoError(t, err)
	// forwarded minutes are not counted toward the tier
	assert.Equal(t, int64(3), minutes)
	spend, err := s.MonthlyUsage(ctx, "user", billing.UsageBucketSpend, jan)
	require.NoError(t, err)
	assert.Equal(t, int64(825), spend)

	require.NoError(t, s.MarkUsageInvoiced(ctx, []string{"e1", "e2"}, "item-1"))
	// already invoiced events keep their first link
	require.NoError(t, s.MarkUsageInvoiced(ctx, []string{"e1"}, "item-2"))
	e1, err := s.GetUsageEvent(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, e1.Invoiced)
	require.NotNil(t, e1.InvoiceItemID)
	assert.Equal(t, "item-1", *e1.InvoiceItemID)

	pending, err = s.ListUninvoicedUsage(ctx, "acct", start, end)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e3", pending[0].ID)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	event := &billing.UsageEvent{ID: "e1", AccountID: "acct", DurationSeconds: seconds(60), Timestamp: jan}
	require.NoError(t, s.CreateUsageEvent(ctx, event))
	*event.DurationSeconds = 999

	got, err := s.GetUsageEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 60, *got.DurationSeconds)

	*got.DurationSeconds = 5
	again, err := s.GetUsageEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 60, *again.DurationSeconds)
}

func TestStore_ActivePricing(t *testing.T) {
	s := New()
	ctx := context.Background()
	expired := jan.AddDate(0, 0, -1)
	s.PutPricing(&billing.RegionalPricingConfig{ID: "old", Region: "IN", EffectiveFrom: jan.AddDate(-1, 0, 0)})
	s.PutPricing(&billing.RegionalPricingConfig{ID: "ended", Region: "IN", EffectiveFrom: jan.AddDate(0, -1, 0), EffectiveTo: &expired})
	s.PutPricing(&billing.RegionalPricingConfig{ID: "future", Region: "IN", EffectiveFrom: jan.AddDate(0, 1, 0)})

	cfg, err := s.GetActivePricing(ctx, "IN", jan)
	require.NoError(t, err)
	assert.Equal(t, "old", cfg.ID)

	_, err = s.GetActivePricing(ctx, "US", jan)
	assert.ErrorIs(t, err, billing.ErrPricingNotFound)

	s.PutVolumeDiscount(&billing.VolumeDiscount{ID: "d1", Region: "IN", Bucket: billing.UsageBucketMinutes, DiscountPercent: decimal.NewFromInt(10)})
	s.PutVolumeDiscount(&billing.VolumeDiscount{ID: "d2", Region: "IN", Bucket: billing.UsageBucketSMS, DiscountPercent: decimal.NewFromInt(5)})
	tiers, err := s.ListVolumeDiscounts(ctx, "IN", billing.UsageBucketMinutes)
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.Equal(t, "d1", tiers[0].ID)
}

func TestStore_Invoices(t *testing.T) {
	s := New()
	ctx := context.Background()
	invoices := []*billing.Invoice{
		{ID: "sent-past", Status: billing.InvoiceStatusSent, DueDate: jan.AddDate(0, 0, -1), CreatedAt: jan},
		{ID: "sent-future", Status: billing.InvoiceStatusSent, DueDate: jan.AddDate(0, 0, 1), CreatedAt: jan},
		{ID: "draft-past", Status: billing.InvoiceStatusDraft, DueDate: jan.AddDate(0, 0, -1), CreatedAt: jan},
		{ID: "paid", Status: billing.InvoiceStatusPaid, DueDate: jan.AddDate(0, 0, -1), PDFURL: "s3://b/k", CreatedAt: jan.AddDate(0, -1, 0)},
	}
	for _, inv := range invoices {
		require.NoError(t, s.CreateInvoice(ctx, inv))
	}

	count, err := s.CountInvoicesInMonth(ctx, jan)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	n, err := s.MarkOverdueInvoices(ctx, jan)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	overdue, err := s.ListOverdueInvoices(ctx, jan)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "sent-past", overdue[0].ID)

	missing, err := s.ListInvoicesWithoutPDF(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, missing, 2)
	limited, err := s.ListInvoicesWithoutPDF(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	assert.ErrorIs(t, s.UpdateInvoice(ctx, &billing.Invoice{ID: "nope"}), billing.ErrInvoiceNotFound)
}

func TestStore_Cycles(t *testing.T) {
	s := New()
	ctx := context.Background()
	start, end := jan.AddDate(0, -1, 0), jan

	cycle := &billing.BillingCycle{ID: "c1", AccountID: "acct", PeriodStart: start, PeriodEnd: end, Status: billing.CycleStatusFailed, CreatedAt: jan}
	require.NoError(t, s.CreateCycle(ctx, cycle))
	dup := &billing.BillingCycle{ID: "c2", AccountID: "acct", PeriodStart: start, PeriodEnd: end}
	assert.ErrorIs(t, s.CreateCycle(ctx, dup), billing.ErrCycleExists)

	got, err := s.GetCycleForPeriod(ctx, "acct", start, end)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
	_, err = s.GetCycleForPeriod(ctx, "acct", end, end.AddDate(0, 1, 0))
	assert.ErrorIs(t, err, billing.ErrCycleNotFound)

	require.NoError(t, s.CreateCycle(ctx, &billing.BillingCycle{ID: "c0", AccountID: "other", PeriodStart: start, PeriodEnd: end, Status: billing.CycleStatusFailed, CreatedAt: jan.Add(-time.Hour)}))
	failed, err := s.ListFailedCycles(ctx, 1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "c0", failed[0].ID)

	got.Status = billing.CycleStatusCompleted
	require.NoError(t, s.UpdateCycle(ctx, got))
	failed, err = s.ListFailedCycles(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestStore_Payments(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := &billing.Payment{ID: "p1", InvoiceID: "inv", GatewayChargeID: "ch_1", Status: billing.PaymentStatusPending, CreatedAt: jan}
	require.NoError(t, s.CreatePayment(ctx, p))

	got, err := s.GetPaymentByGatewayChargeID(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	_, err = s.GetPaymentByGatewayChargeID(ctx, "ch_missing")
	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)

	got.Status = billing.PaymentStatusSucceeded
	require.NoError(t, s.UpdatePayment(ctx, got))
	payments, err := s.ListPayments(ctx, "inv")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, billing.PaymentStatusSucceeded, payments[0].Status)

	assert.ErrorIs(t, s.UpdatePayment(ctx, &billing.Payment{ID: "p2"}), billing.ErrPaymentNotFound)
}
