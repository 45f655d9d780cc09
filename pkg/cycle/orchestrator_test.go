package cycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/invoice"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/platinummonkey/callmeter/pkg/pricing"
	"github.com/platinummonkey/callmeter/pkg/storage/memory"
	"github.com/platinummonkey/callmeter/pkg/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	billingDate = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	runAt       = time.Date(2024, 2, 1, 2, 0, 0, 0, time.UTC)
)

type mockInvoicer struct {
	GenerateInvoiceFunc     func(ctx context.Context, req invoice.GenerateRequest) (*billing.Invoice, error)
	GetInvoiceFunc          func(ctx context.Context, id string) (*billing.Invoice, error)
	MarkOverdueInvoicesFunc func(ctx context.Context, now time.Time) (int64, error)
	ListOverdueInvoicesFunc func(ctx context.Context, cutoff time.Time) ([]*billing.Invoice, error)
}

func (m *mockInvoicer) GenerateInvoice(ctx context.Context, req invoice.GenerateRequest) (*billing.Invoice, error) {
	return m.GenerateInvoiceFunc(ctx, req)
}

func (m *mockInvoicer) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	return m.GetInvoiceFunc(ctx, id)
}

func (m *mockInvoicer) MarkOverdueInvoices(ctx context.Context, now time.Time) (int64, error) {
	return m.MarkOverdueInvoicesFunc(ctx, now)
}

func (m *mockInvoicer) ListOverdueInvoices(ctx context.Context, cutoff time.Time) ([]*billing.Invoice, error) {
	return m.ListOverdueInvoicesFunc(ctx, cutoff)
}

type mockCharger struct {
	ChargeInvoiceFunc func(ctx context.Context, inv *billing.Invoice, account *billing.BillingAccount, now time.Time) (*billing.Payment, error)
	calls             int
}

func (m *mockCharger) ChargeInvoice(ctx context.Context, inv *billing.Invoice, account *billing.BillingAccount, now time.Time) (*billing.Payment, error) {
	m.calls++
	return m.ChargeInvoiceFunc(ctx, inv, account, now)
}

func newGenerator(store *memory.Store) *invoice.Generator {
	log := observability.NewNopLogger()
	calc := pricing.NewCalculator(nil, log)
	return invoice.NewGenerator(store, usage.NewTracker(store, calc, log, nil), calc, log)
}

func putAccount(store *memory.Store, id string, period billing.BillingPeriod, next time.Time) {
	store.PutAccount(&billing.BillingAccount{
		ID:              id,
		UserID:          "user-" + id,
		BillingPeriod:   period,
		NextBillingDate: next,
		Currency:        "INR",
	})
}

func TestProcessBillingCycles(t *testing.T) {
	store := memory.New()
	putAccount(store, "due", billing.BillingPeriodMonthly, billingDate)
	putAccount(store, "later", billing.BillingPeriodMonthly, billingDate.AddDate(0, 0, 1))
	ctx := context.Background()

	require.NoError(t, store.CreateUsageEvent(ctx, &billing.UsageEvent{
		ID:        "e1",
		AccountID: "due",
		EventType: billing.EventTypeOutboundCall,
		Quantity:  10,
		UnitCost:  100,
		TotalCost: 1000,
		Currency:  "INR",
		Timestamp: billingDate.AddDate(0, 0, -3),
	}))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	o := NewOrchestrator(store, newGenerator(store), observability.NewNopLogger(), WithMetrics(metrics))

	result, err := o.ProcessBillingCycles(ctx, runAt)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1}, result)

	cycles, err := store.ListCycles(ctx)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	c := cycles[0]
	assert.Equal(t, "due", c.AccountID)
	assert.Equal(t, billing.CycleStatusCompleted, c.Status)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), c.PeriodStart)
	assert.Equal(t, billingDate, c.PeriodEnd)
	require.NotNil(t, c.ProcessedAt)
	assert.Equal(t, runAt, *c.ProcessedAt)
	require.NotNil(t, c.InvoiceID)

	inv, err := store.GetInvoice(ctx, *c.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), inv.Subtotal)
	assert.Equal(t, int64(1180), inv.Total)

	account, err := store.GetAccount(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), account.NextBillingDate)

	later, err := store.GetAccount(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, billingDate.AddDate(0, 0, 1), later.NextBillingDate)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BillingCyclesTotal.WithLabelValues("completed")))
}

func TestProcessBillingCycles_MonthEndAnchor(t *testing.T) {
	store := memory.New()
	putAccount(store, "a", billing.BillingPeriodMonthly, time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, store.CreateUsageEvent(ctx, &billing.UsageEvent{
		ID:        "sms",
		AccountID: "a",
		EventType: billing.EventTypeSMSOutbound,
		Quantity:  1,
		UnitCost:  25,
		TotalCost: 25,
		Currency:  "INR",
		Timestamp: time.Date(2023, 2, 1, 9, 0, 0, 0, time.UTC),
	}))

	o := NewOrchestrator(store, newGenerator(store), observability.NewNopLogger())
	for _, at := range []time.Time{
		time.Date(2023, 1, 31, 2, 0, 0, 0, time.UTC),
		time.Date(2023, 2, 28, 2, 0, 0, 0, time.UTC),
		time.Date(2023, 3, 31, 2, 0, 0, 0, time.UTC),
	} {
		result, err := o.ProcessBillingCycles(ctx, at)
		require.NoError(t, err)
		require.Equal(t, BatchResult{Processed: 1}, result)
	}

	cycles, err := store.ListCycles(ctx)
	require.NoError(t, err)
	require.Len(t, cycles, 3)

	day := func(m time.Month, d int) time.Time {
		y := 2023
		if m == time.December {
			y = 2022
		}
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	expected := [][2]time.Time{
		{day(time.December, 31), day(time.January, 31)},
		{day(time.January, 31), day(time.February, 28)},
		{day(time.February, 28), day(time.March, 31)},
	}
	var billed int64
	for i, c := range cycles {
		assert.Equal(t, expected[i][0], c.PeriodStart, "cycle %d start", i)
		assert.Equal(t, expected[i][1], c.PeriodEnd, "cycle %d end", i)
		require.NotNil(t, c.InvoiceID)
		inv, err := store.GetInvoice(ctx, *c.InvoiceID)
		require.NoError(t, err)
		billed += inv.Subtotal
	}
	assert.Equal(t, int64(25), billed)

	account, err := store.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 4, 30, 0, 0, 0, 0, time.UTC), account.NextBillingDate)
}

// flakyScheduleStore fails the next n billing date updates
type flakyScheduleStore struct {
	*memory.Store
	failures int
}

func (s *flakyScheduleStore) UpdateAccountNextBillingDate(ctx context.Context, accountID string, next time.Time) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	return s.Store.UpdateAccountNextBillingDate(ctx, accountID, next)
}

func TestProcessBillingCycleForAccount_ScheduleUpdateFailureIsRetried(t *testing.T) {
	mem := memory.New()
	putAccount(mem, "a", billing.BillingPeriodMonthly, billingDate)
	store := &flakyScheduleStore{Store: mem, failures: 1}
	ctx := context.Background()

	generator := newGenerator(mem)
	generated := 0
	invoicer := &mockInvoicer{
		GenerateInvoiceFunc: func(ctx context.Context, req invoice.GenerateRequest) (*billing.Invoice, error) {
			generated++
			return generator.GenerateInvoice(ctx, req)
		},
		GetInvoiceFunc: generator.GetInvoice,
	}
	o := NewOrchestrator(store, invoicer, observability.NewNopLogger())

	result, err := o.ProcessBillingCycles(ctx, runAt)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Failed: 1}, result)

	failed, err := mem.ListFailedCycles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].FailureReason, "connection reset")
	require.NotNil(t, failed[0].InvoiceID)
	issued := *failed[0].InvoiceID

	account, err := mem.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, billingDate, account.NextBillingDate)

	result, err = o.RetryFailedBillingCycles(ctx, runAt.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1}, result)

	cycles, err := mem.ListCycles(ctx)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, billing.CycleStatusCompleted, cycles[0].Status)
	require.NotNil(t, cycles[0].InvoiceID)
	assert.Equal(t, issued, *cycles[0].InvoiceID)
	assert.Equal(t, 1, generated)

	invoices, err := mem.ListInvoices(ctx)
	require.NoError(t, err)
	assert.Len(t, invoices, 1)

	account, err = mem.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, billingDate.AddDate(0, 1, 0), account.NextBillingDate)
}

func TestProcessBillingCycleForAccount_Idempotent(t *testing.T) {
	store := memory.New()
	putAccount(store, "a", billing.BillingPeriodQuarterly, billingDate)
	ctx := context.Background()
	o := NewOrchestrator(store, newGenerator(store), observability.NewNopLogger())

	account, err := store.GetAccount(ctx, "a")
	require.NoError(t, err)

	first, err := o.ProcessBillingCycleForAccount(ctx, account, runAt)
	require.NoError(t, err)

	// same snapshot of the account: same period
	stale, err := store.GetAccount(ctx, "a")
	require.NoError(t, err)
	stale.NextBillingDate = billingDate
	second, err := o.ProcessBillingCycleForAccount(ctx, stale, runAt.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC), first.PeriodStart)

	cycles, err := store.ListCycles(ctx)
	require.NoError(t, err)
	assert.Len(t, cycles, 1)

	invoices, err := store.ListInvoices(ctx)
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestProcessBillingCycles_OneFailingAccountDoesNotStopTheBatch(t *testing.T) {
	store := memory.New()
	putAccount(store, "a-weekly", "weekly", billingDate.AddDate(0, 0, -2))
	putAccount(store, "b-broken", billing.BillingPeriodMonthly, billingDate.AddDate(0, 0, -1))
	putAccount(store, "c-ok", billing.BillingPeriodYearly, billingDate)
	ctx := context.Background()

	generator := newGenerator(store)
	invoicer := &mockInvoicer{GenerateInvoiceFunc: func(ctx context.Context, req invoice.GenerateRequest) (*billing.Invoice, error) {
		if req.AccountID == "b-broken" {
			return nil, errors.New("database timeout")
		}
		return generator.GenerateInvoice(ctx, req)
	}}
	o := NewOrchestrator(store, invoicer, observability.NewNopLogger())

	result, err := o.ProcessBillingCycles(ctx, runAt)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1, Failed: 2}, result)

	cycles, err := store.ListCycles(ctx)
	require.NoError(t, err)
	require.Len(t, cycles, 2)

	byAccount := map[string]*billing.BillingCycle{}
	for _, c := range cycles {
		byAccount[c.AccountID] = c
	}
	assert.Equal(t, billing.CycleStatusFailed, byAccount["b-broken"].Status)
	assert.Contains(t, byAccount["b-broken"].FailureReason, "database timeout")
	assert.NotNil(t, byAccount["b-broken"].ProcessedAt)
	assert.Equal(t, billing.CycleStatusCompleted, byAccount["c-ok"].Status)

	broken, err := store.GetAccount(ctx, "b-broken")
	require.NoError(t, err)
	assert.Equal(t, billingDate.AddDate(0, 0, -1), broken.NextBillingDate)
}

func TestProcessBillingCycleForAccount_UnknownPeriod(t *testing.T) {
	store := memory.New()
	o := NewOrchestrator(store, newGenerator(store), nil)
	_, err := o.ProcessBillingCycleForAccount(context.Background(), &billing.BillingAccount{
		ID:              "x",
		BillingPeriod:   "fortnightly",
		NextBillingDate: billingDate,
	}, runAt)
	assert.ErrorIs(t, err, billing.ErrUnknownBillingPeriod)
}

func TestProcessBillingCycleForAccount_ChargeFailureDoesNotFailCycle(t *testing.T) {
	store := memory.New()
	putAccount(store, "a", billing.BillingPeriodMonthly, billingDate)
	ctx := context.Background()

	charger := &mockCharger{ChargeInvoiceFunc: func(ctx context.Context, inv *billing.Invoice, account *billing.BillingAccount, now time.Time) (*billing.Payment, error) {
		return nil, errors.New("gateway unavailable")
	}}
	o := NewOrchestrator(store, newGenerator(store), observability.NewNopLogger(), WithCharger(charger))

	account, err := store.GetAccount(ctx, "a")
	require.NoError(t, err)
	c, err := o.ProcessBillingCycleForAccount(ctx, account, runAt)
	require.NoError(t, err)
	assert.Equal(t, billing.CycleStatusCompleted, c.Status)
	assert.Equal(t, 1, charger.calls)
}

// racingStore reports no cycle on the first lookup while a concurrent worker
// inserts one.
type racingStore struct {
	*memory.Store
	lookups int
}

func (s *racingStore) GetCycleForPeriod(ctx context.Context, accountID string, start, end time.Time) (*billing.BillingCycle, error) {
	s.lookups++
	if s.lookups == 1 {
		_ = s.Store.CreateCycle(ctx, &billing.BillingCycle{
			ID:          "winner",
			AccountID:   accountID,
			PeriodStart: start,
			PeriodEnd:   end,
			Status:      billing.CycleStatusProcessing,
		})
		return nil, billing.ErrCycleNotFound
	}
	return s.Store.GetCycleForPeriod(ctx, accountID, start, end)
}

func TestProcessBillingCycleForAccount_LosesInsertRace(t *testing.T) {
	mem := memory.New()
	putAccount(mem, "a", billing.BillingPeriodMonthly, billingDate)
	store := &racingStore{Store: mem}
	ctx := context.Background()

	invoicer := &mockInvoicer{GenerateInvoiceFunc: func(ctx context.Context, req invoice.GenerateRequest) (*billing.Invoice, error) {
		t.Fatal("loser must not generate an invoice")
		return nil, nil
	}}
	o := NewOrchestrator(store, invoicer, observability.NewNopLogger())

	account, err := mem.GetAccount(ctx, "a")
	require.NoError(t, err)
	c, err := o.ProcessBillingCycleForAccount(ctx, account, runAt)
	require.NoError(t, err)
	assert.Equal(t, "winner", c.ID)
}

func TestRetryFailedBillingCycles(t *testing.T) {
	store := memory.New()
	putAccount(store, "a", billing.BillingPeriodMonthly, billingDate)
	putAccount(store, "gone", billing.BillingPeriodMonthly, billingDate)
	ctx := context.Background()

	generator := newGenerator(store)
	failing := true
	invoicer := &mockInvoicer{GenerateInvoiceFunc: func(ctx context.Context, req invoice.GenerateRequest) (*billing.Invoice, error) {
		if failing {
			return nil, errors.New("temporary failure")
		}
		return generator.GenerateInvoice(ctx, req)
	}}
	o := NewOrchestrator(store, invoicer, observability.NewNopLogger())

	result, err := o.ProcessBillingCycles(ctx, runAt)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)

	store.DeleteAccount("gone")

	// still failing: stays failed
	result, err = o.RetryFailedBillingCycles(ctx, runAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Failed: 1}, result)

	failing = false
	result, err = o.RetryFailedBillingCycles(ctx, runAt.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1}, result)

	cycles, err := store.ListCycles(ctx)
	require.NoError(t, err)
	for _, c := range cycles {
		if c.AccountID == "a" {
			assert.Equal(t, billing.CycleStatusCompleted, c.Status)
			assert.Empty(t, c.FailureReason)
			assert.NotNil(t, c.InvoiceID)
			assert.Equal(t, runAt.Add(6*time.Hour), *c.ProcessedAt)
		} else {
			assert.Equal(t, billing.CycleStatusFailed, c.Status)
		}
	}

	account, err := store.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, billingDate.AddDate(0, 1, 0), account.NextBillingDate)
}

func TestRetryFailedBillingCycles_BatchSize(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		putAccount(store, id, billing.BillingPeriodMonthly, billingDate)
		require.NoError(t, store.CreateCycle(ctx, &billing.BillingCycle{
			ID:          "cycle-" + id,
			AccountID:   id,
			PeriodStart: billingDate.AddDate(0, -1, 0),
			PeriodEnd:   billingDate,
			Status:      billing.CycleStatusFailed,
			CreatedAt:   runAt.Add(time.Duration(i) * time.Minute),
		}))
	}

	var retried []string
	invoicer := &mockInvoicer{GenerateInvoiceFunc: func(ctx context.Context, req invoice.GenerateRequest) (*billing.Invoice, error) {
		retried = append(retried, req.AccountID)
		return &billing.Invoice{ID: "inv-" + req.AccountID}, nil
	}}
	o := NewOrchestrator(store, invoicer, observability.NewNopLogger(), WithRetryBatchSize(2))

	result, err := o.RetryFailedBillingCycles(ctx, runAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, []string{"a", "b"}, retried)
}

func TestHandleOverdueInvoices(t *testing.T) {
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	var gotCutoff time.Time
	invoicer := &mockInvoicer{
		MarkOverdueInvoicesFunc: func(ctx context.Context, at time.Time) (int64, error) {
			assert.Equal(t, now, at)
			return 3, nil
		},
		ListOverdueInvoicesFunc: func(ctx context.Context, cutoff time.Time) ([]*billing.Invoice, error) {
			gotCutoff = cutoff
			return []*billing.Invoice{{ID: "inv-1", InvoiceNumber: "INV-202402-0001"}}, nil
		},
	}
	o := NewOrchestrator(memory.New(), invoicer, observability.NewNopLogger(), WithGracePeriodDays(15))

	n, err := o.HandleOverdueInvoices(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, now.AddDate(0, 0, -15), gotCutoff)

	invoicer.MarkOverdueInvoicesFunc = func(ctx context.Context, at time.Time) (int64, error) {
		return 0, errors.New("db down")
	}
	_, err = o.HandleOverdueInvoices(context.Background(), now)
	assert.Error(t, err)
}
