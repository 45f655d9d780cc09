// Package memory provides an in-process implementation of every billing store
// interface. It backs tests and the local development mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/samber/lo"
)

// Store keeps all billing state in maps guarded by a single lock
type Store struct {
	mu        sync.RWMutex
	accounts  map[string]*billing.BillingAccount
	events    map[string]*billing.UsageEvent
	invoices  map[string]*billing.Invoice
	items     map[string]*billing.InvoiceItem
	cycles    map[string]*billing.BillingCycle
	payments  map[string]*billing.Payment
	pricing   []*billing.RegionalPricingConfig
	discounts []*billing.VolumeDiscount

	// insertion order, used to keep listings stable when timestamps tie
	eventOrder   []string
	invoiceOrder []string
	cycleOrder   []string
}

// New creates an empty store
func New() *Store {
	return &Store{
		accounts: make(map[string]*billing.BillingAccount),
		events:   make(map[string]*billing.UsageEvent),
		invoices: make(map[string]*billing.Invoice),
		items:    make(map[string]*billing.InvoiceItem),
		cycles:   make(map[string]*billing.BillingCycle),
		payments: make(map[string]*billing.Payment),
	}
}

// PutAccount inserts or replaces a billing account. An account without a
// billing day is anchored on the day of its next billing date.
func (s *Store) PutAccount(account *billing.BillingAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *account
	cp.BillingDay = account.AnchorDay()
	s.accounts[account.ID] = &cp
}

// DeleteAccount removes a billing account
func (s *Store) DeleteAccount(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
}

// PutPricing adds a regional pricing row
func (s *Store) PutPricing(cfg *billing.RegionalPricingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.pricing = append(s.pricing, &cp)
}

// PutVolumeDiscount adds a volume discount tier
func (s *Store) PutVolumeDiscount(d *billing.VolumeDiscount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.discounts = append(s.discounts, &cp)
}

// Accounts

func (s *Store) GetAccount(ctx context.Context, id string) (*billing.BillingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, billing.ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (s *Store) ListAccountsDueForBilling(ctx context.Context, now time.Time) ([]*billing.BillingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := lo.FilterMap(lo.Values(s.accounts), func(a *billing.BillingAccount, _ int) (*billing.BillingAccount, bool) {
		if a.NextBillingDate.After(now) {
			return nil, false
		}
		cp := *a
		return &cp, true
	})
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].NextBillingDate.Equal(due[j].NextBillingDate) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextBillingDate.Before(due[j].NextBillingDate)
	})
	return due, nil
}

func (s *Store) UpdateAccountNextBillingDate(ctx context.Context, accountID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return billing.ErrAccountNotFound
	}
	account.NextBillingDate = next
	return nil
}

// Usage

func (s *Store) CreateUsageEvent(ctx context.Context, event *billing.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ID] = cloneEvent(event)
	s.eventOrder = append(s.eventOrder, event.ID)
	return nil
}

func (s *Store) ListUninvoicedUsage(ctx context.Context, accountID string, start, end time.Time) ([]*billing.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.eventsInRange(accountID, start, end)
	return lo.FilterMap(events, func(e *billing.UsageEvent, _ int) (*billing.UsageEvent, bool) {
		return cloneEvent(e), !e.Invoiced
	}), nil
}

func (s *Store) MarkUsageInvoiced(ctx context.Context, eventIDs []string, invoiceItemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range eventIDs {
		event, ok := s.events[id]
		if !ok || event.Invoiced {
			continue
		}
		itemID := invoiceItemID
		event.Invoiced = true
		event.InvoiceItemID = &itemID
	}
	return nil
}

// GetUsageEvent returns a stored event
func (s *Store) GetUsageEvent(ctx context.Context, id string) (*billing.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[id]
	if !ok {
		return nil, billing.ErrUsageEventNotFound
	}
	return cloneEvent(event), nil
}

func (s *Store) UsageStatistics(ctx context.Context, accountID string, start, end time.Time) ([]billing.UsageStatistic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.eventsInRange(accountID, start, end)
	grouped := lo.GroupBy(events, func(e *billing.UsageEvent) billing.EventType { return e.EventType })

	stats := make([]billing.UsageStatistic, 0, len(grouped))
	for _, t := range billing.EventTypes {
		group, ok := grouped[t]
		if !ok {
			continue
		}
		stats = append(stats, billing.UsageStatistic{
			EventType:            t,
			Count:                int64(len(group)),
			Quantity:             lo.SumBy(group, func(e *billing.UsageEvent) int64 { return e.Quantity }),
			TotalCost:            lo.SumBy(group, func(e *billing.UsageEvent) int64 { return e.TotalCost }),
			TotalDurationSeconds: lo.SumBy(group, durationOf),
		})
	}
	return stats, nil
}

func (s *Store) DailyUsage(ctx context.Context, accountID string, start, end time.Time) ([]billing.DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.eventsInRange(accountID, start, end)
	grouped := lo.GroupBy(events, func(e *billing.UsageEvent) time.Time {
		return e.Timestamp.UTC().Truncate(24 * time.Hour)
	})

	days := make([]billing.DailyUsage, 0, len(grouped))
	for day, group := range grouped {
		days = append(days, billing.DailyUsage{
			Day:                  day,
			Count:                int64(len(group)),
			TotalCost:            lo.SumBy(group, func(e *billing.UsageEvent) int64 { return e.TotalCost }),
			TotalDurationSeconds: lo.SumBy(group, durationOf),
		})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day.Before(days[j].Day) })
	return days, nil
}

func (s *Store) MonthlyUsage(ctx context.Context, userID string, bucket billing.UsageBucket, month time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, month.Location())
	end := start.AddDate(0, 1, 0)

	var total int64
	for _, e := range s.events {
		account, ok := s.accounts[e.AccountID]
		if !ok || account.UserID != userID {
			continue
		}
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		if bucket == billing.UsageBucketSpend {
			total += e.TotalCost
			continue
		}
		if lo.Contains(billing.BucketEventTypes(bucket), e.EventType) {
			total += e.Quantity
		}
	}
	return total, nil
}

// eventsInRange returns events of an account in [start, end], oldest first. Callers hold the lock.
func (s *Store) eventsInRange(accountID string, start, end time.Time) []*billing.UsageEvent {
	events := make([]*billing.UsageEvent, 0)
	for _, id := range s.eventOrder {
		e := s.events[id]
		if e.AccountID != accountID || e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		events = append(events, e)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events
}

func durationOf(e *billing.UsageEvent) int64 {
	if e.DurationSeconds == nil {
		return 0
	}
	return int64(*e.DurationSeconds)
}

// Pricing

func (s *Store) GetActivePricing(ctx context.Context, region string, at time.Time) (*billing.RegionalPricingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *billing.RegionalPricingConfig
	for _, cfg := range s.pricing {
		if cfg.Region != region || cfg.EffectiveFrom.After(at) {
			continue
		}
		if cfg.EffectiveTo != nil && !cfg.EffectiveTo.After(at) {
			continue
		}
		if newest == nil || cfg.EffectiveFrom.After(newest.EffectiveFrom) {
			newest = cfg
		}
	}
	if newest == nil {
		return nil, billing.ErrPricingNotFound
	}
	cp := *newest
	return &cp, nil
}

func (s *Store) ListVolumeDiscounts(ctx context.Context, region string, bucket billing.UsageBucket) ([]*billing.VolumeDiscount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.FilterMap(s.discounts, func(d *billing.VolumeDiscount, _ int) (*billing.VolumeDiscount, bool) {
		cp := *d
		return &cp, d.Region == region && d.Bucket == bucket
	}), nil
}

// Invoices

func (s *Store) CountInvoicesInMonth(ctx context.Context, month time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.CountBy(lo.Values(s.invoices), func(inv *billing.Invoice) bool {
		return inv.CreatedAt.Year() == month.Year() && inv.CreatedAt.Month() == month.Month()
	}), nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = cloneInvoice(inv)
	s.invoiceOrder = append(s.invoiceOrder, inv.ID)
	return nil
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[inv.ID]; !ok {
		return billing.ErrInvoiceNotFound
	}
	s.invoices[inv.ID] = cloneInvoice(inv)
	return nil
}

// UpdateInvoiceStatus writes inv's status and paid date if the stored invoice
// is still in from.
func (s *Store) UpdateInvoiceStatus(ctx context.Context, inv *billing.Invoice, from billing.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.invoices[inv.ID]
	if !ok {
		return billing.ErrInvoiceNotFound
	}
	if stored.Status != from {
		return fmt.Errorf("%w: invoice %s is %s, not %s", billing.ErrInvalidTransition, inv.ID, stored.Status, from)
	}
	stored.Status = inv.Status
	stored.PaidAt = nil
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		stored.PaidAt = &t
	}
	stored.UpdatedAt = inv.UpdatedAt
	return nil
}

// SetInvoicePDF records where an invoice's document is stored
func (s *Store) SetInvoicePDF(ctx context.Context, id, url string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.invoices[id]
	if !ok {
		return billing.ErrInvoiceNotFound
	}
	generatedAt := at
	stored.PDFURL = url
	stored.PDFGeneratedAt = &generatedAt
	stored.UpdatedAt = at
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	return cloneInvoice(inv), nil
}

// ListInvoices returns every invoice in creation order
func (s *Store) ListInvoices(ctx context.Context) ([]*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.invoiceOrder, func(id string, _ int) *billing.Invoice {
		return cloneInvoice(s.invoices[id])
	}), nil
}

func (s *Store) CreateInvoiceItem(ctx context.Context, item *billing.InvoiceItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	cp.UsageEventIDs = append([]string(nil), item.UsageEventIDs...)
	s.items[item.ID] = &cp
	return nil
}

func (s *Store) ListInvoiceItems(ctx context.Context, invoiceID string) ([]*billing.InvoiceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := lo.FilterMap(lo.Values(s.items), func(item *billing.InvoiceItem, _ int) (*billing.InvoiceItem, bool) {
		cp := *item
		return &cp, item.InvoiceID == invoiceID
	})
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *Store) MarkOverdueInvoices(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, inv := range s.invoices {
		if inv.Status == billing.InvoiceStatusSent && inv.DueDate.Before(now) {
			inv.Status = billing.InvoiceStatusOverdue
			inv.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) ListOverdueInvoices(ctx context.Context, dueBefore time.Time) ([]*billing.Invoice, error) {
	return s.listInvoices(func(inv *billing.Invoice) bool {
		return inv.Status == billing.InvoiceStatusOverdue && inv.DueDate.Before(dueBefore)
	}, 0), nil
}

func (s *Store) ListInvoicesWithoutPDF(ctx context.Context, limit int) ([]*billing.Invoice, error) {
	return s.listInvoices(func(inv *billing.Invoice) bool {
		return inv.Status != billing.InvoiceStatusDraft && inv.PDFURL == ""
	}, limit), nil
}

func (s *Store) listInvoices(keep func(*billing.Invoice) bool, limit int) []*billing.Invoice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*billing.Invoice, 0)
	for _, id := range s.invoiceOrder {
		inv := s.invoices[id]
		if !keep(inv) {
			continue
		}
		out = append(out, cloneInvoice(inv))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Billing cycles

func (s *Store) GetCycleForPeriod(ctx context.Context, accountID string, start, end time.Time) (*billing.BillingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.cycleOrder {
		c := s.cycles[id]
		if c.AccountID == accountID && c.PeriodStart.Equal(start) && c.PeriodEnd.Equal(end) {
			return cloneCycle(c), nil
		}
	}
	return nil, billing.ErrCycleNotFound
}

func (s *Store) CreateCycle(ctx context.Context, cycle *billing.BillingCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cycles {
		if c.AccountID == cycle.AccountID && c.PeriodStart.Equal(cycle.PeriodStart) && c.PeriodEnd.Equal(cycle.PeriodEnd) {
			return billing.ErrCycleExists
		}
	}
	s.cycles[cycle.ID] = cloneCycle(cycle)
	s.cycleOrder = append(s.cycleOrder, cycle.ID)
	return nil
}

func (s *Store) UpdateCycle(ctx context.Context, cycle *billing.BillingCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cycles[cycle.ID]; !ok {
		return billing.ErrCycleNotFound
	}
	s.cycles[cycle.ID] = cloneCycle(cycle)
	return nil
}

func (s *Store) ListFailedCycles(ctx context.Context, limit int) ([]*billing.BillingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	failed := make([]*billing.BillingCycle, 0)
	for _, id := range s.cycleOrder {
		if c := s.cycles[id]; c.Status == billing.CycleStatusFailed {
			failed = append(failed, cloneCycle(c))
		}
	}
	sort.SliceStable(failed, func(i, j int) bool { return failed[i].CreatedAt.Before(failed[j].CreatedAt) })
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

// ListCycles returns every billing cycle in creation order
func (s *Store) ListCycles(ctx context.Context) ([]*billing.BillingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.cycleOrder, func(id string, _ int) *billing.BillingCycle {
		return cloneCycle(s.cycles[id])
	}), nil
}

// Payments

func (s *Store) CreatePayment(ctx context.Context, p *billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *Store) UpdatePayment(ctx context.Context, p *billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		return billing.ErrPaymentNotFound
	}
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *Store) GetPaymentByGatewayChargeID(ctx context.Context, chargeID string) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := lo.Find(lo.Values(s.payments), func(p *billing.Payment) bool { return p.GatewayChargeID == chargeID })
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPayments returns the payments recorded for an invoice
func (s *Store) ListPayments(ctx context.Context, invoiceID string) ([]*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payments := lo.FilterMap(lo.Values(s.payments), func(p *billing.Payment, _ int) (*billing.Payment, bool) {
		cp := *p
		return &cp, p.InvoiceID == invoiceID
	})
	sort.SliceStable(payments, func(i, j int) bool { return payments[i].CreatedAt.Before(payments[j].CreatedAt) })
	return payments, nil
}

func cloneEvent(e *billing.UsageEvent) *billing.UsageEvent {
	cp := *e
	if e.DurationSeconds != nil {
		d := *e.DurationSeconds
		cp.DurationSeconds = &d
	}
	if e.InvoiceItemID != nil {
		id := *e.InvoiceItemID
		cp.InvoiceItemID = &id
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneInvoice(inv *billing.Invoice) *billing.Invoice {
	cp := *inv
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		cp.PaidAt = &t
	}
	if inv.PDFGeneratedAt != nil {
		t := *inv.PDFGeneratedAt
		cp.PDFGeneratedAt = &t
	}
	return &cp
}

func cloneCycle(c *billing.BillingCycle) *billing.BillingCycle {
	cp := *c
	if c.InvoiceID != nil {
		id := *c.InvoiceID
		cp.InvoiceID = &id
	}
	if c.ProcessedAt != nil {
		t := *c.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}
