package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDueDays is the payment term applied when a request has no due date
const DefaultDueDays = 30

// Store persists invoices and their items
type Store interface {
	Counter
	GetAccount(ctx context.Context, id string) (*billing.BillingAccount, error)
	CreateInvoice(ctx context.Context, inv *billing.Invoice) error
	UpdateInvoice(ctx context.Context, inv *billing.Invoice) error
	UpdateInvoiceStatus(ctx context.Context, inv *billing.Invoice, from billing.InvoiceStatus) error
	SetInvoicePDF(ctx context.Context, id, url string, at time.Time) error
	GetInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	CreateInvoiceItem(ctx context.Context, item *billing.InvoiceItem) error
	ListInvoiceItems(ctx context.Context, invoiceID string) ([]*billing.InvoiceItem, error)
	MarkOverdueInvoices(ctx context.Context, now time.Time) (int64, error)
	ListOverdueInvoices(ctx context.Context, dueBefore time.Time) ([]*billing.Invoice, error)
	ListInvoicesWithoutPDF(ctx context.Context, limit int) ([]*billing.Invoice, error)
}

// Usage supplies un-invoiced events and records their consumption
type Usage interface {
	GetUninvoicedUsage(ctx context.Context, accountID string, start, end time.Time) ([]*billing.UsageEvent, error)
	MarkAsInvoiced(ctx context.Context, eventIDs []string, invoiceItemID string) error
}

// TaxCalculator computes tax on a subtotal
type TaxCalculator interface {
	CalculateTax(subtotal int64) int64
}

// GenerateRequest selects the account and period to invoice
type GenerateRequest struct {
	AccountID   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	// DueDate defaults to Now + due days
	DueDate *time.Time
	// Now defaults to the wall clock
	Now time.Time
}

// Generator turns un-invoiced usage into invoices
type Generator struct {
	store     Store
	usage     Usage
	tax       TaxCalculator
	sequencer Sequencer
	dueDays   int
	renderer  Renderer
	objects   ObjectStore
	now       func() time.Time
	log       logrus.FieldLogger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

// Option configures a Generator
type Option func(*Generator)

// WithSequencer replaces the count-based invoice numbering
func WithSequencer(s Sequencer) Option {
	return func(g *Generator) { g.sequencer = s }
}

// WithDueDays sets the payment term in days
func WithDueDays(days int) Option {
	return func(g *Generator) {
		if days > 0 {
			g.dueDays = days
		}
	}
}

// WithPDF enables PDF rendering into an object store
func WithPDF(renderer Renderer, objects ObjectStore) Option {
	return func(g *Generator) {
		g.renderer = renderer
		g.objects = objects
	}
}

// WithMetrics records invoice metrics on m
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// NewGenerator creates an invoice generator
func NewGenerator(store Store, usage Usage, tax TaxCalculator, log logrus.FieldLogger, opts ...Option) *Generator {
	if log == nil {
		log = logrus.New()
	}
	g := &Generator{
		store:     store,
		usage:     usage,
		tax:       tax,
		sequencer: NewCountSequencer(store),
		dueDays:   DefaultDueDays,
		renderer:  HTMLRenderer{},
		now:       time.Now,
		log:       log,
		tracer:    observability.Tracer(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateInvoice builds and issues the invoice for one account period. An
// empty period still produces a zero-total SENT invoice.
func (g *Generator) GenerateInvoice(ctx context.Context, req GenerateRequest) (inv *billing.Invoice, err error) {
	ctx, span := g.tracer.Start(ctx, "invoice.generate", trace.WithAttributes(
		attribute.String("account_id", req.AccountID),
	))
	defer func() { observability.EndSpan(span, err) }()

	account, err := g.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", req.AccountID, err)
	}

	now := req.Now
	if now.IsZero() {
		now = g.now()
	}
	dueDate := now.AddDate(0, 0, g.dueDays)
	if req.DueDate != nil {
		dueDate = *req.DueDate
	}

	seq, err := g.sequencer.Next(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate invoice number: %w", err)
	}

	inv = &billing.Invoice{
		ID:            uuid.NewString(),
		AccountID:     account.ID,
		InvoiceNumber: FormatNumber(now, seq),
		Status:        billing.InvoiceStatusDraft,
		PeriodStart:   req.PeriodStart,
		PeriodEnd:     req.PeriodEnd,
		Currency:      account.Currency,
		DueDate:       dueDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := g.store.CreateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	span.SetAttributes(attribute.String("invoice_number", inv.InvoiceNumber))

	events, err := g.usage.GetUninvoicedUsage(ctx, account.ID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}

	items := BuildItems(inv.ID, events, now)
	for _, item := range items {
		if err := g.store.CreateInvoiceItem(ctx, item); err != nil {
			return nil, fmt.Errorf("failed to create invoice item: %w", err)
		}
	}

	inv.Subtotal = lo.SumBy(items, func(item *billing.InvoiceItem) int64 { return item.Total })
	inv.Tax = g.tax.CalculateTax(inv.Subtotal)
	inv.Total = inv.Subtotal + inv.Tax
	if err := transition(inv, billing.InvoiceStatusSent, now); err != nil {
		return nil, err
	}
	if err := g.store.UpdateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to update invoice totals: %w", err)
	}

	for _, item := range items {
		if err := g.usage.MarkAsInvoiced(ctx, item.UsageEventIDs, item.ID); err != nil {
			return nil, fmt.Errorf("failed to mark usage for item %s: %w", item.ID, err)
		}
	}

	g.metrics.InvoiceGenerated(ctx, inv.Currency, inv.Total)
	g.log.WithFields(logrus.Fields{
		"account_id":     account.ID,
		"invoice_id":     inv.ID,
		"invoice_number": inv.InvoiceNumber,
		"items":          len(items),
		"total":          inv.Total,
	}).Info("Invoice generated")

	return inv, nil
}

// itemDescription labels a group: "Outbound call" for one event,
// "Outbound calls (3 events)" for more.
func itemDescription(t billing.EventType, events int) string {
	if events == 1 {
		return t.Label()
	}
	return fmt.Sprintf("%s (%d events)", t.PluralLabel(), events)
}

// BuildItems groups events by (event type, number) in first-seen order and
// returns one item per group.
func BuildItems(invoiceID string, events []*billing.UsageEvent, now time.Time) []*billing.InvoiceItem {
	type groupKey struct {
		eventType billing.EventType
		numberID  string
	}

	order := lo.UniqBy(events, func(e *billing.UsageEvent) groupKey {
		return groupKey{e.EventType, e.NumberID}
	})
	groups := lo.GroupBy(events, func(e *billing.UsageEvent) groupKey {
		return groupKey{e.EventType, e.NumberID}
	})

	return lo.Map(order, func(first *billing.UsageEvent, _ int) *billing.InvoiceItem {
		group := groups[groupKey{first.EventType, first.NumberID}]
		quantity := lo.SumBy(group, func(e *billing.UsageEvent) int64 { return e.Quantity })
		total := lo.SumBy(group, func(e *billing.UsageEvent) int64 { return e.TotalCost })
		return &billing.InvoiceItem{
			ID:            uuid.NewString(),
			InvoiceID:     invoiceID,
			Description:   itemDescription(first.EventType, len(group)),
			EventType:     first.EventType,
			NumberID:      first.NumberID,
			Quantity:      quantity,
			UnitPrice:     unitPrice(total, quantity),
			Total:         total,
			UsageEventIDs: lo.Map(group, func(e *billing.UsageEvent, _ int) string { return e.ID }),
			CreatedAt:     now,
		}
	})
}

func unitPrice(total, quantity int64) int64 {
	if quantity == 0 {
		return 0
	}
	return decimal.NewFromInt(total).Div(decimal.NewFromInt(quantity)).Round(0).IntPart()
}

// MarkOverdueInvoices moves SENT invoices past their due date to OVERDUE
func (g *Generator) MarkOverdueInvoices(ctx context.Context, now time.Time) (int64, error) {
	n, err := g.store.MarkOverdueInvoices(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to mark overdue invoices: %w", err)
	}
	g.metrics.InvoicesOverdue(n)
	if n > 0 {
		g.log.WithField("count", n).Info("Invoices marked overdue")
	}
	return n, nil
}

// ListOverdueInvoices returns OVERDUE invoices due before cutoff
func (g *Generator) ListOverdueInvoices(ctx context.Context, cutoff time.Time) ([]*billing.Invoice, error) {
	invoices, err := g.store.ListOverdueInvoices(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue invoices: %w", err)
	}
	return invoices, nil
}

// GetInvoice loads an invoice
func (g *Generator) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	inv, err := g.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice %s: %w", id, err)
	}
	return inv, nil
}

// UpdateStatus applies a status transition and persists it. The write only
// lands if the stored invoice still has the status inv was read with;
// otherwise ErrInvalidTransition is returned and inv is left unchanged.
func (g *Generator) UpdateStatus(ctx context.Context, inv *billing.Invoice, next billing.InvoiceStatus, now time.Time) error {
	before := *inv
	if err := transition(inv, next, now); err != nil {
		return err
	}
	if err := g.store.UpdateInvoiceStatus(ctx, inv, before.Status); err != nil {
		*inv = before
		return fmt.Errorf("failed to update invoice %s: %w", inv.ID, err)
	}
	return nil
}

func transition(inv *billing.Invoice, next billing.InvoiceStatus, now time.Time) error {
	if !inv.Status.CanTransition(next) {
		return fmt.Errorf("%w: invoice %s %s -> %s", billing.ErrInvalidTransition, inv.ID, inv.Status, next)
	}
	inv.Status = next
	inv.UpdatedAt = now
	if next == billing.InvoiceStatusPaid {
		paidAt := now
		inv.PaidAt = &paidAt
	}
	return nil
}
