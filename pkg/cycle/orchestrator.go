package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/invoice"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/platinummonkey/callmeter/pkg/payment"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultRetryBatchSize  = 10
	DefaultGracePeriodDays = 15
)

// Store persists billing cycles and the account billing schedule
type Store interface {
	GetAccount(ctx context.Context, id string) (*billing.BillingAccount, error)
	ListAccountsDueForBilling(ctx context.Context, now time.Time) ([]*billing.BillingAccount, error)
	UpdateAccountNextBillingDate(ctx context.Context, accountID string, next time.Time) error
	GetCycleForPeriod(ctx context.Context, accountID string, start, end time.Time) (*billing.BillingCycle, error)
	CreateCycle(ctx context.Context, cycle *billing.BillingCycle) error
	UpdateCycle(ctx context.Context, cycle *billing.BillingCycle) error
	ListFailedCycles(ctx context.Context, limit int) ([]*billing.BillingCycle, error)
}

// Invoicer issues invoices and tracks overdue ones
type Invoicer interface {
	GenerateInvoice(ctx context.Context, req invoice.GenerateRequest) (*billing.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	MarkOverdueInvoices(ctx context.Context, now time.Time) (int64, error)
	ListOverdueInvoices(ctx context.Context, cutoff time.Time) ([]*billing.Invoice, error)
}

// Charger collects an issued invoice
type Charger interface {
	ChargeInvoice(ctx context.Context, inv *billing.Invoice, account *billing.BillingAccount, now time.Time) (*billing.Payment, error)
}

// BatchResult summarizes one batch run
type BatchResult struct {
	Processed int
	Failed    int
}

// Orchestrator drives accounts through their billing cycles
type Orchestrator struct {
	store          Store
	invoices       Invoicer
	charger        Charger
	retryBatchSize int
	gracePeriod    int
	log            logrus.FieldLogger
	metrics        *observability.Metrics
	tracer         trace.Tracer
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithCharger enables automatic charging after an invoice is issued
func WithCharger(c Charger) Option {
	return func(o *Orchestrator) { o.charger = c }
}

// WithRetryBatchSize bounds how many failed cycles one retry run picks up
func WithRetryBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.retryBatchSize = n
		}
	}
}

// WithGracePeriodDays sets how long past due an overdue invoice may be before escalation
func WithGracePeriodDays(days int) Option {
	return func(o *Orchestrator) {
		if days >= 0 {
			o.gracePeriod = days
		}
	}
}

// WithMetrics records cycle metrics on m
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates a billing cycle orchestrator
func NewOrchestrator(store Store, invoices Invoicer, log logrus.FieldLogger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logrus.New()
	}
	o := &Orchestrator{
		store:          store,
		invoices:       invoices,
		retryBatchSize: DefaultRetryBatchSize,
		gracePeriod:    DefaultGracePeriodDays,
		log:            log,
		tracer:         observability.Tracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessBillingCycles runs every account due at now, oldest first. A failing
// account is logged and counted; the rest of the batch still runs.
func (o *Orchestrator) ProcessBillingCycles(ctx context.Context, now time.Time) (BatchResult, error) {
	accounts, err := o.store.ListAccountsDueForBilling(ctx, now)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to list accounts due for billing: %w", err)
	}

	var result BatchResult
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := o.ProcessBillingCycleForAccount(ctx, account, now); err != nil {
			result.Failed++
			o.log.WithError(err).WithField("account_id", account.ID).Error("Billing cycle failed")
			continue
		}
		result.Processed++
	}

	o.log.WithFields(logrus.Fields{
		"due":       len(accounts),
		"processed": result.Processed,
		"failed":    result.Failed,
	}).Info("Billing cycle run finished")
	return result, nil
}

// ProcessBillingCycleForAccount bills the period ending at the account's next
// billing date. Periods end on the account's anchor day, clamped to short
// months, so consecutive periods share their boundary. Running it again for
// the same period returns the existing cycle.
func (o *Orchestrator) ProcessBillingCycleForAccount(ctx context.Context, account *billing.BillingAccount, now time.Time) (cycle *billing.BillingCycle, err error) {
	ctx, span := o.tracer.Start(ctx, "cycle.process", trace.WithAttributes(attribute.String("account_id", account.ID)))
	defer func() { observability.EndSpan(span, err) }()

	periodEnd := account.NextBillingDate
	periodStart, err := account.BillingPeriod.AddAnchored(periodEnd, -1, account.AnchorDay())
	if err != nil {
		return nil, fmt.Errorf("account %s has billing period %q: %w", account.ID, account.BillingPeriod, err)
	}

	existing, err := o.store.GetCycleForPeriod(ctx, account.ID, periodStart, periodEnd)
	switch {
	case err == nil:
		o.log.WithFields(logrus.Fields{
			"account_id": account.ID,
			"cycle_id":   existing.ID,
			"status":     existing.Status,
		}).Debug("Billing cycle already exists for period")
		return existing, nil
	case !errors.Is(err, billing.ErrCycleNotFound):
		return nil, fmt.Errorf("failed to look up billing cycle: %w", err)
	}

	cycle = &billing.BillingCycle{
		ID:          uuid.NewString(),
		AccountID:   account.ID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Status:      billing.CycleStatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateCycle(ctx, cycle); err != nil {
		if errors.Is(err, billing.ErrCycleExists) {
			// another worker created it between the lookup and the insert
			return o.store.GetCycleForPeriod(ctx, account.ID, periodStart, periodEnd)
		}
		return nil, fmt.Errorf("failed to create billing cycle: %w", err)
	}

	if err := o.run(ctx, cycle, account, now); err != nil {
		return cycle, err
	}
	return cycle, nil
}

// run generates the cycle's invoice, advances the account schedule and
// settles the cycle status. A cycle that already has an invoice reuses it, so
// a retry after a failed schedule update does not issue a second invoice.
func (o *Orchestrator) run(ctx context.Context, cycle *billing.BillingCycle, account *billing.BillingAccount, now time.Time) error {
	start := time.Now()
	log := o.log.WithFields(logrus.Fields{
		"account_id":   account.ID,
		"cycle_id":     cycle.ID,
		"period_start": cycle.PeriodStart,
		"period_end":   cycle.PeriodEnd,
	})

	processedAt := now
	cycle.ProcessedAt = &processedAt
	cycle.UpdatedAt = now

	inv, err := o.issueInvoice(ctx, cycle, account, now)
	if err == nil {
		invoiceID := inv.ID
		cycle.InvoiceID = &invoiceID
		err = o.advance(ctx, cycle, account)
	}
	if err != nil {
		cycle.Status = billing.CycleStatusFailed
		cycle.FailureReason = err.Error()
		if uerr := o.store.UpdateCycle(ctx, cycle); uerr != nil {
			log.WithError(uerr).Error("Failed to record billing cycle failure")
		}
		o.metrics.BillingCycle(string(billing.CycleStatusFailed), time.Since(start))
		return err
	}

	cycle.Status = billing.CycleStatusCompleted
	cycle.FailureReason = ""
	if err := o.store.UpdateCycle(ctx, cycle); err != nil {
		return fmt.Errorf("failed to complete billing cycle: %w", err)
	}

	o.metrics.BillingCycle(string(billing.CycleStatusCompleted), time.Since(start))
	log.WithFields(logrus.Fields{
		"invoice_id": inv.ID,
		"total":      inv.Total,
	}).Info("Billing cycle completed")

	o.charge(ctx, inv, account, now, log)
	return nil
}

func (o *Orchestrator) issueInvoice(ctx context.Context, cycle *billing.BillingCycle, account *billing.BillingAccount, now time.Time) (*billing.Invoice, error) {
	if cycle.InvoiceID != nil {
		inv, err := o.invoices.GetInvoice(ctx, *cycle.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load cycle invoice: %w", err)
		}
		return inv, nil
	}
	inv, err := o.invoices.GenerateInvoice(ctx, invoice.GenerateRequest{
		AccountID:   account.ID,
		PeriodStart: cycle.PeriodStart,
		PeriodEnd:   cycle.PeriodEnd,
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate invoice: %w", err)
	}
	return inv, nil
}

// advance moves the account's next billing date one period past the cycle.
// The date only moves forward.
func (o *Orchestrator) advance(ctx context.Context, cycle *billing.BillingCycle, account *billing.BillingAccount) error {
	next, err := account.BillingPeriod.AddAnchored(cycle.PeriodEnd, 1, account.AnchorDay())
	if err != nil {
		return fmt.Errorf("failed to advance billing date: %w", err)
	}
	if !next.After(account.NextBillingDate) {
		return nil
	}
	if err := o.store.UpdateAccountNextBillingDate(ctx, account.ID, next); err != nil {
		return fmt.Errorf("failed to advance billing date: %w", err)
	}
	account.NextBillingDate = next
	return nil
}

// charge attempts automatic collection. Failures never fail the cycle.
func (o *Orchestrator) charge(ctx context.Context, inv *billing.Invoice, account *billing.BillingAccount, now time.Time, log logrus.FieldLogger) {
	if o.charger == nil {
		return
	}
	_, err := o.charger.ChargeInvoice(ctx, inv, account, now)
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrNothingToCharge), errors.Is(err, billing.ErrNoPaymentMethod):
		log.WithError(err).Debug("Skipping automatic charge")
	default:
		log.WithError(err).WithField("invoice_id", inv.ID).Warn("Automatic charge failed")
	}
}

// RetryFailedBillingCycles re-runs up to the retry batch size of failed cycles,
// oldest first. Cycles whose account no longer exists are skipped.
func (o *Orchestrator) RetryFailedBillingCycles(ctx context.Context, now time.Time) (BatchResult, error) {
	cycles, err := o.store.ListFailedCycles(ctx, o.retryBatchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to list failed billing cycles: %w", err)
	}

	var result BatchResult
	for _, cycle := range cycles {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		log := o.log.WithFields(logrus.Fields{"cycle_id": cycle.ID, "account_id": cycle.AccountID})

		account, err := o.store.GetAccount(ctx, cycle.AccountID)
		if err != nil {
			log.WithError(err).Warn("Skipping retry of billing cycle without account")
			continue
		}

		cycle.Status = billing.CycleStatusProcessing
		cycle.UpdatedAt = now
		if err := o.store.UpdateCycle(ctx, cycle); err != nil {
			result.Failed++
			log.WithError(err).Error("Failed to reopen billing cycle")
			continue
		}

		if err := o.run(ctx, cycle, account, now); err != nil {
			result.Failed++
			log.WithError(err).Warn("Billing cycle retry failed")
			continue
		}
		result.Processed++
	}
	return result, nil
}

// HandleOverdueInvoices marks past-due invoices overdue and warns about those
// past the grace period.
func (o *Orchestrator) HandleOverdueInvoices(ctx context.Context, now time.Time) (int64, error) {
	marked, err := o.invoices.MarkOverdueInvoices(ctx, now)
	if err != nil {
		return 0, err
	}

	cutoff := now.AddDate(0, 0, -o.gracePeriod)
	expired, err := o.invoices.ListOverdueInvoices(ctx, cutoff)
	if err != nil {
		return marked, err
	}
	for _, inv := range expired {
		o.log.WithFields(logrus.Fields{
			"invoice_id":     inv.ID,
			"invoice_number": inv.InvoiceNumber,
			"account_id":     inv.AccountID,
			"due_date":       inv.DueDate,
			"total":          inv.Total,
		}).Warn("Invoice grace period expired")
	}
	return marked, nil
}
