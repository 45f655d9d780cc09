package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// Store implements storage.Store on PostgreSQL
type Store struct {
	db     *sql.DB
	reader func() *sql.DB
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithReader routes aggregation queries to the connection returned by reader,
// typically ConnectionManager.Replica
func WithReader(reader func() *sql.DB) StoreOption {
	return func(s *Store) {
		if reader != nil {
			s.reader = reader
		}
	}
}

// NewStore creates a Store writing to db
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db}
	s.reader = func() *sql.DB { return s.db }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStoreFromManager creates a Store that writes to the primary and reads
// aggregations from the replicas
func NewStoreFromManager(cm *ConnectionManager) *Store {
	return NewStore(cm.Primary(), WithReader(cm.Replica))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func monthBounds(month time.Time) (time.Time, time.Time) {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, month.Location())
	return start, start.AddDate(0, 1, 0)
}

// Accounts

const accountColumns = `id, user_id, billing_period, next_billing_date, billing_day, currency, region,
	default_payment_method_ref, created_at, updated_at`

func scanAccount(row rowScanner) (*billing.BillingAccount, error) {
	var a billing.BillingAccount
	if err := row.Scan(&a.ID, &a.UserID, &a.BillingPeriod, &a.NextBillingDate, &a.BillingDay, &a.Currency, &a.Region,
		&a.DefaultPaymentMethodRef, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts a billing account, anchored on the day of its next
// billing date unless BillingDay is set.
func (s *Store) CreateAccount(ctx context.Context, a *billing.BillingAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.UserID, a.BillingPeriod, a.NextBillingDate, a.AnchorDay(), a.Currency, a.Region,
		a.DefaultPaymentMethodRef, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert billing account: %w", err)
	}
	return nil
}

// GetAccount loads a billing account by ID
func (s *Store) GetAccount(ctx context.Context, id string) (*billing.BillingAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM billing_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", billing.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing account: %w", err)
	}
	return a, nil
}

// ListAccountsDueForBilling returns accounts whose next billing date is at or before now
func (s *Store) ListAccountsDueForBilling(ctx context.Context, now time.Time) ([]*billing.BillingAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM billing_accounts
		WHERE next_billing_date <= $1
		ORDER BY next_billing_date ASC, id ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts due for billing: %w", err)
	}
	defer rows.Close()

	var accounts []*billing.BillingAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateAccountNextBillingDate moves an account's schedule
func (s *Store) UpdateAccountNextBillingDate(ctx context.Context, accountID string, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE billing_accounts SET next_billing_date = $1, updated_at = NOW() WHERE id = $2
	`, next, accountID)
	if err != nil {
		return fmt.Errorf("failed to update next billing date: %w", err)
	}
	return expectRow(res, billing.ErrAccountNotFound, accountID)
}

func expectRow(res sql.Result, notFound error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}

// Usage

const usageColumns = `id, account_id, number_id, event_type, duration_seconds, quantity, unit_cost,
	total_cost, currency, from_number, to_number, metadata, occurred_at, invoiced, invoice_item_id, created_at`

func scanUsageEvent(row rowScanner) (*billing.UsageEvent, error) {
	var (
		e        billing.UsageEvent
		duration sql.NullInt32
		metadata []byte
		itemID   sql.NullString
	)
	if err := row.Scan(&e.ID, &e.AccountID, &e.NumberID, &e.EventType, &duration, &e.Quantity, &e.UnitCost,
		&e.TotalCost, &e.Currency, &e.FromNumber, &e.ToNumber, &metadata, &e.Timestamp, &e.Invoiced,
		&itemID, &e.CreatedAt); err != nil {
		return nil, err
	}
	if duration.Valid {
		d := int(duration.Int32)
		e.DurationSeconds = &d
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode usage metadata: %w", err)
		}
	}
	e.InvoiceItemID = stringPtr(itemID)
	return &e, nil
}

// CreateUsageEvent inserts a priced usage event
func (s *Store) CreateUsageEvent(ctx context.Context, e *billing.UsageEvent) error {
	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("failed to encode usage metadata: %w", err)
		}
	}
	var duration sql.NullInt32
	if e.DurationSeconds != nil {
		duration = sql.NullInt32{Int32: int32(*e.DurationSeconds), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (`+usageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, e.ID, e.AccountID, e.NumberID, e.EventType, duration, e.Quantity, e.UnitCost,
		e.TotalCost, e.Currency, e.FromNumber, e.ToNumber, metadata, e.Timestamp, e.Invoiced,
		nullString(e.InvoiceItemID), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// GetUsageEvent loads one usage event
func (s *Store) GetUsageEvent(ctx context.Context, id string) (*billing.UsageEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+usageColumns+` FROM usage_events WHERE id = $1`, id)
	e, err := scanUsageEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", billing.ErrUsageEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage event: %w", err)
	}
	return e, nil
}

// ListUninvoicedUsage returns un-invoiced events for an account in [start, end], oldest first
func (s *Store) ListUninvoicedUsage(ctx context.Context, accountID string, start, end time.Time) ([]*billing.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+usageColumns+` FROM usage_events
		WHERE account_id = $1 AND NOT invoiced AND occurred_at >= $2 AND occurred_at <= $3
		ORDER BY occurred_at ASC, created_at ASC
	`, accountID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list uninvoiced usage: %w", err)
	}
	defer rows.Close()

	var events []*billing.UsageEvent
	for rows.Next() {
		e, err := scanUsageEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkUsageInvoiced links events to an invoice item. Already invoiced events keep their link.
func (s *Store) MarkUsageInvoiced(ctx context.Context, eventIDs []string, invoiceItemID string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE usage_events SET invoiced = TRUE, invoice_item_id = $1
		WHERE id = ANY($2) AND NOT invoiced
	`, invoiceItemID, pq.Array(eventIDs))
	if err != nil {
		return fmt.Errorf("failed to mark usage invoiced: %w", err)
	}
	return nil
}

// UsageStatistics aggregates an account's usage per event type
func (s *Store) UsageStatistics(ctx context.Context, accountID string, start, end time.Time) ([]billing.UsageStatistic, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT event_type, COUNT(*), COALESCE(SUM(quantity), 0), COALESCE(SUM(total_cost), 0),
			COALESCE(SUM(duration_seconds), 0)
		FROM usage_events
		WHERE account_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
		GROUP BY event_type
	`, accountID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage statistics: %w", err)
	}
	defer rows.Close()

	var stats []billing.UsageStatistic
	for rows.Next() {
		var st billing.UsageStatistic
		if err := rows.Scan(&st.EventType, &st.Count, &st.Quantity, &st.TotalCost, &st.TotalDurationSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan usage statistic: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	order := func(t billing.EventType) int {
		if i := lo.IndexOf(billing.EventTypes, t); i >= 0 {
			return i
		}
		return len(billing.EventTypes)
	}
	sort.SliceStable(stats, func(i, j int) bool { return order(stats[i].EventType) < order(stats[j].EventType) })
	return stats, nil
}

// DailyUsage aggregates an account's usage per UTC day
func (s *Store) DailyUsage(ctx context.Context, accountID string, start, end time.Time) ([]billing.DailyUsage, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT date_trunc('day', occurred_at AT TIME ZONE 'UTC') AS day, COUNT(*),
			COALESCE(SUM(total_cost), 0), COALESCE(SUM(duration_seconds), 0)
		FROM usage_events
		WHERE account_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
		GROUP BY day
		ORDER BY day ASC
	`, accountID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	var days []billing.DailyUsage
	for rows.Next() {
		var d billing.DailyUsage
		if err := rows.Scan(&d.Day, &d.Count, &d.TotalCost, &d.TotalDurationSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		d.Day = time.Date(d.Day.Year(), d.Day.Month(), d.Day.Day(), 0, 0, 0, 0, time.UTC)
		days = append(days, d)
	}
	return days, rows.Err()
}

// MonthlyUsage totals a user's usage in bucket over the calendar month containing month
func (s *Store) MonthlyUsage(ctx context.Context, userID string, bucket billing.UsageBucket, month time.Time) (int64, error) {
	start, end := monthBounds(month)

	measure := "quantity"
	var types []string
	switch bucket {
	case billing.UsageBucketSpend:
		measure = "total_cost"
	case billing.UsageBucketMinutes, billing.UsageBucketSMS:
		types = lo.Map(billing.BucketEventTypes(bucket), func(t billing.EventType, _ int) string {
			return string(t)
		})
	default:
		return 0, fmt.Errorf("unknown usage bucket %q", bucket)
	}

	query := `
		SELECT COALESCE(SUM(e.` + measure + `), 0)
		FROM usage_events e
		JOIN billing_accounts a ON a.id = e.account_id
		WHERE a.user_id = $1 AND e.occurred_at >= $2 AND e.occurred_at < $3`
	args := []any{userID, start, end}
	if types != nil {
		query += ` AND e.event_type = ANY($4)`
		args = append(args, pq.Array(types))
	}

	var total int64
	if err := s.reader().QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to query monthly usage: %w", err)
	}
	return total, nil
}

// Pricing

// CreatePricing inserts a regional rate card
func (s *Store) CreatePricing(ctx context.Context, p *billing.RegionalPricingConfig) error {
	rates, err := json.Marshal(p.Rates)
	if err != nil {
		return fmt.Errorf("failed to encode rates: %w", err)
	}
	tax, err := json.Marshal(p.Tax)
	if err != nil {
		return fmt.Errorf("failed to encode tax config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO regional_pricing (id, region, currency, rates, tax, effective_from, effective_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.Region, p.Currency, rates, tax, p.EffectiveFrom, nullTime(p.EffectiveTo), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert regional pricing: %w", err)
	}
	return nil
}

// GetActivePricing returns the newest rate card for region in effect at the given time
func (s *Store) GetActivePricing(ctx context.Context, region string, at time.Time) (*billing.RegionalPricingConfig, error) {
	var (
		p           billing.RegionalPricingConfig
		rates, tax  []byte
		effectiveTo sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, region, currency, rates, tax, effective_from, effective_to, created_at
		FROM regional_pricing
		WHERE region = $1 AND effective_from <= $2 AND (effective_to IS NULL OR effective_to > $2)
		ORDER BY effective_from DESC
		LIMIT 1
	`, region, at).Scan(&p.ID, &p.Region, &p.Currency, &rates, &tax, &p.EffectiveFrom, &effectiveTo, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: region %s", billing.ErrPricingNotFound, region)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get regional pricing: %w", err)
	}
	if err := json.Unmarshal(rates, &p.Rates); err != nil {
		return nil, fmt.Errorf("failed to decode rates: %w", err)
	}
	if err := json.Unmarshal(tax, &p.Tax); err != nil {
		return nil, fmt.Errorf("failed to decode tax config: %w", err)
	}
	p.EffectiveTo = timePtr(effectiveTo)
	return &p, nil
}

// CreateVolumeDiscount inserts a discount tier
func (s *Store) CreateVolumeDiscount(ctx context.Context, d *billing.VolumeDiscount) error {
	var maxUsage sql.NullInt64
	if d.MaxUsage != nil {
		maxUsage = sql.NullInt64{Int64: *d.MaxUsage, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO volume_discounts (id, region, bucket, min_usage, max_usage, discount_percent, tier_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.Region, d.Bucket, d.MinUsage, maxUsage, d.DiscountPercent, d.TierName)
	if err != nil {
		return fmt.Errorf("failed to insert volume discount: %w", err)
	}
	return nil
}

// ListVolumeDiscounts returns the tiers for a region and bucket, lowest threshold first
func (s *Store) ListVolumeDiscounts(ctx context.Context, region string, bucket billing.UsageBucket) ([]*billing.VolumeDiscount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, region, bucket, min_usage, max_usage, discount_percent, tier_name
		FROM volume_discounts
		WHERE region = $1 AND bucket = $2
		ORDER BY min_usage ASC
	`, region, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to list volume discounts: %w", err)
	}
	defer rows.Close()

	var tiers []*billing.VolumeDiscount
	for rows.Next() {
		var (
			d        billing.VolumeDiscount
			maxUsage sql.NullInt64
			percent  decimal.Decimal
		)
		if err := rows.Scan(&d.ID, &d.Region, &d.Bucket, &d.MinUsage, &maxUsage, &percent, &d.TierName); err != nil {
			return nil, fmt.Errorf("failed to scan volume discount: %w", err)
		}
		d.DiscountPercent = percent
		if maxUsage.Valid {
			m := maxUsage.Int64
			d.MaxUsage = &m
		}
		tiers = append(tiers, &d)
	}
	return tiers, rows.Err()
}

// Invoices

const invoiceColumns = `id, account_id, invoice_number, status, period_start, period_end, subtotal, tax,
	total, currency, due_date, paid_at, pdf_url, pdf_generated_at, created_at, updated_at`

func scanInvoice(row rowScanner) (*billing.Invoice, error) {
	var (
		inv            billing.Invoice
		paidAt, pdfGen sql.NullTime
	)
	if err := row.Scan(&inv.ID, &inv.AccountID, &inv.InvoiceNumber, &inv.Status, &inv.PeriodStart,
		&inv.PeriodEnd, &inv.Subtotal, &inv.Tax, &inv.Total, &inv.Currency, &inv.DueDate, &paidAt,
		&inv.PDFURL, &pdfGen, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.PaidAt = timePtr(paidAt)
	inv.PDFGeneratedAt = timePtr(pdfGen)
	return &inv, nil
}

func (s *Store) queryInvoices(ctx context.Context, query string, args ...any) ([]*billing.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// CountInvoicesInMonth counts invoices created in the calendar month containing month
func (s *Store) CountInvoicesInMonth(ctx context.Context, month time.Time) (int, error) {
	start, end := monthBounds(month)
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM invoices WHERE created_at >= $1 AND created_at < $2
	`, start, end).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count invoices: %w", err)
	}
	return n, nil
}

// CreateInvoice inserts an invoice
func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, inv.ID, inv.AccountID, inv.InvoiceNumber, inv.Status, inv.PeriodStart, inv.PeriodEnd, inv.Subtotal,
		inv.Tax, inv.Total, inv.Currency, inv.DueDate, nullTime(inv.PaidAt), inv.PDFURL,
		nullTime(inv.PDFGeneratedAt), inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

// UpdateInvoice persists an invoice's mutable fields
func (s *Store) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET status = $1, subtotal = $2, tax = $3, total = $4, due_date = $5, paid_at = $6,
			pdf_url = $7, pdf_generated_at = $8, updated_at = $9
		WHERE id = $10
	`, inv.Status, inv.Subtotal, inv.Tax, inv.Total, inv.DueDate, nullTime(inv.PaidAt), inv.PDFURL,
		nullTime(inv.PDFGeneratedAt), inv.UpdatedAt, inv.ID)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	return expectRow(res, billing.ErrInvoiceNotFound, inv.ID)
}

// UpdateInvoiceStatus writes inv's status and paid date if the row is still in
// from. A row that moved on reports ErrInvalidTransition.
func (s *Store) UpdateInvoiceStatus(ctx context.Context, inv *billing.Invoice, from billing.InvoiceStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET status = $1, paid_at = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`, inv.Status, nullTime(inv.PaidAt), inv.UpdatedAt, inv.ID, from)
	if err != nil {
		return fmt.Errorf("failed to update invoice status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current billing.InvoiceStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM invoices WHERE id = $1`, inv.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", billing.ErrInvoiceNotFound, inv.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to get invoice status: %w", err)
	}
	return fmt.Errorf("%w: invoice %s is %s, not %s", billing.ErrInvalidTransition, inv.ID, current, from)
}

// SetInvoicePDF records where an invoice's document is stored
func (s *Store) SetInvoicePDF(ctx context.Context, id, url string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET pdf_url = $1, pdf_generated_at = $2, updated_at = $2 WHERE id = $3
	`, url, at, id)
	if err != nil {
		return fmt.Errorf("failed to record invoice pdf: %w", err)
	}
	return expectRow(res, billing.ErrInvoiceNotFound, id)
}

// GetInvoice loads an invoice by ID
func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", billing.ErrInvoiceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// CreateInvoiceItem inserts an invoice line
func (s *Store) CreateInvoiceItem(ctx context.Context, item *billing.InvoiceItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoice_items (id, invoice_id, description, event_type, number_id, quantity, unit_price,
			total, usage_event_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.InvoiceID, item.Description, item.EventType, item.NumberID, item.Quantity,
		item.UnitPrice, item.Total, pq.Array(item.UsageEventIDs), item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert invoice item: %w", err)
	}
	return nil
}

// ListInvoiceItems returns an invoice's lines in creation order
func (s *Store) ListInvoiceItems(ctx context.Context, invoiceID string) ([]*billing.InvoiceItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, description, event_type, number_id, quantity, unit_price, total,
			usage_event_ids, created_at
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY created_at ASC, id ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoice items: %w", err)
	}
	defer rows.Close()

	var items []*billing.InvoiceItem
	for rows.Next() {
		var item billing.InvoiceItem
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Description, &item.EventType, &item.NumberID,
			&item.Quantity, &item.UnitPrice, &item.Total, pq.Array(&item.UsageEventIDs), &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice item: %w", err)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// MarkOverdueInvoices moves sent invoices past their due date to overdue
func (s *Store) MarkOverdueInvoices(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET status = $1, updated_at = $2
		WHERE status = $3 AND due_date < $2
	`, billing.InvoiceStatusOverdue, now, billing.InvoiceStatusSent)
	if err != nil {
		return 0, fmt.Errorf("failed to mark overdue invoices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// ListOverdueInvoices returns overdue invoices due before dueBefore
func (s *Store) ListOverdueInvoices(ctx context.Context, dueBefore time.Time) ([]*billing.Invoice, error) {
	return s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status = $1 AND due_date < $2
		ORDER BY due_date ASC
	`, billing.InvoiceStatusOverdue, dueBefore)
}

// ListInvoicesWithoutPDF returns issued invoices that have no document yet
func (s *Store) ListInvoicesWithoutPDF(ctx context.Context, limit int) ([]*billing.Invoice, error) {
	return s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status <> $1 AND pdf_url = ''
		ORDER BY created_at ASC
		LIMIT $2
	`, billing.InvoiceStatusDraft, limit)
}

// Cycles

const cycleColumns = `id, account_id, period_start, period_end, status, invoice_id, processed_at,
	failure_reason, created_at, updated_at`

func scanCycle(row rowScanner) (*billing.BillingCycle, error) {
	var (
		c           billing.BillingCycle
		invoiceID   sql.NullString
		processedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.AccountID, &c.PeriodStart, &c.PeriodEnd, &c.Status, &invoiceID,
		&processedAt, &c.FailureReason, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.InvoiceID = stringPtr(invoiceID)
	c.ProcessedAt = timePtr(processedAt)
	return &c, nil
}

// GetCycleForPeriod loads the cycle for an account and period
func (s *Store) GetCycleForPeriod(ctx context.Context, accountID string, start, end time.Time) (*billing.BillingCycle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cycleColumns+` FROM billing_cycles
		WHERE account_id = $1 AND period_start = $2 AND period_end = $3
	`, accountID, start, end)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing cycle: %w", err)
	}
	return c, nil
}

// CreateCycle inserts a cycle. A second cycle for the same account and period returns ErrCycleExists.
func (s *Store) CreateCycle(ctx context.Context, c *billing.BillingCycle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_cycles (`+cycleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.AccountID, c.PeriodStart, c.PeriodEnd, c.Status, nullString(c.InvoiceID),
		nullTime(c.ProcessedAt), c.FailureReason, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return billing.ErrCycleExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert billing cycle: %w", err)
	}
	return nil
}

// UpdateCycle persists a cycle's status fields
func (s *Store) UpdateCycle(ctx context.Context, c *billing.BillingCycle) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE billing_cycles SET status = $1, invoice_id = $2, processed_at = $3, failure_reason = $4,
			updated_at = $5
		WHERE id = $6
	`, c.Status, nullString(c.InvoiceID), nullTime(c.ProcessedAt), c.FailureReason, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update billing cycle: %w", err)
	}
	return expectRow(res, billing.ErrCycleNotFound, c.ID)
}

// ListFailedCycles returns up to limit failed cycles, oldest first
func (s *Store) ListFailedCycles(ctx context.Context, limit int) ([]*billing.BillingCycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cycleColumns+` FROM billing_cycles
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, billing.CycleStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed billing cycles: %w", err)
	}
	defer rows.Close()

	var cycles []*billing.BillingCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// Payments

// CreatePayment inserts a charge attempt
func (s *Store) CreatePayment(ctx context.Context, p *billing.Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, invoice_id, amount, currency, payment_method_ref, status, gateway_charge_id,
			failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
	`, p.ID, p.InvoiceID, p.Amount, p.Currency, p.PaymentMethodRef, p.Status, p.GatewayChargeID,
		p.FailureReason, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// UpdatePayment persists a charge attempt's outcome
func (s *Store) UpdatePayment(ctx context.Context, p *billing.Payment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, gateway_charge_id = NULLIF($2, ''), failure_reason = $3, updated_at = $4
		WHERE id = $5
	`, p.Status, p.GatewayChargeID, p.FailureReason, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return expectRow(res, billing.ErrPaymentNotFound, p.ID)
}

// GetPaymentByGatewayChargeID loads the payment the gateway knows by chargeID
func (s *Store) GetPaymentByGatewayChargeID(ctx context.Context, chargeID string) (*billing.Payment, error) {
	var (
		p         billing.Payment
		gatewayID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, invoice_id, amount, currency, payment_method_ref, status, gateway_charge_id,
			failure_reason, created_at, updated_at
		FROM payments WHERE gateway_charge_id = $1
	`, chargeID).Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Currency, &p.PaymentMethodRef, &p.Status,
		&gatewayID, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: charge %s", billing.ErrPaymentNotFound, chargeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	p.GatewayChargeID = gatewayID.String
	return &p, nil
}
