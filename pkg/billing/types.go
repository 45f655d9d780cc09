package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies the kind of billable occurrence
type EventType string

const (
	EventTypeInboundCall         EventType = "INBOUND_CALL"
	EventTypeOutboundCall        EventType = "OUTBOUND_CALL"
	EventTypeSMSInbound          EventType = "SMS_INBOUND"
	EventTypeSMSOutbound         EventType = "SMS_OUTBOUND"
	EventTypeVoicemail           EventType = "VOICEMAIL"
	EventTypeCallForwarded       EventType = "CALL_FORWARDED"
	EventTypeMonthlySubscription EventType = "MONTHLY_SUBSCRIPTION"
	EventTypeSetupFee            EventType = "SETUP_FEE"
)

// EventTypes lists every supported event type in display order
var EventTypes = []EventType{
	EventTypeInboundCall,
	EventTypeOutboundCall,
	EventTypeSMSInbound,
	EventTypeSMSOutbound,
	EventTypeVoicemail,
	EventTypeCallForwarded,
	EventTypeMonthlySubscription,
	EventTypeSetupFee,
}

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsCall reports whether the event is billed per started minute
func (t EventType) IsCall() bool {
	return t == EventTypeInboundCall || t == EventTypeOutboundCall || t == EventTypeCallForwarded
}

// IsSMS reports whether the event is a text message in either direction
func (t EventType) IsSMS() bool {
	return t == EventTypeSMSInbound || t == EventTypeSMSOutbound
}

// IsFlat reports whether the event is a fixed one-off charge
func (t EventType) IsFlat() bool {
	return t == EventTypeMonthlySubscription || t == EventTypeSetupFee
}

// Label returns the singular human label used in cost descriptions
func (t EventType) Label() string {
	switch t {
	case EventTypeInboundCall:
		return "Inbound call"
	case EventTypeOutboundCall:
		return "Outbound call"
	case EventTypeSMSInbound:
		return "Inbound SMS"
	case EventTypeSMSOutbound:
		return "Outbound SMS"
	case EventTypeVoicemail:
		return "Voicemail"
	case EventTypeCallForwarded:
		return "Forwarded call"
	case EventTypeMonthlySubscription:
		return "Monthly subscription"
	case EventTypeSetupFee:
		return "Setup fee"
	default:
		return string(t)
	}
}

// PluralLabel returns the label used for grouped invoice lines
func (t EventType) PluralLabel() string {
	switch t {
	case EventTypeInboundCall:
		return "Inbound calls"
	case EventTypeOutboundCall:
		return "Outbound calls"
	case EventTypeSMSInbound:
		return "Inbound SMS messages"
	case EventTypeSMSOutbound:
		return "Outbound SMS messages"
	case EventTypeVoicemail:
		return "Voicemails"
	case EventTypeCallForwarded:
		return "Forwarded calls"
	case EventTypeMonthlySubscription:
		return "Monthly subscriptions"
	case EventTypeSetupFee:
		return "Setup fees"
	default:
		return string(t)
	}
}

// UsageEvent is one metered, priced occurrence
type UsageEvent struct {
	ID              string         `json:"id"`
	AccountID       string         `json:"account_id"`
	NumberID        string         `json:"number_id"`
	EventType       EventType      `json:"event_type"`
	DurationSeconds *int           `json:"duration_seconds,omitempty"`
	Quantity        int64          `json:"quantity"`
	UnitCost        int64          `json:"unit_cost"`
	TotalCost       int64          `json:"total_cost"`
	Currency        string         `json:"currency"`
	FromNumber      string         `json:"from_number,omitempty"`
	ToNumber        string         `json:"to_number,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Invoiced        bool           `json:"invoiced"`
	InvoiceItemID   *string        `json:"invoice_item_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// BillingPeriod is the cadence at which an account is invoiced
type BillingPeriod string

const (
	BillingPeriodMonthly   BillingPeriod = "monthly"
	BillingPeriodQuarterly BillingPeriod = "quarterly"
	BillingPeriodYearly    BillingPeriod = "yearly"
)

// Add moves t by n periods, keeping t's day of month where the target month
// has it. Unrecognized periods return ErrUnknownBillingPeriod.
func (p BillingPeriod) Add(t time.Time, n int) (time.Time, error) {
	return p.AddAnchored(t, n, t.Day())
}

// AddAnchored moves t by n periods and lands on day, clamped to the last day
// of the target month. Jan 31 plus one month is Feb 28 (or 29), and Feb 28
// plus one month with day 31 is Mar 31.
func (p BillingPeriod) AddAnchored(t time.Time, n, day int) (time.Time, error) {
	var months int
	switch p {
	case BillingPeriodMonthly:
		months = n
	case BillingPeriodQuarterly:
		months = 3 * n
	case BillingPeriodYearly:
		months = 12 * n
	default:
		return time.Time{}, ErrUnknownBillingPeriod
	}
	if day <= 0 {
		day = t.Day()
	}

	// day 1 never overflows, so this lands in the target month
	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location()).AddDate(0, months, 0)
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1), nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// BillingAccount holds an owner's billing settings
type BillingAccount struct {
	ID                      string        `json:"id"`
	UserID                  string        `json:"user_id"`
	BillingPeriod           BillingPeriod `json:"billing_period"`
	NextBillingDate         time.Time     `json:"next_billing_date"`
	BillingDay              int           `json:"billing_day,omitempty"`
	Currency                string        `json:"currency"`
	Region                  string        `json:"region,omitempty"`
	DefaultPaymentMethodRef string        `json:"default_payment_method_ref,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// AnchorDay is the day of month the account bills on. Accounts without one
// bill on the day of their next billing date.
func (a *BillingAccount) AnchorDay() int {
	if a.BillingDay > 0 {
		return a.BillingDay
	}
	return a.NextBillingDate.Day()
}

// InvoiceStatus represents the status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "draft"
	InvoiceStatusSent    InvoiceStatus = "sent"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft:   {InvoiceStatusSent},
	InvoiceStatusSent:    {InvoiceStatusPaid, InvoiceStatusOverdue},
	InvoiceStatusOverdue: {InvoiceStatusPaid},
}

// CanTransition reports whether an invoice may move from s to next
func (s InvoiceStatus) CanTransition(next InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Invoice represents a billing invoice
type Invoice struct {
	ID             string        `json:"id"`
	AccountID      string        `json:"account_id"`
	InvoiceNumber  string        `json:"invoice_number"`
	Status         InvoiceStatus `json:"status"`
	PeriodStart    time.Time     `json:"period_start"`
	PeriodEnd      time.Time     `json:"period_end"`
	Subtotal       int64         `json:"subtotal"`
	Tax            int64         `json:"tax"`
	Total          int64         `json:"total"`
	Currency       string        `json:"currency"`
	DueDate        time.Time     `json:"due_date"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	PDFURL         string        `json:"pdf_url,omitempty"`
	PDFGeneratedAt *time.Time    `json:"pdf_generated_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// InvoiceItem summarizes a group of usage events on an invoice
type InvoiceItem struct {
	ID            string    `json:"id"`
	InvoiceID     string    `json:"invoice_id"`
	Description   string    `json:"description"`
	EventType     EventType `json:"event_type"`
	NumberID      string    `json:"number_id"`
	Quantity      int64     `json:"quantity"`
	UnitPrice     int64     `json:"unit_price"`
	Total         int64     `json:"total"`
	UsageEventIDs []string  `json:"usage_event_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

// CycleStatus represents the status of a billing cycle
type CycleStatus string

const (
	CycleStatusProcessing CycleStatus = "processing"
	CycleStatusCompleted  CycleStatus = "completed"
	CycleStatusFailed     CycleStatus = "failed"
)

// BillingCycle is one (account, period) attempt to invoice and charge
type BillingCycle struct {
	ID            string      `json:"id"`
	AccountID     string      `json:"account_id"`
	PeriodStart   time.Time   `json:"period_start"`
	PeriodEnd     time.Time   `json:"period_end"`
	Status        CycleStatus `json:"status"`
	InvoiceID     *string     `json:"invoice_id,omitempty"`
	ProcessedAt   *time.Time  `json:"processed_at,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// TaxType selects how a region computes tax
type TaxType string

const (
	TaxTypeFlat TaxType = "flat"
	TaxTypeGST  TaxType = "gst"
)

// TaxConfig describes a region's tax rules. Rates are fractions, e.g. 0.18.
type TaxConfig struct {
	Type     TaxType         `json:"type"`
	Rate     decimal.Decimal `json:"rate"`
	CGSTRate decimal.Decimal `json:"cgst_rate,omitempty"`
	SGSTRate decimal.Decimal `json:"sgst_rate,omitempty"`
	IGSTRate decimal.Decimal `json:"igst_rate,omitempty"`
}

// RegionalPricingConfig is a region's rate card for a window of time
type RegionalPricingConfig struct {
	ID            string              `json:"id"`
	Region        string              `json:"region"`
	Currency      string              `json:"currency"`
	Rates         map[EventType]int64 `json:"rates"`
	Tax           TaxConfig           `json:"tax"`
	EffectiveFrom time.Time           `json:"effective_from"`
	EffectiveTo   *time.Time          `json:"effective_to,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// UsageBucket is the usage measure a volume discount is keyed on
type UsageBucket string

const (
	UsageBucketMinutes UsageBucket = "minutes"
	UsageBucketSMS     UsageBucket = "sms"
	UsageBucketSpend   UsageBucket = "spend"
)

// BucketFor returns the discount bucket an event type counts toward
func BucketFor(t EventType) (UsageBucket, bool) {
	switch {
	case t.IsCall():
		return UsageBucketMinutes, true
	case t.IsSMS():
		return UsageBucketSMS, true
	default:
		return "", false
	}
}

// BucketEventTypes lists the event types whose quantity is summed into a
// user's monthly usage for bucket. Minutes count inbound and outbound calls
// only; forwarded calls are discounted on the minutes tier but do not move
// the user up it.
func BucketEventTypes(bucket UsageBucket) []EventType {
	switch bucket {
	case UsageBucketMinutes:
		return []EventType{EventTypeInboundCall, EventTypeOutboundCall}
	case UsageBucketSMS:
		return []EventType{EventTypeSMSInbound, EventTypeSMSOutbound}
	default:
		return nil
	}
}

// VolumeDiscount is a usage-threshold percentage reduction
type VolumeDiscount struct {
	ID              string          `json:"id"`
	Region          string          `json:"region"`
	Bucket          UsageBucket     `json:"bucket"`
	MinUsage        int64           `json:"min_usage"`
	MaxUsage        *int64          `json:"max_usage,omitempty"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TierName        string          `json:"tier_name"`
}

// Contains reports whether usage falls inside the tier bounds
func (d VolumeDiscount) Contains(usage int64) bool {
	if usage < d.MinUsage {
		return false
	}
	return d.MaxUsage == nil || usage <= *d.MaxUsage
}

// AppliedDiscount records a discount taken off a priced event
type AppliedDiscount struct {
	TierName string          `json:"tier_name"`
	Percent  decimal.Decimal `json:"percent"`
	Amount   int64           `json:"amount"`
}

// PaymentStatus represents the state of a charge attempt
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment records one charge attempt against an invoice
type Payment struct {
	ID               string        `json:"id"`
	InvoiceID        string        `json:"invoice_id"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	PaymentMethodRef string        `json:"payment_method_ref"`
	Status           PaymentStatus `json:"status"`
	GatewayChargeID  string        `json:"gateway_charge_id,omitempty"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// UsageStatistic aggregates usage of one event type over a range
type UsageStatistic struct {
	EventType            EventType `json:"event_type"`
	Count                int64     `json:"count"`
	Quantity             int64     `json:"quantity"`
	TotalCost            int64     `json:"total_cost"`
	TotalDurationSeconds int64     `json:"total_duration_seconds"`
}

// DailyUsage aggregates usage for one UTC calendar day
type DailyUsage struct {
	Day                  time.Time `json:"day"`
	Count                int64     `json:"count"`
	TotalCost            int64     `json:"total_cost"`
	TotalDurationSeconds int64     `json:"total_duration_seconds"`
}
