package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/callmeter/pkg/billing"
)

// AccountStore manages billing accounts and their schedule
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*billing.BillingAccount, error)
	ListAccountsDueForBilling(ctx context.Context, now time.Time) ([]*billing.BillingAccount, error)
	UpdateAccountNextBillingDate(ctx context.Context, accountID string, next time.Time) error
}

// UsageStore manages usage events and their aggregations
type UsageStore interface {
	CreateUsageEvent(ctx context.Context, event *billing.UsageEvent) error
	ListUninvoicedUsage(ctx context.Context, accountID string, start, end time.Time) ([]*billing.UsageEvent, error)
	MarkUsageInvoiced(ctx context.Context, eventIDs []string, invoiceItemID string) error
	UsageStatistics(ctx context.Context, accountID string, start, end time.Time) ([]billing.UsageStatistic, error)
	DailyUsage(ctx context.Context, accountID string, start, end time.Time) ([]billing.DailyUsage, error)
	MonthlyUsage(ctx context.Context, userID string, bucket billing.UsageBucket, month time.Time) (int64, error)
}

// PricingStore serves regional rate cards and volume discount tiers
type PricingStore interface {
	GetActivePricing(ctx context.Context, region string, at time.Time) (*billing.RegionalPricingConfig, error)
	ListVolumeDiscounts(ctx context.Context, region string, bucket billing.UsageBucket) ([]*billing.VolumeDiscount, error)
}

// InvoiceStore manages invoices and their items
type InvoiceStore interface {
	CountInvoicesInMonth(ctx context.Context, month time.Time) (int, error)
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

// CycleStore manages billing cycles
type CycleStore interface {
	GetCycleForPeriod(ctx context.Context, accountID string, start, end time.Time) (*billing.BillingCycle, error)
	CreateCycle(ctx context.Context, cycle *billing.BillingCycle) error
	UpdateCycle(ctx context.Context, cycle *billing.BillingCycle) error
	ListFailedCycles(ctx context.Context, limit int) ([]*billing.BillingCycle, error)
}

// PaymentStore manages charge attempts
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *billing.Payment) error
	UpdatePayment(ctx context.Context, p *billing.Payment) error
	GetPaymentByGatewayChargeID(ctx context.Context, chargeID string) (*billing.Payment, error)
}

// Store is everything the billing engine persists
type Store interface {
	AccountStore
	UsageStore
	PricingStore
	InvoiceStore
	CycleStore
	PaymentStore
}

// Config for storage backend
type Config struct {
	Type string // "memory" or "postgres"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	// S3 config, for invoice documents
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	S3PublicURL    string

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
	PricingCacheTTL time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "memory",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		S3Region:         "us-east-1",
		S3Bucket:         "callmeter-invoices",
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		PricingCacheTTL:  time.Hour,
	}
}
