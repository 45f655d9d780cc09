package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Pricing metrics
	UsageEventsTotal       *prometheus.CounterVec
	PricingCacheTotal      *prometheus.CounterVec
	PricingFallbacksTotal  *prometheus.CounterVec
	VolumeDiscountsApplied *prometheus.CounterVec

	// Invoice metrics
	InvoicesGeneratedTotal *prometheus.CounterVec
	InvoicesOverdueTotal   prometheus.Counter
	InvoicePDFsTotal       *prometheus.CounterVec

	// Cycle metrics
	BillingCyclesTotal   *prometheus.CounterVec
	BillingCycleDuration prometheus.Histogram

	// Payment metrics
	ChargesTotal  *prometheus.CounterVec
	WebhooksTotal *prometheus.CounterVec

	// Scheduler metrics
	JobRunsTotal   *prometheus.CounterVec
	JobRunDuration *prometheus.HistogramVec

	amounts *OTelMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callmeter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		UsageEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_usage_events_total",
				Help: "Total number of usage events tracked",
			},
			[]string{"event_type"},
		),
		PricingCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_pricing_cache_lookups_total",
				Help: "Regional pricing cache lookups by result",
			},
			[]string{"result"},
		),
		PricingFallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_pricing_fallbacks_total",
				Help: "Regional pricing lookups that fell back to default rates",
			},
			[]string{"region"},
		),
		VolumeDiscountsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_volume_discounts_applied_total",
				Help: "Volume discounts applied by tier",
			},
			[]string{"tier"},
		),

		InvoicesGeneratedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_invoices_generated_total",
				Help: "Total number of invoices generated",
			},
			[]string{"currency"},
		),
		InvoicesOverdueTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callmeter_invoices_overdue_total",
				Help: "Total number of invoices transitioned to overdue",
			},
		),
		InvoicePDFsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_invoice_pdfs_total",
				Help: "Invoice PDF generation attempts by result",
			},
			[]string{"result"},
		),

		BillingCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_billing_cycles_total",
				Help: "Billing cycles processed by final status",
			},
			[]string{"status"},
		),
		BillingCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callmeter_billing_cycle_duration_seconds",
				Help:    "Time spent processing a single billing cycle",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),

		ChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_charges_total",
				Help: "Payment gateway charge attempts by status",
			},
			[]string{"status"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_payment_webhooks_total",
				Help: "Payment webhook deliveries by type and result",
			},
			[]string{"type", "result"},
		),

		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callmeter_job_runs_total",
				Help: "Scheduled job runs by job and result",
			},
			[]string{"job", "result"},
		),
		JobRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callmeter_job_run_duration_seconds",
				Help:    "Scheduled job run duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.UsageEventsTotal,
		m.PricingCacheTotal,
		m.PricingFallbacksTotal,
		m.VolumeDiscountsApplied,
		m.InvoicesGeneratedTotal,
		m.InvoicesOverdueTotal,
		m.InvoicePDFsTotal,
		m.BillingCyclesTotal,
		m.BillingCycleDuration,
		m.ChargesTotal,
		m.WebhooksTotal,
		m.JobRunsTotal,
		m.JobRunDuration,
	)

	return m
}

// AttachOTel forwards monetary amounts to OpenTelemetry instruments as well
func (m *Metrics) AttachOTel(o *OTelMetrics) {
	if m == nil {
		return
	}
	m.amounts = o
}

// UsageTracked counts a stored usage event
func (m *Metrics) UsageTracked(ctx context.Context, eventType, currency string, cost int64) {
	if m == nil {
		return
	}
	m.UsageEventsTotal.WithLabelValues(eventType).Inc()
	m.amounts.RecordUsageCost(ctx, eventType, currency, cost)
}

// PricingCacheLookup counts a regional pricing cache hit or miss
func (m *Metrics) PricingCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PricingCacheTotal.WithLabelValues(result).Inc()
}

// PricingFallback counts a regional calculation that fell back to default rates
func (m *Metrics) PricingFallback(region string) {
	if m == nil {
		return
	}
	m.PricingFallbacksTotal.WithLabelValues(region).Inc()
}

// DiscountApplied counts an applied volume discount tier
func (m *Metrics) DiscountApplied(tier string) {
	if m == nil {
		return
	}
	m.VolumeDiscountsApplied.WithLabelValues(tier).Inc()
}

// InvoiceGenerated counts a generated invoice
func (m *Metrics) InvoiceGenerated(ctx context.Context, currency string, total int64) {
	if m == nil {
		return
	}
	m.InvoicesGeneratedTotal.WithLabelValues(currency).Inc()
	m.amounts.RecordInvoiced(ctx, currency, total)
}

// InvoicesOverdue adds n overdue transitions
func (m *Metrics) InvoicesOverdue(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.InvoicesOverdueTotal.Add(float64(n))
}

// InvoicePDF counts a PDF generation attempt
func (m *Metrics) InvoicePDF(err error) {
	if m == nil {
		return
	}
	m.InvoicePDFsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// BillingCycle records the outcome and duration of one cycle
func (m *Metrics) BillingCycle(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BillingCyclesTotal.WithLabelValues(status).Inc()
	m.BillingCycleDuration.Observe(duration.Seconds())
}

// Charge counts a charge attempt by resulting payment status
func (m *Metrics) Charge(status string) {
	if m == nil {
		return
	}
	m.ChargesTotal.WithLabelValues(status).Inc()
}

// PaymentCollected records money confirmed as received
func (m *Metrics) PaymentCollected(ctx context.Context, currency string, amount int64) {
	if m == nil {
		return
	}
	m.amounts.RecordCollected(ctx, currency, amount)
}

// Webhook counts a processed payment webhook
func (m *Metrics) Webhook(eventType string, err error) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(eventType, resultLabel(err)).Inc()
}

// JobRun records one scheduled job execution
func (m *Metrics) JobRun(job string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, resultLabel(err)).Inc()
	m.JobRunDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// route names the handler so that path parameters do not explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
