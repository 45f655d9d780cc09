package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NotNil(t, metrics)

	// Registering twice on the same registry must panic.
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.AttachOTel(nil)
		m.UsageTracked(ctx, "INBOUND_CALL", "INR", 100)
		m.PricingCacheLookup(true)
		m.PricingFallback("IN")
		m.DiscountApplied("gold")
		m.InvoiceGenerated(ctx, "INR", 1180)
		m.InvoicesOverdue(3)
		m.InvoicePDF(nil)
		m.BillingCycle("completed", time.Second)
		m.Charge("succeeded")
		m.PaymentCollected(ctx, "INR", 1180)
		m.Webhook("payment.succeeded", nil)
		m.JobRun("process-cycles", time.Second, nil)
	})
}

func TestMetricsRecording(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	ctx := context.Background()

	m.UsageTracked(ctx, "INBOUND_CALL", "INR", 150)
	m.UsageTracked(ctx, "INBOUND_CALL", "INR", 50)
	m.PricingCacheLookup(true)
	m.PricingCacheLookup(false)
	m.PricingCacheLookup(false)
	m.InvoicesOverdue(2)
	m.InvoicesOverdue(0)
	m.JobRun("handle-overdue", 10*time.Millisecond, errors.New("boom"))
	m.BillingCycle("failed", time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.UsageEventsTotal.WithLabelValues("INBOUND_CALL")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PricingCacheTotal.WithLabelValues("hit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PricingCacheTotal.WithLabelValues("miss")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.InvoicesOverdueTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobRunsTotal.WithLabelValues("handle-overdue", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BillingCyclesTotal.WithLabelValues("failed")))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(m, "webhook")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "webhook", "202")))
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.Charge("succeeded")

	rr := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), `callmeter_charges_total{status="succeeded"} 1`))
}
