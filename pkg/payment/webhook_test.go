package payment

import (
	"context"
	"testing"
	"time"

	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/invoice"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWebhook(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment.succeeded","data":{"charge_id":"ch_1"}}`)
	secret := "whsec_test"

	event, err := ParseWebhook(payload, Sign(payload, secret), secret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, EventPaymentSucceeded, event.Type)
	assert.Equal(t, "ch_1", event.Data.ChargeID)

	_, err = ParseWebhook(payload, "sha256=deadbeef", secret)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = ParseWebhook(payload, Sign(payload, "other"), secret)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = ParseWebhook([]byte(`not json`), "", "")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParseWebhook([]byte(`{"id":"evt_2"}`), "", "")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestHandleWebhook_SucceededIsIdempotent(t *testing.T) {
	f := newPaymentFixture(t, &ChargeResult{Status: billing.PaymentStatusPending, GatewayChargeID: "ch_10"}, nil)
	ctx := context.Background()
	inv := f.issue(t, 10000)

	_, err := f.service.ChargeInvoice(ctx, inv, f.account, chargedAt)
	require.NoError(t, err)

	event := &WebhookEvent{ID: "evt_1", Type: EventPaymentSucceeded, Data: WebhookData{ChargeID: "ch_10"}}
	paidAt := chargedAt.Add(10 * time.Minute)

	require.NoError(t, f.service.HandleWebhook(ctx, event, paidAt))
	require.NoError(t, f.service.HandleWebhook(ctx, event, paidAt.Add(time.Hour)))

	stored, err := f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusPaid, stored.Status)
	require.NotNil(t, stored.PaidAt)
	assert.Equal(t, paidAt, *stored.PaidAt)

	p, err := f.store.GetPaymentByGatewayChargeID(ctx, "ch_10")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentStatusSucceeded, p.Status)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ChargesTotal.WithLabelValues("succeeded")))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.WebhooksTotal.WithLabelValues(EventPaymentSucceeded, "success")))
}

func TestHandleWebhook_LatePaymentOnOverdueInvoice(t *testing.T) {
	f := newPaymentFixture(t, &ChargeResult{Status: billing.PaymentStatusFailed, GatewayChargeID: "ch_11", FailureReason: "card_declined"}, nil)
	ctx := context.Background()
	inv := f.issue(t, 10000)

	_, err := f.service.ChargeInvoice(ctx, inv, f.account, chargedAt)
	require.ErrorIs(t, err, ErrChargeDeclined)

	n, err := f.generator.MarkOverdueInvoices(ctx, inv.DueDate.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	event := &WebhookEvent{ID: "evt_2", Type: EventPaymentSucceeded, Data: WebhookData{ChargeID: "ch_11"}}
	require.NoError(t, f.service.HandleWebhook(ctx, event, inv.DueDate.AddDate(0, 0, 2)))

	stored, err := f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusPaid, stored.Status)

	p, err := f.store.GetPaymentByGatewayChargeID(ctx, "ch_11")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentStatusSucceeded, p.Status)
	assert.Empty(t, p.FailureReason)
}

// overdueOnFirstRead lets the overdue job move the invoice right after the
// first read, so the first status write sees a stale copy.
type overdueOnFirstRead struct {
	*invoice.Generator
	reads int
	at    time.Time
}

func (o *overdueOnFirstRead) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	inv, err := o.Generator.GetInvoice(ctx, id)
	o.reads++
	if err == nil && o.reads == 1 {
		if _, err := o.Generator.MarkOverdueInvoices(ctx, o.at); err != nil {
			return nil, err
		}
	}
	return inv, err
}

func TestHandleWebhook_InvoiceTurnsOverdueDuringReconcile(t *testing.T) {
	f := newPaymentFixture(t, &ChargeResult{Status: billing.PaymentStatusPending, GatewayChargeID: "ch_13"}, nil)
	ctx := context.Background()
	inv := f.issue(t, 10000)

	_, err := f.service.ChargeInvoice(ctx, inv, f.account, chargedAt)
	require.NoError(t, err)

	racing := &overdueOnFirstRead{Generator: f.generator, at: inv.DueDate.AddDate(0, 0, 1)}
	service := NewService(f.store, racing, f.gateway, nil, f.metrics)

	event := &WebhookEvent{ID: "evt_5", Type: EventPaymentSucceeded, Data: WebhookData{ChargeID: "ch_13"}}
	require.NoError(t, service.HandleWebhook(ctx, event, inv.DueDate.AddDate(0, 0, 2)))
	assert.Equal(t, 2, racing.reads)

	stored, err := f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusPaid, stored.Status)
	assert.NotNil(t, stored.PaidAt)
}

func TestHandleWebhook_Failed(t *testing.T) {
	f := newPaymentFixture(t, &ChargeResult{Status: billing.PaymentStatusPending, GatewayChargeID: "ch_12"}, nil)
	ctx := context.Background()
	inv := f.issue(t, 10000)

	_, err := f.service.ChargeInvoice(ctx, inv, f.account, chargedAt)
	require.NoError(t, err)

	event := &WebhookEvent{ID: "evt_3", Type: EventPaymentFailed, Data: WebhookData{ChargeID: "ch_12", FailureReason: "expired_card"}}
	require.NoError(t, f.service.HandleWebhook(ctx, event, chargedAt))
	require.NoError(t, f.service.HandleWebhook(ctx, event, chargedAt))

	p, err := f.store.GetPaymentByGatewayChargeID(ctx, "ch_12")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentStatusFailed, p.Status)
	assert.Equal(t, "expired_card", p.FailureReason)

	stored, err := f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusSent, stored.Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ChargesTotal.WithLabelValues("failed")))
}

func TestHandleWebhook_FailureAfterSuccessIsIgnored(t *testing.T) {
	f := newPaymentFixture(t, &ChargeResult{Status: billing.PaymentStatusSucceeded, GatewayChargeID: "ch_13"}, nil)
	ctx := context.Background()
	inv := f.issue(t, 10000)

	_, err := f.service.ChargeInvoice(ctx, inv, f.account, chargedAt)
	require.NoError(t, err)

	event := &WebhookEvent{ID: "evt_4", Type: EventPaymentFailed, Data: WebhookData{ChargeID: "ch_13"}}
	require.NoError(t, f.service.HandleWebhook(ctx, event, chargedAt))

	p, err := f.store.GetPaymentByGatewayChargeID(ctx, "ch_13")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentStatusSucceeded, p.Status)
}

func TestHandleWebhook_UnknownAndMissing(t *testing.T) {
	f := newPaymentFixture(t, &ChargeResult{Status: billing.PaymentStatusSucceeded}, nil)
	ctx := context.Background()

	assert.NoError(t, f.service.HandleWebhook(ctx, &WebhookEvent{Type: "charge.refunded"}, chargedAt))

	err := f.service.HandleWebhook(ctx, &WebhookEvent{Type: EventPaymentSucceeded}, chargedAt)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = f.service.HandleWebhook(ctx, &WebhookEvent{Type: EventPaymentSucceeded, Data: WebhookData{ChargeID: "ch_unknown"}}, chargedAt)
	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)
}
