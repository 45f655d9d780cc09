package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/sirupsen/logrus"
)

// SignatureHeader carries the HMAC of a webhook body
const SignatureHeader = "X-Callmeter-Signature"

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

// WebhookEvent is a processor notification about a charge
type WebhookEvent struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Created time.Time   `json:"created"`
	Data    WebhookData `json:"data"`
}

// WebhookData identifies the charge a notification is about
type WebhookData struct {
	ChargeID      string `json:"charge_id"`
	InvoiceID     string `json:"invoice_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Sign returns the signature header value for payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against payload in constant time
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// ParseWebhook verifies and decodes a webhook body. An empty secret disables
// verification.
func ParseWebhook(payload []byte, signature, secret string) (*WebhookEvent, error) {
	if secret != "" && !VerifySignature(payload, signature, secret) {
		return nil, ErrInvalidSignature
	}
	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}
	return &event, nil
}

// HandleWebhook reconciles a payment with a processor notification. Repeated
// deliveries are no-ops and unknown event types are ignored.
func (s *Service) HandleWebhook(ctx context.Context, event *WebhookEvent, now time.Time) (err error) {
	defer func() { s.metrics.Webhook(event.Type, err) }()

	var target billing.PaymentStatus
	switch event.Type {
	case EventPaymentSucceeded:
		target = billing.PaymentStatusSucceeded
	case EventPaymentFailed:
		target = billing.PaymentStatusFailed
	default:
		s.log.WithField("type", event.Type).Debug("Ignoring webhook event")
		return nil
	}

	if event.Data.ChargeID == "" {
		return fmt.Errorf("%w: missing charge id", ErrInvalidPayload)
	}

	p, err := s.store.GetPaymentByGatewayChargeID(ctx, event.Data.ChargeID)
	if err != nil {
		return fmt.Errorf("failed to find payment for charge %s: %w", event.Data.ChargeID, err)
	}

	log := s.log.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"payment_id": p.ID,
		"charge_id":  p.GatewayChargeID,
	})

	switch {
	case p.Status == target && target == billing.PaymentStatusFailed:
		return nil
	case p.Status == billing.PaymentStatusSucceeded && target == billing.PaymentStatusFailed:
		log.Warn("Ignoring failure notification for a succeeded payment")
		return nil
	case p.Status != target:
		p.Status = target
		p.FailureReason = event.Data.FailureReason
		p.UpdatedAt = now
		if err := s.store.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("failed to update payment %s: %w", p.ID, err)
		}
		s.metrics.Charge(string(target))
	}

	if target == billing.PaymentStatusFailed {
		log.WithField("reason", event.Data.FailureReason).Warn("Payment failed")
		return nil
	}

	paid, err := s.markPaid(ctx, p.InvoiceID, now)
	if err != nil || !paid {
		return err
	}
	s.metrics.PaymentCollected(ctx, p.Currency, p.Amount)
	log.WithField("invoice_id", p.InvoiceID).Info("Invoice paid by webhook")
	return nil
}

// markPaid moves the invoice to PAID. If the invoice changed status between
// the read and the write (for example SENT to OVERDUE) it is read once more.
// Reports false when the invoice was already paid.
func (s *Service) markPaid(ctx context.Context, invoiceID string, now time.Time) (bool, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var inv *billing.Invoice
		inv, err = s.invoices.GetInvoice(ctx, invoiceID)
		if err != nil {
			return false, fmt.Errorf("failed to load invoice %s: %w", invoiceID, err)
		}
		if inv.Status == billing.InvoiceStatusPaid {
			return false, nil
		}
		err = s.invoices.UpdateStatus(ctx, inv, billing.InvoiceStatusPaid, now)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, billing.ErrInvalidTransition) {
			break
		}
	}
	return false, fmt.Errorf("failed to mark invoice %s paid: %w", invoiceID, err)
}
