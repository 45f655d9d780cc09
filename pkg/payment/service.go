package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNothingToCharge = errors.New("invoice has nothing to charge")
	ErrAlreadyPaid     = errors.New("invoice is already paid")
	ErrChargeDeclined  = errors.New("charge declined")
)

// Store persists payment attempts
type Store interface {
	CreatePayment(ctx context.Context, p *billing.Payment) error
	UpdatePayment(ctx context.Context, p *billing.Payment) error
	GetPaymentByGatewayChargeID(ctx context.Context, chargeID string) (*billing.Payment, error)
}

// Invoices loads invoices and applies status transitions
type Invoices interface {
	GetInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	UpdateStatus(ctx context.Context, inv *billing.Invoice, next billing.InvoiceStatus, now time.Time) error
}

// Service charges invoices and reconciles processor callbacks
type Service struct {
	store    Store
	invoices Invoices
	gateway  Gateway
	log      logrus.FieldLogger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// NewService creates a payment service
func NewService(store Store, invoices Invoices, gateway Gateway, log logrus.FieldLogger, metrics *observability.Metrics) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		store:    store,
		invoices: invoices,
		gateway:  gateway,
		log:      log,
		metrics:  metrics,
		tracer:   observability.Tracer(),
	}
}

// ChargeInvoice charges the account's default payment method for the invoice
// total. Every attempt is recorded as a Payment. A succeeded charge marks the
// invoice PAID; a declined one returns the payment with ErrChargeDeclined.
func (s *Service) ChargeInvoice(ctx context.Context, inv *billing.Invoice, account *billing.BillingAccount, now time.Time) (p *billing.Payment, err error) {
	ctx, span := s.tracer.Start(ctx, "payment.charge", trace.WithAttributes(
		attribute.String("invoice_id", inv.ID),
		attribute.Int64("amount", inv.Total),
	))
	defer func() { observability.EndSpan(span, err) }()

	switch {
	case inv.Status == billing.InvoiceStatusPaid:
		return nil, ErrAlreadyPaid
	case inv.Total <= 0:
		return nil, ErrNothingToCharge
	case account.DefaultPaymentMethodRef == "":
		return nil, billing.ErrNoPaymentMethod
	}

	p = &billing.Payment{
		ID:               uuid.NewString(),
		InvoiceID:        inv.ID,
		Amount:           inv.Total,
		Currency:         inv.Currency,
		PaymentMethodRef: account.DefaultPaymentMethodRef,
		Status:           billing.PaymentStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	result, err := s.gateway.Charge(ctx, ChargeRequest{
		InvoiceID:        inv.ID,
		Amount:           inv.Total,
		Currency:         inv.Currency,
		PaymentMethodRef: account.DefaultPaymentMethodRef,
		IdempotencyKey:   p.ID,
	})
	if err != nil {
		p.Status = billing.PaymentStatusFailed
		p.FailureReason = err.Error()
		p.UpdatedAt = now
		if uerr := s.store.UpdatePayment(ctx, p); uerr != nil {
			s.log.WithError(uerr).WithField("payment_id", p.ID).Error("Failed to record payment failure")
		}
		s.metrics.Charge(string(billing.PaymentStatusFailed))
		return p, fmt.Errorf("failed to charge invoice %s: %w", inv.ID, err)
	}

	p.Status = result.Status
	p.GatewayChargeID = result.GatewayChargeID
	p.FailureReason = result.FailureReason
	p.UpdatedAt = now
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		return p, fmt.Errorf("failed to update payment %s: %w", p.ID, err)
	}
	s.metrics.Charge(string(p.Status))

	log := s.log.WithFields(logrus.Fields{
		"invoice_id": inv.ID,
		"payment_id": p.ID,
		"charge_id":  p.GatewayChargeID,
		"status":     p.Status,
	})

	switch p.Status {
	case billing.PaymentStatusSucceeded:
		if err := s.invoices.UpdateStatus(ctx, inv, billing.InvoiceStatusPaid, now); err != nil {
			return p, fmt.Errorf("failed to mark invoice %s paid: %w", inv.ID, err)
		}
		s.metrics.PaymentCollected(ctx, p.Currency, p.Amount)
		log.Info("Invoice charged")
	case billing.PaymentStatusFailed:
		log.WithField("reason", p.FailureReason).Warn("Charge declined")
		return p, fmt.Errorf("%w: %s", ErrChargeDeclined, p.FailureReason)
	default:
		log.Info("Charge pending confirmation")
	}
	return p, nil
}
