package billing

import "errors"

var (
	ErrUnknownEventType     = errors.New("unknown event type")
	ErrAccountNotFound      = errors.New("billing account not found")
	ErrUsageEventNotFound   = errors.New("usage event not found")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrCycleNotFound        = errors.New("billing cycle not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPricingNotFound      = errors.New("regional pricing not found")
	ErrUnknownBillingPeriod = errors.New("unknown billing period")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrNoPaymentMethod      = errors.New("no default payment method")
	ErrCycleExists          = errors.New("billing cycle already exists for period")
)
