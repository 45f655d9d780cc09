// Package payment charges issued invoices through a payment processor and
// reconciles the processor's asynchronous notifications.
//
// A charge is recorded as a pending Payment before the processor is called and
// updated with the outcome. Processor webhooks are signed with HMAC-SHA256 in
// the X-Callmeter-Signature header:
//
//	X-Callmeter-Signature: sha256=<hex digest of the raw body>
//
// payment.succeeded marks the payment and its invoice paid; payment.failed only
// updates the payment. Replayed notifications change nothing.
package payment
