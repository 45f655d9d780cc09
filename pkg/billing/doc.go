// Package billing defines the domain model shared by the metering, invoicing and charging packages.
//
// # Overview
//
// Money is carried as int64 minor currency units everywhere. Rates and percentages use
// decimal.Decimal so that rounding happens exactly once, at the point an amount is produced.
//
// # Event Types
//
// Call events (inbound, outbound, forwarded) are billed per started minute. SMS and voicemail
// events are billed per unit. Monthly subscriptions and setup fees are flat charges.
//
// # Lifecycles
//
// Invoices:
//
//	draft -> sent -> paid
//	              -> overdue -> paid
//
// Billing cycles:
//
//	processing -> completed
//	           -> failed -> processing (retry)
//
// # Usage Example
//
//	next, err := account.BillingPeriod.AddAnchored(account.NextBillingDate, 1, account.AnchorDay())
//	if errors.Is(err, billing.ErrUnknownBillingPeriod) {
//		// account is misconfigured
//	}
//
// # Related Packages
//
//   - pkg/pricing: Cost calculation and regional pricing
//   - pkg/invoice: Invoice generation
//   - pkg/cycle: Billing cycle orchestration
package billing
