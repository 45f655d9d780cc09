// Package cycle runs accounts through their billing cycles.
//
// A cycle covers one (account, period) pair, where the period ends at the
// account's next billing date and starts one billing period earlier:
//
//	processing ──▶ completed
//	     │
//	     └──────▶ failed ──(retry)──▶ processing
//
// A completed cycle links the issued invoice and moves the account's next
// billing date forward by one period. Automatic charging follows completion but
// a failed charge leaves the cycle completed and the invoice unpaid.
//
// Every entry point takes the current time explicitly so schedulers and tests
// drive the clock.
package cycle
