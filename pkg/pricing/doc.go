// Package pricing converts usage events into priced lines.
//
// # Overview
//
// Calculator holds a default rate table and optionally delegates to Regional, which
// resolves a region's rate card, applies volume discounts and computes regional tax.
// Regional failures other than an unknown event type fall back to the default table.
//
// Call events bill ceil(seconds/60) minutes, so a zero-length call costs nothing.
// All rounding is half away from zero, applied once per produced amount.
//
// # Usage Example
//
//	cache, _ := pricing.NewCache(0, time.Hour, nil)
//	regional := pricing.NewRegional(store, cache, logger, pricing.WithUsageSource(store))
//	calc := pricing.NewCalculator(nil, logger, pricing.WithRegional(regional))
//
//	seconds := 125
//	res, err := calc.Calculate(ctx, pricing.CostInput{
//		EventType:       billing.EventTypeOutboundCall,
//		DurationSeconds: &seconds,
//		Region:          "IN-KA",
//		UserID:          userID,
//	})
//	// res.Quantity == 3, res.Description == "Outbound call (3 min)"
//
// # Related Packages
//
//   - pkg/usage: Persists priced events
//   - pkg/config: Rate card file and hot reload
package pricing
