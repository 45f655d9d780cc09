// Package usage records priced usage events and serves usage aggregations.
//
// Events are immutable once stored, apart from the invoiced flag and the invoice item
// they are linked to, which are set once by the invoice generator.
//
//	event, err := tracker.TrackUsage(ctx, usage.TrackInput{
//		AccountID:       accountID,
//		NumberID:        numberID,
//		EventType:       billing.EventTypeInboundCall,
//		DurationSeconds: &seconds,
//	})
package usage
