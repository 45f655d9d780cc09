// Package storage defines the persistence contract of the billing engine.
//
// The contract is split by entity (accounts, usage, pricing, invoices, cycles,
// payments) and composed into Store. Two backends implement it:
//
//   - memory: maps behind a mutex, for tests and local development
//   - postgres: database/sql with lib/pq, optional read replicas for
//     aggregations, S3 for invoice documents and Redis for invoice numbering
//     and a shared rate-card cache
//
// Lookups of a missing entity return the matching billing.Err*NotFound
// sentinel so callers can test with errors.Is.
package storage
