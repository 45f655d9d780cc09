// Package api is the HTTP ingress of the billing engine. It serves payment
// processor webhooks, liveness and readiness probes, and Prometheus metrics:
//
//	POST /webhooks/payments   signed processor notifications
//	GET  /healthz             liveness
//	GET  /readyz              readiness (PostgreSQL and Redis when configured)
//	GET  /metrics             Prometheus exposition
//
// Each route gets its own OpenTelemetry span and request metrics.
package api
