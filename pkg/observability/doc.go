// Package observability provides logrus logging, Prometheus metrics, OpenTelemetry tracing and health checks.
//
// # Overview
//
// Every billing component takes a *Metrics that may be nil. Metric helpers are nil-safe so
// tests construct components without a registry.
//
// # Logging
//
//	logger := observability.NewLogger("info", "json", os.Stdout)
//	logger.WithField("account_id", id).Info("Processing billing cycle")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.BillingCycle("completed", time.Since(start))
//
// Monetary totals can additionally be exported through OpenTelemetry:
//
//	otm, err := observability.NewOTelMetrics()
//	metrics.AttachOTel(otm)
//
// # Tracing
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "callmeter",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers)
//
//	ctx, span := observability.Tracer().Start(ctx, "cycle.process")
//	defer func() { observability.EndSpan(span, err) }()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	status := checker.Check(ctx)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/api: Exposes health and metrics endpoints
package observability
