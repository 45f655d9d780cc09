// Package config loads the billing engine's configuration from environment
// variables and its default rate table from an optional YAML rate card.
//
// # Environment
//
// Server:
//
//	CALLMETER_HOST="0.0.0.0"
//	CALLMETER_PORT="8080"
//	CALLMETER_SHUTDOWN_TIMEOUT="30s"
//
// Storage:
//
//	CALLMETER_STORAGE_TYPE="postgres"  # memory, postgres
//	CALLMETER_POSTGRES_URL="postgres://localhost/callmeter?sslmode=disable"
//	CALLMETER_POSTGRES_REPLICA_URLS="postgres://replica-1/callmeter,postgres://replica-2/callmeter"
//	CALLMETER_REDIS_URL="redis://localhost:6379"
//	CALLMETER_S3_BUCKET="callmeter-invoices"
//
// Billing:
//
//	CALLMETER_DEFAULT_CURRENCY="INR"
//	CALLMETER_TAX_RATE="0.18"
//	CALLMETER_INVOICE_DUE_DAYS="30"
//	CALLMETER_GRACE_PERIOD_DAYS="15"
//	CALLMETER_RATE_CARD_PATH="/etc/callmeter/rates.yaml"
//	CALLMETER_PDF_ENABLED="true"  # render invoice documents to S3
//
// Scheduler (standard five-field cron expressions):
//
//	CALLMETER_SCHEDULE_PROCESS_CYCLES="0 2 * * *"
//	CALLMETER_SCHEDULE_HANDLE_OVERDUE="0 3 * * *"
//	CALLMETER_SCHEDULE_RETRY_FAILED="0 */6 * * *"
//	CALLMETER_DISABLED_JOBS="backfill-pdfs"
//
// Payments:
//
//	CALLMETER_GATEWAY_URL="https://gateway.example.com"
//	CALLMETER_GATEWAY_API_KEY="..."
//	CALLMETER_WEBHOOK_SECRET="..."
//
// Observability:
//
//	CALLMETER_LOG_LEVEL="info"  # debug, info, warn, error
//	CALLMETER_LOG_FORMAT="json" # text, json
//	CALLMETER_OTEL_ENABLED="true"
//	CALLMETER_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//	    log.Fatalf("Failed to load config: %v", err)
//	}
//
//	if cfg.Billing.RateCardPath != "" {
//	    rates, err := config.LoadRateCard(cfg.Billing.RateCardPath, base)
//	    ...
//	    go config.WatchRateCard(ctx, cfg.Billing.RateCardPath, base, calculator, logger)
//	}
package config
