package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/callmeter/pkg/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Billing       BillingConfig
	Scheduler     SchedulerConfig
	Payment       PaymentConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// BillingConfig holds invoicing and pricing settings
type BillingConfig struct {
	DefaultCurrency  string
	TaxRate          decimal.Decimal
	DueDays          int
	GracePeriodDays  int
	RetryBatchSize   int
	PricingCacheSize int
	RateCardPath     string
	PDFEnabled       bool
	PDFBackfillLimit int
	WkhtmltopdfPath  string
}

// SchedulerConfig holds cron schedules for the billing jobs
type SchedulerConfig struct {
	ProcessCycles string
	HandleOverdue string
	RetryFailed   string
	BackfillPDFs  string
	JobTimeout    time.Duration
	DisabledJobs  []string
}

// PaymentConfig holds payment gateway settings. An empty GatewayURL disables
// automatic charging.
type PaymentConfig struct {
	GatewayURL     string
	GatewayAPIKey  string
	GatewayTimeout time.Duration
	WebhookSecret  string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	billing, err := loadBillingConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Billing:       billing,
		Scheduler:     loadSchedulerConfig(),
		Payment:       loadPaymentConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CALLMETER_HOST", "0.0.0.0"),
		Port:            getEnv("CALLMETER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CALLMETER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CALLMETER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CALLMETER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CALLMETER_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("CALLMETER_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL
	if pgURL := getEnv("CALLMETER_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("CALLMETER_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = splitList(replicaURLs)
	}
	if maxConns := getEnvInt("CALLMETER_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("CALLMETER_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("CALLMETER_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// S3
	cfg.S3Endpoint = getEnv("CALLMETER_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("CALLMETER_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("CALLMETER_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("CALLMETER_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("CALLMETER_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("CALLMETER_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)
	cfg.S3PublicURL = getEnv("CALLMETER_S3_PUBLIC_URL", cfg.S3PublicURL)

	// Redis
	cfg.RedisURL = getEnv("CALLMETER_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("CALLMETER_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("CALLMETER_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("CALLMETER_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("CALLMETER_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}
	if ttl := getEnvDuration("CALLMETER_PRICING_CACHE_TTL", 0); ttl > 0 {
		cfg.PricingCacheTTL = ttl
	}

	return cfg
}

func loadBillingConfig() (BillingConfig, error) {
	cfg := BillingConfig{
		DefaultCurrency:  getEnv("CALLMETER_DEFAULT_CURRENCY", "INR"),
		DueDays:          getEnvInt("CALLMETER_INVOICE_DUE_DAYS", 30),
		GracePeriodDays:  getEnvInt("CALLMETER_GRACE_PERIOD_DAYS", 15),
		RetryBatchSize:   getEnvInt("CALLMETER_RETRY_BATCH_SIZE", 10),
		PricingCacheSize: getEnvInt("CALLMETER_PRICING_CACHE_SIZE", 256),
		RateCardPath:     getEnv("CALLMETER_RATE_CARD_PATH", ""),
		PDFEnabled:       getEnvBool("CALLMETER_PDF_ENABLED", false),
		PDFBackfillLimit: getEnvInt("CALLMETER_PDF_BACKFILL_LIMIT", 100),
		WkhtmltopdfPath:  getEnv("CALLMETER_WKHTMLTOPDF_PATH", ""),
	}

	rate, err := decimal.NewFromString(getEnv("CALLMETER_TAX_RATE", "0.18"))
	if err != nil {
		return cfg, fmt.Errorf("invalid CALLMETER_TAX_RATE: %w", err)
	}
	cfg.TaxRate = rate
	return cfg, nil
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ProcessCycles: getEnv("CALLMETER_SCHEDULE_PROCESS_CYCLES", "0 2 * * *"),
		HandleOverdue: getEnv("CALLMETER_SCHEDULE_HANDLE_OVERDUE", "0 3 * * *"),
		RetryFailed:   getEnv("CALLMETER_SCHEDULE_RETRY_FAILED", "0 */6 * * *"),
		BackfillPDFs:  getEnv("CALLMETER_SCHEDULE_BACKFILL_PDFS", "0 * * * *"),
		JobTimeout:    getEnvDuration("CALLMETER_JOB_TIMEOUT", 30*time.Minute),
		DisabledJobs:  splitList(getEnv("CALLMETER_DISABLED_JOBS", "")),
	}
}

func loadPaymentConfig() PaymentConfig {
	return PaymentConfig{
		GatewayURL:     getEnv("CALLMETER_GATEWAY_URL", ""),
		GatewayAPIKey:  getEnv("CALLMETER_GATEWAY_API_KEY", ""),
		GatewayTimeout: getEnvDuration("CALLMETER_GATEWAY_TIMEOUT", 10*time.Second),
		WebhookSecret:  getEnv("CALLMETER_WEBHOOK_SECRET", ""),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("CALLMETER_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("CALLMETER_LOG_FORMAT", "text")),
		MetricsEnabled:     getEnvBool("CALLMETER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CALLMETER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CALLMETER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CALLMETER_OTEL_SERVICE_NAME", "callmeter"),
		OTelServiceVersion: getEnv("CALLMETER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CALLMETER_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	if c.Billing.DefaultCurrency == "" {
		return fmt.Errorf("default currency is required")
	}
	if c.Billing.TaxRate.IsNegative() {
		return fmt.Errorf("tax rate must not be negative")
	}
	if c.Billing.DueDays < 0 || c.Billing.GracePeriodDays < 0 {
		return fmt.Errorf("due days and grace period must not be negative")
	}
	if c.Billing.RetryBatchSize <= 0 {
		return fmt.Errorf("retry batch size must be positive")
	}
	if c.Scheduler.JobTimeout <= 0 {
		return fmt.Errorf("job timeout must be positive")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.Observability.LogLevel)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// JobEnabled reports whether the named job is scheduled
func (s SchedulerConfig) JobEnabled(name string) bool {
	for _, disabled := range s.DisabledJobs {
		if disabled == name {
			return false
		}
	}
	return true
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
