package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("CALLMETER_TEST_VAR", "custom")

	assert.Equal(t, "custom", getEnv("CALLMETER_TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("CALLMETER_TEST_VAR_NOT_SET", "default"))
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{name: "true", envValue: "true", want: true},
		{name: "TRUE", envValue: "TRUE", want: true},
		{name: "one", envValue: "1", want: true},
		{name: "false", envValue: "false", defaultValue: true, want: false},
		{name: "garbage", envValue: "yes please", defaultValue: true, want: false},
		{name: "unset", envValue: "", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CALLMETER_TEST_BOOL", tt.envValue)
			assert.Equal(t, tt.want, getEnvBool("CALLMETER_TEST_BOOL", tt.defaultValue))
		})
	}
}

func TestGetEnvIntAndDuration(t *testing.T) {
	t.Setenv("CALLMETER_TEST_INT", "42")
	t.Setenv("CALLMETER_TEST_BAD_INT", "forty-two")
	t.Setenv("CALLMETER_TEST_DURATION", "90s")
	t.Setenv("CALLMETER_TEST_BAD_DURATION", "soon")

	assert.Equal(t, 42, getEnvInt("CALLMETER_TEST_INT", 7))
	assert.Equal(t, 7, getEnvInt("CALLMETER_TEST_BAD_INT", 7))
	assert.Equal(t, 90*time.Second, getEnvDuration("CALLMETER_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("CALLMETER_TEST_BAD_DURATION", time.Second))
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "INR", cfg.Billing.DefaultCurrency)
	assert.True(t, cfg.Billing.TaxRate.Equal(decimal.RequireFromString("0.18")))
	assert.Equal(t, 30, cfg.Billing.DueDays)
	assert.Equal(t, 15, cfg.Billing.GracePeriodDays)
	assert.Equal(t, 10, cfg.Billing.RetryBatchSize)
	assert.Equal(t, "0 2 * * *", cfg.Scheduler.ProcessCycles)
	assert.Equal(t, "0 3 * * *", cfg.Scheduler.HandleOverdue)
	assert.Equal(t, "0 */6 * * *", cfg.Scheduler.RetryFailed)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.JobTimeout)
	assert.Empty(t, cfg.Payment.GatewayURL)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.False(t, cfg.Observability.OTelEnabled)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("CALLMETER_PORT", "9090")
	t.Setenv("CALLMETER_STORAGE_TYPE", "postgres")
	t.Setenv("CALLMETER_POSTGRES_URL", "postgres://localhost/callmeter")
	t.Setenv("CALLMETER_POSTGRES_REPLICA_URLS", " postgres://r1/callmeter ,,postgres://r2/callmeter")
	t.Setenv("CALLMETER_REDIS_DB", "2")
	t.Setenv("CALLMETER_TAX_RATE", "0.05")
	t.Setenv("CALLMETER_GRACE_PERIOD_DAYS", "7")
	t.Setenv("CALLMETER_DISABLED_JOBS", "backfill-pdfs")
	t.Setenv("CALLMETER_LOG_LEVEL", "DEBUG")
	t.Setenv("CALLMETER_GATEWAY_URL", "https://gateway.test")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, []string{"postgres://r1/callmeter", "postgres://r2/callmeter"}, cfg.Storage.PostgresReplicaURLs)
	assert.Equal(t, 2, cfg.Storage.RedisDB)
	assert.True(t, cfg.Billing.TaxRate.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 7, cfg.Billing.GracePeriodDays)
	assert.False(t, cfg.Scheduler.JobEnabled("backfill-pdfs"))
	assert.True(t, cfg.Scheduler.JobEnabled("process-cycles"))
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Equal(t, "https://gateway.test", cfg.Payment.GatewayURL)
}

func TestLoadConfig_InvalidTaxRate(t *testing.T) {
	t.Setenv("CALLMETER_TAX_RATE", "eighteen percent")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALLMETER_TAX_RATE")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadConfig()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: "port"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "filesystem" }, wantErr: "invalid storage type"},
		{name: "postgres without url", mutate: func(c *Config) { c.Storage.Type = "postgres" }, wantErr: "postgres URL"},
		{name: "negative tax", mutate: func(c *Config) { c.Billing.TaxRate = decimal.NewFromInt(-1) }, wantErr: "tax rate"},
		{name: "negative grace", mutate: func(c *Config) { c.Billing.GracePeriodDays = -1 }, wantErr: "grace period"},
		{name: "zero batch", mutate: func(c *Config) { c.Billing.RetryBatchSize = 0 }, wantErr: "batch size"},
		{name: "zero job timeout", mutate: func(c *Config) { c.Scheduler.JobTimeout = 0 }, wantErr: "job timeout"},
		{name: "bad log level", mutate: func(c *Config) { c.Observability.LogLevel = "loud" }, wantErr: "log level"},
		{
			name: "otel without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelEndpoint = ""
			},
			wantErr: "endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
