package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/callmeter/pkg/api"
	"github.com/platinummonkey/callmeter/pkg/config"
	"github.com/platinummonkey/callmeter/pkg/cycle"
	"github.com/platinummonkey/callmeter/pkg/invoice"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/platinummonkey/callmeter/pkg/payment"
	"github.com/platinummonkey/callmeter/pkg/pricing"
	"github.com/platinummonkey/callmeter/pkg/scheduler"
	"github.com/platinummonkey/callmeter/pkg/storage"
	"github.com/platinummonkey/callmeter/pkg/storage/memory"
	"github.com/platinummonkey/callmeter/pkg/storage/postgres"
	"github.com/platinummonkey/callmeter/pkg/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

const pdfRenderTimeout = time.Minute

// app holds the wired billing engine
type app struct {
	cfg  *config.Config
	log  logrus.FieldLogger
	base *pricing.Rates

	registry *prometheus.Registry
	metrics  *observability.Metrics

	store        storage.Store
	connections  *postgres.ConnectionManager
	redis        *postgres.RedisClient
	calculator   *pricing.Calculator
	tracker      *usage.Tracker
	generator    *invoice.Generator
	payments     *payment.Service
	orchestrator *cycle.Orchestrator
	scheduler    *scheduler.Scheduler
	server       *api.Server

	closers []func() error
}

// newApp connects the storage backends and wires every component
func newApp(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	a.registry = prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = observability.NewMetrics(a.registry)
	}

	if err := a.openStorage(ctx); err != nil {
		return err
	}
	if err := a.buildPricing(); err != nil {
		return err
	}
	a.tracker = usage.NewTracker(a.store, a.calculator, log, a.metrics)
	if err := a.buildInvoicing(ctx); err != nil {
		return err
	}
	if err := a.buildPayments(); err != nil {
		return err
	}

	cycleOpts := []cycle.Option{
		cycle.WithRetryBatchSize(cfg.Billing.RetryBatchSize),
		cycle.WithGracePeriodDays(cfg.Billing.GracePeriodDays),
		cycle.WithMetrics(a.metrics),
	}
	if a.payments != nil {
		cycleOpts = append(cycleOpts, cycle.WithCharger(a.payments))
	}
	a.orchestrator = cycle.NewOrchestrator(a.store, a.generator, log, cycleOpts...)

	if err := a.buildScheduler(); err != nil {
		return err
	}
	a.buildServer()
	return nil
}

func (a *app) openStorage(ctx context.Context) error {
	switch a.cfg.Storage.Type {
	case "postgres":
		cm, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(a.cfg.Storage), a.log)
		if err != nil {
			return err
		}
		a.connections = cm
		a.closers = append(a.closers, cm.Close)

		if err := postgres.RunMigrations(ctx, cm.Primary(), a.log); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		a.store = postgres.NewStoreFromManager(cm)
	default:
		a.log.Warn("Using in-memory storage, data is lost on restart")
		a.store = memory.New()
	}

	if a.cfg.Storage.RedisURL != "" {
		rc, err := postgres.NewRedisClient(a.cfg.Storage)
		if err != nil {
			return err
		}
		a.redis = rc
		a.closers = append(a.closers, rc.Close)
	}
	return nil
}

func (a *app) buildPricing() error {
	base := pricing.DefaultRates()
	base.Currency = a.cfg.Billing.DefaultCurrency
	base.TaxRate = a.cfg.Billing.TaxRate
	a.base = base

	rates := base
	if path := a.cfg.Billing.RateCardPath; path != "" {
		loaded, err := config.LoadRateCard(path, base)
		if err != nil {
			return err
		}
		rates = loaded
	}

	cache, err := pricing.NewCache(a.cfg.Billing.PricingCacheSize, a.cfg.Storage.PricingCacheTTL, nil)
	if err != nil {
		return fmt.Errorf("failed to create pricing cache: %w", err)
	}

	var pricingStore pricing.Store = a.store
	if a.redis != nil {
		pricingStore = postgres.NewRedisPricingCache(a.store, a.redis.GetClient(), a.cfg.Storage.PricingCacheTTL, a.log)
	}
	regional := pricing.NewRegional(pricingStore, cache, a.log,
		pricing.WithUsageSource(a.store),
		pricing.WithRegionalMetrics(a.metrics),
	)

	a.calculator = pricing.NewCalculator(nil, a.log,
		pricing.WithRegional(regional),
		pricing.WithCalculatorMetrics(a.metrics),
	)
	if err := a.calculator.SetRates(rates); err != nil {
		return err
	}
	return nil
}

func (a *app) buildInvoicing(ctx context.Context) error {
	opts := []invoice.Option{
		invoice.WithDueDays(a.cfg.Billing.DueDays),
		invoice.WithMetrics(a.metrics),
	}
	if a.redis != nil {
		opts = append(opts, invoice.WithSequencer(invoice.NewRedisSequencer(a.redis.GetClient(), a.store)))
	}

	if a.cfg.Billing.PDFEnabled {
		objects, err := postgres.NewS3Client(ctx, a.cfg.Storage)
		if err != nil {
			return err
		}
		var renderer invoice.Renderer = invoice.HTMLRenderer{}
		if path := a.cfg.Billing.WkhtmltopdfPath; path != "" {
			pdf, err := invoice.NewWkhtmltopdfRenderer(path, pdfRenderTimeout)
			if err != nil {
				return err
			}
			renderer = pdf
		}
		opts = append(opts, invoice.WithPDF(renderer, objects))
	}

	a.generator = invoice.NewGenerator(a.store, a.tracker, a.calculator, a.log, opts...)
	return nil
}

func (a *app) buildPayments() error {
	if a.cfg.Payment.GatewayURL == "" {
		a.log.Info("No payment gateway configured, invoices will not be charged automatically")
		return nil
	}
	gateway, err := payment.NewHTTPGateway(payment.HTTPGatewayConfig{
		BaseURL: a.cfg.Payment.GatewayURL,
		APIKey:  a.cfg.Payment.GatewayAPIKey,
		Timeout: a.cfg.Payment.GatewayTimeout,
		Retry:   payment.DefaultRetryConfig(),
	}, a.log)
	if err != nil {
		return err
	}
	a.payments = payment.NewService(a.store, a.generator, gateway, a.log, a.metrics)
	return nil
}

func (a *app) buildScheduler() error {
	sc := a.cfg.Scheduler
	schedules := scheduler.Schedules{}
	if sc.JobEnabled(scheduler.JobProcessCycles) {
		schedules.ProcessCycles = sc.ProcessCycles
	}
	if sc.JobEnabled(scheduler.JobHandleOverdue) {
		schedules.HandleOverdue = sc.HandleOverdue
	}
	if sc.JobEnabled(scheduler.JobRetryFailed) {
		schedules.RetryFailed = sc.RetryFailed
	}
	var pdfs scheduler.PDFBackfiller
	if a.cfg.Billing.PDFEnabled && sc.JobEnabled(scheduler.JobBackfillPDFs) {
		schedules.BackfillPDFs = sc.BackfillPDFs
		pdfs = a.generator
	}

	a.scheduler = scheduler.New(a.log,
		scheduler.WithJobTimeout(sc.JobTimeout),
		scheduler.WithMetrics(a.metrics),
	)
	for _, job := range scheduler.BillingJobs(schedules, a.orchestrator, pdfs, a.cfg.Billing.PDFBackfillLimit, a.log) {
		if err := a.scheduler.Register(job); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) buildServer() {
	var db *sql.DB
	if a.connections != nil {
		db = a.connections.Primary()
	}
	var redisClient *redis.Client
	if a.redis != nil {
		redisClient = a.redis.GetClient()
	}

	cfg := api.Config{
		WebhookSecret: a.cfg.Payment.WebhookSecret,
		Health:        observability.NewHealthChecker(db, redisClient, a.cfg.Observability.OTelServiceVersion),
		Metrics:       a.metrics,
	}
	if a.payments != nil {
		cfg.Payments = a.payments
	}
	if a.cfg.Observability.MetricsEnabled {
		cfg.Registry = a.registry
	}
	a.server = api.NewServer(cfg, a.log)
}

// httpServer returns the ingress listener
func (a *app) httpServer() *http.Server {
	sc := a.cfg.Server
	return &http.Server{
		Addr:         api.Addr(sc.Host, sc.Port),
		Handler:      a.server.Handler(),
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
		IdleTimeout:  sc.IdleTimeout,
	}
}

// Close releases connections in reverse order of opening
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
