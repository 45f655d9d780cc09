package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/platinummonkey/callmeter/pkg/config"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	runOnce = flag.String("run-once", "", "Run a single job (process-cycles, handle-overdue, retry-failed-cycles, backfill-pdfs) and exit")
	atTime  = flag.String("at", "", "Wall clock for -run-once in RFC3339 or YYYY-MM-DD format (default: now)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("callmeter exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := observability.ShutdownOTel(shutdownCtx, otel); err != nil {
			logger.WithError(err).Warn("Failed to shut down OpenTelemetry")
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if otel != nil {
		amounts, err := observability.NewOTelMetrics()
		if err != nil {
			return fmt.Errorf("failed to create OpenTelemetry instruments: %w", err)
		}
		a.metrics.AttachOTel(amounts)
	}

	if *runOnce != "" {
		now, err := parseAt(*atTime, time.Now())
		if err != nil {
			return err
		}
		return a.scheduler.Tick(ctx, *runOnce, now)
	}
	return serve(ctx, a)
}

// serve runs the scheduler, ingress and rate-card watcher until ctx ends
func serve(ctx context.Context, a *app) error {
	g, ctx := errgroup.WithContext(ctx)
	log := a.log

	if a.connections != nil {
		a.connections.StartHealthCheckRoutine(ctx, 30*time.Second)
	}

	if path := a.cfg.Billing.RateCardPath; path != "" {
		g.Go(func() error {
			return config.WatchRateCard(ctx, path, a.base, a.calculator, log)
		})
	}

	srv := a.httpServer()
	shutdown := observability.NewShutdownManager(log, srv, a.cfg.Server.ShutdownTimeout)
	shutdown.Register("scheduler", a.scheduler.Stop)

	a.scheduler.Start()
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("Starting callmeter ingress")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ingress server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown(ctx)
	})

	return g.Wait()
}

// parseAt reads the -at flag. Dates are taken as midnight UTC.
func parseAt(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -at value %q: want RFC3339 or YYYY-MM-DD", value)
	}
	return t.UTC(), nil
}
