package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/platinummonkey/callmeter/pkg/observability"
	"github.com/platinummonkey/callmeter/pkg/payment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultMaxBodyBytes bounds webhook payloads
const DefaultMaxBodyBytes = 1 << 20

// WebhookHandler reconciles payments with processor notifications
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, event *payment.WebhookEvent, now time.Time) error
}

// Config wires the server's collaborators. Payments, Health and Registry are
// optional; the matching routes answer 503 or are left out when nil.
type Config struct {
	Payments      WebhookHandler
	WebhookSecret string
	Health        *observability.HealthChecker
	Registry      *prometheus.Registry
	Metrics       *observability.Metrics
	MaxBodyBytes  int64
	Now           func() time.Time
}

// Server routes ingress traffic
type Server struct {
	router   *mux.Router
	payments WebhookHandler
	secret   string
	health   *observability.HealthChecker
	registry *prometheus.Registry
	metrics  *observability.Metrics
	maxBody  int64
	now      func() time.Time
	log      logrus.FieldLogger
}

// NewServer creates a server and registers its routes
func NewServer(cfg Config, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		router:   mux.NewRouter(),
		payments: cfg.Payments,
		secret:   cfg.WebhookSecret,
		health:   cfg.Health,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		maxBody:  cfg.MaxBodyBytes,
		now:      cfg.Now,
		log:      log.WithField("component", "api"),
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.health == nil {
		s.health = observability.NewHealthChecker(nil, nil, "")
	}
	if s.payments != nil && s.secret == "" {
		s.log.Warn("Webhook secret not set, payment webhooks are accepted unsigned")
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.route("/webhooks/payments", "webhooks_payments", http.HandlerFunc(s.handlePaymentWebhook)).Methods(http.MethodPost)
	s.route("/healthz", "healthz", http.HandlerFunc(s.health.Liveness)).Methods(http.MethodGet)
	s.route("/readyz", "readyz", http.HandlerFunc(s.health.Readiness)).Methods(http.MethodGet)
	if s.registry != nil {
		s.route("/metrics", "metrics", observability.MetricsHandler(s.registry)).Methods(http.MethodGet)
	}
}

// route registers h with its own span and metrics label
func (s *Server) route(path, name string, h http.Handler) *mux.Route {
	h = observability.HTTPMetricsMiddleware(s.metrics, name)(h)
	return s.router.Handle(path, otelhttp.NewHandler(h, name)).Name(name)
}

// Router exposes the bare router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped in the ingress middleware stack
func (s *Server) Handler() http.Handler {
	return chain(s.router,
		observability.RecoveryMiddleware(s.log),
		requestID,
		accessLog(s.log),
		maxBytes(s.maxBody),
	)
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments are not configured")
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	event, err := payment.ParseWebhook(payload, r.Header.Get(payment.SignatureHeader), s.secret)
	if err != nil {
		s.metrics.Webhook("unparsed", err)
		switch {
		case errors.Is(err, payment.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "invalid signature")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	log := observability.WithTraceContext(r.Context(), s.log).WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"charge_id":  event.Data.ChargeID,
	})

	if err := s.payments.HandleWebhook(r.Context(), event, s.now()); err != nil {
		status := webhookStatus(err)
		if status >= http.StatusInternalServerError {
			log.WithError(err).Error("Failed to handle payment webhook")
		} else {
			log.WithError(err).Warn("Rejected payment webhook")
		}
		writeError(w, status, err.Error())
		return
	}

	log.Info("Payment webhook handled")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// webhookStatus maps reconciliation errors onto responses. Processors retry
// on 5xx, so only transient failures get one.
func webhookStatus(err error) int {
	switch {
	case errors.Is(err, payment.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Addr formats a listen address
func Addr(host, port string) string {
	return fmt.Sprintf("%s:%s", host, port)
}
