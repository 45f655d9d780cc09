package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/callmeter/pkg/billing"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ChargeRequest asks the processor to collect an invoice amount
type ChargeRequest struct {
	InvoiceID        string `json:"invoice_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	PaymentMethodRef string `json:"payment_method"`
	IdempotencyKey   string `json:"idempotency_key"`
}

// ChargeResult is the processor's answer to a charge
type ChargeResult struct {
	Status          billing.PaymentStatus `json:"status"`
	GatewayChargeID string                `json:"id"`
	FailureReason   string                `json:"failure_reason,omitempty"`
}

// Gateway charges stored payment methods
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// GatewayError is a non-retryable rejection of the request itself
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway returned %d: %s", e.StatusCode, e.Message)
}

// HTTPGatewayConfig configures the processor client
type HTTPGatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   RetryConfig
}

// HTTPGateway talks JSON to a processor's /charges endpoint
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   *RetryPolicy
	log     logrus.FieldLogger
}

// NewHTTPGateway creates a processor client. Outgoing requests are traced.
func NewHTTPGateway(cfg HTTPGatewayConfig, log logrus.FieldLogger) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("payment gateway url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.New()
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry: NewRetryPolicy(cfg.Retry),
		log:   log,
	}, nil
}

// Charge posts the charge, retrying transport errors and 5xx responses. A 402
// is a decline and comes back as a failed result, not an error.
func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	for attempt := 1; ; attempt++ {
		result, err := g.post(ctx, req.IdempotencyKey, body)
		if err == nil {
			return result, nil
		}

		var gwErr *GatewayError
		if errors.As(err, &gwErr) || !g.retry.ShouldRetry(attempt, err) {
			return nil, err
		}

		g.log.WithError(err).WithFields(logrus.Fields{
			"invoice_id": req.InvoiceID,
			"attempt":    attempt,
		}).Warn("Payment gateway request failed, retrying")

		if err := g.retry.wait(ctx, attempt); err != nil {
			return nil, fmt.Errorf("charge cancelled: %w", err)
		}
	}
}

func (g *HTTPGateway) post(ctx context.Context, idempotencyKey string, body []byte) (*ChargeResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return nil, &GatewayError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send charge: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read charge response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("payment gateway returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusPaymentRequired:
		var result ChargeResult
		_ = json.Unmarshal(respBody, &result)
		result.Status = billing.PaymentStatusFailed
		if result.FailureReason == "" {
			result.FailureReason = "declined"
		}
		return &result, nil
	case resp.StatusCode >= 400:
		return nil, &GatewayError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var result ChargeResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Message: "invalid response body"}
	}
	switch result.Status {
	case billing.PaymentStatusSucceeded, billing.PaymentStatusFailed, billing.PaymentStatusPending:
	default:
		return nil, &GatewayError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unknown charge status %q", result.Status)}
	}
	return &result, nil
}
