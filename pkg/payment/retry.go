package payment

import (
	"context"
	"math"
	"time"
)

// RetryConfig configures gateway retry behavior
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy implements exponential backoff
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling unset fields with defaults
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	return &RetryPolicy{config: config}
}

// ShouldRetry reports whether another attempt is allowed after attempts tries
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil {
		return false
	}
	return attempts < p.config.MaxAttempts
}

// NextRetryDelay returns initialDelay * multiplier^(attempts-1), capped at MaxDelay
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// wait sleeps for the backoff delay or until ctx is done
func (p *RetryPolicy) wait(ctx context.Context, attempts int) error {
	timer := time.NewTimer(p.NextRetryDelay(attempts))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
