package provider

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy retries an operation with exponential backoff, honoring the
// caller's context between attempts.
type RetryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	retryIf      func(error) bool
	logger       *zap.Logger
}

// RetryOption configures retry behavior.
type RetryOption func(*RetryPolicy)

// WithMaxAttempts sets the total attempt count (first try included).
func WithMaxAttempts(n int) RetryOption {
	return func(p *RetryPolicy) { p.maxAttempts = n }
}

// WithInitialDelay sets the delay after the first failed attempt.
func WithInitialDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.initialDelay = d }
}

// WithMaxDelay caps the backoff.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.maxDelay = d }
}

// WithRetryIf limits which errors are retried; default retries
// IsRetryable errors only.
func WithRetryIf(fn func(error) bool) RetryOption {
	return func(p *RetryPolicy) { p.retryIf = fn }
}

// WithLogger adds logging to retry attempts.
func WithLogger(logger *zap.Logger) RetryOption {
	return func(p *RetryPolicy) { p.logger = logger }
}

// NewRetryPolicy creates a policy with 3 attempts (waits of 2s, then 4s);
// the delay doubles per retry from 2s and is capped at 30s.
func NewRetryPolicy(opts ...RetryOption) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts:  3,
		initialDelay: 2 * time.Second,
		maxDelay:     30 * time.Second,
		multiplier:   2.0,
		retryIf:      IsRetryable,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs fn until it succeeds, exhausts attempts, fails with a
// non-retryable error, or the context trips.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(); err == nil {
			if attempt > 0 {
				p.logger.Debug("operation succeeded after retry",
					zap.Int("attempt", attempt+1))
			}
			return nil
		} else {
			lastErr = err
		}

		if !p.retryIf(lastErr) || attempt == p.maxAttempts-1 {
			break
		}

		delay := p.delayFor(attempt)
		p.logger.Debug("operation failed, retrying",
			zap.Error(lastErr),
			zap.Int("attempt", attempt+1),
			zap.Int("maxAttempts", p.maxAttempts),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

func (p *RetryPolicy) delayFor(attempt int) time.Duration {
	delay := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay)
}
