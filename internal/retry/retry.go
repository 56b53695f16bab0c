// Package retry runs external calls with bounded exponential backoff and jitter.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Config bounds the number of attempts and the delay between them.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Retrier executes operations according to Config.
type Retrier struct {
	config      Config
	isRetryable Classifier
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// New builds a Retrier; zero values fall back to a single attempt and a factor of 2.
func New(cfg Config, classifier Classifier, logger *slog.Logger) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Retrier{config: cfg, isRetryable: classifier, logger: logger, sleep: sleepContext}
}

// Do calls operation until it succeeds, fails permanently or attempts run out.
// The returned error wraps the last failure so callers can still classify it.
func (r *Retrier) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = operation(ctx)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		retryable := r.isRetryable != nil && r.isRetryable(lastErr)
		if !retryable {
			return lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		r.logger.Warn("operation attempt failed",
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"retry_delay_ms", delay.Milliseconds(),
			"error", lastErr)

		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

func (r *Retrier) delay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.JitterFactor > 0 {
		delay *= 1.0 + (rand.Float64()-0.5)*r.config.JitterFactor
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
