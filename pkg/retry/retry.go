// Package retry provides the exponential-backoff helper used around
// flaky remote calls (the vision provider, primarily).
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config defines retry configuration
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig returns sensible retry defaults
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// IsRetryable checks if an error is retryable
type IsRetryable func(error) bool

// Do executes a function with exponential backoff retry
func Do(ctx context.Context, config *Config, fn func() error) error {
	return doRetry(ctx, config, nil, fn)
}

// DoWithRetryable executes with custom retry logic
func DoWithRetryable(ctx context.Context, config *Config, isRetryable IsRetryable, fn func() error) error {
	return doRetry(ctx, config, isRetryable, fn)
}

// doRetry is the shared retry loop used by Do and DoWithRetryable.
func doRetry(ctx context.Context, config *Config, isRetryable IsRetryable, fn func() error) error {
	if config == nil {
		config = DefaultConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		// Check if error is retryable (when a checker is provided)
		if isRetryable != nil && !isRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}

		// Calculate next delay with exponential backoff
		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", config.MaxAttempts, lastErr)
}
