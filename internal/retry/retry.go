// Package retry implements exponential backoff retry for the transient
// failures a replication round can hit: a peer that hasn't come up yet,
// a dial that gets refused mid-restart, a mount that races the device
// node appearing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// Config controls WithRetry's attempt count and backoff schedule.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// Zero means 3.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt. Zero means 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts. Zero means 30s.
	MaxBackoff time.Duration

	// BackoffMultiplier scales the delay after each failed attempt. Zero
	// means 2.0.
	BackoffMultiplier float64

	// Retryable decides whether an error is worth retrying. Nil retries
	// everything.
	Retryable func(error) bool

	// OperationName labels log lines for this retry loop.
	OperationName string
}

// DefaultConfig returns the standard three-attempt, 1s-to-30s exponential
// backoff schedule.
func DefaultConfig(operationName string) Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		OperationName:     operationName,
	}
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 1 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.OperationName == "" {
		c.OperationName = "operation"
	}
	return c
}

// WithRetry runs fn up to cfg.MaxAttempts times, sleeping an exponentially
// growing backoff between attempts, until it succeeds, ctx is canceled, or
// cfg.Retryable rejects an error as non-retryable.
func WithRetry[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	var zero T

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				klog.V(4).Infof("retry: %s succeeded on attempt %d", cfg.OperationName, attempt)
			}
			return result, nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			klog.V(4).Infof("retry: %s failed with non-retryable error: %v", cfg.OperationName, err)
			return zero, err
		}

		if attempt < cfg.MaxAttempts {
			klog.V(4).Infof("retry: %s failed on attempt %d/%d: %v, retrying in %v",
				cfg.OperationName, attempt, cfg.MaxAttempts, err, backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}

			backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}

	return zero, fmt.Errorf("%w: %s failed after %d attempts: %w", ErrExhausted, cfg.OperationName, cfg.MaxAttempts, lastErr)
}

// WithRetryNoResult is WithRetry for functions with no result value.
func WithRetryNoResult(ctx context.Context, cfg Config, fn func() error) error {
	_, err := WithRetry(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
