// Package utils provides the backoff retrier shared by on-demand token
// fetches and the background refresh path.
package utils

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryConfig holds configuration for retry operations with exponential backoff.
//
// Provides fine-grained control over retry behavior including timing,
// backoff strategy, jitter, and error filtering.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries (caps exponential growth)
	MaxDelay time.Duration

	// BackoffFactor is the multiplier for exponential backoff (e.g., 2.0 doubles delay)
	BackoffFactor float64

	// JitterFactor adds randomness to delays (0.0-1.0, where 0.1 = 10% jitter)
	JitterFactor float64

	// ShouldRetry decides, given the error of the attempt that just failed and
	// its 1-based number, whether another attempt is made. If nil, all errors
	// are retried until MaxAttempts is reached.
	ShouldRetry func(err error, attempt int) bool
}

// DefaultRetryConfig returns the retry configuration used by the background
// refresh path.
//
// Default settings:
//   - MaxAttempts: 5
//   - InitialDelay: 125 milliseconds
//   - MaxDelay: 3 seconds
//   - BackoffFactor: 2.0 (exponential backoff)
//   - JitterFactor: 0.1 (10% randomization)
//   - ShouldRetry: all errors are retryable
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  125 * time.Millisecond,
		MaxDelay:      3 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		ShouldRetry: func(err error, attempt int) bool {
			return true
		},
	}
}

// RetryWithBackoff executes a function with exponential backoff retry strategy.
//
// Attempts to execute the provided function up to MaxAttempts times,
// with exponentially increasing delays between attempts. Supports context
// cancellation and configurable error filtering.
//
// Returns:
//   - nil if the function succeeds within the attempt limit
//   - "max retries exceeded" error wrapping the last error if all attempts fail
//   - "retry cancelled" error if context is cancelled while waiting
//   - The original error, unwrapped, if ShouldRetry rejects it
//
// The delay between attempts follows: delay = InitialDelay * (BackoffFactor^attempt)
// with optional jitter and capped at MaxDelay.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.ShouldRetry != nil && !config.ShouldRetry(err, attempt) {
			return err
		}

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", lastErr)
		case <-time.After(delay):
		}

		delay = nextDelay(delay, config)
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func nextDelay(delay time.Duration, config RetryConfig) time.Duration {
	if config.BackoffFactor > 0 {
		delay = time.Duration(float64(delay) * config.BackoffFactor)
	}
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterFactor > 0 {
		jitter := time.Duration(float64(delay) * config.JitterFactor)
		delay += time.Duration(randomInt64n(int64(jitter)))
	}
	return delay
}

// randomInt64n returns a random int64 in [0, n), or 0 when n <= 0.
func randomInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano() % n
	}

	return int64(binary.BigEndian.Uint64(buf[:])>>1) % n
}
