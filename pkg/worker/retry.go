package worker

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig holds configuration for retrying transient storage failures
// around ack/nack/heartbeat calls.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFraction    float64
}

// DefaultRetryConfig returns the default storage-retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// retryWithBackoff executes the operation with jittered exponential backoff.
// It respects context cancellation and returns the last error if all
// attempts fail.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}

		if attempt >= config.MaxAttempts {
			break
		}

		jitter := time.Duration(float64(backoff) * config.JitterFraction * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// transientMarkers are substrings of error text that indicate a failure
// worth automatic redelivery: network timeouts, resets, DNS trouble,
// rate limiting and upstream 5xx.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"dns",
	"temporary failure",
	"status 429",
	"status 502",
	"status 503",
	"status 504",
	"too many requests",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"eof",
}

// IsTransientMessage classifies stored error text as retryable. Used by
// the monitor to decide whether a failed checkpoint entity gets one
// automatic recovery attempt.
func IsTransientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
