package sftpops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"time"
)

// ReconnectPolicy bounds the connect loop of a ConnectionManager.
type ReconnectPolicy struct {
	// MaxAttempts is the total number of connect attempts, including the
	// first one. Values below 1 mean a single attempt.
	MaxAttempts int `mapstructure:"max_attempts"`

	// Delay is the pause between attempts. Zero means retry immediately.
	Delay time.Duration `mapstructure:"delay"`

	// ConnectTimeout bounds each attempt. Zero means a blocking connect.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// Multiplier grows Delay after every failed attempt (1 keeps it constant).
	Multiplier float64 `mapstructure:"multiplier"`

	// MaxDelay caps the grown delay. Zero means no cap.
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// JitterFactor adds randomness to delay (0.0 = no jitter, 0.5 = ±50% jitter).
	JitterFactor float64 `mapstructure:"jitter_factor"`
}

// DefaultReconnectPolicy returns three attempts one second apart.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:    3,
		Delay:          1 * time.Second,
		ConnectTimeout: 30 * time.Second,
		Multiplier:     1,
	}
}

// WithDefaults returns a copy of the policy with default values applied.
func (p ReconnectPolicy) WithDefaults() ReconnectPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 1
	}
	return p
}

// delayBefore returns the pause after the given failed attempt (0-based).
func (p ReconnectPolicy) delayBefore(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	return backoff(p.Delay, p.MaxDelay, p.Multiplier, p.JitterFactor, attempt)
}

// RetryConfig configures caller-level retry of whole operations, such as a
// Syncer re-uploading a file after a transient failure. The connect loop has
// its own ReconnectPolicy.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the initial delay between retries.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (e.g., 2.0 = double delay each retry).
	Multiplier float64

	// JitterFactor adds randomness to delay (0.0 = no jitter, 0.5 = ±50% jitter).
	JitterFactor float64

	// Logger receives a warning per retry. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultRetryConfig returns sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// NoRetryConfig returns a config with retries disabled.
func NoRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 0,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func() error

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. Cancellation of ctx stops it immediately.
func Retry(ctx context.Context, config RetryConfig, operation string, fn RetryableFunc) error {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return interrupted(operation, "", err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return err
		}
		if attempt == config.MaxRetries {
			break
		}

		delay := backoff(config.InitialDelay, config.MaxDelay, config.Multiplier, config.JitterFactor, attempt)
		logger.Warn("operation failed, retrying",
			slog.String("operation", operation),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", config.MaxRetries+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return interrupted(operation, "", ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, config.MaxRetries+1, lastErr)
}

func backoff(initial, maxDelay time.Duration, multiplier, jitterFactor float64, attempt int) time.Duration {
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(initial)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
	}

	if jitterFactor > 0 {
		jitter := delay * jitterFactor
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}

	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	return time.Duration(delay)
}

// IsRetryableError reports whether an operation error is transient and worth
// repeating at the caller level. Cancellations, policy refusals (Fail, null
// body) and local I/O failures are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrInterrupted) || errors.Is(err, ErrLocalIO) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrNotConnected) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	retryableMessages := []string{
		"connection refused",
		"connection reset",
		"connection lost",
		"broken pipe",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"handshake failed",
		"ssh: disconnect",
		"unexpected eof",
		"temporary failure",
		"too many open files",
	}
	for _, msg := range retryableMessages {
		if strings.Contains(errMsg, msg) {
			return true
		}
	}

	return false
}
