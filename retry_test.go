package sftpops

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", config.MaxRetries)
	}
	if config.InitialDelay != 1*time.Second {
		t.Errorf("expected InitialDelay=1s, got %v", config.InitialDelay)
	}
	if config.MaxDelay != 30*time.Second {
		t.Errorf("expected MaxDelay=30s, got %v", config.MaxDelay)
	}
	if config.Multiplier != 2.0 {
		t.Errorf("expected Multiplier=2.0, got %v", config.Multiplier)
	}
	if config.JitterFactor != 0.25 {
		t.Errorf("expected JitterFactor=0.25, got %v", config.JitterFactor)
	}
}

func TestNoRetryConfig(t *testing.T) {
	config := NoRetryConfig()

	if config.MaxRetries != 0 {
		t.Errorf("expected MaxRetries=0, got %d", config.MaxRetries)
	}
}

func testRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		Logger:       discardLogger(),
	}
}

func TestRetry_Success(t *testing.T) {
	callCount := 0
	err := Retry(context.Background(), testRetryConfig(3), "test operation", func() error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	err := Retry(context.Background(), testRetryConfig(3), "test operation", func() error {
		callCount++
		if callCount < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetry_MaxRetriesExceeded(t *testing.T) {
	callCount := 0
	err := Retry(context.Background(), testRetryConfig(2), "test operation", func() error {
		callCount++
		return errors.New("connection refused")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if callCount != 3 { // initial + 2 retries
		t.Errorf("expected 3 calls, got %d", callCount)
	}
	if err.Error() != "test operation failed after 3 attempts: connection refused" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestRetry_NonRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permission denied", errors.New("permission denied")},
		{"file exists", operationFailed("store", "a.txt", ErrFileExists)},
		{"null body", operationFailed("store", "a.txt", ErrNullBody)},
		{"local io", localIOFailed("retrieve", "a.txt", errors.New("disk full"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callCount := 0
			err := Retry(context.Background(), testRetryConfig(3), "test operation", func() error {
				callCount++
				return tt.err
			})

			if err != tt.err {
				t.Errorf("expected %v, got %v", tt.err, err)
			}
			if callCount != 1 {
				t.Errorf("expected 1 call, got %d", callCount)
			}
		})
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, testRetryConfig(3), "test operation", func() error {
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled error, got %v", err)
	}
	if !IsInterrupted(err) {
		t.Errorf("expected ErrInterrupted, got %v", err)
	}
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	config := testRetryConfig(3)
	config.InitialDelay = 1 * time.Second
	config.MaxDelay = 10 * time.Second

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, config, "test operation", func() error {
		return errors.New("connection refused")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled error, got %v", err)
	}
	if !IsInterrupted(err) {
		t.Errorf("expected ErrInterrupted, got %v", err)
	}
}

func TestRetry_NoRetries(t *testing.T) {
	config := NoRetryConfig()
	config.Logger = discardLogger()

	callCount := 0
	err := Retry(context.Background(), config, "test operation", func() error {
		callCount++
		return errors.New("connection refused")
	})

	if err == nil {
		t.Error("expected error, got nil")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name       string
		initial    time.Duration
		maxDelay   time.Duration
		multiplier float64
		jitter     float64
		attempt    int
		minDelay   time.Duration
		maxWant    time.Duration
	}{
		{
			name:       "first attempt no jitter",
			initial:    100 * time.Millisecond,
			maxDelay:   10 * time.Second,
			multiplier: 2.0,
			attempt:    0,
			minDelay:   100 * time.Millisecond,
			maxWant:    100 * time.Millisecond,
		},
		{
			name:       "second attempt with multiplier no jitter",
			initial:    100 * time.Millisecond,
			maxDelay:   10 * time.Second,
			multiplier: 2.0,
			attempt:    1,
			minDelay:   200 * time.Millisecond,
			maxWant:    200 * time.Millisecond,
		},
		{
			name:       "third attempt with multiplier no jitter",
			initial:    100 * time.Millisecond,
			maxDelay:   10 * time.Second,
			multiplier: 2.0,
			attempt:    2,
			minDelay:   400 * time.Millisecond,
			maxWant:    400 * time.Millisecond,
		},
		{
			name:       "capped at max delay",
			initial:    1 * time.Second,
			maxDelay:   5 * time.Second,
			multiplier: 10.0,
			attempt:    2,
			minDelay:   5 * time.Second,
			maxWant:    5 * time.Second,
		},
		{
			name:       "zero multiplier keeps delay constant",
			initial:    50 * time.Millisecond,
			multiplier: 0,
			attempt:    3,
			minDelay:   50 * time.Millisecond,
			maxWant:    50 * time.Millisecond,
		},
		{
			name:       "with jitter",
			initial:    100 * time.Millisecond,
			maxDelay:   10 * time.Second,
			multiplier: 2.0,
			jitter:     0.5,
			attempt:    0,
			minDelay:   50 * time.Millisecond,
			maxWant:    150 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay := backoff(tt.initial, tt.maxDelay, tt.multiplier, tt.jitter, tt.attempt)
			if delay < tt.minDelay || delay > tt.maxWant {
				t.Errorf("expected delay between %v and %v, got %v", tt.minDelay, tt.maxWant, delay)
			}
		})
	}
}

func TestReconnectPolicy_WithDefaults(t *testing.T) {
	p := ReconnectPolicy{}.WithDefaults()
	if p.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", p.MaxAttempts)
	}
	if p.Multiplier != 1 {
		t.Errorf("Multiplier = %v, want 1", p.Multiplier)
	}
	if d := p.delayBefore(5); d != 0 {
		t.Errorf("delayBefore with zero Delay = %v, want 0", d)
	}

	def := DefaultReconnectPolicy()
	if def.MaxAttempts != 3 || def.Delay != time.Second {
		t.Errorf("unexpected default policy %+v", def)
	}
	if d := def.delayBefore(2); d != time.Second {
		t.Errorf("constant delay = %v, want 1s", d)
	}
}

// mockNetError implements net.Error for testing.
type mockNetError struct {
	timeout   bool
	temporary bool
	msg       string
}

func (e *mockNetError) Error() string   { return e.msg }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return e.temporary }

var _ net.Error = (*mockNetError)(nil)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline exceeded", context.DeadlineExceeded, false},
		{"timeout network error", &mockNetError{timeout: true, msg: "timeout"}, true},
		{"non-timeout network error", &mockNetError{timeout: false, msg: "some error"}, false},
		{"connection refused", errors.New("connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"connection lost", errors.New("sftp: connection lost"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"no route to host", errors.New("no route to host"), true},
		{"network unreachable", errors.New("network is unreachable"), true},
		{"i/o timeout", errors.New("i/o timeout"), true},
		{"handshake failed", errors.New("ssh: handshake failed"), true},
		{"ssh disconnect", errors.New("ssh: disconnect"), true},
		{"temporary failure", errors.New("temporary failure in name resolution"), true},
		{"too many open files", errors.New("too many open files"), true},
		{"permission denied - not retryable", errors.New("permission denied"), false},
		{"file not found - not retryable", errors.New("file not found"), false},
		{"case insensitive - Connection Refused", errors.New("Connection Refused"), true},
		{"connection failed kind", connectionFailed("connect", "host", errors.New("auth")), true},
		{"not connected", operationFailed("channel", "host", ErrNotConnected), true},
		{"interrupted wins over message", interrupted("connect", "host", errors.New("connection refused")), false},
		{"local io wins over message", localIOFailed("retrieve", "a", errors.New("broken pipe")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsRetryableError(tt.err)
			if result != tt.expected {
				t.Errorf("IsRetryableError(%v) = %v, expected %v", tt.err, result, tt.expected)
			}
		})
	}
}
