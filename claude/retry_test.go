package claude

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", config.MaxRetries)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffFactor != 2.0 {
		t.Errorf("BackoffFactor = %v, want 2.0", config.BackoffFactor)
	}
	if !config.Jitter {
		t.Error("Jitter should be true")
	}
}

func TestWithRetry_Success(t *testing.T) {
	ctx := context.Background()
	config := &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         false,
	}

	callCount := 0
	err := WithRetry(ctx, config, func(ctx context.Context) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("WithRetry() error = %v", err)
	}
	if callCount != 1 {
		t.Errorf("callCount = %d, want 1", callCount)
	}
}

func TestWithRetry_SuccessAfterRetries(t *testing.T) {
	ctx := context.Background()
	config := &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         false,
	}

	callCount := 0
	err := WithRetry(ctx, config, func(ctx context.Context) error {
		callCount++
		if callCount < 3 {
			return NewRetryableError("test", ErrRateLimit, 0)
		}
		return nil
	})

	if err != nil {
		t.Errorf("WithRetry() error = %v", err)
	}
	if callCount != 3 {
		t.Errorf("callCount = %d, want 3", callCount)
	}
}

func TestWithRetry_MaxRetriesExceeded(t *testing.T) {
	ctx := context.Background()
	config := &RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         false,
	}

	callCount := 0
	err := WithRetry(ctx, config, func(ctx context.Context) error {
		callCount++
		return NewRetryableError("test", ErrRateLimit, 0)
	})

	if err == nil {
		t.Error("WithRetry() should return error")
	}
	// MaxRetries=2 means initial + 2 retries = 3 calls
	if callCount != 3 {
		t.Errorf("callCount = %d, want 3", callCount)
	}
}

func TestWithRetry_NonRetryableError(t *testing.T) {
	ctx := context.Background()
	config := &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         false,
	}

	callCount := 0
	err := WithRetry(ctx, config, func(ctx context.Context) error {
		callCount++
		return ErrAuthentication // Not retryable
	})

	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("WithRetry() error = %v, want ErrAuthentication", err)
	}
	if callCount != 1 {
		t.Errorf("callCount = %d, want 1 (no retries for non-retryable error)", callCount)
	}
}

func TestWithRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         false,
	}

	callCount := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := WithRetry(ctx, config, func(ctx context.Context) error {
		callCount++
		return NewRetryableError("test", ErrRateLimit, 0)
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("WithRetry() error = %v, want context.Canceled", err)
	}
}

func TestWithRetry_NilConfig(t *testing.T) {
	ctx := context.Background()

	callCount := 0
	err := WithRetry(ctx, nil, func(ctx context.Context) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("WithRetry() error = %v", err)
	}
	if callCount != 1 {
		t.Errorf("callCount = %d, want 1", callCount)
	}
}

func TestWithRetry_RetryAfterRespected(t *testing.T) {
	ctx := context.Background()
	config := &RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 1 * time.Second, // Long initial backoff
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         false,
	}

	start := time.Now()
	callCount := 0
	_ = WithRetry(ctx, config, func(ctx context.Context) error {
		callCount++
		if callCount < 2 {
			// Short RetryAfter should override long initial backoff
			return NewRetryableError("test", ErrRateLimit, 10*time.Millisecond)
		}
		return nil
	})

	elapsed := time.Since(start)
	// Should take roughly 10ms, not 1s
	if elapsed > 500*time.Millisecond {
		t.Errorf("WithRetry took %v, RetryAfter should have shortened the wait", elapsed)
	}
}

func TestWithRetry_MaxRetriesWrapped(t *testing.T) {
	config := &RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 2.0}

	err := WithRetry(context.Background(), config, func(ctx context.Context) error {
		return NewRetryableError("test", ErrRateLimit, 0)
	})

	var sdkErr *SDKError
	if !errors.As(err, &sdkErr) || sdkErr.Op != "retry" {
		t.Fatalf("WithRetry() error = %v, want retry SDKError", err)
	}
	if !errors.Is(err, ErrRateLimit) {
		t.Errorf("WithRetry() error should wrap ErrRateLimit: %v", err)
	}
}

func TestRetryConfig_BackOff(t *testing.T) {
	config := &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     3 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         false,
	}

	b := config.BackOff(context.Background())
	want := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("NextBackOff() #%d = %v, want %v", i, got, w)
		}
	}
	if got := b.NextBackOff(); got != backoff.Stop {
		t.Errorf("NextBackOff() after MaxRetries = %v, want Stop", got)
	}
}

func TestRetryConfig_BackOffCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := DefaultRetryConfig().BackOff(ctx)
	if got := b.NextBackOff(); got != backoff.Stop {
		t.Errorf("NextBackOff() with canceled ctx = %v, want Stop", got)
	}
}
