package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"testing"
	"time"

	"github.com/navcache/navcache/pkg/errors"
)

func fastConfig() Config {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeStorageBackend, "backend unavailable")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeInvalidConfig, "bad config")
	})

	if !errors.HasCode(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("Expected INVALID_CONFIG, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_Exhausted(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeStorageBackend, "still down")
	})

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if errors.CodeOf(err) != errors.ErrCodeRetryExhausted {
		t.Errorf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if !errors.HasCode(err, errors.ErrCodeStorageBackend) {
		t.Error("Exhausted error should wrap the last failure")
	}
}

func TestRetryer_IsRetryablePredicate(t *testing.T) {
	throttled := fmt.Errorf("SlowDown: please reduce your request rate")

	config := fastConfig()
	config.IsRetryable = func(err error) bool { return stderr.Is(err, throttled) }
	retryer := New(config)

	attempts := 0
	_ = retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return throttled
	})

	if attempts != 3 {
		t.Errorf("Expected predicate to allow retries, got %d attempts", attempts)
	}
}

func TestRetryer_ContextCanceled(t *testing.T) {
	config := fastConfig()
	config.InitialDelay = time.Second
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := retryer.Do(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errors.NewError(errors.ErrCodeStorageBackend, "down")
	})

	if errors.CodeOf(err) != errors.ErrCodeOperationCanceled {
		t.Errorf("Expected OPERATION_CANCELED, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	var delays []time.Duration
	retryer := New(fastConfig()).WithOnRetry(func(_ int, _ error, d time.Duration) {
		delays = append(delays, d)
	})

	_ = retryer.Do(context.Background(), func(context.Context) error {
		return errors.NewError(errors.ErrCodeStorageBackend, "down")
	})

	if len(delays) != 2 {
		t.Fatalf("Expected 2 retry callbacks, got %d", len(delays))
	}
	if delays[1] != 2*delays[0] {
		t.Errorf("Expected exponential backoff, got %v", delays)
	}
}

func TestCalculateDelayCapped(t *testing.T) {
	config := fastConfig()
	config.MaxDelay = 5 * time.Millisecond
	r := New(config)

	if d := r.calculateDelay(10); d != 5*time.Millisecond {
		t.Errorf("Expected capped delay, got %v", d)
	}
}
