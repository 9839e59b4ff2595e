package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func fastOptions(maxRetries int) RetryOptions {
	return RetryOptions{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestRetryMechanism_BasicRetry(t *testing.T) {
	options := fastOptions(3)

	callCount := 0
	err := WithRetry(context.Background(), zap.NewNop(), "test_operation", options, func(ctx context.Context) error {
		callCount++
		if callCount <= options.MaxRetries {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success after retries, got error: %v", err)
	}
	if callCount != options.MaxRetries+1 {
		t.Errorf("Expected %d calls, got %d", options.MaxRetries+1, callCount)
	}
}

func TestRetryMechanism_MaxRetriesExceeded(t *testing.T) {
	testErr := errors.New("still failing")

	callCount := 0
	err := WithRetry(context.Background(), zap.NewNop(), "test_operation", fastOptions(2), func(ctx context.Context) error {
		callCount++
		return testErr
	})

	if !errors.Is(err, testErr) {
		t.Errorf("Expected last error to be returned, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestRetryMechanism_PermanentErrorStopsImmediately(t *testing.T) {
	permanent := errors.New("validation")
	options := fastOptions(5)
	options.PermanentErrors = []error{permanent}

	callCount := 0
	err := WithRetry(context.Background(), zap.NewNop(), "test_operation", options, func(ctx context.Context) error {
		callCount++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Errorf("Expected permanent error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected a single call, got %d", callCount)
	}
}

func TestRetryMechanism_OnlyRetryableErrors(t *testing.T) {
	retryable := errors.New("timeout")
	other := errors.New("other")
	options := fastOptions(3)
	options.RetryableErrors = []error{retryable}

	callCount := 0
	err := WithRetry(context.Background(), zap.NewNop(), "test_operation", options, func(ctx context.Context) error {
		callCount++
		if callCount == 1 {
			return retryable
		}
		return other
	})

	if !errors.Is(err, other) {
		t.Errorf("Expected non-retryable error, got %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
}

func TestRetryMechanism_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	options := RetryOptions{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffFactor: 1}

	err := WithRetry(ctx, zap.NewNop(), "test_operation", options, func(ctx context.Context) error {
		cancel()
		return errors.New("fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestBackoffIsCappedAndGrows(t *testing.T) {
	options := RetryOptions{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, BackoffFactor: 2}

	if got := Backoff(0, options); got != time.Second {
		t.Errorf("Expected 1s for first attempt, got %v", got)
	}
	if got := Backoff(2, options); got != 4*time.Second {
		t.Errorf("Expected 4s for third attempt, got %v", got)
	}
	if got := Backoff(10, options); got != 10*time.Second {
		t.Errorf("Expected backoff to be capped at 10s, got %v", got)
	}
}
