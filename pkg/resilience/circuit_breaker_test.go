package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeClock позволяет управлять временем circuit breaker без sleep
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func newTestBreaker(threshold int, reset time.Duration, ignored ...error) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("gateway", threshold, reset, zap.NewNop(), ignored...)
	cb.now = clock.now
	cb.lastStateChange = clock.current
	return cb, clock
}

func TestCircuitBreaker_States(t *testing.T) {
	cb, clock := newTestBreaker(3, time.Minute)
	ctx := context.Background()
	testErr := errors.New("gateway timeout")

	if state := cb.GetState(); state != CircuitClosed {
		t.Fatalf("Expected initial state to be CLOSED, got %v", state)
	}

	// Шаг 1: circuit breaker открывается после нескольких ошибок
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, "send_sms", func(ctx context.Context) error { return testErr }); !errors.Is(err, testErr) {
			t.Errorf("Expected test error, got: %v", err)
		}
	}
	if state := cb.GetState(); state != CircuitOpen {
		t.Fatalf("Expected circuit to be OPEN, got %v", state)
	}

	// Шаг 2: при открытом circuit breaker функция не выполняется
	called := false
	err := cb.Execute(ctx, "send_sms", func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("Operation was called when circuit is open")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got: %v", err)
	}

	// Шаг 3: после таймаута пробный запрос проходит и закрывает circuit breaker
	clock.current = clock.current.Add(time.Minute + time.Second)
	if err := cb.Execute(ctx, "send_sms", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("Expected success in half-open state, got: %v", err)
	}
	if state := cb.GetState(); state != CircuitClosed {
		t.Errorf("Expected circuit to be CLOSED after success, got %v", state)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	ctx := context.Background()
	testErr := errors.New("boom")

	_ = cb.Execute(ctx, "op", func(ctx context.Context) error { return testErr })
	if cb.GetState() != CircuitOpen {
		t.Fatalf("Expected OPEN after first failure")
	}

	clock.current = clock.current.Add(2 * time.Second)
	_ = cb.Execute(ctx, "op", func(ctx context.Context) error { return testErr })

	if cb.GetState() != CircuitOpen {
		t.Errorf("Expected failure in half-open state to reopen the circuit, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_IgnoredErrors(t *testing.T) {
	notFound := errors.New("not found")
	cb, _ := newTestBreaker(2, time.Minute, notFound)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, "lookup", func(ctx context.Context) error {
			return errors.Join(errors.New("wrapped"), notFound)
		})
	}

	if cb.GetState() != CircuitClosed {
		t.Errorf("Ignored errors must not open the circuit, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	ctx := context.Background()

	var transitions []CircuitState
	cb.OnStateChange(func(name string, state CircuitState) {
		if name != "gateway" {
			t.Errorf("Expected breaker name gateway, got %s", name)
		}
		transitions = append(transitions, state)
	})

	_ = cb.Execute(ctx, "op", func(ctx context.Context) error { return errors.New("fail") })
	clock.current = clock.current.Add(2 * time.Second)
	_ = cb.Execute(ctx, "op", func(ctx context.Context) error { return nil })

	expected := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(transitions) != len(expected) {
		t.Fatalf("Expected %d transitions, got %v", len(expected), transitions)
	}
	for i := range expected {
		if transitions[i] != expected[i] {
			t.Errorf("Transition %d: expected %v, got %v", i, expected[i], transitions[i])
		}
	}
}
