package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }

	fail := func(_ context.Context) error { return NewTransientError(errors.New("503"), 503) }
	_ = cb.Execute(context.Background(), fail)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after 1 failure, got %s", cb.State())
	}
	_ = cb.Execute(context.Background(), fail)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 2 failures, got %s", cb.State())
	}

	var called bool
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("fn should not run while open")
	}
	if !errors.Is(err, ErrCircuitOpen) || !IsTransient(err) {
		t.Errorf("expected transient ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1})
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return NewPermanentError(errors.New("404"), 404)
		})
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return NewTransientError(errors.New("x"), 500)
	})
	now = now.Add(2 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", cb.State())
	}
	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestHostBreakers_PerHost(t *testing.T) {
	hb := NewHostBreakers(BreakerConfig{FailureThreshold: 1})
	a := hb.Get("a.example.com")
	if hb.Get("a.example.com") != a {
		t.Error("expected same breaker for same host")
	}
	_ = a.Execute(context.Background(), func(_ context.Context) error {
		return NewTransientError(errors.New("x"), 503)
	})
	states := hb.States()
	if states["a.example.com"] != "open" {
		t.Errorf("expected a open, got %s", states["a.example.com"])
	}
	if hb.Get("b.example.com").State() != CircuitClosed {
		t.Error("expected b closed")
	}
}
