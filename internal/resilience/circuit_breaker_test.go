package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected to not allow request in Open state")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, 1*time.Second)

	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)

	if cb.GetState() != StateClosed {
		t.Error("Expected non-consecutive failures to keep the circuit Closed")
	}
}

func TestCircuitBreaker_HalfOpenProbeLimit(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 1*time.Second)
	clock := time.Now()
	cb.now = func() time.Time { return clock }

	cb.RecordResult(false)
	clock = clock.Add(2 * time.Second)

	allowed := 0
	for i := 0; i < 5; i++ {
		if cb.allowRequest() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("Expected 3 probes while HalfOpen, got %d", allowed)
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected HalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_CloseAfterSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)
	clock := time.Now()
	cb.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		cb.RecordResult(false)
	}
	clock = clock.Add(2 * time.Second)

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return nil }); err != nil {
			t.Fatalf("Expected probe %d to be allowed, got %v", i, err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state to be Closed after successful probes, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpenAfterFailureInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)
	clock := time.Now()
	cb.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		cb.RecordResult(false)
	}
	clock = clock.Add(2 * time.Second)

	err := cb.Call(func() error { return errors.New("still down") })
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected the probe to run and fail, got %v", err)
	}
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after failure in HalfOpen")
	}
}

func TestCircuitBreaker_CallOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 1*time.Second)
	cb.RecordResult(false)

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected fn not to run while the circuit is open")
	}
}

func TestCircuitBreaker_StateListener(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("retrieval", 1, time.Second).
		OnStateChange(func(name string, from, to CircuitState) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		})
	clock := time.Now()
	cb.now = func() time.Time { return clock }

	cb.RecordResult(false)
	clock = clock.Add(2 * time.Second)
	cb.allowRequest()

	want := []string{"retrieval:closed->open", "retrieval:open->half-open"}
	if len(transitions) != len(want) {
		t.Fatalf("Expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("Expected %s, got %s", want[i], transitions[i])
		}
	}
}
