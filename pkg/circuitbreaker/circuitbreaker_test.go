package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errMirror = errors.New("mirror unavailable")

func failingConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             30 * time.Millisecond,
		MaxRequestsHalfOpen: 2,
	}
}

// tripOpen drives the breaker into the open state.
func tripOpen(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < failingConfig().FailureThreshold; i++ {
		_ = cb.Execute(ctx, func() error { return errMirror })
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after %d failures, got %v", failingConfig().FailureThreshold, cb.GetState())
	}
}

func TestExecute_ClosedPassesThrough(t *testing.T) {
	cb := New(DefaultConfig())
	ctx := context.Background()

	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := cb.Execute(ctx, func() error { return errMirror })
	if !errors.Is(err, errMirror) {
		t.Fatalf("expected wrapped mirror error, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("one failure must not open the circuit, got %v", cb.GetState())
	}
}

func TestExecute_OpensAfterThreshold(t *testing.T) {
	cb := New(failingConfig())
	tripOpen(t, cb)

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected rejection while open")
	}
	if called {
		t.Fatal("fn must not run while the circuit is open")
	}
}

func TestExecute_HalfOpenRecovery(t *testing.T) {
	cfg := failingConfig()
	cb := New(cfg)
	tripOpen(t, cb)

	time.Sleep(cfg.Timeout + 10*time.Millisecond)

	ctx := context.Background()
	for i := 0; i < cfg.SuccessThreshold; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("half-open probe %d failed: %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after %d successes, got %v", cfg.SuccessThreshold, cb.GetState())
	}
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	cfg := failingConfig()
	cb := New(cfg)
	tripOpen(t, cb)

	time.Sleep(cfg.Timeout + 10*time.Millisecond)

	_ = cb.Execute(context.Background(), func() error { return errMirror })
	if cb.GetState() != StateOpen {
		t.Fatalf("expected reopen after half-open failure, got %v", cb.GetState())
	}
}

func TestOnStateChange(t *testing.T) {
	cb := New(failingConfig())

	var mu sync.Mutex
	var transitions []State
	cb.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	tripOpen(t, cb)

	// The callback runs on its own goroutine.
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(transitions)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[0] != StateOpen {
		t.Fatalf("expected first transition to open, got %v", transitions)
	}
}

func TestReset(t *testing.T) {
	cb := New(failingConfig())
	tripOpen(t, cb)

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after reset, got %v", cb.GetState())
	}
	if stats := cb.GetStats(); stats.FailureCount != 0 {
		t.Fatalf("expected failure count reset, got %d", stats.FailureCount)
	}
}

func TestGetStats(t *testing.T) {
	cb := New(DefaultConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return nil })

	stats := cb.GetStats()
	if stats.State != StateClosed {
		t.Fatalf("expected closed, got %v", stats.State)
	}
	if stats.SuccessCount != 2 {
		t.Fatalf("expected 2 successes, got %d", stats.SuccessCount)
	}
}

func TestConcurrentExecute(t *testing.T) {
	cb := New(DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = cb.Execute(ctx, func() error { return nil })
			}
		}()
	}
	wg.Wait()

	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after concurrent successes, got %v", cb.GetState())
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
