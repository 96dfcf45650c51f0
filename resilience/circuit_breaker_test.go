package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apexrun/agentruntime/apexerr"
)

func transientErr() error {
	return apexerr.New("test", apexerr.KindTransientIO, errors.New("boom"))
}

func TestExecuteStaysClosedOnSuccess(t *testing.T) {
	cb := New("t", Config{Enabled: true, Threshold: 3, Timeout: time.Minute, HalfOpenRequests: 1}, nil)
	for i := 0; i < 10; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestExecuteTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New("t", Config{Enabled: true, Threshold: 3, Timeout: time.Minute, HalfOpenRequests: 1}, nil)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return transientErr() })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after %d consecutive failures, got %s", 3, cb.State())
	}

	err := cb.Execute(context.Background(), func() error {
		t.Fatal("fn must not run while circuit is open")
		return nil
	})
	if !errors.Is(err, apexerr.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestNonBreakerFailuresDoNotTripTheCircuit(t *testing.T) {
	cb := New("t", Config{Enabled: true, Threshold: 2, Timeout: time.Minute, HalfOpenRequests: 1}, nil)
	configErr := apexerr.New("test", apexerr.KindConfiguration, errors.New("bad key"))
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return configErr })
	}
	if cb.State() != StateClosed {
		t.Fatalf("configuration errors must not trip the breaker, got %s", cb.State())
	}
}

func TestHalfOpenClosesAfterSuccessfulTrials(t *testing.T) {
	cb := New("t", Config{Enabled: true, Threshold: 1, Timeout: time.Millisecond, HalfOpenRequests: 2}, nil)
	_ = cb.Execute(context.Background(), func() error { return transientErr() })
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	time.Sleep(5 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("half-open trial %d unexpectedly rejected: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful half-open trials, got %s", cb.State())
	}
}

func TestHalfOpenReopensOnTrialFailure(t *testing.T) {
	cb := New("t", Config{Enabled: true, Threshold: 1, Timeout: time.Millisecond, HalfOpenRequests: 2}, nil)
	_ = cb.Execute(context.Background(), func() error { return transientErr() })
	time.Sleep(5 * time.Millisecond)

	err := cb.Execute(context.Background(), func() error { return transientErr() })
	if err == nil {
		t.Fatal("expected the trial failure to propagate")
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected reopen after a failed half-open trial, got %s", cb.State())
	}
}

func TestDisabledBreakerAlwaysCallsFn(t *testing.T) {
	cb := New("t", Config{Enabled: false, Threshold: 1, Timeout: time.Hour, HalfOpenRequests: 1}, nil)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return transientErr() })
	}
	called := false
	_ = cb.Execute(context.Background(), func() error { called = true; return nil })
	if !called {
		t.Fatal("disabled breaker must always invoke fn")
	}
}

func TestResetClearsState(t *testing.T) {
	cb := New("t", Config{Enabled: true, Threshold: 1, Timeout: time.Hour, HalfOpenRequests: 1}, nil)
	_ = cb.Execute(context.Background(), func() error { return transientErr() })
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %s", cb.State())
	}
}
