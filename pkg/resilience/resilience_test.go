package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base, max := 5*time.Minute, 6*time.Hour
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{5, 80 * time.Minute},
		{7, 320 * time.Minute},
		{8, 6 * time.Hour},
		{60, 6 * time.Hour},
	}
	prev := time.Duration(0)
	for _, tt := range tests {
		got := Backoff(tt.attempt, base, max)
		if got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
		if got < prev {
			t.Errorf("Backoff not monotonic at attempt %d", tt.attempt)
		}
		prev = got
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("Retry = %v after %d calls", err, calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), "op", RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 2 {
		t.Fatalf("Retry = %v after %d calls", err, calls)
	}
}

func TestRetryPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return Permanent(errors.New("404"))
	})
	if !IsPermanent(err) || calls != 1 {
		t.Fatalf("Retry = %v after %d calls", err, calls)
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := WithTimeout(context.Background(), time.Second, "fast", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("fast call failed: %v", err)
	}
}

func TestCircuitBreakerTransitions(t *testing.T) {
	now := time.Unix(0, 0)
	var transitions []State
	cb := NewCircuitBreaker("npm", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange:    func(_ string, to State) { transitions = append(transitions, to) },
		Now:              func() time.Time { return now },
	})
	fail := func() error { return errors.New("down") }

	cb.Execute(fail)
	cb.Execute(fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(time.Minute)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.GetState())
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestCircuitBreakerIgnoresPermanentErrors(t *testing.T) {
	cb := NewCircuitBreaker("gh", CircuitBreakerConfig{FailureThreshold: 1})
	err := cb.Execute(func() error { return Permanent(errors.New("not found")) })
	if err == nil {
		t.Fatal("permanent error should still be returned")
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("permanent errors must not trip the breaker, state = %s", cb.GetState())
	}
}
