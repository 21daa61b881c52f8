package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("feed-a", CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		Now:              func() time.Time { return now },
	})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(time.Minute)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected trial to pass, got %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second trial should be rejected, got %v", err)
	}
	cb.Record(nil)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
}

func TestCircuitBreakerFailedTrialReopens(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker("feed-b", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		Now:              func() time.Time { return now },
	})

	cb.Record(errors.New("down"))
	now = now.Add(2 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("trial rejected: %v", err)
	}
	cb.Record(errors.New("still down"))
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after failed trial, got %s", cb.GetState())
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	b := Backoff{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.Delay(i+1, 1); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
	if got := b.Delay(1, 3); got != 3*time.Second {
		t.Fatalf("factor not applied: %v", got)
	}
}

func TestWithTimeoutAbandonsHungCall(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	err := WithTimeout(context.Background(), 20*time.Millisecond, "hung", func(context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
