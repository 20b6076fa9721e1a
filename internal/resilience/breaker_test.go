package resilience

import (
	"errors"
	"testing"
	"time"

	"metered-gateway/internal/provider"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreakers(cfg BreakerConfig) (*BreakerRegistry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewBreakerRegistry(cfg, WithClock(clock.Now)), clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	r, _ := newTestBreakers(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute, FailureWindow: time.Minute})

	for i := 0; i < 2; i++ {
		r.RecordFailure("gemini")
		if err := r.Allow("gemini"); err != nil {
			t.Fatalf("breaker opened early after %d failures", i+1)
		}
	}
	r.RecordFailure("gemini")

	err := r.Allow("gemini")
	if !errors.Is(err, provider.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if !provider.IsRetryable(err) {
		t.Errorf("open-circuit error should be retryable")
	}
	if snap := r.Snapshot("gemini"); snap.State != StateOpen || snap.ConsecutiveFailures != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestBreakerRejectedCallsDoNotCount(t *testing.T) {
	r, _ := newTestBreakers(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute, FailureWindow: time.Minute})
	r.RecordFailure("gemini")

	for i := 0; i < 5; i++ {
		_ = r.Allow("gemini")
	}
	if snap := r.Snapshot("gemini"); snap.ConsecutiveFailures != 1 {
		t.Errorf("rejected calls counted as failures: %d", snap.ConsecutiveFailures)
	}
}

func TestBreakerFailureOutsideWindowStartsOver(t *testing.T) {
	r, clock := newTestBreakers(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute, FailureWindow: 10 * time.Second})

	r.RecordFailure("gemini")
	r.RecordFailure("gemini")
	clock.Advance(11 * time.Second)
	r.RecordFailure("gemini")

	snap := r.Snapshot("gemini")
	if snap.State != StateClosed || snap.ConsecutiveFailures != 1 {
		t.Fatalf("expected fresh window with count 1, got %+v", snap)
	}
}

func TestBreakerHalfOpenTransitions(t *testing.T) {
	r, clock := newTestBreakers(BreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second, FailureWindow: time.Minute})

	r.RecordFailure("gemini")
	clock.Advance(29 * time.Second)
	if err := r.Allow("gemini"); err == nil {
		t.Fatalf("breaker allowed a call before cooldown")
	}

	clock.Advance(time.Second)
	if err := r.Allow("gemini"); err != nil {
		t.Fatalf("expected half-open after cooldown, got %v", err)
	}
	if snap := r.Snapshot("gemini"); snap.State != StateHalfOpen {
		t.Fatalf("state = %q, want half-open", snap.State)
	}

	// A failed trial reopens with a fresh cooldown.
	r.RecordFailure("gemini")
	reopenedAt := clock.now
	if snap := r.Snapshot("gemini"); snap.State != StateOpen || !snap.OpenedAt.Equal(reopenedAt) {
		t.Fatalf("expected reopen at %v, got %+v", reopenedAt, snap)
	}
	clock.Advance(29 * time.Second)
	if err := r.Allow("gemini"); err == nil {
		t.Fatalf("reopened breaker should still be cooling down")
	}

	// A successful trial closes and clears the count.
	clock.Advance(time.Second)
	if err := r.Allow("gemini"); err != nil {
		t.Fatalf("expected half-open, got %v", err)
	}
	r.RecordSuccess("gemini")
	if snap := r.Snapshot("gemini"); snap.State != StateClosed || snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected closed with zero failures, got %+v", snap)
	}
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	r, _ := newTestBreakers(BreakerConfig{FailureThreshold: 1})
	r.RecordFailure("a")

	if err := r.Allow("a"); err == nil {
		t.Errorf("breaker a should be open")
	}
	if err := r.Allow("b"); err != nil {
		t.Errorf("breaker b should be closed, got %v", err)
	}
}

func TestBreakerReset(t *testing.T) {
	r, _ := newTestBreakers(BreakerConfig{FailureThreshold: 1})
	r.RecordFailure("a")
	r.Reset()
	if err := r.Allow("a"); err != nil {
		t.Errorf("expected closed breaker after reset, got %v", err)
	}
}
