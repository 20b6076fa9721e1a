package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"metered-gateway/internal/provider"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestExecutor(cfg Config, breakerCfg BreakerConfig) (*Executor, *recordedSleeps) {
	sleeps := &recordedSleeps{}
	breakers := NewBreakerRegistry(breakerCfg)
	return NewExecutor(cfg, breakers, WithSleep(sleeps.sleep)), sleeps
}

func statusError(status int) error {
	return &provider.Error{Provider: "gemini", Kind: provider.ClassifyStatus(status), Status: status, Message: http.StatusText(status)}
}

func TestExecuteSuccess(t *testing.T) {
	exec, sleeps := newTestExecutor(DefaultConfig(), DefaultBreakerConfig())

	got, err := Execute(context.Background(), exec, "gemini", func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Execute = (%q, %v)", got, err)
	}
	if len(sleeps.delays) != 0 {
		t.Errorf("unexpected sleeps: %v", sleeps.delays)
	}
}

func TestExecuteRateLimitBackoff(t *testing.T) {
	exec, sleeps := newTestExecutor(Config{MaxRetries: 3, BackoffBase: time.Second, BackoffMax: 3 * time.Second}, BreakerConfig{FailureThreshold: 100})

	calls := 0
	_, err := Execute(context.Background(), exec, "gemini", func(context.Context) (int, error) {
		calls++
		return 0, statusError(http.StatusTooManyRequests)
	})

	if !errors.Is(err, provider.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if !provider.IsRetryable(err) {
		t.Errorf("exhausted rate limit should be tagged retryable")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 1 + 3 retries", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(sleeps.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", sleeps.delays, want)
	}
	for i := range want {
		if sleeps.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, sleeps.delays[i], want[i])
		}
	}
}

func TestExecuteHonoursRetryAfter(t *testing.T) {
	exec, sleeps := newTestExecutor(DefaultConfig(), DefaultBreakerConfig())

	calls := 0
	got, err := Execute(context.Background(), exec, "gemini", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &provider.Error{Provider: "gemini", Kind: provider.KindRateLimited, Status: 429, RetryAfter: 7 * time.Second}
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Execute = (%q, %v)", got, err)
	}
	if len(sleeps.delays) != 1 || sleeps.delays[0] != 7*time.Second {
		t.Errorf("delays = %v, want [7s]", sleeps.delays)
	}
}

func TestExecuteTransientRetriedOnce(t *testing.T) {
	exec, sleeps := newTestExecutor(Config{MaxRetries: 3, TransientDelay: 250 * time.Millisecond}, BreakerConfig{FailureThreshold: 100})

	calls := 0
	_, err := Execute(context.Background(), exec, "gemini", func(context.Context) (int, error) {
		calls++
		return 0, statusError(http.StatusInternalServerError)
	})

	if !errors.Is(err, provider.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !provider.IsRetryable(err) {
		t.Errorf("exhausted transient error should be retryable")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want exactly one retry", calls)
	}
	if len(sleeps.delays) != 1 || sleeps.delays[0] != 250*time.Millisecond {
		t.Errorf("delays = %v, want [250ms]", sleeps.delays)
	}
}

func TestExecutePermanentNotRetried(t *testing.T) {
	exec, sleeps := newTestExecutor(DefaultConfig(), DefaultBreakerConfig())

	calls := 0
	_, err := Execute(context.Background(), exec, "gemini", func(context.Context) (int, error) {
		calls++
		return 0, statusError(http.StatusBadRequest)
	})

	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Kind != provider.KindPermanent {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if perr.Retryable {
		t.Errorf("permanent error must not be tagged retryable")
	}
	if perr.Message != "Bad Request" {
		t.Errorf("provider message lost: %q", perr.Message)
	}
	if calls != 1 || len(sleeps.delays) != 0 {
		t.Errorf("calls = %d, sleeps = %v", calls, sleeps.delays)
	}
}

func TestExecuteDeadlineExceeded(t *testing.T) {
	exec, _ := newTestExecutor(Config{MaxRetries: 1, Timeout: 20 * time.Millisecond}, BreakerConfig{FailureThreshold: 100})

	calls := 0
	_, err := Execute(context.Background(), exec, "gemini", func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})

	if !errors.Is(err, provider.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if snap := exec.Breakers().Snapshot("gemini"); snap.ConsecutiveFailures != 2 {
		t.Errorf("timeouts should count as breaker failures, got %d", snap.ConsecutiveFailures)
	}
}

func TestExecuteTimeoutsOpenBreaker(t *testing.T) {
	exec, _ := newTestExecutor(Config{MaxRetries: 2, Timeout: 10 * time.Millisecond}, BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute, FailureWindow: time.Minute})

	calls := 0
	hang := func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	}

	if _, err := Execute(context.Background(), exec, "gemini", hang); !errors.Is(err, provider.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	snap := exec.Breakers().Snapshot("gemini")
	if snap.State != StateOpen || snap.ConsecutiveFailures != 3 {
		t.Fatalf("breaker = %+v, want open after 3 timeouts", snap)
	}

	if _, err := Execute(context.Background(), exec, "gemini", hang); !errors.Is(err, provider.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if calls != 3 {
		t.Errorf("open breaker let a call through: calls = %d", calls)
	}
}

func TestExecuteStopsWhenBreakerOpens(t *testing.T) {
	exec, _ := newTestExecutor(Config{MaxRetries: 5}, BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute, FailureWindow: time.Minute})

	calls := 0
	_, err := Execute(context.Background(), exec, "gemini", func(context.Context) (int, error) {
		calls++
		return 0, statusError(http.StatusTooManyRequests)
	})

	if !errors.Is(err, provider.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 before the breaker opened", calls)
	}
	if snap := exec.Breakers().Snapshot("gemini"); snap.ConsecutiveFailures != 2 {
		t.Errorf("open-circuit rejection counted as failure: %d", snap.ConsecutiveFailures)
	}
}

func TestExecuteParentCancellationNotCounted(t *testing.T) {
	exec, _ := newTestExecutor(DefaultConfig(), DefaultBreakerConfig())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := Execute(ctx, exec, "gemini", func(context.Context) (int, error) {
		cancel()
		return 0, errors.New("connection reset")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if snap := exec.Breakers().Snapshot("gemini"); snap.ConsecutiveFailures != 0 {
		t.Errorf("cancellation counted as provider failure")
	}
}

func TestExecuteUnknownErrorIsTransient(t *testing.T) {
	exec, _ := newTestExecutor(DefaultConfig(), DefaultBreakerConfig())

	calls := 0
	_, err := Execute(context.Background(), exec, "gemini", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("dial tcp: connection refused")
	})
	if !errors.Is(err, provider.ErrTransient) {
		t.Fatalf("expected transient classification, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestBackoffCapped(t *testing.T) {
	exec := NewExecutor(Config{BackoffBase: time.Second, BackoffMax: 5 * time.Second}, nil)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempt, w := range want {
		if got := exec.backoff(attempt); got != w {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}
