package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"metered-gateway/internal/provider"
)

// Config tunes the retry policy of an Executor.
type Config struct {
	MaxRetries     int
	Timeout        time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	TransientDelay time.Duration
}

// DefaultConfig returns the retry policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		Timeout:        30 * time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
		TransientDelay: time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.TransientDelay <= 0 {
		c.TransientDelay = def.TransientDelay
	}
	return c
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor runs provider calls under a deadline, a retry policy and the
// circuit breaker for the call's provider key.
type Executor struct {
	cfg      Config
	breakers *BreakerRegistry
	sleep    SleepFunc
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithSleep overrides how backoff delays are waited out.
func WithSleep(fn SleepFunc) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// NewExecutor builds an executor. A nil registry gets a fresh one with
// default thresholds.
func NewExecutor(cfg Config, breakers *BreakerRegistry, opts ...ExecutorOption) *Executor {
	if breakers == nil {
		breakers = NewBreakerRegistry(DefaultBreakerConfig())
	}
	e := &Executor{
		cfg:      cfg.withDefaults(),
		breakers: breakers,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breakers exposes the registry gating this executor.
func (e *Executor) Breakers() *BreakerRegistry {
	return e.breakers
}

// Execute invokes call until it succeeds or the policy gives up.
//
// Timeouts and rate limits consume the general retry budget (MaxRetries).
// Transient server failures get one extra attempt of their own. Anything
// else fails immediately. Each failure is reported to the breaker for key;
// calls rejected by an open breaker are not.
func Execute[T any](ctx context.Context, e *Executor, key string, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempt := 0
	transientRetried := false

	for n := 1; ; n++ {
		if err := e.breakers.Allow(key); err != nil {
			return zero, err
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		result, err := call(callCtx)
		deadlineHit := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			e.breakers.RecordSuccess(key)
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		perr := classify(key, err, deadlineHit)
		perr.Attempts = n
		e.breakers.RecordFailure(key)

		var delay time.Duration
		switch perr.Kind {
		case provider.KindTimeout:
			if attempt >= e.cfg.MaxRetries {
				return zero, exhausted(perr)
			}
			delay = e.backoff(attempt)
			attempt++
		case provider.KindRateLimited:
			if attempt >= e.cfg.MaxRetries {
				return zero, exhausted(perr)
			}
			delay = perr.RetryAfter
			if delay <= 0 {
				delay = e.backoff(attempt)
			}
			attempt++
		case provider.KindTransient:
			if transientRetried {
				return zero, exhausted(perr)
			}
			transientRetried = true
			delay = e.cfg.TransientDelay
		default:
			return zero, perr
		}

		slog.Warn("provider call failed, retrying",
			"provider", key,
			"kind", perr.Kind,
			"status", perr.Status,
			"attempt", n,
			"delay_ms", delay.Milliseconds(),
		)

		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	if d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return d
}

func classify(key string, err error, deadlineHit bool) *provider.Error {
	var perr *provider.Error
	if errors.As(err, &perr) {
		out := *perr
		if deadlineHit && (out.Kind == provider.KindTransient || out.Kind == provider.KindDecode) {
			out.Kind = provider.KindTimeout
		}
		return &out
	}
	if deadlineHit || errors.Is(err, context.DeadlineExceeded) {
		return &provider.Error{Provider: key, Kind: provider.KindTimeout, Message: "deadline exceeded", Err: err}
	}
	return &provider.Error{Provider: key, Kind: provider.KindTransient, Err: err}
}

func exhausted(perr *provider.Error) *provider.Error {
	out := *perr
	out.Retryable = true
	return &out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
