package resilience

import (
	"sync"
	"time"

	"metered-gateway/internal/provider"
)

// State is the position of a circuit breaker in its state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerConfig holds the thresholds shared by every breaker in a registry.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	FailureWindow    time.Duration
}

// DefaultBreakerConfig returns the thresholds used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		FailureWindow:    60 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = def.FailureWindow
	}
	return c
}

// BreakerSnapshot is a point-in-time copy of one breaker's state.
type BreakerSnapshot struct {
	Key                 string    `json:"key"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	FirstFailureAt      time.Time `json:"first_failure_at,omitempty"`
}

type breakerState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	firstFailureAt      time.Time
}

// BreakerRegistry tracks one circuit breaker per provider key. The state is
// process-local and starts closed; it is a fast-fail heuristic, not a
// distributed guarantee. All keys share a single mutex.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	now      func() time.Time
	breakers map[string]*breakerState
}

// BreakerOption customises a BreakerRegistry.
type BreakerOption func(*BreakerRegistry)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(r *BreakerRegistry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewBreakerRegistry constructs an empty registry.
func NewBreakerRegistry(cfg BreakerConfig, opts ...BreakerOption) *BreakerRegistry {
	r := &BreakerRegistry{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*breakerState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *BreakerRegistry) get(key string) *breakerState {
	b, ok := r.breakers[key]
	if !ok {
		b = &breakerState{state: StateClosed}
		r.breakers[key] = b
	}
	return b
}

// Allow reports whether a call for key may proceed. An open breaker whose
// cooldown has elapsed moves to half-open here; there is no background timer.
// A rejected call is not recorded as a failure.
func (r *BreakerRegistry) Allow(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(key)
	if b.state != StateOpen {
		return nil
	}
	if r.now().Sub(b.openedAt) >= r.cfg.ResetTimeout {
		b.state = StateHalfOpen
		return nil
	}
	return &provider.Error{
		Provider:  key,
		Kind:      provider.KindCircuitOpen,
		Message:   "circuit open",
		Retryable: true,
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (r *BreakerRegistry) RecordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(key)
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.firstFailureAt = time.Time{}
}

// RecordFailure counts a failed call. A failure in half-open reopens the
// breaker with a fresh openedAt; a failure outside the current window starts
// a new window.
func (r *BreakerRegistry) RecordFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b := r.get(key)

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		return
	}

	if b.consecutiveFailures == 0 || now.Sub(b.firstFailureAt) > r.cfg.FailureWindow {
		b.consecutiveFailures = 1
		b.firstFailureAt = now
	} else {
		b.consecutiveFailures++
	}

	if b.state == StateClosed && b.consecutiveFailures >= r.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// Snapshot returns the current state for key without changing it.
func (r *BreakerRegistry) Snapshot(key string) BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		return BreakerSnapshot{Key: key, State: StateClosed}
	}
	return BreakerSnapshot{
		Key:                 key,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		FirstFailureAt:      b.firstFailureAt,
	}
}

// Reset drops all breaker state, returning every key to closed.
func (r *BreakerRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*breakerState)
}
