package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for classified provider failures. A *Error unwraps to
// exactly one of these.
var (
	ErrNotConfigured = errors.New("provider not configured")
	ErrRateLimited   = errors.New("provider rate limited")
	ErrTransient     = errors.New("provider temporarily failing")
	ErrTimeout       = errors.New("provider call timed out")
	ErrPermanent     = errors.New("provider rejected request")
	ErrCircuitOpen   = errors.New("service temporarily unavailable")
	ErrDecode        = errors.New("provider response could not be decoded")
)

// Kind classifies a provider failure for retry and reporting decisions.
type Kind string

const (
	KindConfig      Kind = "config"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindTimeout     Kind = "timeout"
	KindPermanent   Kind = "permanent"
	KindCircuitOpen Kind = "circuit_open"
	KindDecode      Kind = "decode"
)

// Error is a classified failure from an upstream AI provider.
type Error struct {
	Provider   string
	Kind       Kind
	Status     int
	Message    string
	RetryAfter time.Duration
	// Retryable is set when the caller may reasonably try the operation
	// again later, e.g. after retries were exhausted on a rate limit.
	Retryable bool
	Attempts  int
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindConfig:
		return ErrNotConfigured
	case KindRateLimited:
		return ErrRateLimited
	case KindTransient:
		return ErrTransient
	case KindTimeout:
		return ErrTimeout
	case KindPermanent:
		return ErrPermanent
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindDecode:
		return ErrDecode
	default:
		return nil
	}
}

// KindOf returns the classification of err, or "" if it is not a provider error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRetryable reports whether err is a provider error the caller may retry.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// ClassifyStatus maps a non-success HTTP status to an error kind. Only 408
// is a timeout; a 504 came from an upstream proxy, not our deadline, and is
// treated like any other 5xx.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// ParseRetryAfter interprets a Retry-After header given either as delta
// seconds or as an HTTP date. It returns 0 when the header is absent or
// unusable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
