package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrRateLimited       = errors.New("rate limited")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrNoHealthyProvider = errors.New("no healthy provider")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrUpstream          = errors.New("upstream error")
	ErrInternal          = errors.New("internal error")
)

// ProviderErrorKind classifies a provider call failure. Only Timeout,
// Transient and RateLimited are retryable.
type ProviderErrorKind string

const (
	ProviderTimeout     ProviderErrorKind = "timeout"
	ProviderTransient   ProviderErrorKind = "transient"
	ProviderRateLimited ProviderErrorKind = "rate_limited"
	ProviderAuth        ProviderErrorKind = "auth"
	ProviderBadRequest  ProviderErrorKind = "bad_request"
	ProviderServer      ProviderErrorKind = "server"
	ProviderUnknown     ProviderErrorKind = "unknown"
)

// ProviderError wraps a provider call failure with its classification.
type ProviderError struct {
	Provider   string
	Kind       ProviderErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may retry the call.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ProviderTimeout, ProviderTransient, ProviderRateLimited:
		return true
	default:
		return false
	}
}

// CountsForBreaker reports whether the failure should penalize the
// circuit breaker. Client-side errors must not poison the circuit.
func (e *ProviderError) CountsForBreaker() bool {
	switch e.Kind {
	case ProviderBadRequest, ProviderAuth:
		return false
	default:
		return true
	}
}

// AsProviderError unwraps err into a *ProviderError if present.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
