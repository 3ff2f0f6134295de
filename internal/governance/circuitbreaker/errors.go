package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/routegate/internal/gateway"
)

var (
	// ErrOpenState is returned when the breaker is open
	ErrOpenState = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when half-open probes are exhausted
	ErrTooManyRequests = errors.New("too many requests in half-open state")
	// ErrTimeout is returned by the time limiter when the deadline passes
	ErrTimeout = errors.New("time limiter deadline exceeded")
	// ErrInvalidConfig is returned for out of range settings
	ErrInvalidConfig = errors.New("invalid circuit breaker config")
	// ErrNotFound is returned when no breaker exists for a name
	ErrNotFound = errors.New("circuit breaker not found")
)

// RejectedError reports a call that was short-circuited before reaching the backend.
type RejectedError struct {
	Name  string
	State State
	Err   error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("circuit breaker %q rejected call (%s): %v", e.Name, e.State, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a call that exceeded its time limiter deadline.
// It matches both ErrTimeout and gateway.ErrUpstreamTimeout.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to %q timed out after %s", e.Name, e.Timeout)
}

func (e *TimeoutError) Unwrap() []error {
	return []error{ErrTimeout, gateway.ErrUpstreamTimeout}
}
