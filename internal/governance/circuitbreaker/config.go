package circuitbreaker

import (
	"fmt"
	"time"
)

// Config represents circuit breaker configuration for one backend
type Config struct {
	// SlidingWindowSize is the number of most recent calls the failure rate is computed over
	SlidingWindowSize int `yaml:"sliding_window_size" json:"sliding_window_size"`

	// MinimumCalls is the number of calls required before the failure rate is evaluated
	MinimumCalls int `yaml:"minimum_calls" json:"minimum_calls"`

	// FailureRateThreshold is the failure percentage (0-100) that opens the breaker
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" json:"failure_rate_threshold"`

	// SlowCallRateThreshold is the slow call percentage (0-100) that opens the breaker
	SlowCallRateThreshold float64 `yaml:"slow_call_rate_threshold" json:"slow_call_rate_threshold"`

	// SlowCallDurationThreshold marks calls at or above it as slow
	SlowCallDurationThreshold time.Duration `yaml:"slow_call_duration_threshold" json:"slow_call_duration_threshold"`

	// WaitDurationInOpenState is how long the breaker stays open before probing
	WaitDurationInOpenState time.Duration `yaml:"wait_duration_in_open_state" json:"wait_duration_in_open_state"`

	// PermittedCallsInHalfOpen is the number of probe calls admitted in half-open state
	PermittedCallsInHalfOpen int `yaml:"permitted_calls_in_half_open" json:"permitted_calls_in_half_open"`
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		SlidingWindowSize:         100,
		MinimumCalls:              100,
		FailureRateThreshold:      50,
		SlowCallRateThreshold:     100,
		SlowCallDurationThreshold: 60 * time.Second,
		WaitDurationInOpenState:   60 * time.Second,
		PermittedCallsInHalfOpen:  10,
	}
}

// WithDefaults fills zero fields from defaults.
func (c Config) WithDefaults(defaults Config) Config {
	if c.SlidingWindowSize == 0 {
		c.SlidingWindowSize = defaults.SlidingWindowSize
	}
	if c.MinimumCalls == 0 {
		c.MinimumCalls = defaults.MinimumCalls
	}
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = defaults.FailureRateThreshold
	}
	if c.SlowCallRateThreshold == 0 {
		c.SlowCallRateThreshold = defaults.SlowCallRateThreshold
	}
	if c.SlowCallDurationThreshold == 0 {
		c.SlowCallDurationThreshold = defaults.SlowCallDurationThreshold
	}
	if c.WaitDurationInOpenState == 0 {
		c.WaitDurationInOpenState = defaults.WaitDurationInOpenState
	}
	if c.PermittedCallsInHalfOpen == 0 {
		c.PermittedCallsInHalfOpen = defaults.PermittedCallsInHalfOpen
	}
	return c
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	switch {
	case c.SlidingWindowSize < 1:
		return fmt.Errorf("%w: sliding_window_size must be >= 1", ErrInvalidConfig)
	case c.MinimumCalls < 1:
		return fmt.Errorf("%w: minimum_calls must be >= 1", ErrInvalidConfig)
	case c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100:
		return fmt.Errorf("%w: failure_rate_threshold must be in (0, 100]", ErrInvalidConfig)
	case c.SlowCallRateThreshold <= 0 || c.SlowCallRateThreshold > 100:
		return fmt.Errorf("%w: slow_call_rate_threshold must be in (0, 100]", ErrInvalidConfig)
	case c.SlowCallDurationThreshold < 0:
		return fmt.Errorf("%w: slow_call_duration_threshold must be >= 0", ErrInvalidConfig)
	case c.WaitDurationInOpenState < 0:
		return fmt.Errorf("%w: wait_duration_in_open_state must be >= 0", ErrInvalidConfig)
	case c.PermittedCallsInHalfOpen < 1:
		return fmt.Errorf("%w: permitted_calls_in_half_open must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// minimumCalls caps MinimumCalls at the window size, otherwise the rate
// could never be evaluated.
func (c Config) minimumCalls() int {
	if c.MinimumCalls > c.SlidingWindowSize {
		return c.SlidingWindowSize
	}
	return c.MinimumCalls
}

// TimeLimiterConfig holds the per-call deadline of one backend
type TimeLimiterConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}
