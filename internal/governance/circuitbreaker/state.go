package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through and outcomes are recorded
	StateClosed State = iota
	// StateOpen - calls fail fast until the wait duration elapses
	StateOpen
	// StateHalfOpen - a limited number of probe calls test recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateListener is called after every state transition.
type StateListener func(name string, from, to State)

// Metrics is a point-in-time view of one breaker
type Metrics struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	BufferedCalls     int       `json:"buffered_calls"`
	FailedCalls       int       `json:"failed_calls"`
	SlowCalls         int       `json:"slow_calls"`
	FailureRate       float64   `json:"failure_rate"`
	SlowCallRate      float64   `json:"slow_call_rate"`
	NotPermittedCalls int64     `json:"not_permitted_calls"`
	StateChangedAt    time.Time `json:"state_changed_at"`
	Config            Config    `json:"config"`
}

// CircuitBreaker is a count-based sliding window breaker.
//
// Every state transition starts a new generation; outcomes reported for an
// older generation are dropped so late calls cannot corrupt the new window.
type CircuitBreaker struct {
	name string

	mu                sync.Mutex
	config            Config
	state             State
	generation        uint64
	window            *window
	openedAt          time.Time
	changedAt         time.Time
	halfOpenAdmitted  int
	halfOpenSucceeded int
	notPermitted      int64
	listeners         []StateListener

	now func() time.Time
}

// New creates a new circuit breaker in the CLOSED state
func New(name string, config Config) *CircuitBreaker {
	now := time.Now()
	return &CircuitBreaker{
		name:      name,
		config:    config,
		state:     StateClosed,
		window:    newWindow(config.SlidingWindowSize),
		changedAt: now,
		now:       time.Now,
	}
}

// Name returns the backend name the breaker protects
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the active configuration
func (cb *CircuitBreaker) Config() Config {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.config
}

// OnStateChange registers a listener for state transitions
func (cb *CircuitBreaker) OnStateChange(listener StateListener) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// State returns the current state. An OPEN breaker whose wait has elapsed
// still reports OPEN until the next call arrives.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow asks permission for one call. The returned generation must be passed
// to Record once the call finishes.
func (cb *CircuitBreaker) Allow() (uint64, error) {
	cb.mu.Lock()

	var changed *transition
	if cb.state == StateOpen {
		now := cb.now()
		if now.Sub(cb.openedAt) < cb.config.WaitDurationInOpenState {
			cb.notPermitted++
			cb.mu.Unlock()
			return 0, ErrOpenState
		}
		changed = cb.setState(StateHalfOpen, now)
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenAdmitted >= cb.config.PermittedCallsInHalfOpen {
			cb.notPermitted++
			cb.mu.Unlock()
			cb.notify(changed)
			return 0, ErrTooManyRequests
		}
		cb.halfOpenAdmitted++
	}

	generation := cb.generation
	cb.mu.Unlock()
	cb.notify(changed)
	return generation, nil
}

// Record reports the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(generation uint64, failed bool, elapsed time.Duration) {
	cb.mu.Lock()

	if generation != cb.generation {
		cb.mu.Unlock()
		return
	}

	slow := cb.config.SlowCallDurationThreshold > 0 && elapsed >= cb.config.SlowCallDurationThreshold

	var changed *transition
	switch cb.state {
	case StateClosed:
		cb.window.add(failed, slow)
		if cb.window.count >= cb.config.minimumCalls() {
			failureRate, slowRate := cb.window.rates()
			if failureRate >= cb.config.FailureRateThreshold || slowRate >= cb.config.SlowCallRateThreshold {
				changed = cb.setState(StateOpen, cb.now())
			}
		}
	case StateHalfOpen:
		if failed {
			changed = cb.setState(StateOpen, cb.now())
			break
		}
		cb.halfOpenSucceeded++
		if cb.halfOpenSucceeded >= cb.config.PermittedCallsInHalfOpen {
			changed = cb.setState(StateClosed, cb.now())
		}
	}

	cb.mu.Unlock()
	cb.notify(changed)
}

// Release gives back the permit of a call admitted by Allow without recording
// an outcome. Used when the caller went away before the backend answered.
func (cb *CircuitBreaker) Release(generation uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation != cb.generation || cb.state != StateHalfOpen {
		return
	}
	if cb.halfOpenAdmitted > cb.halfOpenSucceeded {
		cb.halfOpenAdmitted--
	}
}

// Execute runs fn if the breaker admits it and records the result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	generation, err := cb.Allow()
	if err != nil {
		return &RejectedError{Name: cb.name, State: cb.State(), Err: err}
	}

	start := time.Now()
	err = fn()
	cb.Record(generation, err != nil, time.Since(start))
	return err
}

// Reset returns the breaker to CLOSED with an empty window
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.setState(StateClosed, cb.now())
	cb.mu.Unlock()
	cb.notify(changed)
}

// UpdateConfig replaces the configuration. The window is resized and
// cleared; the current state is kept. Probes in flight belong to the old
// generation, so a HALF_OPEN breaker hands out a fresh set of permits.
func (cb *CircuitBreaker) UpdateConfig(config Config) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config == config {
		return
	}
	cb.config = config
	cb.window = newWindow(config.SlidingWindowSize)
	cb.generation++
	cb.halfOpenAdmitted = 0
	cb.halfOpenSucceeded = 0
}

// Metrics returns a snapshot of the breaker
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	m := Metrics{
		Name:              cb.name,
		State:             cb.state,
		BufferedCalls:     cb.window.count,
		FailedCalls:       cb.window.failures,
		SlowCalls:         cb.window.slow,
		FailureRate:       -1,
		SlowCallRate:      -1,
		NotPermittedCalls: cb.notPermitted,
		StateChangedAt:    cb.changedAt,
		Config:            cb.config,
	}
	if cb.window.count >= cb.config.minimumCalls() {
		m.FailureRate, m.SlowCallRate = cb.window.rates()
	}
	return m
}

type transition struct {
	from, to  State
	listeners []StateListener
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State, now time.Time) *transition {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.changedAt = now
	cb.halfOpenAdmitted = 0
	cb.halfOpenSucceeded = 0

	switch to {
	case StateClosed:
		cb.window.reset()
	case StateOpen:
		cb.openedAt = now
	}

	if from == to {
		return nil
	}
	return &transition{from: from, to: to, listeners: append([]StateListener(nil), cb.listeners...)}
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil {
		return
	}
	for _, l := range t.listeners {
		l(cb.name, t.from, t.to)
	}
}

// window is a ring buffer over the last N call outcomes.
type window struct {
	failed   []bool
	slowCall []bool
	next     int
	count    int
	failures int
	slow     int
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{failed: make([]bool, size), slowCall: make([]bool, size)}
}

func (w *window) add(failed, slow bool) {
	if w.count == len(w.failed) {
		if w.failed[w.next] {
			w.failures--
		}
		if w.slowCall[w.next] {
			w.slow--
		}
	} else {
		w.count++
	}

	w.failed[w.next] = failed
	w.slowCall[w.next] = slow
	if failed {
		w.failures++
	}
	if slow {
		w.slow++
	}
	w.next = (w.next + 1) % len(w.failed)
}

func (w *window) reset() {
	for i := range w.failed {
		w.failed[i] = false
		w.slowCall[i] = false
	}
	w.next, w.count, w.failures, w.slow = 0, 0, 0, 0
}

// rates returns failure and slow call percentages.
func (w *window) rates() (float64, float64) {
	if w.count == 0 {
		return 0, 0
	}
	total := float64(w.count)
	return float64(w.failures) * 100 / total, float64(w.slow) * 100 / total
}
