package engine

import (
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// CircuitState is the state of one action's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// EventType maps a state to its lifecycle event name.
func (s CircuitState) EventType() string {
	switch s {
	case CircuitOpen:
		return schema.EventCircuitBreakerOpen
	case CircuitHalfOpen:
		return schema.EventCircuitBreakerHalfOpen
	default:
		return schema.EventCircuitBreakerClosed
	}
}

// CircuitBreakerConfig configures every breaker in a registry.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax probe calls are let through while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns 5 failures, 30s cooldown, 1 probe.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// StateChangeFunc observes breaker transitions. It is called without locks held.
type StateChangeFunc func(action string, from, to CircuitState)

type circuitBreaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	openedAt    time.Time
	probes      int
	lastFailure string
}

// CircuitBreakerRegistry keeps one breaker per action name.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	onChange StateChangeFunc
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. Non-positive config fields
// fall back to the defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// OnStateChange registers the transition observer.
func (r *CircuitBreakerRegistry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Allow reports whether a call to action may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits a limited number of probes.
func (r *CircuitBreakerRegistry) Allow(action string) error {
	cb := r.get(action)
	cb.mu.Lock()
	from := cb.state
	var err error
	switch cb.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - r.now().Sub(cb.openedAt)
		if remaining > 0 {
			err = schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for action %q after %d consecutive failures", action, cb.failures).
				WithDetails(map[string]any{
					"action":               action,
					"consecutive_failures": cb.failures,
					"cooldown_remaining":   remaining.String(),
					"last_failure":         cb.lastFailure,
				})
			break
		}
		cb.state = CircuitHalfOpen
		cb.probes = 1
	case CircuitHalfOpen:
		if cb.probes >= r.config.HalfOpenMax {
			err = schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for action %q: probe in flight", action)
			break
		}
		cb.probes++
	}
	to := cb.state
	cb.mu.Unlock()

	r.changed(action, from, to)
	return err
}

// Success closes the circuit.
func (r *CircuitBreakerRegistry) Success(action string) {
	cb := r.get(action)
	cb.mu.Lock()
	from := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probes = 0
	cb.lastFailure = ""
	cb.mu.Unlock()

	r.changed(action, from, CircuitClosed)
}

// Failure counts a failed call and returns the resulting state. Any failure
// while half-open reopens the circuit.
func (r *CircuitBreakerRegistry) Failure(action string, cause error) CircuitState {
	cb := r.get(action)
	cb.mu.Lock()
	from := cb.state
	cb.failures++
	if cause != nil {
		cb.lastFailure = cause.Error()
	}
	if cb.state == CircuitHalfOpen || cb.failures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = r.now()
		cb.probes = 0
	}
	to := cb.state
	cb.mu.Unlock()

	r.changed(action, from, to)
	return to
}

// State returns the current state of an action's breaker.
func (r *CircuitBreakerRegistry) State(action string) CircuitState {
	cb := r.get(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns diagnostic information about one breaker.
func (r *CircuitBreakerRegistry) Stats(action string) map[string]any {
	cb := r.get(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"action":               action,
		"state":                cb.state.String(),
		"consecutive_failures": cb.failures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
		"last_failure":         cb.lastFailure,
	}
}

func (r *CircuitBreakerRegistry) changed(action string, from, to CircuitState) {
	if from == to {
		return
	}
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(action, from, to)
	}
}

func (r *CircuitBreakerRegistry) get(action string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[action]
	if !ok {
		cb = &circuitBreaker{}
		r.breakers[action] = cb
	}
	return cb
}
