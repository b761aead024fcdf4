package circuitbreaker

import (
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
)

// State is the externally visible breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateDisabled State = "disabled"
)

// CircuitBreaker stops routing to an RPC endpoint after repeated failures inside a window
type CircuitBreaker struct {
	name          string
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	now           func() time.Time
	logger        logger.Logger
	mu            sync.Mutex
}

// Snapshot is a point-in-time copy of a breaker's counters
type Snapshot struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	Threshold    int       `json:"threshold"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	TripTime     time.Time `json:"trip_time,omitempty"`
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, enabled bool, threshold int, window, resetTimeout time.Duration, log logger.Logger) *CircuitBreaker {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &CircuitBreaker{
		name:          name,
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		now:           time.Now,
		logger:        log,
	}
}

// Name returns the endpoint label the breaker guards
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// RecordFailure records a failure and trips the circuit if threshold is reached.
// It returns true when the circuit is open after the call.
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.tripped {
		if now.Sub(cb.tripTime) <= cb.resetTimeout {
			return true
		}
		cb.logger.Info("Circuit breaker %s: half-open after %v", cb.name, cb.resetTimeout)
		cb.tripped = false
		cb.failureCount = 0
	}

	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}
	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		cb.logger.Error("Circuit breaker %s tripped: %d failures in %v", cb.name, cb.failureCount, cb.failureWindow)
		return true
	}
	return false
}

// RecordSuccess clears the failure streak
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.failureCount = 0
	}
}

// IsOpen returns true if the circuit is open (tripped)
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped && cb.now().Sub(cb.tripTime) > cb.resetTimeout {
		cb.tripped = false
		cb.failureCount = 0
		return false
	}
	return cb.tripped
}

// Reset manually closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tripped = false
	cb.failureCount = 0
	cb.logger.Info("Circuit breaker %s reset", cb.name)
}

// Snapshot returns the current counters
func (cb *CircuitBreaker) Snapshot() Snapshot {
	open := cb.IsOpen()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := StateClosed
	switch {
	case !cb.enabled:
		state = StateDisabled
	case open:
		state = StateOpen
	}
	return Snapshot{
		Name:         cb.name,
		State:        state,
		FailureCount: cb.failureCount,
		Threshold:    cb.failThreshold,
		LastFailure:  cb.lastFailure,
		TripTime:     cb.tripTime,
	}
}
