package orpheus

import (
	"sync"
	"time"

	"github.com/Conceptual-Machines/maestro-api/internal/errkind"
)

// Breaker states.
const (
	circuitClosed = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker trips after a run of consecutive transport failures so a
// dead generator fails fast instead of stacking up blocked sections. After
// the cooldown one probe call is let through: success closes the circuit,
// failure re-opens it with a fresh timer.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	state     int
	openedAt  time.Time
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open it fails fast with
// the circuit-open error kind; the first call after the cooldown becomes
// the half-open probe and further calls keep failing fast until the probe
// resolves.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return nil
	case circuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = circuitHalfOpen
			return nil
		}
		return errkind.New(errkind.CircuitOpen,
			"generator circuit open, retry after %s", cb.cooldown-cb.now().Sub(cb.openedAt))
	default: // half-open: one probe in flight
		return errkind.New(errkind.CircuitOpen, "generator circuit half-open, probe in flight")
	}
}

// RecordSuccess closes the circuit and zeroes the failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = circuitClosed
}

// RecordFailure counts one failed call. Reaching the threshold, or failing
// the half-open probe, opens the circuit with a fresh cooldown timer.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitHalfOpen {
		cb.state = circuitOpen
		cb.openedAt = cb.now()
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = circuitOpen
		cb.openedAt = cb.now()
	}
}

// Open reports whether calls would currently fail fast.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return false // next Allow becomes the probe
	}
	return cb.state != circuitClosed
}

// State names the current state for logs and metrics.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
