package quality

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optionsflow/optionsflow/internal/calendar"
)

// BreakerState is the circuit breaker's current position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// successDecay is subtracted from the failure counter on each success while
// closed, so isolated bad events age out instead of accumulating forever.
const successDecay = 0.25

// CircuitBreaker gates the validator when data quality fails in a sustained
// way. Closed while healthy, open (rejecting everything) after the failure
// threshold, half-open after the timeout with exactly one trial evaluation
// allowed through.
type CircuitBreaker struct {
	threshold float64
	timeout   time.Duration
	clock     calendar.Clock

	mu          sync.Mutex
	state       BreakerState
	failures    float64
	lastFailure time.Time
	openedAt    time.Time
	trialUsed   bool
}

// BreakerSnapshot is the exportable breaker state for status endpoints.
type BreakerSnapshot struct {
	State       BreakerState `json:"state"`
	Failures    float64      `json:"failures"`
	LastFailure time.Time    `json:"last_failure,omitempty"`
	OpenedAt    time.Time    `json:"opened_at,omitempty"`
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(failureThreshold int, timeout time.Duration, clock calendar.Clock) *CircuitBreaker {
	if clock == nil {
		clock = calendar.RealClock{}
	}
	return &CircuitBreaker{
		threshold: float64(failureThreshold),
		timeout:   timeout,
		clock:     clock,
		state:     BreakerClosed,
	}
}

// Allow reports whether the next event may be evaluated. While open it
// rejects everything until the timeout elapses, then moves to half-open and
// admits exactly one trial.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.timeout {
			b.state = BreakerHalfOpen
			b.trialUsed = false
			log.Info().Msg("validator circuit breaker half-open")
		} else {
			return false
		}
		fallthrough
	case BreakerHalfOpen:
		if b.trialUsed {
			return false
		}
		b.trialUsed = true
		return true
	}
	return false
}

// Record feeds the outcome of an evaluation the breaker allowed through.
func (b *CircuitBreaker) Record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if failure {
			b.failures++
			b.lastFailure = b.clock.Now()
			if b.failures >= b.threshold {
				b.state = BreakerOpen
				b.openedAt = b.clock.Now()
				log.Warn().Float64("failures", b.failures).Msg("validator circuit breaker opened")
			}
		} else if b.failures > 0 {
			b.failures -= successDecay
			if b.failures < 0 {
				b.failures = 0
			}
		}
	case BreakerHalfOpen:
		if failure {
			b.state = BreakerOpen
			b.openedAt = b.clock.Now()
			b.lastFailure = b.clock.Now()
			log.Warn().Msg("validator circuit breaker trial failed, re-opening")
		} else {
			b.state = BreakerClosed
			b.failures = 0
			log.Info().Msg("validator circuit breaker closed")
		}
	}
}

// State returns the current breaker position.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns exportable breaker state.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}
