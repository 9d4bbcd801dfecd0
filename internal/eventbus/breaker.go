package eventbus

import (
	"sync"
	"time"
)

// breakerState is one of closed, open, half_open.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// BreakerConfig configures the sliding-window circuit breaker gating
// flushes.
type BreakerConfig struct {
	FailureThreshold int           // failures within WindowSize to trip open
	WindowSize       time.Duration // sliding window for counting failures
	ResetTimeout     time.Duration // time open before probing half_open
	SuccessThreshold int           // consecutive successes in half_open to close
}

// circuitBreaker is a process-local, sliding-window failure-rate gate.
// closed: failures counted in a WindowSize sliding window; reaching
// FailureThreshold trips it open. open: all flushes are no-ops until
// ResetTimeout elapses, then it moves to half_open. half_open: flushes are
// allowed; SuccessThreshold consecutive successes close it again, any
// failure reopens it.
type circuitBreaker struct {
	cfg BreakerConfig

	mu              sync.Mutex
	state           breakerState
	failureTimes    []time.Time
	openedAt        time.Time
	halfOpenSuccess int
}

func newCircuitBreaker(cfg BreakerConfig) *circuitBreaker {
	return &circuitBreaker{cfg: cfg, state: stateClosed}
}

// Allow reports whether a flush attempt should proceed right now, moving
// open -> half_open as a side effect once ResetTimeout has elapsed.
func (b *circuitBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed, stateHalfOpen:
		return true
	case stateOpen:
		if now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = stateHalfOpen
			b.halfOpenSuccess = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful flush.
func (b *circuitBreaker) RecordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.state = stateClosed
			b.failureTimes = nil
			b.halfOpenSuccess = 0
		}
	case stateClosed:
		// A success in the closed state doesn't need to clear the failure
		// window; old failures age out of it naturally.
	}
}

// RecordFailure reports a failed flush.
func (b *circuitBreaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateHalfOpen:
		b.trip(now)
	case stateClosed:
		b.failureTimes = append(b.failureTimes, now)
		b.failureTimes = pruneOlderThan(b.failureTimes, now, b.cfg.WindowSize)
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
}

func (b *circuitBreaker) trip(now time.Time) {
	b.state = stateOpen
	b.openedAt = now
	b.failureTimes = nil
	b.halfOpenSuccess = 0
}

// State returns the current state name, for diagnostics.
func (b *circuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func pruneOlderThan(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
