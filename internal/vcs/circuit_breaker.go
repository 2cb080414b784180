package vcs

import (
	"sync"
	"time"
)

// breakerState mirrors FluxForge's scheduler.CircuitState three-state
// machine, retuned from queue-depth/saturation triggers to consecutive
// external-call failures — the natural trigger for protecting calls
// to the external version-control host.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

// circuitBreaker guards calls to the external VCS host so a host
// outage degrades to fast-failing External errors instead of piling
// up blocked suspension points across every agent.
type circuitBreaker struct {
	mu sync.Mutex

	state            breakerState
	failureThreshold int
	cooldown         time.Duration
	testLimit        int

	consecutiveFailures int
	openedAt            time.Time
	testCount           int
}

func newCircuitBreaker(failureThreshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:            breakerClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		testLimit:        3,
	}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerOpen && time.Since(cb.openedAt) > cb.cooldown {
		cb.state = breakerHalfOpen
		cb.testCount = 0
	}
	if cb.state == breakerOpen {
		return false
	}
	if cb.state == breakerHalfOpen {
		if cb.testCount >= cb.testLimit {
			return false
		}
		cb.testCount++
		return true
	}
	return true
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	if cb.state == breakerHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = breakerClosed
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures++
	if cb.state == breakerHalfOpen {
		cb.state = breakerOpen
		cb.openedAt = time.Now()
		return
	}
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = breakerOpen
		cb.openedAt = time.Now()
	}
}
