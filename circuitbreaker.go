package dbconn

import (
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig controls a CircuitBreaker's thresholds. Percentages
// are integers 0..100; the open threshold check is inclusive (>=).
type CircuitBreakerConfig struct {
	Enabled               bool
	ErrorThresholdPercent int
	VolumeThreshold       int
	SleepWindow           time.Duration
	RollingWindow         time.Duration
	HalfOpenProbeLimit    int
}

// DefaultCircuitBreakerConfig returns the baseline thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:               true,
		ErrorThresholdPercent: 50,
		VolumeThreshold:       20,
		SleepWindow:           10 * time.Second,
		RollingWindow:         30 * time.Second,
		HalfOpenProbeLimit:    1,
	}
}

// sample is one timestamped outcome in the rolling window.
type sample struct {
	at      time.Time
	failure bool
}

// CircuitBreaker fronts Endpoint.Send. Grounded in state-machine shape on
// mini0405's CircuitBreakerCoordinator, but failure accounting uses a
// rolling window of timestamped samples, a minimum sample-count volume
// threshold, and an integer failure percentage — rather than mini0405's
// simpler consecutive-failure counter (see DESIGN.md for the deviation
// rationale).
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	clock xclock.Clock

	mu           sync.Mutex
	state        BreakerState
	samples      []sample
	openedAt     time.Time
	probesInFlight int
}

// NewCircuitBreaker constructs a breaker in the Closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig, clock xclock.Clock) *CircuitBreaker {
	if clock == nil {
		clock = xclock.Default()
	}
	return &CircuitBreaker{
		cfg:   cfg,
		clock: clock,
		state: BreakerClosed,
	}
}

// State returns the breaker's current state, re-evaluating the
// Open->HalfOpen sleep-window expiry lazily.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeExpireSleepWindow()
	return cb.state
}

// Allow reports whether a dispatch may proceed. HalfOpen permits at most
// HalfOpenProbeLimit concurrent probes; a caller that is allowed MUST
// eventually call RecordSuccess or RecordFailure exactly once to release
// the probe slot.
func (cb *CircuitBreaker) Allow() bool {
	if !cb.cfg.Enabled {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeExpireSleepWindow()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		limit := cb.cfg.HalfOpenProbeLimit
		if limit < 1 {
			limit = 1
		}
		if cb.probesInFlight >= limit {
			return false
		}
		cb.probesInFlight++
		return true
	default: // BreakerOpen
		return false
	}
}

// RecordSuccess records a successful outcome and applies the
// HalfOpen->Closed transition on the first successful probe. Closing the
// breaker does not reset the rolling window.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.cfg.Enabled {
		return
	}
	now := cb.clock.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasHalfOpen := cb.state == BreakerHalfOpen
	cb.record(now, false)

	if wasHalfOpen {
		cb.releaseProbe()
		cb.state = BreakerClosed
	}
}

// RecordFailure records a failed outcome, applies the HalfOpen->Open
// transition on a failed probe, and evaluates whether enough volume and
// error ratio have accumulated in the rolling window to open from Closed.
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.cfg.Enabled {
		return
	}
	now := cb.clock.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasHalfOpen := cb.state == BreakerHalfOpen
	cb.record(now, true)

	if wasHalfOpen {
		cb.releaseProbe()
		cb.open(now)
		return
	}

	if cb.state == BreakerClosed {
		cb.evaluateOpen(now)
	}
}

// record appends a sample and lazily evicts samples older than the rolling
// window.
func (cb *CircuitBreaker) record(now time.Time, failure bool) {
	cb.evict(now)
	cb.samples = append(cb.samples, sample{at: now, failure: failure})
}

func (cb *CircuitBreaker) evict(now time.Time) {
	cutoff := now.Add(-cb.cfg.RollingWindow)
	i := 0
	for i < len(cb.samples) && cb.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.samples = cb.samples[i:]
	}
}

// evaluateOpen opens the breaker when the rolling window has accumulated
// at least VolumeThreshold samples AND the failure ratio is >=
// ErrorThresholdPercent.
func (cb *CircuitBreaker) evaluateOpen(now time.Time) {
	cb.evict(now)
	total := len(cb.samples)
	if total < cb.cfg.VolumeThreshold {
		return
	}
	failures := 0
	for _, s := range cb.samples {
		if s.failure {
			failures++
		}
	}
	ratio := failures * 100 / total
	if ratio >= cb.cfg.ErrorThresholdPercent {
		cb.open(now)
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = BreakerOpen
	cb.openedAt = now
}

func (cb *CircuitBreaker) releaseProbe() {
	if cb.probesInFlight > 0 {
		cb.probesInFlight--
	}
}

// maybeExpireSleepWindow moves Open->HalfOpen once SleepWindow has elapsed
// since the breaker opened. Checked lazily on every Allow/State call
// rather than via a background monitor goroutine.
func (cb *CircuitBreaker) maybeExpireSleepWindow() {
	if cb.state != BreakerOpen {
		return
	}
	if cb.clock.Since(cb.openedAt) >= cb.cfg.SleepWindow {
		cb.state = BreakerHalfOpen
		cb.probesInFlight = 0
	}
}

// SampleCount returns the number of samples currently within the rolling
// window. Exposed for tests verifying the volume-threshold invariant.
func (cb *CircuitBreaker) SampleCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.evict(cb.clock.Now())
	return len(cb.samples)
}
