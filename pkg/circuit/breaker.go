// Package circuit guards repeated reconnect/BlockingSend attempts
// against a lost transport socket (§4.5, §7: "once the connection is
// gone the library does not attempt to reconnect on its own") so a
// caller retrying a dial loop backs off instead of hammering a socket
// that just dropped.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the breaker's state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Stats is a snapshot of a Breaker's counters.
type Stats struct {
	State         State     `json:"state"`
	Failures      int64     `json:"failures"`
	Successes     int64     `json:"successes"`
	Requests      int64     `json:"requests"`
	LastFailure   time.Time `json:"last_failure"`
	LastSuccess   time.Time `json:"last_success"`
	NextRetryTime time.Time `json:"next_retry_time"`
}

// BreakerConfig configures one Breaker instance.
type BreakerConfig struct {
	Name             string        `yaml:"name"`
	FailureThreshold int           `yaml:"failure_threshold"`   // failure count (reduced by one per success) that trips open
	SuccessThreshold int           `yaml:"success_threshold"`   // successes in half-open to close
	Timeout          time.Duration `yaml:"timeout"`             // time spent in the open state
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"` // max calls admitted while half-open
	ResetTimeout     time.Duration `yaml:"reset_timeout"`       // defaulted but not read by Breaker
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	config BreakerConfig
	logger *logrus.Logger

	state         State
	failures      int64
	successes     int64
	requests      int64
	lastFailure   time.Time
	lastSuccess   time.Time
	nextRetryTime time.Time

	// Half-open admission control.
	halfOpenCalls     int
	halfOpenSuccesses int
	halfOpenStartTime time.Time
	maxHalfOpen       int

	// Event callbacks.
	onStateChange func(from, to State)
	onFailure     func(error)
	onSuccess     func()

	mu sync.RWMutex
}

// NewBreaker constructs a Breaker with defaults filled in where unset.
func NewBreaker(config BreakerConfig, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 10
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 10 * time.Minute
	}

	return &Breaker{
		config:      config,
		logger:      logger,
		state:       StateClosed,
		maxHalfOpen: config.HalfOpenMaxCalls,
	}
}

// Execute runs fn under the breaker's protection. The method is split
// into three phases so the lock is not held across fn's execution:
//  1. pre-check (locked): validates state, admits or rejects the call
//  2. execution (unlocked): runs fn() concurrently with other callers
//  3. post-record (locked): updates counters/state, evaluates trip
func (b *Breaker) Execute(fn func() error) error {
	// Phase 1: pre-check, locked.
	b.mu.Lock()

	b.requests++

	if b.state == StateOpen {
		if time.Now().Before(b.nextRetryTime) {
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is open", b.config.Name)
		}
		// Timeout elapsed, probe with a half-open trial.
		b.setState(StateHalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
		b.halfOpenStartTime = time.Now()
	}

	if b.state == StateHalfOpen {
		// Guard against getting stuck half-open indefinitely.
		halfOpenTimeout := b.config.Timeout * 2
		if time.Since(b.halfOpenStartTime) > halfOpenTimeout {
			b.logger.WithField("breaker", b.config.Name).Warn("circuit breaker half-open timeout, reopening")
			b.trip()
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s half-open timeout", b.config.Name)
		}

		if b.halfOpenCalls >= b.maxHalfOpen {
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is half-open (max calls reached)", b.config.Name)
		}
		b.halfOpenCalls++
	}

	b.mu.Unlock()

	// Phase 2: execution, unlocked.
	err := fn()

	// Phase 3: post-record, locked.
	b.mu.Lock()

	if err != nil {
		b.onExecutionFailure(err)
		if b.shouldTrip() {
			b.trip()
		}
		b.mu.Unlock()
		return err
	}

	b.onExecutionSuccess()
	b.mu.Unlock()
	return nil
}

// shouldTrip reports whether the breaker should open.
func (b *Breaker) shouldTrip() bool {
	if b.state != StateClosed {
		return false
	}

	return b.failures >= int64(b.config.FailureThreshold)
}

// trip opens the breaker.
func (b *Breaker) trip() {
	if b.state == StateOpen {
		return
	}

	b.setState(StateOpen)
	b.nextRetryTime = time.Now().Add(b.config.Timeout)

	b.logger.WithFields(logrus.Fields{
		"breaker":         b.config.Name,
		"failures":        b.failures,
		"next_retry_time": b.nextRetryTime,
	}).Warn("circuit breaker opened")
}

// onExecutionFailure handles a failed Execute call.
func (b *Breaker) onExecutionFailure(err error) {
	b.failures++
	b.lastFailure = time.Now()

	if b.onFailure != nil {
		b.onFailure(err)
	}

	// A failure while probing half-open reopens immediately.
	if b.state == StateHalfOpen {
		b.trip()
	}
}

// onExecutionSuccess handles a successful Execute call.
func (b *Breaker) onExecutionSuccess() {
	b.successes++
	b.lastSuccess = time.Now()

	if b.onSuccess != nil {
		b.onSuccess()
	}

	if b.state == StateHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.reset()
		}
	} else if b.state == StateClosed {
		if b.failures > 0 {
			b.failures = max(0, b.failures-1)
		}
	}
}

// reset clears the breaker's counters.
func (b *Breaker) reset() {
	b.failures = 0
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
	b.nextRetryTime = time.Time{}

	b.logger.WithFields(logrus.Fields{
		"breaker":   b.config.Name,
		"successes": b.successes,
	}).Info("circuit breaker reset")
}

// setState transitions the breaker's state.
func (b *Breaker) setState(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState

	if b.onStateChange != nil {
		b.onStateChange(oldState, newState)
	}

	b.logger.WithFields(logrus.Fields{
		"breaker":   b.config.Name,
		"old_state": oldState,
		"new_state": newState,
		"failures":  b.failures,
		"successes": b.successes,
	}).Info("circuit breaker state changed")
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsOpen reports whether the breaker is open.
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateOpen
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed)
	b.reset()
}

// GetStats returns a diagnostics snapshot.
func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		Requests:      b.requests,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
		NextRetryTime: b.nextRetryTime,
	}
}

// SetStateChangeCallback installs a callback invoked on every state transition.
func (b *Breaker) SetStateChangeCallback(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// SetFailureCallback installs a callback invoked on every execution failure.
func (b *Breaker) SetFailureCallback(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailure = fn
}

// SetSuccessCallback installs a callback invoked on every execution success.
func (b *Breaker) SetSuccessCallback(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSuccess = fn
}

// CanExecute reports whether a call would currently be admitted.
func (b *Breaker) CanExecute() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return time.Now().After(b.nextRetryTime)
	case StateHalfOpen:
		return b.halfOpenCalls < b.maxHalfOpen
	default:
		return false
	}
}

// ForceOpen forces the breaker open.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}

func max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
