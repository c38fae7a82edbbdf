// circuit_breaker.go: Circuit breaker guarding worker spawns
//
// A worker binary that crashes on start would otherwise be relaunched by the
// zygote as fast as it dies. The breaker opens after FailureThreshold
// consecutive failures and rejects spawns until RecoveryTimeout has passed;
// then a limited number of trial spawns decide whether it closes again.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// CircuitBreakerState is the operational state of a CircuitBreaker.
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker. A disabled breaker
// allows everything.
type CircuitBreakerConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`

	// SuccessThreshold is the number of half-open successes that closes
	// the circuit again.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

// ApplyDefaults fills unset fields.
func (c *CircuitBreakerConfig) ApplyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
}

// CircuitBreaker counts consecutive failures of an operation.
//
// Usage example:
//
//	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: true})
//	if !cb.AllowRequest() {
//	    return NewSpawnError("circuit open", nil)
//	}
//	if err := spawn(); err != nil {
//	    cb.RecordFailure()
//	} else {
//	    cb.RecordSuccess()
//	}
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state           atomic.Int32
	failures        atomic.Int64 // consecutive
	halfOpenAllowed atomic.Int64
	halfOpenOK      atomic.Int64
	totalFailures   atomic.Int64
	totalSuccesses  atomic.Int64
	rejected        atomic.Int64
	lastFailureNano atomic.Int64

	mu sync.Mutex
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config.ApplyDefaults()
	cb := &CircuitBreaker{config: config}
	cb.state.Store(int32(StateClosed))
	return cb
}

// AllowRequest reports whether an operation may run now. In the open state
// it moves to half-open once RecoveryTimeout has passed.
func (cb *CircuitBreaker) AllowRequest() bool {
	if !cb.config.Enabled {
		return true
	}

	switch cb.GetState() {
	case StateClosed:
		return true

	case StateOpen:
		cb.mu.Lock()
		if cb.GetState() == StateOpen && cb.recoveryDue() {
			cb.state.Store(int32(StateHalfOpen))
			cb.halfOpenAllowed.Store(0)
			cb.halfOpenOK.Store(0)
		}
		cb.mu.Unlock()
		if cb.GetState() != StateHalfOpen {
			cb.rejected.Add(1)
			return false
		}
		return cb.AllowRequest()

	case StateHalfOpen:
		if cb.halfOpenAllowed.Add(1) <= int64(cb.config.SuccessThreshold) {
			return true
		}
		cb.rejected.Add(1)
		return false
	}
	return false
}

// RecordSuccess resets the failure streak and, when half-open, may close
// the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}
	cb.totalSuccesses.Add(1)
	cb.failures.Store(0)

	if cb.GetState() != StateHalfOpen {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.GetState() == StateHalfOpen && cb.halfOpenOK.Add(1) >= int64(cb.config.SuccessThreshold) {
		cb.state.Store(int32(StateClosed))
	}
}

// RecordFailure extends the failure streak. Any half-open failure reopens
// the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.config.Enabled {
		return
	}
	cb.totalFailures.Add(1)
	cb.lastFailureNano.Store(timecache.CachedTimeNano())
	streak := cb.failures.Add(1)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.GetState() {
	case StateHalfOpen:
		cb.state.Store(int32(StateOpen))
	case StateClosed:
		if streak >= int64(cb.config.FailureThreshold) {
			cb.state.Store(int32(StateOpen))
		}
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// Reset closes the circuit and clears the failure streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.Store(int32(StateClosed))
	cb.failures.Store(0)
}

func (cb *CircuitBreaker) recoveryDue() bool {
	last := cb.lastFailureNano.Load()
	return last == 0 || time.Duration(timecache.CachedTimeNano()-last) >= cb.config.RecoveryTimeout
}

// CircuitBreakerStats is a snapshot of a CircuitBreaker.
type CircuitBreakerStats struct {
	State               string    `json:"state"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	Rejected            int64     `json:"rejected"`
	LastFailure         time.Time `json:"last_failure"`
}

// GetStats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	stats := CircuitBreakerStats{
		State:               cb.GetState().String(),
		ConsecutiveFailures: cb.failures.Load(),
		TotalFailures:       cb.totalFailures.Load(),
		TotalSuccesses:      cb.totalSuccesses.Load(),
		Rejected:            cb.rejected.Load(),
	}
	if ns := cb.lastFailureNano.Load(); ns != 0 {
		stats.LastFailure = time.Unix(0, ns)
	}
	return stats
}

// GuardSpawn wraps spawn so that it fails fast while cb is open.
func GuardSpawn[W any](spawn SpawnFunc[W], cb *CircuitBreaker) SpawnFunc[W] {
	return func(ctx context.Context) (W, error) {
		if !cb.AllowRequest() {
			var zero W
			return zero, NewSpawnError("spawn circuit open", nil).
				WithContext("consecutive_failures", cb.failures.Load())
		}
		w, err := spawn(ctx)
		if err != nil {
			cb.RecordFailure()
			return w, err
		}
		cb.RecordSuccess()
		return w, nil
	}
}
