// circuit_breaker_test.go: tests for the spawn circuit breaker
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
		assert.True(t, cb.AllowRequest())
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: true, FailureThreshold: 3, RecoveryTimeout: time.Hour})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.GetState(), "a success resets the streak")

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.AllowRequest())

	stats := cb.GetStats()
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, int64(3), stats.ConsecutiveFailures)
	assert.Equal(t, int64(5), stats.TotalFailures)
	assert.Equal(t, int64(1), stats.TotalSuccesses)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.False(t, stats.LastFailure.IsZero())
}

func TestCircuitBreakerRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 1,
	})

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.GetState())

	require.Eventually(t, cb.AllowRequest, testTimeout, 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.False(t, cb.AllowRequest(), "only one trial while half-open")

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.True(t, cb.AllowRequest())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	})
	cb.RecordFailure()
	cb.RecordFailure()

	require.Eventually(t, cb.AllowRequest, testTimeout, 10*time.Millisecond)
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Hour})
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.True(t, cb.AllowRequest())
	assert.Equal(t, int64(0), cb.GetStats().ConsecutiveFailures)
}

func TestCircuitBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", CircuitBreakerState(9).String())
}

func TestGuardSpawn(t *testing.T) {
	var calls atomic.Int32
	failing := func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, stderrors.New("exec format error")
	}

	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, RecoveryTimeout: time.Hour})
	spawn := GuardSpawn(failing, cb)

	for i := 0; i < 2; i++ {
		_, err := spawn(context.Background())
		require.Error(t, err)
	}
	_, err := spawn(context.Background())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeSpawnFailed))
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not call spawn")
}

func TestGuardSpawnBehindZygote(t *testing.T) {
	var calls atomic.Int32
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Hour})
	spawn := GuardSpawn(func(ctx context.Context) (*fakeWorker, error) {
		calls.Add(1)
		return nil, stderrors.New("crashed on start")
	}, cb)

	z := NewZygote(spawn, ZygoteConfig{PoolSize: 1}, NewTestLogger())
	defer z.Close()

	ctx := testContext(t)
	for i := 0; i < 3; i++ {
		_, err := z.Next(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.GreaterOrEqual(t, cb.GetStats().Rejected, int64(2))
}
