// zygote_test.go: Tests for the pre-spawned worker pool
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	id     int64
	closed atomic.Bool
}

func (w *fakeWorker) Close() error {
	w.closed.Store(true)
	return nil
}

type fakeSpawner struct {
	delay   time.Duration
	next    atomic.Int64
	failOn  int64 // 1-based spawn number that fails
	gate    chan struct{}
	mu      sync.Mutex
	workers []*fakeWorker
}

func (s *fakeSpawner) spawn(ctx context.Context) (*fakeWorker, error) {
	n := s.next.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n == s.failOn {
		return nil, stderrors.New("exec format error")
	}
	w := &fakeWorker{id: n}
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
	return w, nil
}

func (s *fakeSpawner) all() []*fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeWorker(nil), s.workers...)
}

func TestZygote_DistinctWorkers(t *testing.T) {
	sp := &fakeSpawner{}
	z := NewZygote(sp.spawn, ZygoteConfig{PoolSize: 2}, NewTestLogger())
	defer z.Close()
	ctx := testContext(t)

	seen := make(map[int64]bool)
	for i := 0; i < 10; i++ {
		w, err := z.Next(ctx)
		require.NoError(t, err)
		assert.False(t, seen[w.id], "worker %d handed out twice", w.id)
		seen[w.id] = true
	}
	assert.Len(t, seen, 10)
	assert.Equal(t, int64(10), z.Stats().Handed)
}

func TestZygote_WarmAfterFirstCall(t *testing.T) {
	const spawnDelay = 100 * time.Millisecond
	sp := &fakeSpawner{delay: spawnDelay}
	z := NewZygote(sp.spawn, ZygoteConfig{PoolSize: 1}, NewTestLogger())
	defer z.Close()
	ctx := testContext(t)

	start := time.Now()
	_, err := z.Next(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), spawnDelay, "first call is cold")

	// The replacement started with the first call.
	require.Eventually(t, func() bool { return z.Stats().Ready == 1 }, time.Second, 5*time.Millisecond)

	start = time.Now()
	_, err = z.Next(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), spawnDelay/2, "warm call must not wait for a spawn")
}

func TestZygote_FailedSpawnReportedOnce(t *testing.T) {
	sp := &fakeSpawner{failOn: 1}
	z := NewZygote(sp.spawn, ZygoteConfig{PoolSize: 1}, NewTestLogger())
	defer z.Close()
	ctx := testContext(t)

	// The failing spawn is one of the first two, both taken below.
	failures := 0
	for i := 0; i < 2; i++ {
		w, err := z.Next(ctx)
		if err != nil {
			assert.True(t, HasErrorCode(err, ErrCodeSpawnFailed))
			failures++
			continue
		}
		assert.NotEqual(t, int64(1), w.id)
	}
	assert.Equal(t, 1, failures)

	_, err := z.Next(ctx)
	require.NoError(t, err)

	stats := z.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.Handed)
}

func TestZygote_PanickingSpawn(t *testing.T) {
	var calls atomic.Int32
	z := NewZygote(func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			panic("spawn exploded")
		}
		return 7, nil
	}, ZygoteConfig{}, NewTestLogger())
	defer z.Close()
	ctx := testContext(t)

	failures := 0
	for i := 0; i < 2; i++ {
		v, err := z.Next(ctx)
		if err != nil {
			assert.True(t, HasErrorCode(err, ErrCodeSpawnFailed))
			failures++
			continue
		}
		assert.Equal(t, 7, v)
	}
	assert.Equal(t, 1, failures)
}

func TestZygote_CancelledNextKeepsWorker(t *testing.T) {
	sp := &fakeSpawner{gate: make(chan struct{})}
	z := NewZygote(sp.spawn, ZygoteConfig{PoolSize: 1}, NewTestLogger())
	defer z.Close()

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := z.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(sp.gate)
	w, err := z.Next(testContext(t))
	require.NoError(t, err)
	require.NotNil(t, w)

	stats := z.Stats()
	assert.Equal(t, int64(1), stats.Handed)
	assert.Equal(t, int64(0), stats.Failed, "the abandoned spawn is kept, not discarded")
}

func TestZygote_CloseDiscardsWarmWorkers(t *testing.T) {
	sp := &fakeSpawner{}
	logger := NewTestLogger()
	z := NewZygote(sp.spawn, ZygoteConfig{PoolSize: 3}, logger)
	ctx := testContext(t)

	taken, err := z.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, z.Close())
	require.NoError(t, z.Close(), "second close is a no-op")

	for _, w := range sp.all() {
		if w == taken {
			assert.False(t, w.closed.Load(), "handed out worker belongs to the caller")
			continue
		}
		assert.True(t, w.closed.Load(), "warm worker %d not closed", w.id)
	}
	assert.True(t, logger.HasMessage("INFO", "Zygote closed"))

	_, err = z.Next(ctx)
	assert.True(t, HasErrorCode(err, ErrCodeZygoteClosed))
}

func TestZygote_CloseCancelsInFlightSpawns(t *testing.T) {
	sp := &fakeSpawner{gate: make(chan struct{})}
	z := NewZygote(sp.spawn, ZygoteConfig{PoolSize: 2}, NewTestLogger())

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _ = z.Next(short)

	done := make(chan error, 1)
	go func() { done <- z.Close() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Close blocked on gated spawns")
	}
	assert.Empty(t, sp.all())
}

func TestZygoteConfig_Defaults(t *testing.T) {
	var zc ZygoteConfig
	zc.ApplyDefaults()
	assert.Equal(t, 1, zc.PoolSize)
	assert.NoError(t, zc.Validate())
	assert.Error(t, (&ZygoteConfig{PoolSize: -1}).Validate())
}
