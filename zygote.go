// zygote.go: Pre-spawned worker pool with replace-on-take semantics
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// SpawnFunc starts one worker. ctx is cancelled when the zygote closes.
type SpawnFunc[W any] func(ctx context.Context) (W, error)

// ZygoteConfig configures a Zygote.
type ZygoteConfig struct {
	// PoolSize is the number of workers kept warm. Defaults to 1.
	PoolSize int `json:"pool_size" yaml:"pool_size"`
}

// ApplyDefaults fills unset fields.
func (zc *ZygoteConfig) ApplyDefaults() {
	if zc.PoolSize <= 0 {
		zc.PoolSize = 1
	}
}

// Validate checks the configuration.
func (zc *ZygoteConfig) Validate() error {
	if zc.PoolSize < 0 {
		return NewConfigValidationError("pool_size cannot be negative", nil)
	}
	return nil
}

type spawnSlot[W any] struct {
	done      chan struct{}
	worker    W
	err       error
	startNano int64
	duration  time.Duration
}

// ZygoteStats contains counters for a Zygote.
type ZygoteStats struct {
	PoolSize          int           `json:"pool_size"`
	InFlight          int           `json:"in_flight"`
	Ready             int           `json:"ready"`
	Spawned           int64         `json:"spawned"`
	Failed            int64         `json:"failed"`
	Handed            int64         `json:"handed"`
	LastSpawnDuration time.Duration `json:"last_spawn_duration"`
}

// Zygote keeps PoolSize workers warm and hands them out in spawn order.
//
// Next returns the oldest spawn and starts its replacement before waiting on
// it, so only the very first call pays the cold-start cost. A spawn that
// fails is reported by the Next call that takes it and by no other.
//
// Example usage:
//
//	z := NewZygote(spawner.Spawn, ZygoteConfig{}, logger)
//	defer z.Close()
//	worker, err := z.Next(ctx)
type Zygote[W any] struct {
	spawn  SpawnFunc[W]
	config ZygoteConfig
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	slots  []*spawnSlot[W]
	closed bool

	spawned      atomic.Int64
	failed       atomic.Int64
	handed       atomic.Int64
	lastDuration atomic.Int64
}

// NewZygote creates a zygote. Nothing is spawned until the first Next.
func NewZygote[W any](spawn SpawnFunc[W], config ZygoteConfig, logger Logger) *Zygote[W] {
	if logger == nil {
		logger = DefaultLogger()
	}
	config.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Zygote[W]{
		spawn:  spawn,
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Next returns the next warm worker and starts spawning its replacement.
func (z *Zygote[W]) Next(ctx context.Context) (W, error) {
	var zero W

	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return zero, NewZygoteClosedError()
	}
	z.fillLocked()
	slot := z.slots[0]
	z.slots[0] = nil
	z.slots = z.slots[1:]
	z.fillLocked()
	z.mu.Unlock()

	select {
	case <-slot.done:
	case <-ctx.Done():
		z.requeue(slot)
		return zero, ctx.Err()
	}

	if slot.err != nil {
		return zero, slot.err
	}
	z.handed.Add(1)
	return slot.worker, nil
}

// Close stops replenishing, cancels in-flight spawns and closes every warm
// worker that implements io.Closer. It waits for in-flight spawns to finish.
func (z *Zygote[W]) Close() error {
	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return nil
	}
	z.closed = true
	slots := z.slots
	z.slots = nil
	z.mu.Unlock()

	z.cancel()
	z.wg.Wait()

	var firstErr error
	for _, slot := range slots {
		if err := closeWorker(slot); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	z.logger.Info("Zygote closed", "discarded", len(slots))
	return firstErr
}

// Stats returns a snapshot of the pool counters.
func (z *Zygote[W]) Stats() ZygoteStats {
	z.mu.Lock()
	inFlight, ready := 0, 0
	for _, slot := range z.slots {
		select {
		case <-slot.done:
			ready++
		default:
			inFlight++
		}
	}
	z.mu.Unlock()

	return ZygoteStats{
		PoolSize:          z.config.PoolSize,
		InFlight:          inFlight,
		Ready:             ready,
		Spawned:           z.spawned.Load(),
		Failed:            z.failed.Load(),
		Handed:            z.handed.Load(),
		LastSpawnDuration: time.Duration(z.lastDuration.Load()),
	}
}

func (z *Zygote[W]) fillLocked() {
	for len(z.slots) < z.config.PoolSize {
		z.slots = append(z.slots, z.startSpawn())
	}
}

func (z *Zygote[W]) startSpawn() *spawnSlot[W] {
	slot := &spawnSlot[W]{
		done:      make(chan struct{}),
		startNano: timecache.CachedTimeNano(),
	}

	z.wg.Add(1)
	go func() {
		defer z.wg.Done()
		defer close(slot.done)

		started := time.Now()
		worker, err := z.runSpawn()
		slot.duration = time.Since(started)
		z.lastDuration.Store(int64(slot.duration))

		if err != nil {
			z.failed.Add(1)
			slot.err = NewSpawnError("worker spawn failed", err)
			z.logger.Warn("Worker spawn failed", "error", err, "duration", slot.duration)
			return
		}
		z.spawned.Add(1)
		slot.worker = worker
		z.logger.Debug("Worker spawned", "duration", slot.duration)
	}()
	return slot
}

func (z *Zygote[W]) runSpawn() (worker W, err error) {
	defer recoverInvocation(z.logger, "spawn", &err)
	return z.spawn(z.ctx)
}

// requeue puts back a slot whose taker gave up, keeping it first in line.
func (z *Zygote[W]) requeue(slot *spawnSlot[W]) {
	z.mu.Lock()
	if !z.closed {
		z.slots = append([]*spawnSlot[W]{slot}, z.slots...)
		z.mu.Unlock()
		return
	}
	z.mu.Unlock()

	go func() {
		<-slot.done
		_ = closeWorker(slot)
	}()
}

func closeWorker[W any](slot *spawnSlot[W]) error {
	<-slot.done
	if slot.err != nil {
		return nil
	}
	if closer, ok := any(slot.worker).(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
