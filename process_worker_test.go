// process_worker_test.go: tests for worker processes spawned over stdio
//
// The test binary doubles as the worker executable: with
// PLUGIN_RPC_HELPER_WORKER set, TestHelperWorkerProcess serves a greeter
// and exits instead of running as a test.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperWorkerEnv = "PLUGIN_RPC_HELPER_WORKER"

func TestHelperWorkerProcess(t *testing.T) {
	if os.Getenv(helperWorkerEnv) != "1" {
		return
	}
	fmt.Fprintln(os.Stderr, "helper worker starting")
	err := ServeWorker(context.Background(), ServeConfig{
		Objects: map[string]Object{"greeter": newGreeter()},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper worker failed:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func helperSpawnerConfig(logger Logger) ProcessSpawnerConfig {
	return ProcessSpawnerConfig{
		ExecutablePath:  os.Args[0],
		Args:            []string{"-test.run=^TestHelperWorkerProcess$"},
		Env:             []string{helperWorkerEnv + "=1"},
		WorkerName:      "helper",
		ShutdownTimeout: 2 * time.Second,
		Logger:          logger,
	}
}

func TestProcessSpawnerConfigValidate(t *testing.T) {
	t.Run("missing path", func(t *testing.T) {
		_, err := NewProcessSpawner(ProcessSpawnerConfig{})
		assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))
	})

	t.Run("nonexistent path", func(t *testing.T) {
		_, err := NewProcessSpawner(ProcessSpawnerConfig{ExecutablePath: "/nonexistent/worker"})
		assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))
	})

	t.Run("directory", func(t *testing.T) {
		_, err := NewProcessSpawner(ProcessSpawnerConfig{ExecutablePath: t.TempDir()})
		assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))
	})

	t.Run("defaults", func(t *testing.T) {
		config := ProcessSpawnerConfig{ExecutablePath: os.Args[0]}
		config.ApplyDefaults()
		require.NoError(t, config.Validate())
		assert.Equal(t, HandshakeTimeout, config.HandshakeTimeout)
		assert.Equal(t, 5*time.Second, config.ShutdownTimeout)
		assert.Equal(t, DefaultHandshakeConfig, config.Handshake)
		assert.Equal(t, DefaultFrameConfig, config.Frame)
	})
}

func TestProcessWorkerLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a process")
	}
	logger := NewTestLogger()
	spawner, err := NewProcessSpawner(helperSpawnerConfig(logger))
	require.NoError(t, err)

	ctx := testContext(t)
	worker, err := spawner.Spawn(ctx)
	require.NoError(t, err)

	assert.Equal(t, "helper", worker.Name())
	assert.Len(t, worker.ID(), 36)
	assert.Greater(t, worker.PID(), 0)

	greeter, err := worker.GetParam(ctx, "greeter")
	require.NoError(t, err)
	var reply string
	require.NoError(t, greeter.CallInto(ctx, &reply, "hello", "process"))
	assert.Equal(t, "hello process", reply)

	stats, err := worker.Stats()
	require.NoError(t, err)
	assert.Equal(t, worker.PID(), stats.PID)
	assert.GreaterOrEqual(t, stats.Peer.MessagesOut, int64(2))

	require.NoError(t, worker.Close())
	select {
	case <-worker.Exited():
	default:
		t.Fatal("process still running after Close")
	}
	assert.True(t, logger.HasMessage("INFO", "helper worker starting"))
	assert.True(t, logger.HasMessage("INFO", "Worker process ready"))
}

func TestProcessWorkerBehindZygote(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	spawner, err := NewProcessSpawner(helperSpawnerConfig(NewTestLogger()))
	require.NoError(t, err)

	pool := NewZygote(spawner.Spawn, ZygoteConfig{PoolSize: 1}, NewTestLogger())
	defer pool.Close()

	ctx := testContext(t)
	first, err := pool.Next(ctx)
	require.NoError(t, err)
	defer first.Close()

	second, err := pool.Next(ctx)
	require.NoError(t, err)
	defer second.Close()

	assert.NotEqual(t, first.PID(), second.PID())
	for _, w := range []*ProcessWorker{first, second} {
		greeter, err := w.GetParam(ctx, "greeter")
		require.NoError(t, err)
		var reply string
		require.NoError(t, greeter.CallInto(ctx, &reply, "hello", "pool"))
		assert.Equal(t, "hello pool", reply)
	}
}

func TestProcessSpawnHandshakeFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a process")
	}
	config := helperSpawnerConfig(NewTestLogger())
	// The child never serves, so the handshake cannot complete.
	config.Env = nil
	config.HandshakeTimeout = 500 * time.Millisecond
	spawner, err := NewProcessSpawner(config)
	require.NoError(t, err)

	_, err = spawner.Spawn(testContext(t))
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeProcessError))
}
