// logging_test.go: tests for the Logger interface and its implementations
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	t.Run("nil gives no-op", func(t *testing.T) {
		_, ok := NewLogger(nil).(*NoOpLogger)
		assert.True(t, ok)
	})

	t.Run("Logger passes through", func(t *testing.T) {
		tl := NewTestLogger()
		assert.Same(t, tl, NewLogger(tl))
	})

	t.Run("zap logger is wrapped", func(t *testing.T) {
		_, ok := NewLogger(zap.NewNop()).(*ZapLogger)
		assert.True(t, ok)
	})

	t.Run("sugared zap logger is wrapped", func(t *testing.T) {
		_, ok := NewLogger(zap.NewNop().Sugar()).(*ZapLogger)
		assert.True(t, ok)
	})

	t.Run("unsupported type panics", func(t *testing.T) {
		assert.Panics(t, func() { NewLogger("stdout") })
	})
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	assert.NotPanics(t, func() {
		logger.Debug("d")
		logger.Info("i", "k", 1)
		logger.Warn("w")
		logger.Error("e")
	})
	assert.Same(t, logger, logger.With("peer", "host"))
}

func TestTestLoggerCapture(t *testing.T) {
	logger := NewTestLogger()
	logger.Debug("debugging", "step", 1)
	logger.Info("started")
	logger.Warn("slow")
	logger.Error("failed", "error", "boom")

	msgs := logger.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, TestLogMessage{Level: "DEBUG", Message: "debugging", Args: []any{"step", 1}}, msgs[0])
	assert.True(t, logger.HasMessage("INFO", "started"))
	assert.True(t, logger.HasMessage("WARN", "slow"))
	assert.True(t, logger.HasMessage("ERROR", "failed"))
	assert.False(t, logger.HasMessage("INFO", "failed"))

	logger.Clear()
	assert.Empty(t, logger.Messages())
}

func TestTestLoggerWithSharesStore(t *testing.T) {
	parent := NewTestLogger()
	child := parent.With("peer", "host")
	grandchild := child.With("worker_id", "w-1")

	grandchild.Info("call", "method", "hello")

	msgs := parent.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []any{"peer", "host", "worker_id", "w-1", "method", "hello"}, msgs[0].Args)

	parent.Info("plain")
	msgs = parent.Messages()
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[1].Args)
}

func TestTestLoggerConcurrent(t *testing.T) {
	logger := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.With("n", i).Info("tick")
		}(i)
	}
	wg.Wait()
	assert.Len(t, logger.Messages(), 20)
}

func TestLoggerContext(t *testing.T) {
	_, ok := LoggerFromContext(context.Background()).(*NoOpLogger)
	assert.True(t, ok)

	logger := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), logger)
	assert.Same(t, logger, LoggerFromContext(ctx))
}
