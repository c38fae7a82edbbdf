// zap_logger.go: Logger adapter for go.uber.org/zap
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"go.uber.org/zap"
)

// ZapLogger adapts a *zap.Logger to the Logger interface. Key-value pairs
// are passed through zap's sugared API, so the usual zap field rules apply.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps a zap logger. A nil logger yields zap.NewNop().
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{sugar: logger.Sugar()}
}

func zapLoggerFrom(v any) Logger {
	switch l := v.(type) {
	case *zap.Logger:
		return NewZapLogger(l)
	case *zap.SugaredLogger:
		return &ZapLogger{sugar: l}
	}
	return nil
}

func (z *ZapLogger) Debug(msg string, args ...any) { z.sugar.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...any)  { z.sugar.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...any)  { z.sugar.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }

// With implements Logger.
func (z *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{sugar: z.sugar.With(args...)}
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}
