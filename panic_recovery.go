// panic_recovery.go: Panic recovery for handler goroutines
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"fmt"
	"runtime"
)

const panicStackSize = 64 << 10

// RecoveryHandler receives a recovered panic value and the goroutine stack.
type RecoveryHandler func(recovered any, stack []byte)

func captureStack() []byte {
	buf := make([]byte, panicStackSize)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// withStackRecover returns a deferred function that logs a panic with its stack.
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    ...
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(captureStack()))
		}
	}
}

// recoverInvocation turns a panic raised by an exported object into an
// invocation error stored in *errp. Use it as
//
//	defer recoverInvocation(logger, member, &err)
func recoverInvocation(logger Logger, member string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("Panic recovered in exported object",
		"member", member,
		"panic", r,
		"stack", string(captureStack()))
	*errp = NewInvocationError(member, fmt.Errorf("panic: %v", r))
}

// SafeGo runs fn in a new goroutine; a panic is logged instead of crashing
// the process.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// SafeGoWithHandler is SafeGo with a custom recovery handler.
func SafeGoWithHandler(handler RecoveryHandler, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				handler(r, captureStack())
			}
		}()
		fn()
	}()
}
