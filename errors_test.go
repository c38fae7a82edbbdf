// errors_test.go: tests for structured error constructors and code helpers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	stderrors "errors"
	"testing"

	"github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorConstructors(t *testing.T) {
	cause := stderrors.New("boom")

	tests := []struct {
		name      string
		err       *errors.Error
		code      string
		retryable bool
		severity  string
	}{
		{"config not found", NewConfigNotFoundError("/etc/x.yaml"), ErrCodeConfigNotFound, false, "error"},
		{"config parse", NewConfigParseError("/etc/x.yaml", cause), ErrCodeConfigParseError, false, "error"},
		{"config validation", NewConfigValidationError("bad", nil), ErrCodeConfigValidationError, false, "error"},
		{"config watcher", NewConfigWatcherError("stopped", cause), ErrCodeConfigWatcherError, false, "error"},
		{"rpc", NewRPCError("failed", cause), ErrCodeRPCError, true, "error"},
		{"handshake", NewHandshakeError("version", nil), ErrCodeHandshakeError, false, "error"},
		{"communication", NewCommunicationError("lost", cause), ErrCodeCommunicationError, true, "error"},
		{"protocol", NewPluginProtocolError("garbage", nil), ErrCodeProtocolError, false, "error"},
		{"serialization", NewSerializationError("json", cause), ErrCodeSerializationError, false, "error"},
		{"transport", NewTransportError("pipe", cause), ErrCodeTransportError, true, "error"},
		{"peer closed", NewPeerClosedError("host", nil), ErrCodePeerClosed, false, "warning"},
		{"not found", NewRemoteNotFoundError("param", "greeter"), ErrCodeNotFound, false, "error"},
		{"capability", NewCapabilityDeniedError("obj-1", "secret"), ErrCodeCapabilityDenied, false, "error"},
		{"invocation", NewInvocationError("hello", cause), ErrCodeInvocationError, false, "error"},
		{"spawn", NewSpawnError("exec", cause), ErrCodeSpawnFailed, true, "error"},
		{"zygote closed", NewZygoteClosedError(), ErrCodeZygoteClosed, false, "warning"},
		{"process", NewProcessError("exit", cause), ErrCodeProcessError, false, "error"},
		{"worker unknown", NewWorkerUnknownError("gpu-9"), ErrCodeWorkerUnknown, false, "error"},
		{"cluster", NewClusterError("inactive", nil), ErrCodeClusterError, false, "error"},
		{"cluster write", NewClusterWriteError("gpu-1", cause), ErrCodeClusterWriteError, false, "error"},
		{"stream control", NewStreamControlError("unknown"), ErrCodeStreamControlError, false, "error"},
		{"stream connect", NewStreamConnectError("127.0.0.1:1", cause), ErrCodeStreamConnectError, true, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err)
			assert.Equal(t, errors.ErrorCode(tt.code), tt.err.ErrorCode())
			assert.Equal(t, tt.retryable, tt.err.IsRetryable())
			assert.Equal(t, tt.severity, tt.err.Severity)
			assert.NotEmpty(t, tt.err.UserMessage())
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestErrorContext(t *testing.T) {
	err := NewCapabilityDeniedError("obj-7", "drop")
	assert.Equal(t, "obj-7", err.Context["object_id"])
	assert.Equal(t, "drop", err.Context["member"])

	werr := NewClusterWriteError("gpu-2", stderrors.New("disk full"))
	assert.Equal(t, "gpu-2", werr.Context["worker_id"])

	cerr := NewConfigNotFoundError("/tmp/missing.yaml")
	assert.Equal(t, "/tmp/missing.yaml", cerr.Context["config_path"])
}

func TestErrorCodeHelpers(t *testing.T) {
	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, "", ErrorCode(stderrors.New("plain")))
	assert.False(t, HasErrorCode(nil, ErrCodeNotFound))

	err := NewRemoteNotFoundError("object", "7")
	assert.Equal(t, ErrCodeNotFound, ErrorCode(err))
	assert.True(t, HasErrorCode(err, ErrCodeNotFound))
	assert.False(t, HasErrorCode(err, ErrCodeInvocationError))

	var asError error = ErrQueueEnded
	assert.True(t, HasErrorCode(asError, ErrCodeQueueEnded))
}

func TestNewRemoteError(t *testing.T) {
	t.Run("keeps wire code", func(t *testing.T) {
		err := newRemoteError(&ErrorDescriptor{Code: ErrCodeCapabilityDenied, Message: "denied", Kind: ErrorKindInvocation})
		assert.True(t, HasErrorCode(err, ErrCodeCapabilityDenied))
		assert.Contains(t, err.Error(), "denied")
		assert.Equal(t, ErrorKindInvocation, err.Context["kind"])
	})

	t.Run("empty code becomes invocation", func(t *testing.T) {
		err := newRemoteError(&ErrorDescriptor{Message: "thrown"})
		assert.True(t, HasErrorCode(err, ErrCodeInvocationError))
	})
}
