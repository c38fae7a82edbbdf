// errors.go: structured error definitions for the plugin-rpc runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	stderrors "errors"

	"github.com/agilira/go-errors"
)

// Error codes for the plugin-rpc runtime
const (
	// Configuration errors (1700-1799)
	ErrCodeConfigNotFound        = "CONFIG_1701"
	ErrCodeConfigParseError      = "CONFIG_1702"
	ErrCodeConfigValidationError = "CONFIG_1703"
	ErrCodeConfigWatcherError    = "CONFIG_1704"

	// RPC and communication errors (2000-2099)
	ErrCodeRPCError           = "RPC_2001"
	ErrCodeHandshakeError     = "RPC_2002"
	ErrCodeCommunicationError = "RPC_2003"
	ErrCodeProtocolError      = "RPC_2004"
	ErrCodeSerializationError = "RPC_2005"
	ErrCodeInvocationError    = "RPC_2006"
	ErrCodeTransportError     = "RPC_2007"
	ErrCodeNotFound           = "RPC_2008"
	ErrCodePeerClosed         = "RPC_2009"
	ErrCodeCapabilityDenied   = "RPC_2010"

	// Queue errors (2100-2199)
	ErrCodeQueueEnded = "QUEUE_2101"

	// Worker errors (2200-2299)
	ErrCodeSpawnFailed   = "WORKER_2201"
	ErrCodeZygoteClosed  = "WORKER_2202"
	ErrCodeProcessError  = "WORKER_2203"
	ErrCodeWorkerUnknown = "WORKER_2204"

	// Cluster errors (2300-2399)
	ErrCodeClusterError      = "CLUSTER_2301"
	ErrCodeClusterWriteError = "CLUSTER_2302"

	// Stream bridge errors (2400-2499)
	ErrCodeStreamControlError = "STREAM_2401"
	ErrCodeStreamConnectError = "STREAM_2402"
)

// Error kinds carried in wire error descriptors.
const (
	ErrorKindProtocol   = "protocol"
	ErrorKindInvocation = "invocation"
	ErrorKindTransport  = "transport"
	ErrorKindLookup     = "lookup"
	ErrorKindCapability = "capability"
	ErrorKindClosed     = "closed"
)

// ErrQueueEnded is returned by AsyncQueue.Dequeue once the queue has been
// ended without an explicit error and no buffered values remain.
var ErrQueueEnded = errors.New(ErrCodeQueueEnded, "async queue ended").
	WithUserMessage("The stream has ended").
	WithSeverity("info")

// ErrorCode returns the go-errors code carried by err or any error it wraps,
// and an empty string when there is none.
func ErrorCode(err error) string {
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return string(coded.ErrorCode())
	}
	return ""
}

// HasErrorCode reports whether err carries the given code.
func HasErrorCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// wrapCause wraps cause, or creates a fresh error when there is none.
func wrapCause(cause error, code errors.ErrorCode, message string) *errors.Error {
	if cause == nil {
		return errors.New(code, message)
	}
	return errors.Wrap(cause, code, message)
}

// Configuration error constructors

func NewConfigNotFoundError(path string) *errors.Error {
	return errors.New(ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The configuration file could not be found").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	if cause != nil {
		return wrapCause(cause, ErrCodeConfigValidationError, "Configuration validation error: "+message).
			WithUserMessage("Configuration validation failed").
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigValidationError, "Configuration validation error: "+message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeConfigWatcherError, "Configuration watcher error: "+message).
		WithUserMessage("Configuration monitoring failed").
		WithSeverity("error")
}

// RPC and communication error constructors

func NewRPCError(message string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeRPCError, "RPC error: "+message).
		WithUserMessage("RPC communication failed").
		WithSeverity("error").
		AsRetryable()
}

func NewHandshakeError(message string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeHandshakeError, "Handshake error: "+message).
		WithUserMessage("Peer handshake failed").
		WithSeverity("error")
}

func NewCommunicationError(message string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeCommunicationError, "Communication error: "+message).
		WithUserMessage("Plugin communication failed").
		WithSeverity("error").
		AsRetryable()
}

func NewPluginProtocolError(message string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeProtocolError, "Protocol error: "+message).
		WithUserMessage("Protocol error occurred").
		WithSeverity("error")
}

func NewSerializationError(message string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeSerializationError, "Serialization error: "+message).
		WithUserMessage("Data serialization failed").
		WithSeverity("error")
}

func NewTransportError(message string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeTransportError, "Transport error: "+message).
		WithUserMessage("Transport operation failed").
		WithSeverity("error").
		AsRetryable()
}

func NewPeerClosedError(peerName string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodePeerClosed, "Peer closed").
		WithUserMessage("The RPC peer has been closed").
		WithContext("peer", peerName).
		WithSeverity("warning")
}

func NewRemoteNotFoundError(what, name string) *errors.Error {
	return errors.New(ErrCodeNotFound, what+" not found: "+name).
		WithUserMessage("The requested remote object was not found").
		WithContext("kind", what).
		WithContext("name", name).
		WithSeverity("error")
}

func NewCapabilityDeniedError(objectID, member string) *errors.Error {
	return errors.New(ErrCodeCapabilityDenied, "Member not in interface: "+member).
		WithUserMessage("The remote object does not expose this member").
		WithContext("object_id", objectID).
		WithContext("member", member).
		WithSeverity("error")
}

func NewInvocationError(method string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeInvocationError, "Invocation failed: "+method).
		WithUserMessage("The remote method failed").
		WithContext("method", method).
		WithSeverity("error")
}

// Queue and worker error constructors

func NewSpawnError(message string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeSpawnFailed, "Spawn failed: "+message).
		WithUserMessage("Failed to start a worker").
		WithSeverity("error").
		AsRetryable()
}

func NewZygoteClosedError() *errors.Error {
	return errors.New(ErrCodeZygoteClosed, "Zygote closed").
		WithUserMessage("The worker pool has been shut down").
		WithSeverity("warning")
}

func NewProcessError(message string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeProcessError, "Process error: "+message).
		WithUserMessage("Worker process management failed").
		WithSeverity("error")
}

func NewWorkerUnknownError(workerID string) *errors.Error {
	return errors.New(ErrCodeWorkerUnknown, "Unknown worker: "+workerID).
		WithUserMessage("The cluster worker is not registered").
		WithContext("worker_id", workerID).
		WithSeverity("error")
}

// Cluster error constructors

func NewClusterError(message string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeClusterError, "Cluster error: "+message).
		WithUserMessage("Cluster operation failed").
		WithSeverity("error")
}

func NewClusterWriteError(workerID string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeClusterWriteError, "Cluster environment write failed").
		WithUserMessage("Failed to persist worker settings").
		WithContext("worker_id", workerID).
		WithSeverity("error")
}

// Stream bridge error constructors

func NewStreamControlError(message string) *errors.Error {
	return errors.New(ErrCodeStreamControlError, "Stream control error: "+message).
		WithUserMessage("Invalid stream control message").
		WithSeverity("error")
}

func NewStreamConnectError(target string, cause error) *errors.Error {
	return wrapCause(cause, ErrCodeStreamConnectError, "Stream connect failed").
		WithUserMessage("Failed to connect the stream endpoint").
		WithContext("target", target).
		WithSeverity("error").
		AsRetryable()
}

// newRemoteError rebuilds a caller-side error from a wire error descriptor.
func newRemoteError(desc *ErrorDescriptor) *errors.Error {
	code := desc.Code
	if code == "" {
		code = ErrCodeInvocationError
	}
	return errors.New(errors.ErrorCode(code), desc.Message).
		WithUserMessage("Remote call failed").
		WithContext("kind", desc.Kind).
		WithSeverity("error")
}
