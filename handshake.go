// handshake.go: Protocol handshake between peers and spawned workers
//
// Two mechanisms share one HandshakeConfig. A host launching a worker
// process passes the magic cookie and protocol version through environment
// variables (PrepareEnvironment / ValidatePluginEnvironment). Once the peers
// are connected, Peer.Handshake exchanges hello messages carrying the same
// values over the RPC channel itself.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	uuid "github.com/nu7hatch/gouuid"
)

// Environment variables understood by spawned workers.
const (
	EnvProtocolVersion = "PLUGIN_RPC_PROTOCOL_VERSION"
	EnvTransport       = "PLUGIN_RPC_TRANSPORT"
	EnvWorkerID        = "PLUGIN_RPC_WORKER_ID"
	EnvWorkerName      = "PLUGIN_RPC_WORKER_NAME"
	EnvServerAddress   = "PLUGIN_RPC_SERVER_ADDRESS"
)

// HandshakeConfig represents the configuration for the peer handshake.
type HandshakeConfig struct {
	// ProtocolVersion must match on both sides.
	ProtocolVersion uint `json:"protocol_version" yaml:"protocol_version"`

	// MagicCookieKey and MagicCookieValue guard against launching a binary
	// that is not a worker. This is not a security feature.
	MagicCookieKey   string `json:"magic_cookie_key" yaml:"magic_cookie_key"`
	MagicCookieValue string `json:"magic_cookie_value" yaml:"magic_cookie_value"`
}

// DefaultHandshakeConfig provides a reasonable default handshake configuration.
var DefaultHandshakeConfig = HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGIN_RPC_MAGIC_COOKIE",
	MagicCookieValue: "agilira-plugin-rpc-v1",
}

var envVarNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks if the HandshakeConfig is valid and complete.
func (hc *HandshakeConfig) Validate() error {
	if hc.ProtocolVersion == 0 {
		return NewHandshakeError("protocol version must be greater than 0", nil)
	}
	if hc.MagicCookieKey == "" {
		return NewHandshakeError("magic cookie key is required", nil)
	}
	if hc.MagicCookieValue == "" {
		return NewHandshakeError("magic cookie value is required", nil)
	}
	if !isValidEnvVarName(hc.MagicCookieKey) {
		return NewHandshakeError("magic cookie key must be a valid environment variable name", nil)
	}
	return nil
}

func isValidEnvVarName(name string) bool {
	return envVarNamePattern.MatchString(name)
}

// hello builds the hello payload announced by a peer named name.
func (hc HandshakeConfig) hello(name string) *HelloInfo {
	return &HelloInfo{
		Name:            name,
		ProtocolVersion: hc.ProtocolVersion,
		MagicCookie:     hc.MagicCookieValue,
	}
}

// checkHello validates a hello received from the remote peer.
func (hc HandshakeConfig) checkHello(remote *HelloInfo) error {
	if remote == nil {
		return NewHandshakeError("missing hello payload", nil)
	}
	if remote.ProtocolVersion != hc.ProtocolVersion {
		return NewHandshakeError(fmt.Sprintf("protocol version mismatch: expected %d, got %d",
			hc.ProtocolVersion, remote.ProtocolVersion), nil)
	}
	if remote.MagicCookie != hc.MagicCookieValue {
		return NewHandshakeError("magic cookie mismatch", nil)
	}
	return nil
}

// TransportKind names how a spawned worker reaches its host.
type TransportKind int

const (
	TransportInvalid TransportKind = iota
	TransportStdio                 // frames over stdin/stdout
	TransportGRPC                  // bidi gRPC stream
)

// String implements fmt.Stringer for TransportKind.
func (tk TransportKind) String() string {
	switch tk {
	case TransportStdio:
		return "stdio"
	case TransportGRPC:
		return "grpc"
	default:
		return "invalid"
	}
}

func parseTransportKind(s string) TransportKind {
	switch strings.ToLower(s) {
	case "stdio":
		return TransportStdio
	case "grpc":
		return TransportGRPC
	default:
		return TransportInvalid
	}
}

// WorkerLaunchInfo is what a host tells a worker process at launch.
type WorkerLaunchInfo struct {
	ProtocolVersion uint          `json:"protocol_version"`
	Transport       TransportKind `json:"transport"`
	WorkerID        string        `json:"worker_id"`
	WorkerName      string        `json:"worker_name,omitempty"`

	// ServerAddress is only set for TransportGRPC.
	ServerAddress string `json:"server_address,omitempty"`
}

// HandshakeManager manages the launch-time handshake between host and worker.
type HandshakeManager struct {
	config HandshakeConfig
	logger Logger
}

// NewHandshakeManager creates a new handshake manager.
func NewHandshakeManager(config HandshakeConfig, logger Logger) *HandshakeManager {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &HandshakeManager{config: config, logger: logger}
}

// PrepareEnvironment returns the current environment extended with the
// variables a worker needs to validate its launch.
func (hm *HandshakeManager) PrepareEnvironment(info WorkerLaunchInfo) []string {
	env := os.Environ()
	env = append(env,
		fmt.Sprintf("%s=%s", hm.config.MagicCookieKey, hm.config.MagicCookieValue),
		fmt.Sprintf("%s=%d", EnvProtocolVersion, hm.config.ProtocolVersion),
		fmt.Sprintf("%s=%s", EnvTransport, info.Transport.String()),
		fmt.Sprintf("%s=%s", EnvWorkerID, info.WorkerID),
	)
	if info.WorkerName != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvWorkerName, info.WorkerName))
	}
	if info.ServerAddress != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvServerAddress, info.ServerAddress))
	}

	hm.logger.Debug("Prepared worker environment",
		"magic_cookie", hm.config.MagicCookieKey,
		"protocol_version", hm.config.ProtocolVersion,
		"transport", info.Transport.String(),
		"worker_id", info.WorkerID)

	return env
}

// ValidatePluginEnvironment is called on the worker side to check that the
// process was launched by a compatible host.
func (hm *HandshakeManager) ValidatePluginEnvironment() (*WorkerLaunchInfo, error) {
	if cookie := os.Getenv(hm.config.MagicCookieKey); cookie != hm.config.MagicCookieValue {
		return nil, NewHandshakeError("invalid magic cookie; this binary is meant to be launched by a plugin host", nil)
	}

	versionStr := os.Getenv(EnvProtocolVersion)
	if versionStr == "" {
		return nil, NewHandshakeError("missing "+EnvProtocolVersion+" environment variable", nil)
	}
	version, err := strconv.ParseUint(versionStr, 10, 32)
	if err != nil {
		return nil, NewHandshakeError("invalid protocol version", err)
	}
	if uint(version) != hm.config.ProtocolVersion {
		return nil, NewHandshakeError(fmt.Sprintf("protocol version mismatch: expected %d, got %d",
			hm.config.ProtocolVersion, version), nil)
	}

	transport := parseTransportKind(os.Getenv(EnvTransport))
	if transport == TransportInvalid {
		return nil, NewHandshakeError("invalid or missing transport: "+os.Getenv(EnvTransport), nil)
	}

	info := &WorkerLaunchInfo{
		ProtocolVersion: uint(version),
		Transport:       transport,
		WorkerID:        os.Getenv(EnvWorkerID),
		WorkerName:      os.Getenv(EnvWorkerName),
		ServerAddress:   os.Getenv(EnvServerAddress),
	}
	if transport == TransportGRPC && info.ServerAddress == "" {
		return nil, NewHandshakeError("missing "+EnvServerAddress+" for grpc transport", nil)
	}

	hm.logger.Info("Worker environment validated",
		"protocol_version", info.ProtocolVersion,
		"transport", info.Transport.String(),
		"worker_id", info.WorkerID)
	return info, nil
}

// NewWorkerID returns a random v4 UUID string.
func NewWorkerID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", NewSpawnError("failed to generate worker id", err)
	}
	return id.String(), nil
}

// HandshakeTimeout bounds Peer.Handshake when ctx carries no deadline.
const HandshakeTimeout = 30 * time.Second

// IsHandshakeTimeoutError reports whether err is a handshake that ran out of time.
func IsHandshakeTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "handshake timeout")
}
