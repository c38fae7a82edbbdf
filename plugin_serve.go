// plugin_serve.go: Worker-side entry point
//
// A worker process launched by ProcessSpawner calls ServeWorker from its
// main function. ServeWorker validates the launch environment, creates the
// worker's Peer, publishes the worker's objects and serves them over the
// transport the host selected (stdin/stdout or a gRPC stream) until the
// host disconnects.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"io"
	"os"
)

// ServeConfig configures the worker side of a connection.
type ServeConfig struct {
	// WorkerName names the worker peer. Defaults to the name passed by the host.
	WorkerName string `json:"worker_name" yaml:"worker_name"`

	Handshake HandshakeConfig `json:"handshake" yaml:"handshake"`
	Frame     FrameConfig     `json:"frame" yaml:"frame"`

	// Objects are published under their map keys.
	Objects map[string]Object `json:"-" yaml:"-"`

	Logger Logger `json:"-" yaml:"-"`
}

// DefaultServeConfig provides reasonable defaults for serving workers.
var DefaultServeConfig = ServeConfig{
	WorkerName: "worker",
	Handshake:  DefaultHandshakeConfig,
	Frame:      DefaultFrameConfig,
}

// Validate checks if the ServeConfig is valid and complete.
func (sc *ServeConfig) Validate() error {
	if err := sc.Handshake.Validate(); err != nil {
		return NewConfigValidationError("handshake config validation failed", err)
	}
	if err := sc.Frame.Validate(); err != nil {
		return err
	}
	if len(sc.Objects) == 0 {
		return NewConfigValidationError("at least one object must be published", nil)
	}
	return nil
}

func (sc *ServeConfig) applyDefaults() {
	if sc.Handshake.ProtocolVersion == 0 {
		sc.Handshake = DefaultServeConfig.Handshake
	}
	sc.Frame.ApplyDefaults()
	if sc.Logger == nil {
		sc.Logger = DefaultLogger()
	}
}

// pipeStream joins a read pipe and a write pipe into one ReadWriteCloser.
type pipeStream struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (ps *pipeStream) Close() error {
	var firstErr error
	for _, c := range ps.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (sc *ServeConfig) newPeer(name string) *Peer {
	if sc.WorkerName != "" {
		name = sc.WorkerName
	}
	peer := NewPeer(PeerConfig{
		LocalName: name,
		Handshake: sc.Handshake,
		Logger:    sc.Logger,
	})
	for objName, obj := range sc.Objects {
		peer.Publish(objName, obj)
	}
	return peer
}

// ServeWorker serves config.Objects to the host that launched this process
// and blocks until the host disconnects or ctx is done.
func ServeWorker(ctx context.Context, config ServeConfig) error {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}

	hm := NewHandshakeManager(config.Handshake, config.Logger)
	info, err := hm.ValidatePluginEnvironment()
	if err != nil {
		return err
	}

	name := info.WorkerName
	if name == "" {
		name = info.WorkerID
	}
	peer := config.newPeer(name)

	switch info.Transport {
	case TransportGRPC:
		conn, err := DialGRPCPeer(ctx, info.ServerAddress, peer, GRPCDialConfig{Frame: config.Frame})
		if err != nil {
			return err
		}
		<-peer.Done()
		return ignoreRemoteHangup(conn.Close())

	default:
		stream := &pipeStream{
			Reader:  os.Stdin,
			Writer:  os.Stdout,
			closers: []io.Closer{os.Stdin, os.Stdout},
		}
		return serveStream(ctx, peer, stream, config.Frame)
	}
}

// ServeStream serves config.Objects over rwc, blocking until the remote side
// disconnects or ctx is done. It skips the launch environment checks, which
// makes it suitable for workers reached over sockets and for tests.
func ServeStream(ctx context.Context, rwc io.ReadWriteCloser, config ServeConfig) error {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}
	return serveStream(ctx, config.newPeer("worker"), rwc, config.Frame)
}

func serveStream(ctx context.Context, peer *Peer, rwc io.ReadWriteCloser, frame FrameConfig) error {
	conn, err := ConnectStream(ctx, peer, rwc, frame)
	if err != nil {
		return err
	}
	<-peer.Done()
	conn.Close()
	return ignoreRemoteHangup(conn.Wait())
}

func ignoreRemoteHangup(err error) error {
	if err == nil || HasErrorCode(err, ErrCodePeerClosed) {
		return nil
	}
	return err
}
