// grpc_transport.go: Peer transport over a bidirectional gRPC stream
//
// The gRPC transport is a packet transport: every gRPC message carries one
// frame chunk as a google.protobuf.BytesValue, at most FrameConfig.MaxPacketSize
// bytes long. The receiving side reassembles frames with a FrameReassembler,
// so messages of any size travel over streams with a bounded message size.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"io"
	"net"
	"os"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	peerChannelService = "pluginrpc.PeerChannel"
	peerChannelMethod  = "/pluginrpc.PeerChannel/Connect"
)

// peerChannelServer is the handler type of the PeerChannel service.
type peerChannelServer interface {
	Connect(stream grpc.ServerStream) error
}

var peerChannelDesc = grpc.ServiceDesc{
	ServiceName: peerChannelService,
	HandlerType: (*peerChannelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Connect",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(peerChannelServer).Connect(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pluginrpc/peer_channel.proto",
}

// packetStream is the part of grpc.ServerStream and grpc.ClientStream used
// to move packets.
type packetStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// packetPeer runs a Peer over a packet stream.
type packetPeer struct {
	peer   *Peer
	stream packetStream
	config FrameConfig
	writer *FrameWriter
}

// startPacketPeer initializes peer over stream. The peer is active when it
// returns; run then pumps inbound packets.
func startPacketPeer(peer *Peer, stream packetStream, config FrameConfig) (*packetPeer, error) {
	config.ApplyDefaults()

	writer := NewFrameWriter(func(packet []byte) error {
		return stream.SendMsg(wrapperspb.Bytes(packet))
	}, config, peer.logger, func(err error) {
		go peer.Close(err)
	})

	if err := peer.Initialize(func(payload []byte) error {
		return writer.Queue(payload).Err()
	}); err != nil {
		writer.Close()
		return nil, err
	}
	return &packetPeer{peer: peer, stream: stream, config: config, writer: writer}, nil
}

// run receives packets until the stream ends or the peer closes.
func (pp *packetPeer) run() error {
	defer pp.writer.Close()
	peer := pp.peer

	recvDone := make(chan error, 1)
	go func() {
		reassembler := NewFrameReassembler(pp.config.MaxMessageSize)
		for {
			var packet wrapperspb.BytesValue
			if err := pp.stream.RecvMsg(&packet); err != nil {
				recvDone <- err
				return
			}
			payloads, err := reassembler.Feed(packet.GetValue())
			for _, payload := range payloads {
				if herr := peer.HandleMessage(payload); herr != nil {
					peer.logger.Debug("Inbound message rejected", "error", herr)
				}
			}
			if err != nil {
				recvDone <- err
				return
			}
		}
	}()

	select {
	case err := <-recvDone:
		if isCleanStreamEnd(err) {
			peer.Close(NewTransportError("stream closed by remote", nil))
			return nil
		}
		terr := NewTransportError("stream receive failed", err)
		peer.Close(terr)
		return terr
	case <-peer.Done():
		return nil
	}
}

func isCleanStreamEnd(err error) bool {
	if err == nil || stderrors.Is(err, io.EOF) {
		return true
	}
	switch status.Code(err) {
	case codes.Canceled:
		return true
	}
	return false
}

// GRPCPeerServer accepts peers over gRPC.
type GRPCPeerServer struct {
	newPeer func(ctx context.Context) *Peer
	config  FrameConfig
	logger  Logger
	server  *grpc.Server

	active   atomic.Int64
	accepted atomic.Int64
}

// NewGRPCPeerServer creates a server that builds one Peer per incoming stream
// with newPeer.
func NewGRPCPeerServer(newPeer func(ctx context.Context) *Peer, config FrameConfig, logger Logger, opts ...grpc.ServerOption) *GRPCPeerServer {
	if logger == nil {
		logger = DefaultLogger()
	}
	s := &GRPCPeerServer{
		newPeer: newPeer,
		config:  config,
		logger:  logger,
		server:  grpc.NewServer(opts...),
	}
	s.server.RegisterService(&peerChannelDesc, s)
	return s
}

// Serve accepts connections on ln until Stop is called.
func (s *GRPCPeerServer) Serve(ln net.Listener) error {
	s.logger.Info("gRPC peer server listening", "address", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
		return NewTransportError("grpc serve failed", err)
	}
	return nil
}

// Stop closes every stream and the listener.
func (s *GRPCPeerServer) Stop() {
	s.server.Stop()
}

// ActiveStreams returns the number of connected peers.
func (s *GRPCPeerServer) ActiveStreams() int64 {
	return s.active.Load()
}

// Connect implements the PeerChannel stream handler.
func (s *GRPCPeerServer) Connect(stream grpc.ServerStream) error {
	s.active.Add(1)
	s.accepted.Add(1)
	defer s.active.Add(-1)

	peer := s.newPeer(stream.Context())
	s.logger.Debug("gRPC peer stream opened", "peer", peer.Name())

	pp, err := startPacketPeer(peer, stream, s.config)
	if err != nil {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	if err := pp.run(); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	return nil
}

// GRPCDialConfig configures DialGRPCPeer.
type GRPCDialConfig struct {
	Frame FrameConfig `json:"frame" yaml:"frame"`

	// TLS enables transport security when set.
	TLS *TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig names the certificate files for a TLS or mutual TLS connection.
type TLSConfig struct {
	CertFile   string `json:"cert_file" yaml:"cert_file"`
	KeyFile    string `json:"key_file" yaml:"key_file"`
	CAFile     string `json:"ca_file" yaml:"ca_file"`
	ServerName string `json:"server_name" yaml:"server_name"`
}

// GRPCPeerConn is the client side of a gRPC peer stream.
type GRPCPeerConn struct {
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	peer   *Peer
	done   chan error
}

// DialGRPCPeer opens a PeerChannel stream to target and runs peer over it.
func DialGRPCPeer(ctx context.Context, target string, peer *Peer, config GRPCDialConfig) (*GRPCPeerConn, error) {
	opts := []grpc.DialOption{}
	if config.TLS != nil {
		creds, err := buildTLSCredentials(config.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, NewTransportError("failed to create gRPC client", err).WithContext("target", target)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &peerChannelDesc.Streams[0], peerChannelMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, NewTransportError("failed to open peer stream", err).WithContext("target", target)
	}

	pp, err := startPacketPeer(peer, stream, config.Frame)
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}

	gc := &GRPCPeerConn{conn: conn, cancel: cancel, peer: peer, done: make(chan error, 1)}
	go func() {
		gc.done <- pp.run()
		cancel()
		conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			peer.Close(ctx.Err())
		case <-peer.Done():
		}
	}()

	peer.logger.Info("gRPC peer stream connected", "target", target)
	return gc, nil
}

// Peer returns the connected peer.
func (gc *GRPCPeerConn) Peer() *Peer {
	return gc.peer
}

// Close closes the peer and the connection and waits for the stream to end.
func (gc *GRPCPeerConn) Close() error {
	gc.peer.Close(nil)
	err := <-gc.done
	gc.done <- err
	return err
}

func buildTLSCredentials(cfg *TLSConfig) (credentials.TransportCredentials, error) {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, NewTransportError("failed to load client certificate", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, NewTransportError("failed to read CA certificate", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, NewTransportError("failed to parse CA certificate", nil)
		}
		config.RootCAs = pool
	}

	return credentials.NewTLS(config), nil
}
