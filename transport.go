// transport.go: Byte stream transports for peers
//
// ConnectStream runs a Peer over any io.ReadWriteCloser: sockets, stdio
// pipes of a worker process or an in-memory net.Pipe. Messages are framed by
// the frame serializer in both directions.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"time"
)

// streamFlushTimeout bounds how long shutdown waits for queued frames before
// the stream is closed underneath the writer.
const streamFlushTimeout = time.Second

// StreamConnection binds a Peer to a byte stream.
type StreamConnection struct {
	peer   *Peer
	rwc    io.ReadWriteCloser
	writer *FrameWriter
	logger Logger

	readDone  chan struct{}
	readErr   error
	closeOnce sync.Once
	closed    chan struct{}
}

// ConnectStream initializes peer with rwc as its transport and starts reading.
// The connection lives until ctx is done, the stream fails or the peer closes;
// any of these closes the other two.
func ConnectStream(ctx context.Context, peer *Peer, rwc io.ReadWriteCloser, config FrameConfig) (*StreamConnection, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	sc := &StreamConnection{
		peer:     peer,
		rwc:      rwc,
		logger:   peer.logger,
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}

	sc.writer = NewFrameWriter(func(packet []byte) error {
		_, err := rwc.Write(packet)
		return err
	}, config, peer.logger, func(err error) {
		go peer.Close(err)
	})

	err := peer.Initialize(func(payload []byte) error {
		return sc.writer.Queue(payload).Err()
	})
	if err != nil {
		sc.writer.Close()
		return nil, err
	}

	go sc.readLoop(ctx, config.MaxMessageSize)
	go sc.watch(ctx)
	return sc, nil
}

// Peer returns the connected peer.
func (sc *StreamConnection) Peer() *Peer {
	return sc.peer
}

// Close closes the peer and the stream.
func (sc *StreamConnection) Close() error {
	sc.peer.Close(nil)
	sc.shutdown()
	return nil
}

// Wait blocks until the read side of the stream finished and returns the
// read error, if any. A clean EOF yields nil.
func (sc *StreamConnection) Wait() error {
	<-sc.readDone
	return sc.readErr
}

// WriterStats returns the frame writer counters.
func (sc *StreamConnection) WriterStats() FrameWriterStats {
	return sc.writer.Stats()
}

func (sc *StreamConnection) readLoop(ctx context.Context, maxMessage int) {
	defer close(sc.readDone)

	err := ReadFrames(ctx, sc.rwc, maxMessage, func(payload []byte) {
		if herr := sc.peer.HandleMessage(payload); herr != nil {
			sc.logger.Debug("Inbound message rejected", "error", herr)
		}
	})
	// Errors after a local close or cancellation come from tearing the stream down.
	if err != nil && (isClosedStreamError(err) || ctx.Err() != nil || sc.peer.State() == PeerClosed) {
		err = nil
	}
	sc.readErr = err

	if err != nil {
		sc.peer.Close(err)
	} else {
		sc.peer.Close(NewTransportError("stream closed by remote", nil))
	}
}

func (sc *StreamConnection) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		sc.peer.Close(ctx.Err())
	case <-sc.peer.Done():
	}
	sc.shutdown()
}

func (sc *StreamConnection) shutdown() {
	sc.closeOnce.Do(func() {
		flushed := make(chan struct{})
		go func() {
			sc.writer.Close()
			close(flushed)
		}()

		select {
		case <-flushed:
		case <-time.After(streamFlushTimeout):
			sc.logger.Debug("Stream flush timed out")
		}

		if err := sc.rwc.Close(); err != nil && !isClosedStreamError(err) {
			sc.logger.Debug("Failed to close stream", "error", err)
		}
		close(sc.closed)
	})
}

func isClosedStreamError(err error) bool {
	return stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, io.ErrClosedPipe) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, net.ErrClosed)
}

// NewPeerPair connects two new peers through an in-memory pipe. It is the
// usual way to run a plugin in the same process as its host.
func NewPeerPair(ctx context.Context, left, right PeerConfig) (*Peer, *Peer, error) {
	a, b := net.Pipe()
	lp, rp := NewPeer(left), NewPeer(right)

	if _, err := ConnectStream(ctx, lp, a, DefaultFrameConfig); err != nil {
		a.Close()
		b.Close()
		return nil, nil, err
	}
	if _, err := ConnectStream(ctx, rp, b, DefaultFrameConfig); err != nil {
		lp.Close(err)
		b.Close()
		return nil, nil, err
	}
	return lp, rp, nil
}

// DialPeer connects peer to a listening AcceptPeers server.
func DialPeer(ctx context.Context, network, address string, peer *Peer, config FrameConfig) (*StreamConnection, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, NewTransportError("dial failed", err).WithContext("address", address)
	}
	sc, err := ConnectStream(context.Background(), peer, conn, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sc, nil
}

// AcceptPeers accepts connections from ln until ctx is done or the listener
// fails, connecting each one to the peer returned by newPeer.
func AcceptPeers(ctx context.Context, ln net.Listener, config FrameConfig, logger Logger, newPeer func(conn net.Conn) *Peer) error {
	if logger == nil {
		logger = DefaultLogger()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("Accepting peers", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				logger.Info("Peer listener stopped", "address", ln.Addr().String())
				return nil
			}
			return NewTransportError("accept failed", err)
		}

		peer := newPeer(conn)
		if _, err := ConnectStream(ctx, peer, conn, config); err != nil {
			logger.Warn("Failed to connect accepted stream", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			continue
		}
		logger.Debug("Peer connected", "remote", conn.RemoteAddr().String())
	}
}
