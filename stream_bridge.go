// stream_bridge.go: Raw byte endpoints tunnelled through RPC
//
// A StreamBridge connects a pull-based input sequence of chunks to a real
// byte endpoint (a TCP socket, a shell process) and exposes what the endpoint
// writes back as a pull-based output sequence. Endpoint reads are pushed into
// a ByteQueue; the reader pauses while the unconsumed backlog is above the
// watermark. StreamBridgeObject publishes the bridge through a Peer.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Control message types.
const (
	ControlStart  = "start"
	ControlResize = "resize"
	ControlEOF    = "eof"
)

// ControlMessage is a directive for the endpoint, distinct from data.
type ControlMessage struct {
	Type        string   `json:"type"`
	Interactive bool     `json:"interactive,omitempty"`
	Cmd         []string `json:"cmd,omitempty"`
	Cols        int      `json:"cols,omitempty"`
	Rows        int      `json:"rows,omitempty"`
}

// Validate rejects unknown control types.
func (cm *ControlMessage) Validate() error {
	switch cm.Type {
	case ControlStart, ControlEOF:
		return nil
	case ControlResize:
		if cm.Cols <= 0 || cm.Rows <= 0 {
			return NewStreamControlError("resize needs positive cols and rows")
		}
		return nil
	}
	return NewStreamControlError("unknown control type: " + cm.Type)
}

// StreamChunk is one element of an input sequence: either data or a control
// message, never both.
type StreamChunk struct {
	Data    []byte
	Control *ControlMessage
}

// ChunkSource is a pull-based input sequence. Next returns io.EOF at the end.
type ChunkSource interface {
	Next(ctx context.Context) (StreamChunk, error)
}

// QueueSource adapts an AsyncQueue of chunks to a ChunkSource; ending the
// queue ends the sequence.
type QueueSource struct {
	Queue *AsyncQueue[StreamChunk]
}

// NewQueueSource creates a source backed by a fresh queue.
func NewQueueSource() *QueueSource {
	return &QueueSource{Queue: NewAsyncQueue[StreamChunk]()}
}

// Next implements ChunkSource.
func (qs *QueueSource) Next(ctx context.Context) (StreamChunk, error) {
	chunk, err := qs.Queue.Dequeue(ctx)
	if err != nil && HasErrorCode(err, ErrCodeQueueEnded) {
		return StreamChunk{}, io.EOF
	}
	return chunk, err
}

// ControlHandler is implemented by endpoints that act on control messages.
type ControlHandler interface {
	HandleControl(msg ControlMessage) error
}

// ConnectOptions selects the endpoint of a bridged stream.
type ConnectOptions struct {
	// Network and Address are used by TCPDialer ("tcp" if Network is empty).
	Network string `json:"network,omitempty"`
	Address string `json:"address,omitempty"`

	// Command is used by CommandDialer. When empty the command comes from
	// the first start control message.
	Command []string `json:"command,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// EndpointDialer opens the real endpoint for a connection.
type EndpointDialer interface {
	Dial(ctx context.Context, opts ConnectOptions) (io.ReadWriteCloser, error)
}

// TCPDialer dials sockets.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial implements EndpointDialer.
func (d TCPDialer) Dial(ctx context.Context, opts ConnectOptions) (io.ReadWriteCloser, error) {
	network := opts.Network
	if network == "" {
		network = "tcp"
	}
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, network, opts.Address)
	if err != nil {
		return nil, NewStreamConnectError(opts.Address, err)
	}
	return &socketEndpoint{Conn: conn}, nil
}

type socketEndpoint struct {
	net.Conn
}

// HandleControl half-closes the socket on eof; start and resize have no
// meaning for sockets.
func (se *socketEndpoint) HandleControl(msg ControlMessage) error {
	if msg.Type != ControlEOF {
		return nil
	}
	if hc, ok := se.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

// CommandDialer runs a local command as the endpoint. Its stdout and stderr
// form the output sequence.
type CommandDialer struct {
	Logger Logger
}

// Dial implements EndpointDialer.
func (d CommandDialer) Dial(ctx context.Context, opts ConnectOptions) (io.ReadWriteCloser, error) {
	logger := d.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	ep := &commandEndpoint{
		env:     opts.Env,
		logger:  logger,
		started: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	if len(opts.Command) > 0 {
		if err := ep.start(opts.Command); err != nil {
			return nil, err
		}
	}
	return ep, nil
}

type commandEndpoint struct {
	env    []string
	logger Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *io.PipeReader
	started chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func (ce *commandEndpoint) start(argv []string) error {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	if ce.cmd != nil {
		return NewStreamControlError("command already started")
	}
	if len(argv) == 0 {
		return NewStreamControlError("start without command")
	}

	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- command chosen by the connecting host
	if len(ce.env) > 0 {
		cmd.Env = append(cmd.Environ(), ce.env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return NewStreamConnectError(argv[0], err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return NewStreamConnectError(argv[0], err)
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			ce.logger.Debug("Bridged command exited", "command", argv[0], "error", err)
		}
		pw.Close()
	}()

	ce.cmd, ce.stdin, ce.stdout = cmd, stdin, pr
	close(ce.started)
	return nil
}

func (ce *commandEndpoint) waitStarted() error {
	select {
	case <-ce.started:
		return nil
	case <-ce.closed:
		return io.ErrClosedPipe
	}
}

func (ce *commandEndpoint) Read(p []byte) (int, error) {
	if err := ce.waitStarted(); err != nil {
		return 0, err
	}
	return ce.stdout.Read(p)
}

func (ce *commandEndpoint) Write(p []byte) (int, error) {
	if err := ce.waitStarted(); err != nil {
		return 0, err
	}
	return ce.stdin.Write(p)
}

func (ce *commandEndpoint) HandleControl(msg ControlMessage) error {
	switch msg.Type {
	case ControlStart:
		return ce.start(msg.Cmd)
	case ControlEOF:
		if err := ce.waitStarted(); err != nil {
			return err
		}
		return ce.stdin.Close()
	}
	// Without a pty a resize has nothing to act on.
	return nil
}

func (ce *commandEndpoint) Close() error {
	ce.closeOnce.Do(func() {
		close(ce.closed)
		ce.mu.Lock()
		defer ce.mu.Unlock()
		if ce.cmd == nil {
			return
		}
		ce.stdin.Close()
		if ce.cmd.Process != nil {
			if err := ce.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
				ce.logger.Debug("Failed to kill bridged command", "error", err)
			}
		}
		ce.stdout.Close()
	})
	return nil
}

// StreamBridgeConfig configures a StreamBridge.
type StreamBridgeConfig struct {
	// Watermark is the output backlog that pauses endpoint reads.
	Watermark int `json:"watermark" yaml:"watermark"`

	// ReadBufferSize is the size of a single endpoint read.
	ReadBufferSize int `json:"read_buffer_size" yaml:"read_buffer_size"`

	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *StreamBridgeConfig) ApplyDefaults() {
	if c.Watermark <= 0 {
		c.Watermark = DefaultByteQueueWatermark
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 32 * 1024
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// StreamBridge connects input sequences to endpoints.
type StreamBridge struct {
	dialer EndpointDialer
	config StreamBridgeConfig
	logger Logger
}

// NewStreamBridge creates a bridge dialing endpoints with dialer.
func NewStreamBridge(dialer EndpointDialer, config StreamBridgeConfig, logger Logger) *StreamBridge {
	if logger == nil {
		logger = DefaultLogger()
	}
	config.ApplyDefaults()
	return &StreamBridge{dialer: dialer, config: config, logger: logger}
}

// Connect dials the endpoint, starts copying input to it and returns the
// endpoint's output. The input task closes the endpoint when input ends or
// fails; the output ends when the endpoint closes.
func (sb *StreamBridge) Connect(ctx context.Context, input ChunkSource, opts ConnectOptions) (*OutputStream, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, sb.config.DialTimeout)
	endpoint, err := sb.dialer.Dial(dialCtx, opts)
	cancelDial()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	gate := newFlowGate()
	out := &OutputStream{
		endpoint: endpoint,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	out.queue = NewByteQueue(sb.config.Watermark, gate.pause, gate.open)

	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		defer endpoint.Close()
		return sb.pumpInput(gctx, input, endpoint)
	})
	group.Go(func() error {
		defer cancel()
		return sb.pumpOutput(gctx, endpoint, out.queue, gate)
	})

	go func() {
		err := group.Wait()
		if err != nil && stderrors.Is(err, context.Canceled) {
			err = nil
		}
		out.err = err
		out.queue.End(err)
		close(out.done)
		sb.logger.Debug("Bridged stream finished", "address", opts.Address, "error", err)
	}()

	sb.logger.Info("Bridged stream connected", "address", opts.Address, "command", opts.Command)
	return out, nil
}

func (sb *StreamBridge) pumpInput(ctx context.Context, input ChunkSource, endpoint io.ReadWriteCloser) error {
	for {
		chunk, err := input.Next(ctx)
		if err != nil {
			// A cancelled ctx means the output side already finished.
			if stderrors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if chunk.Control != nil {
			if err := chunk.Control.Validate(); err != nil {
				return err
			}
			if handler, ok := endpoint.(ControlHandler); ok {
				if err := handler.HandleControl(*chunk.Control); err != nil {
					return err
				}
			}
			continue
		}

		if len(chunk.Data) == 0 {
			continue
		}
		if _, err := endpoint.Write(chunk.Data); err != nil {
			return NewTransportError("endpoint write failed", err)
		}
	}
}

func (sb *StreamBridge) pumpOutput(ctx context.Context, endpoint io.Reader, queue *ByteQueue, gate *flowGate) error {
	buf := make([]byte, sb.config.ReadBufferSize)
	for {
		if err := gate.wait(ctx); err != nil {
			return nil
		}

		n, err := endpoint.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			queue.Push(chunk)
		}
		if err != nil {
			if isClosedStreamError(err) || ctx.Err() != nil {
				return nil
			}
			return NewTransportError("endpoint read failed", err)
		}
	}
}

// OutputStream is the pull side of a bridged endpoint.
type OutputStream struct {
	endpoint io.Closer
	queue    *ByteQueue
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// Next returns all output buffered so far as one chunk, waiting when none
// is buffered. It returns io.EOF after the endpoint closed and its output
// was consumed.
func (o *OutputStream) Next(ctx context.Context) ([]byte, error) {
	data, err := o.queue.Next(ctx)
	if err != nil {
		if HasErrorCode(err, ErrCodeQueueEnded) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Close closes the endpoint and waits for both pumps to stop.
func (o *OutputStream) Close() error {
	o.cancel()
	o.endpoint.Close()
	<-o.done
	return nil
}

// Done is closed once both pumps stopped.
func (o *OutputStream) Done() <-chan struct{} {
	return o.done
}

// Err returns the error that stopped the stream, if any.
func (o *OutputStream) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Paused reports whether endpoint reads are paused by backpressure.
func (o *OutputStream) Paused() bool {
	return o.queue.Paused()
}

// flowGate blocks the endpoint reader while the output backlog is high.
type flowGate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newFlowGate() *flowGate {
	return &flowGate{}
}

func (g *flowGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resume = make(chan struct{})
	}
}

func (g *flowGate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resume)
	}
}

func (g *flowGate) wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	resume := g.resume
	g.mu.Unlock()

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StreamBridgeObject publishes a StreamBridge through a Peer.
//
// Method connect(input, options) takes a proxy with a next method yielding
// bytes for data, a control object for directives and null at the end. It
// returns an output object with methods next (bytes, null at the end) and
// close.
type StreamBridgeObject struct {
	bridge *StreamBridge
	logger Logger
}

// NewStreamBridgeObject wraps bridge for publishing.
func NewStreamBridgeObject(bridge *StreamBridge) *StreamBridgeObject {
	return &StreamBridgeObject{bridge: bridge, logger: bridge.logger}
}

// Descriptor implements Object.
func (o *StreamBridgeObject) Descriptor() InterfaceDescriptor {
	return InterfaceDescriptor{Name: "StreamBridge", Methods: []string{"connect"}}
}

// Call implements Object.
func (o *StreamBridgeObject) Call(ctx context.Context, method string, args Args) (any, error) {
	if method != "connect" {
		return nil, NewRemoteNotFoundError("method", method)
	}

	input, err := args.Proxy(0)
	if err != nil {
		return nil, err
	}
	var opts ConnectOptions
	if args.Len() > 1 {
		if err := args.Decode(1, &opts); err != nil {
			return nil, err
		}
	}

	source := &proxyChunkSource{proxy: input}
	out, err := o.bridge.Connect(ctx, source, opts)
	if err != nil {
		input.Release()
		return nil, err
	}
	go func() {
		<-out.Done()
		input.Release()
	}()

	return NewLocalObject("StreamOutput").
		Method("next", func(ctx context.Context, _ Args) (any, error) {
			data, err := out.Next(ctx)
			if stderrors.Is(err, io.EOF) {
				return nil, nil
			}
			return data, err
		}).
		Method("close", func(ctx context.Context, _ Args) (any, error) {
			return nil, out.Close()
		}), nil
}

// proxyChunkSource pulls input chunks from a remote next method.
type proxyChunkSource struct {
	proxy *Proxy
}

func (s *proxyChunkSource) Next(ctx context.Context) (StreamChunk, error) {
	result, err := s.proxy.Call(ctx, "next")
	if err != nil {
		return StreamChunk{}, err
	}
	return chunkFromValue(result)
}

func chunkFromValue(value any) (StreamChunk, error) {
	switch v := value.(type) {
	case nil:
		return StreamChunk{}, io.EOF
	case []byte:
		return StreamChunk{Data: v}, nil
	case json.RawMessage:
		var ctrl ControlMessage
		if err := json.Unmarshal(v, &ctrl); err != nil || ctrl.Type == "" {
			return StreamChunk{}, NewStreamControlError("control payload is not a control message")
		}
		return StreamChunk{Control: &ctrl}, nil
	}
	return StreamChunk{}, NewStreamControlError("unsupported input chunk")
}

// ConnectRemoteStream connects input to the endpoint behind a remote
// StreamBridgeObject and returns the remote output.
func ConnectRemoteStream(ctx context.Context, bridge *Proxy, input ChunkSource, opts ConnectOptions) (*RemoteOutputStream, error) {
	inputObj := NewLocalObject("StreamInput").
		Method("next", func(ctx context.Context, _ Args) (any, error) {
			chunk, err := input.Next(ctx)
			if stderrors.Is(err, io.EOF) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			if chunk.Control != nil {
				return chunk.Control, nil
			}
			if chunk.Data == nil {
				return []byte{}, nil
			}
			return chunk.Data, nil
		})

	result, err := bridge.Call(ctx, "connect", inputObj, opts)
	if err != nil {
		return nil, err
	}
	output, ok := result.(*Proxy)
	if !ok {
		return nil, NewStreamConnectError(opts.Address, nil)
	}
	return &RemoteOutputStream{proxy: output}, nil
}

// RemoteOutputStream is the output of a stream bridged by a remote peer.
type RemoteOutputStream struct {
	proxy *Proxy
}

// Next returns the next output chunk or io.EOF.
func (r *RemoteOutputStream) Next(ctx context.Context) ([]byte, error) {
	result, err := r.proxy.Call(ctx, "next")
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, io.EOF
	}
	var data []byte
	if err := Decode(result, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Close closes the remote endpoint and releases the output proxy.
func (r *RemoteOutputStream) Close(ctx context.Context) error {
	_, err := r.proxy.Call(ctx, "close")
	if rerr := r.proxy.Release(); err == nil {
		err = rerr
	}
	return err
}
