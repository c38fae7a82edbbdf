// rpc_peer.go: One endpoint of a capability RPC channel
//
// A Peer owns both directions of a logical channel: it sends invocations for
// proxies it holds and answers invocations targeting the objects it exports.
// The transport is abstract. Outbound payloads go through the SendFunc given
// to Initialize and inbound payloads are pushed in with HandleMessage, so a
// Peer runs unchanged over pipes, sockets, gRPC streams or in memory.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// PeerState is the lifecycle state of a Peer.
type PeerState int32

const (
	PeerUninitialized PeerState = iota
	PeerActive
	PeerClosed
)

// String implements fmt.Stringer.
func (s PeerState) String() string {
	switch s {
	case PeerUninitialized:
		return "uninitialized"
	case PeerActive:
		return "active"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendFunc hands one encoded message to the transport. It must be safe for
// concurrent use and should not block on the remote side.
type SendFunc func(payload []byte) error

// PeerConfig configures a Peer.
type PeerConfig struct {
	// LocalName identifies this side in logs, errors and the hello message.
	LocalName string `json:"local_name" yaml:"local_name"`

	// Handshake is used by Peer.Handshake and to answer remote hellos.
	Handshake HandshakeConfig `json:"handshake" yaml:"handshake"`

	Codec   MessageCodec    `json:"-" yaml:"-"`
	Logger  Logger          `json:"-" yaml:"-"`
	OnClose func(err error) `json:"-" yaml:"-"`
}

// ApplyDefaults fills unset fields.
func (pc *PeerConfig) ApplyDefaults() {
	if pc.LocalName == "" {
		pc.LocalName = "peer"
	}
	if pc.Handshake.ProtocolVersion == 0 {
		pc.Handshake = DefaultHandshakeConfig
	}
	if pc.Codec == nil {
		pc.Codec = defaultMessageCodec
	}
	if pc.Logger == nil {
		pc.Logger = DefaultLogger()
	}
}

type callOutcome struct {
	value any
	err   error
}

type exportEntry struct {
	object Object
	refs   int
	key    any
}

// PeerStats contains counters for a Peer.
type PeerStats struct {
	State            string `json:"state"`
	PendingCalls     int    `json:"pending_calls"`
	Exports          int    `json:"exports"`
	Proxies          int    `json:"proxies"`
	CallsSent        int64  `json:"calls_sent"`
	CallsServed      int64  `json:"calls_served"`
	MessagesIn       int64  `json:"messages_in"`
	MessagesOut      int64  `json:"messages_out"`
	DroppedResults   int64  `json:"dropped_results"`
	LastActivityNano int64  `json:"last_activity_nano"`
}

// Peer is one end of an RPC channel.
//
// Example usage:
//
//	host := NewPeer(PeerConfig{LocalName: "host"})
//	host.Initialize(sendToWorker)
//	go readLoop(func(payload []byte) { host.HandleMessage(payload) })
//
//	api, err := host.GetParam(ctx, "api")
//	if err != nil {
//	    return err
//	}
//	defer api.Release()
//	result, err := api.Call(ctx, "ping")
type Peer struct {
	name    string
	config  PeerConfig
	logger  Logger
	codec   MessageCodec
	onClose func(err error)

	state  atomic.Int32
	callID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}

	mu        sync.Mutex
	send      SendFunc
	pending   map[uint64]chan callOutcome
	published map[string]Object
	exports   map[string]*exportEntry
	exportIDs map[any]string
	nextObjID uint64
	proxies   map[string]*Proxy
	closeErr  error
	remote    *HelloInfo

	callsSent      atomic.Int64
	callsServed    atomic.Int64
	messagesIn     atomic.Int64
	messagesOut    atomic.Int64
	droppedResults atomic.Int64
	lastActivity   atomic.Int64
}

// NewPeer creates an uninitialized peer.
func NewPeer(config PeerConfig) *Peer {
	config.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Peer{
		name:      config.LocalName,
		config:    config,
		logger:    config.Logger.With("peer", config.LocalName),
		codec:     config.Codec,
		onClose:   config.OnClose,
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
		pending:   make(map[uint64]chan callOutcome),
		published: make(map[string]Object),
		exports:   make(map[string]*exportEntry),
		exportIDs: make(map[any]string),
		proxies:   make(map[string]*Proxy),
	}
}

// Name returns the local peer name.
func (p *Peer) Name() string {
	return p.name
}

// State returns the current lifecycle state.
func (p *Peer) State() PeerState {
	return PeerState(p.state.Load())
}

// Done is closed when the peer closes.
func (p *Peer) Done() <-chan struct{} {
	return p.closed
}

// Err returns the close error once the peer is closed.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// RemoteHello returns the hello received from the other side, if any.
func (p *Peer) RemoteHello() *HelloInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Initialize attaches the outbound transport and activates the peer.
func (p *Peer) Initialize(send SendFunc) error {
	if send == nil {
		return NewRPCError("send function is required", nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.CompareAndSwap(int32(PeerUninitialized), int32(PeerActive)) {
		return NewRPCError("peer already "+p.State().String(), nil).
			WithContext("peer", p.name)
	}
	p.send = send
	p.touch()
	p.logger.Info("Peer initialized")
	return nil
}

// Publish makes obj available to the remote side under name.
func (p *Peer) Publish(name string, obj Object) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[name] = obj
	p.logger.Debug("Object published", "name", name, "interface", obj.Descriptor().Name)
}

// Unpublish removes a published name. Proxies already handed out stay valid.
func (p *Peer) Unpublish(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.published, name)
}

// GetParam asks the remote peer for the object it published under name.
func (p *Peer) GetParam(ctx context.Context, name string) (*Proxy, error) {
	value, err := p.request(ctx, &Message{Type: MessageParam, Param: name})
	if err != nil {
		return nil, err
	}
	px, ok := value.(*Proxy)
	if !ok {
		return nil, NewRemoteNotFoundError("param", name)
	}
	return px, nil
}

// Handshake exchanges hello messages and closes the peer if the remote side
// speaks another protocol version or presents another magic cookie. Without
// a deadline on ctx, HandshakeTimeout applies.
func (p *Peer) Handshake(ctx context.Context) (*HelloInfo, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, HandshakeTimeout)
		defer cancel()
	}

	value, err := p.request(ctx, &Message{
		Type:  MessageHello,
		Hello: p.config.Handshake.hello(p.name),
	})
	if err != nil {
		if HasErrorCode(err, ErrCodeHandshakeError) {
			p.Close(err)
		}
		return nil, err
	}

	var remote HelloInfo
	if err := Decode(value, &remote); err != nil {
		herr := NewHandshakeError("malformed hello reply", err)
		p.Close(herr)
		return nil, herr
	}
	if err := p.config.Handshake.checkHello(&remote); err != nil {
		p.Close(err)
		return nil, err
	}

	p.mu.Lock()
	p.remote = &remote
	p.mu.Unlock()

	p.logger.Info("Handshake completed", "remote", remote.Name, "protocol_version", remote.ProtocolVersion)
	return &remote, nil
}

// Ping round-trips a hello and returns the elapsed time. Unlike Handshake it
// leaves the peer open when the exchange fails.
func (p *Peer) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := p.request(ctx, &Message{
		Type:  MessageHello,
		Hello: p.config.Handshake.hello(p.name),
	})
	return time.Since(start), err
}

// HandleMessage processes one inbound payload. Invocations run in their own
// goroutines; results are matched to pending calls by id. The returned error
// reports payloads that could not be decoded.
func (p *Peer) HandleMessage(payload []byte) error {
	if p.State() == PeerClosed {
		return NewPeerClosedError(p.name, p.Err())
	}

	msg, err := p.codec.Decode(payload)
	if err != nil {
		p.logger.Warn("Dropping malformed message", "error", err, "size", len(payload))
		return err
	}
	p.messagesIn.Add(1)
	p.touch()

	switch msg.Type {
	case MessageInvoke:
		go p.serveInvoke(msg)
	case MessageParam:
		go p.serveParam(msg)
	case MessageHello:
		p.serveHello(msg)
	case MessageResult:
		p.handleResult(msg)
	case MessageFinalize:
		p.handleFinalize(msg)
	default:
		perr := NewPluginProtocolError("unknown message type: "+string(msg.Type), nil)
		if msg.ID != 0 {
			p.replyError(msg.ID, perr)
		} else {
			p.logger.Warn("Dropping message of unknown type", "type", msg.Type)
		}
		return perr
	}
	return nil
}

// Close shuts the peer down. Every pending call is rejected before Close
// returns, every proxy and export is evicted and later operations fail fast.
// cause may be nil. It is safe to call Close more than once.
func (p *Peer) Close(cause error) {
	p.mu.Lock()
	if p.State() == PeerClosed {
		p.mu.Unlock()
		return
	}
	p.state.Store(int32(PeerClosed))

	closeErr := NewPeerClosedError(p.name, cause)
	p.closeErr = closeErr

	pending := p.pending
	p.pending = make(map[uint64]chan callOutcome)
	for _, px := range p.proxies {
		px.released = true
	}
	p.proxies = make(map[string]*Proxy)
	p.exports = make(map[string]*exportEntry)
	p.exportIDs = make(map[any]string)
	p.published = make(map[string]Object)
	p.mu.Unlock()

	for _, ch := range pending {
		ch <- callOutcome{err: closeErr}
	}

	p.cancel()
	close(p.closed)

	if cause != nil {
		p.logger.Info("Peer closed", "cause", cause, "rejected_calls", len(pending))
	} else {
		p.logger.Info("Peer closed", "rejected_calls", len(pending))
	}
	if p.onClose != nil {
		p.onClose(cause)
	}
}

// Stats returns a snapshot of the peer counters.
func (p *Peer) Stats() PeerStats {
	p.mu.Lock()
	pending, exports, proxies := len(p.pending), len(p.exports), len(p.proxies)
	p.mu.Unlock()

	return PeerStats{
		State:            p.State().String(),
		PendingCalls:     pending,
		Exports:          exports,
		Proxies:          proxies,
		CallsSent:        p.callsSent.Load(),
		CallsServed:      p.callsServed.Load(),
		MessagesIn:       p.messagesIn.Load(),
		MessagesOut:      p.messagesOut.Load(),
		DroppedResults:   p.droppedResults.Load(),
		LastActivityNano: p.lastActivity.Load(),
	}
}

func (p *Peer) touch() {
	p.lastActivity.Store(timecache.CachedTimeNano())
}

// invoke sends an invoke message for px and waits for its result.
func (p *Peer) invoke(ctx context.Context, px *Proxy, op InvokeOp, member string, args []any) (any, error) {
	p.mu.Lock()
	released := px.released
	p.mu.Unlock()
	if released {
		if p.State() == PeerClosed {
			return nil, NewPeerClosedError(p.name, p.Err())
		}
		return nil, NewRPCError("proxy released", nil).WithContext("object_id", px.id)
	}

	values, err := p.encodeValues(args)
	if err != nil {
		return nil, err
	}
	p.callsSent.Add(1)
	return p.request(ctx, &Message{
		Type:   MessageInvoke,
		Target: px.id,
		Op:     op,
		Member: member,
		Args:   values,
	})
}

// request assigns a call id to msg, sends it and waits for the matching result.
func (p *Peer) request(ctx context.Context, msg *Message) (any, error) {
	switch p.State() {
	case PeerUninitialized:
		return nil, NewRPCError("peer not initialized", nil).WithContext("peer", p.name)
	case PeerClosed:
		return nil, NewPeerClosedError(p.name, p.Err())
	}

	msg.ID = p.callID.Add(1)
	ch := make(chan callOutcome, 1)

	p.mu.Lock()
	if p.State() == PeerClosed {
		p.mu.Unlock()
		return nil, NewPeerClosedError(p.name, p.closeErr)
	}
	p.pending[msg.ID] = ch
	p.mu.Unlock()

	if err := p.sendMessage(msg); err != nil {
		p.dropPending(msg.ID)
		return nil, err
	}

	select {
	case outcome := <-ch:
		return outcome.value, outcome.err
	case <-ctx.Done():
		p.dropPending(msg.ID)
		// The result may have arrived while we were giving up.
		select {
		case outcome := <-ch:
			return outcome.value, outcome.err
		default:
		}
		return nil, NewRPCError("call abandoned", ctx.Err()).
			WithContext("call_id", msg.ID).
			WithContext("member", msg.Member)
	}
}

func (p *Peer) dropPending(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Peer) sendMessage(msg *Message) error {
	payload, err := p.codec.Encode(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	send := p.send
	p.mu.Unlock()
	if send == nil {
		return NewRPCError("peer not initialized", nil).WithContext("peer", p.name)
	}

	if err := send(payload); err != nil {
		return NewTransportError("send failed", err).WithContext("peer", p.name)
	}
	p.messagesOut.Add(1)
	p.touch()
	return nil
}

func (p *Peer) reply(id uint64, value any) {
	encoded, err := p.encodeResult(value)
	if err != nil {
		p.replyError(id, err)
		return
	}
	if err := p.sendMessage(&Message{Type: MessageResult, ID: id, Result: &encoded}); err != nil {
		p.logger.Debug("Failed to send result", "call_id", id, "error", err)
	}
}

// encodeResult encodes a result value, turning a panic raised while
// encoding into an invocation error so the caller still gets an answer.
func (p *Peer) encodeResult(value any) (encoded Value, err error) {
	defer recoverInvocation(p.logger, "result", &err)
	return p.encodeValue(value)
}

func (p *Peer) replyError(id uint64, cause error) {
	if err := p.sendMessage(&Message{Type: MessageResult, ID: id, Error: errorDescriptorFor(cause)}); err != nil {
		p.logger.Debug("Failed to send error result", "call_id", id, "error", err)
	}
}

func (p *Peer) serveInvoke(msg *Message) {
	defer withStackRecover(p.logger)()

	result, err := p.dispatch(msg)
	p.callsServed.Add(1)
	if err != nil {
		p.logger.Debug("Invocation failed", "target", msg.Target, "member", msg.Member, "error", err)
		p.replyError(msg.ID, err)
		return
	}
	p.reply(msg.ID, result)
}

func (p *Peer) dispatch(msg *Message) (result any, err error) {
	defer recoverInvocation(p.logger, msg.Member, &err)

	obj, ok := p.lookupExport(msg.Target)
	if !ok {
		return nil, NewRemoteNotFoundError("object", msg.Target)
	}
	desc := obj.Descriptor()

	args, err := p.decodeValues(msg.Args)
	if err != nil {
		return nil, err
	}

	switch msg.Op {
	case OpCall, "":
		if !desc.HasMethod(msg.Member) {
			return nil, NewRemoteNotFoundError("method", msg.Member)
		}
		return obj.Call(p.ctx, msg.Member, args)

	case OpGet, OpSet:
		po, ok := obj.(PropertyObject)
		if !ok || !desc.HasProperty(msg.Member) {
			return nil, NewRemoteNotFoundError("property", msg.Member)
		}
		if msg.Op == OpGet {
			return po.GetProperty(p.ctx, msg.Member)
		}
		if len(args) != 1 {
			return nil, NewPluginProtocolError(fmt.Sprintf("set expects 1 argument, got %d", len(args)), nil)
		}
		return nil, po.SetProperty(p.ctx, msg.Member, args[0])
	}

	return nil, NewPluginProtocolError("unknown invoke op: "+string(msg.Op), nil)
}

func (p *Peer) serveParam(msg *Message) {
	defer withStackRecover(p.logger)()

	p.mu.Lock()
	obj, ok := p.published[msg.Param]
	p.mu.Unlock()

	if !ok {
		p.replyError(msg.ID, NewRemoteNotFoundError("param", msg.Param))
		return
	}
	p.reply(msg.ID, obj)
}

func (p *Peer) serveHello(msg *Message) {
	if err := p.config.Handshake.checkHello(msg.Hello); err != nil {
		p.logger.Warn("Rejecting remote hello", "error", err)
		p.replyError(msg.ID, err)
		p.Close(err)
		return
	}

	p.mu.Lock()
	p.remote = msg.Hello
	p.mu.Unlock()

	p.reply(msg.ID, p.config.Handshake.hello(p.name))
}

func (p *Peer) handleResult(msg *Message) {
	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	delete(p.pending, msg.ID)
	p.mu.Unlock()

	if !ok {
		p.droppedResults.Add(1)
		p.logger.Debug("Dropping result for unknown call", "call_id", msg.ID)
		// The exporter counted a reference for this result; hand it back.
		if r := msg.Result; r != nil && r.Kind == KindRef && r.Ref != nil && r.Ref.Home == RefSender {
			if err := p.sendMessage(&Message{Type: MessageFinalize, Target: r.Ref.ID, Count: 1}); err != nil {
				p.logger.Debug("Failed to release dropped result", "object_id", r.Ref.ID, "error", err)
			}
		}
		return
	}

	if msg.Error != nil {
		ch <- callOutcome{err: newRemoteError(msg.Error)}
		return
	}
	if msg.Result == nil {
		ch <- callOutcome{}
		return
	}
	value, err := p.decodeValue(*msg.Result)
	ch <- callOutcome{value: value, err: err}
}

func (p *Peer) handleFinalize(msg *Message) {
	count := msg.Count
	if count <= 0 {
		count = 1
	}
	if !p.releaseExport(msg.Target, count) {
		p.logger.Debug("Finalize for unknown object", "object_id", msg.Target)
	}
}

// releaseExport drops count references to an export and removes it when
// none are left. It reports whether the export was known.
func (p *Peer) releaseExport(id string, count int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.exports[id]
	if !ok {
		return false
	}
	entry.refs -= count
	if entry.refs <= 0 {
		delete(p.exports, id)
		if entry.key != nil {
			delete(p.exportIDs, entry.key)
		}
		p.logger.Debug("Export released", "object_id", id)
	}
	return true
}

// exportObject registers obj for the remote side and counts one more
// reference handed out. A pointer object keeps its id while exported; other
// objects get a fresh id each time.
func (p *Peer) exportObject(obj Object) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() == PeerClosed {
		return "", NewPeerClosedError(p.name, p.closeErr)
	}

	var key any
	if reflect.TypeOf(obj).Kind() == reflect.Pointer {
		key = obj
		if id, ok := p.exportIDs[key]; ok {
			p.exports[id].refs++
			return id, nil
		}
	}

	p.nextObjID++
	id := p.name + "/" + strconv.FormatUint(p.nextObjID, 10)
	p.exports[id] = &exportEntry{object: obj, refs: 1, key: key}
	if key != nil {
		p.exportIDs[key] = id
	}
	return id, nil
}

func (p *Peer) lookupExport(id string) (Object, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.exports[id]
	if !ok {
		return nil, false
	}
	return entry.object, true
}

// importProxy returns the proxy for a remote object, counting one more
// received reference.
func (p *Peer) importProxy(id string, iface InterfaceDescriptor) (*Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() == PeerClosed {
		return nil, NewPeerClosedError(p.name, p.closeErr)
	}
	if px, ok := p.proxies[id]; ok {
		px.received++
		return px, nil
	}
	px := &Proxy{peer: p, id: id, iface: iface, received: 1}
	p.proxies[id] = px
	return px, nil
}

func (p *Peer) releaseProxy(px *Proxy) error {
	p.mu.Lock()
	if px.released {
		p.mu.Unlock()
		return nil
	}
	px.released = true
	count := px.received
	if p.proxies[px.id] == px {
		delete(p.proxies, px.id)
	}
	p.mu.Unlock()

	return p.sendMessage(&Message{Type: MessageFinalize, Target: px.id, Count: count})
}
