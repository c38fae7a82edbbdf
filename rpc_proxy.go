// rpc_proxy.go: Handles to objects exported by the remote peer
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
)

// Proxy is a local handle to an object exported by the remote peer.
//
// A Proxy only allows the members listed in its interface descriptor; any
// other member fails locally with ErrCodeCapabilityDenied without touching
// the transport. The same remote object always maps to the same *Proxy while
// it is held, so identity comparison of proxies is meaningful.
//
// Release tells the remote peer that this side no longer needs the object.
// After Release (or once the peer closes) every call fails.
type Proxy struct {
	peer  *Peer
	id    string
	iface InterfaceDescriptor

	// guarded by peer.mu
	received int
	released bool
}

// ID returns the remote object id.
func (px *Proxy) ID() string {
	return px.id
}

// Interface returns the interface descriptor announced by the exporter.
func (px *Proxy) Interface() InterfaceDescriptor {
	return px.iface
}

// Peer returns the peer owning this proxy.
func (px *Proxy) Peer() *Peer {
	return px.peer
}

// Call invokes method on the remote object.
func (px *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	if !px.iface.HasMethod(method) {
		return nil, NewCapabilityDeniedError(px.id, method)
	}
	return px.peer.invoke(ctx, px, OpCall, method, args)
}

// CallInto invokes method and decodes the result into dst.
func (px *Proxy) CallInto(ctx context.Context, dst any, method string, args ...any) error {
	result, err := px.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	return Decode(result, dst)
}

// Get reads a remote property.
func (px *Proxy) Get(ctx context.Context, property string) (any, error) {
	if !px.iface.HasProperty(property) {
		return nil, NewCapabilityDeniedError(px.id, property)
	}
	return px.peer.invoke(ctx, px, OpGet, property, nil)
}

// Set writes a remote property.
func (px *Proxy) Set(ctx context.Context, property string, value any) error {
	if !px.iface.HasProperty(property) {
		return NewCapabilityDeniedError(px.id, property)
	}
	_, err := px.peer.invoke(ctx, px, OpSet, property, []any{value})
	return err
}

// Release drops this side's reference. The remote peer frees the object once
// every reference it handed out has been released. Releasing twice is a no-op.
func (px *Proxy) Release() error {
	return px.peer.releaseProxy(px)
}

// Released reports whether the proxy can no longer be used.
func (px *Proxy) Released() bool {
	px.peer.mu.Lock()
	defer px.peer.mu.Unlock()
	return px.released
}
