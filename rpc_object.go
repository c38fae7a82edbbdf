// rpc_object.go: Local objects exported through a Peer
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"sort"
	"sync"
)

// Object is anything a Peer can export to its remote side.
//
// Descriptor lists the members remote proxies may use; calls naming anything
// else are rejected before they reach Call. Call runs in its own goroutine
// for every inbound invocation, so implementations must be safe for
// concurrent use.
type Object interface {
	Descriptor() InterfaceDescriptor
	Call(ctx context.Context, method string, args Args) (any, error)
}

// PropertyObject is an Object that also exposes readable and writable
// properties.
type PropertyObject interface {
	Object
	GetProperty(ctx context.Context, name string) (any, error)
	SetProperty(ctx context.Context, name string, value any) error
}

// MethodFunc implements one method of a LocalObject.
type MethodFunc func(ctx context.Context, args Args) (any, error)

// LocalObject is a map-backed Object built from functions and property values.
//
// Example usage:
//
//	counter := 0
//	obj := NewLocalObject("Counter").
//	    Method("increment", func(ctx context.Context, args Args) (any, error) {
//	        counter++
//	        return counter, nil
//	    }).
//	    Property("label", "primary")
//	peer.Publish("counter", obj)
type LocalObject struct {
	name string

	mu         sync.RWMutex
	methods    map[string]MethodFunc
	properties map[string]any
}

// NewLocalObject creates an empty object with the given interface name.
func NewLocalObject(name string) *LocalObject {
	return &LocalObject{
		name:       name,
		methods:    make(map[string]MethodFunc),
		properties: make(map[string]any),
	}
}

// Method registers fn under name and returns the object for chaining.
func (o *LocalObject) Method(name string, fn MethodFunc) *LocalObject {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.methods[name] = fn
	return o
}

// Property registers a property with its initial value.
func (o *LocalObject) Property(name string, initial any) *LocalObject {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.properties[name] = initial
	return o
}

// Descriptor implements Object. Members are listed in sorted order.
func (o *LocalObject) Descriptor() InterfaceDescriptor {
	o.mu.RLock()
	defer o.mu.RUnlock()

	desc := InterfaceDescriptor{Name: o.name}
	for name := range o.methods {
		desc.Methods = append(desc.Methods, name)
	}
	for name := range o.properties {
		desc.Properties = append(desc.Properties, name)
	}
	sort.Strings(desc.Methods)
	sort.Strings(desc.Properties)
	return desc
}

// Call implements Object.
func (o *LocalObject) Call(ctx context.Context, method string, args Args) (any, error) {
	o.mu.RLock()
	fn, ok := o.methods[method]
	o.mu.RUnlock()

	if !ok {
		return nil, NewRemoteNotFoundError("method", method)
	}
	return fn(ctx, args)
}

// GetProperty implements PropertyObject.
func (o *LocalObject) GetProperty(ctx context.Context, name string) (any, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	value, ok := o.properties[name]
	if !ok {
		return nil, NewRemoteNotFoundError("property", name)
	}
	return value, nil
}

// SetProperty implements PropertyObject. The stored value is the decoded
// wire value (json.RawMessage for structured data).
func (o *LocalObject) SetProperty(ctx context.Context, name string, value any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.properties[name]; !ok {
		return NewRemoteNotFoundError("property", name)
	}
	o.properties[name] = value
	return nil
}
