// message.go: RPC wire messages and their codec
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"encoding/json"
)

// MessageType discriminates the RPC wire messages.
type MessageType string

const (
	// MessageInvoke calls a method or accesses a property on an exported object.
	MessageInvoke MessageType = "invoke"
	// MessageResult answers an invoke, param or hello message.
	MessageResult MessageType = "result"
	// MessageFinalize is a oneway notice that a proxy was released.
	MessageFinalize MessageType = "finalize"
	// MessageParam asks for a published object by name.
	MessageParam MessageType = "param"
	// MessageHello carries handshake information.
	MessageHello MessageType = "hello"
)

// InvokeOp selects what an invoke message does with its member name.
type InvokeOp string

const (
	OpCall InvokeOp = "call"
	OpGet  InvokeOp = "get"
	OpSet  InvokeOp = "set"
)

// Message is the envelope exchanged between two peers.
//
// Which fields are populated depends on Type:
//   - invoke:   ID, Target, Op, Member, Args
//   - result:   ID, Result or Error
//   - finalize: Target, Count
//   - param:    ID, Param
//   - hello:    ID, Hello
type Message struct {
	Type   MessageType      `json:"type"`
	ID     uint64           `json:"id,omitempty"`
	Target string           `json:"target,omitempty"`
	Op     InvokeOp         `json:"op,omitempty"`
	Member string           `json:"member,omitempty"`
	Args   []Value          `json:"args,omitempty"`
	Result *Value           `json:"result,omitempty"`
	Error  *ErrorDescriptor `json:"error,omitempty"`
	Param  string           `json:"param,omitempty"`
	Count  int              `json:"count,omitempty"`
	Hello  *HelloInfo       `json:"hello,omitempty"`
}

// ValueKind tags how a Value is encoded.
type ValueKind string

const (
	KindNull  ValueKind = "null"
	KindData  ValueKind = "data"
	KindBytes ValueKind = "bytes"
	KindRef   ValueKind = "ref"
)

// Value is one serialized argument or result.
//
// Raw byte payloads travel in Bytes (base64 in JSON) so they are never
// confused with structured data, and object references travel in Ref.
type Value struct {
	Kind  ValueKind       `json:"kind"`
	Data  json.RawMessage `json:"data,omitempty"`
	Bytes []byte          `json:"bytes,omitempty"`
	Ref   *ObjectRef      `json:"ref,omitempty"`
}

// ObjectRef identifies an exported object.
//
// Home tells the receiver whose id space ID belongs to: RefSender means the
// sender exported the object and the receiver should build a proxy;
// RefReceiver means the sender is handing back a proxy it holds, so the
// receiver resolves it to its own local object.
type ObjectRef struct {
	ID        string              `json:"id"`
	Home      RefHome             `json:"home"`
	Interface InterfaceDescriptor `json:"interface,omitempty"`
}

// RefHome names the peer that owns an object id.
type RefHome string

const (
	RefSender   RefHome = "sender"
	RefReceiver RefHome = "receiver"
)

// InterfaceDescriptor lists the members a proxy may use.
type InterfaceDescriptor struct {
	Name       string   `json:"name,omitempty"`
	Methods    []string `json:"methods,omitempty"`
	Properties []string `json:"properties,omitempty"`
}

// HasMethod reports whether method is part of the interface.
func (d InterfaceDescriptor) HasMethod(method string) bool {
	return containsString(d.Methods, method)
}

// HasProperty reports whether property is part of the interface.
func (d InterfaceDescriptor) HasProperty(property string) bool {
	return containsString(d.Properties, property)
}

// ErrorDescriptor is the wire form of an error result.
type ErrorDescriptor struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// HelloInfo is exchanged by Peer.Handshake.
type HelloInfo struct {
	Name            string `json:"name"`
	ProtocolVersion uint   `json:"protocol_version"`
	MagicCookie     string `json:"magic_cookie,omitempty"`
}

// MessageCodec turns messages into payloads and back.
type MessageCodec interface {
	Encode(msg *Message) ([]byte, error)
	Decode(payload []byte) (*Message, error)
}

// JSONMessageCodec encodes messages as JSON documents.
type JSONMessageCodec struct{}

// Encode implements MessageCodec.
func (JSONMessageCodec) Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, NewSerializationError("failed to encode message", err)
	}
	return data, nil
}

// Decode implements MessageCodec.
func (JSONMessageCodec) Decode(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, NewPluginProtocolError("malformed message", err)
	}
	if msg.Type == "" {
		return nil, NewPluginProtocolError("message without type", nil)
	}
	return &msg, nil
}

var defaultMessageCodec MessageCodec = JSONMessageCodec{}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
