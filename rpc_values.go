// rpc_values.go: Argument and result conversion between Go values and wire values
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Args holds the decoded arguments of an inbound invocation.
//
// Each element is one of:
//   - nil
//   - json.RawMessage for structured data (use Decode)
//   - []byte for raw byte payloads
//   - *Proxy for objects exported by the remote peer
//   - Object for local objects the remote peer handed back
type Args []any

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// Decode stores argument i into dst, which must be a pointer.
func (a Args) Decode(i int, dst any) error {
	if i < 0 || i >= len(a) {
		return NewSerializationError(fmt.Sprintf("argument %d missing (have %d)", i, len(a)), nil)
	}
	return Decode(a[i], dst)
}

// String decodes argument i as a string.
func (a Args) String(i int) (string, error) {
	var s string
	err := a.Decode(i, &s)
	return s, err
}

// Bytes returns argument i as raw bytes.
func (a Args) Bytes(i int) ([]byte, error) {
	var b []byte
	err := a.Decode(i, &b)
	return b, err
}

// Proxy returns argument i as a remote object proxy.
func (a Args) Proxy(i int) (*Proxy, error) {
	var p *Proxy
	err := a.Decode(i, &p)
	return p, err
}

// Decode converts a decoded wire value (an Args element or a call result)
// into dst, which must be a non-nil pointer.
func Decode(value any, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return NewSerializationError("decode target must be a non-nil pointer", nil)
	}

	switch v := value.(type) {
	case nil:
		rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
		return nil
	case json.RawMessage:
		if err := json.Unmarshal(v, dst); err != nil {
			return NewSerializationError("failed to decode value", err)
		}
		return nil
	}

	src := reflect.ValueOf(value)
	if src.Type().AssignableTo(rv.Elem().Type()) {
		rv.Elem().Set(src)
		return nil
	}
	return NewSerializationError(
		fmt.Sprintf("cannot decode %T into %s", value, rv.Elem().Type()), nil)
}

// encodeValue converts an outgoing Go value into its wire form, exporting
// local objects as needed.
func (p *Peer) encodeValue(value any) (Value, error) {
	switch v := value.(type) {
	case nil:
		return Value{Kind: KindNull}, nil
	case []byte:
		return Value{Kind: KindBytes, Bytes: v}, nil
	case json.RawMessage:
		return Value{Kind: KindData, Data: v}, nil
	case *Proxy:
		if v.peer != p {
			return Value{}, NewSerializationError("proxy belongs to another peer", nil).
				WithContext("object_id", v.id)
		}
		return Value{Kind: KindRef, Ref: &ObjectRef{ID: v.id, Home: RefReceiver}}, nil
	case Object:
		id, err := p.exportObject(v)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindRef, Ref: &ObjectRef{
			ID:        id,
			Home:      RefSender,
			Interface: v.Descriptor(),
		}}, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return Value{}, NewSerializationError(fmt.Sprintf("cannot encode %T", value), err)
	}
	return Value{Kind: KindData, Data: data}, nil
}

func (p *Peer) encodeValues(values []any) ([]Value, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]Value, len(values))
	for i, v := range values {
		enc, err := p.encodeValue(v)
		if err != nil {
			p.releaseEncoded(out[:i])
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

// releaseEncoded undoes the export references taken by values that will
// never be sent.
func (p *Peer) releaseEncoded(values []Value) {
	for _, v := range values {
		if v.Kind == KindRef && v.Ref != nil && v.Ref.Home == RefSender {
			p.releaseExport(v.Ref.ID, 1)
		}
	}
}

// decodeValue converts an inbound wire value, resolving object references
// against the peer's exports and proxies.
func (p *Peer) decodeValue(v Value) (any, error) {
	switch v.Kind {
	case KindNull, "":
		return nil, nil
	case KindData:
		return v.Data, nil
	case KindBytes:
		if v.Bytes == nil {
			return []byte{}, nil
		}
		return v.Bytes, nil
	case KindRef:
		if v.Ref == nil {
			return nil, NewPluginProtocolError("reference value without ref", nil)
		}
		switch v.Ref.Home {
		case RefSender:
			return p.importProxy(v.Ref.ID, v.Ref.Interface)
		case RefReceiver:
			obj, ok := p.lookupExport(v.Ref.ID)
			if !ok {
				return nil, NewRemoteNotFoundError("object", v.Ref.ID)
			}
			return obj, nil
		}
		return nil, NewPluginProtocolError("unknown reference home: "+string(v.Ref.Home), nil)
	}
	return nil, NewPluginProtocolError("unknown value kind: "+string(v.Kind), nil)
}

func (p *Peer) decodeValues(values []Value) (Args, error) {
	args := make(Args, len(values))
	for i, v := range values {
		dec, err := p.decodeValue(v)
		if err != nil {
			return nil, err
		}
		args[i] = dec
	}
	return args, nil
}

// errorDescriptorFor builds the wire form of err.
func errorDescriptorFor(err error) *ErrorDescriptor {
	code := ErrorCode(err)
	return &ErrorDescriptor{
		Kind:    errorKindForCode(code),
		Code:    code,
		Message: err.Error(),
	}
}

func errorKindForCode(code string) string {
	switch code {
	case ErrCodeProtocolError, ErrCodeSerializationError, ErrCodeHandshakeError:
		return ErrorKindProtocol
	case ErrCodeTransportError, ErrCodeCommunicationError:
		return ErrorKindTransport
	case ErrCodeNotFound:
		return ErrorKindLookup
	case ErrCodeCapabilityDenied:
		return ErrorKindCapability
	case ErrCodePeerClosed:
		return ErrorKindClosed
	}
	return ErrorKindInvocation
}
