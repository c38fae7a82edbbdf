// message_test.go: tests for the wire message codec and value conversion
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMessageCodec_RoundTrip(t *testing.T) {
	greeter := InterfaceDescriptor{Name: "Greeter", Methods: []string{"greet"}, Properties: []string{"greeting"}}
	result := Value{Kind: KindRef, Ref: &ObjectRef{ID: "obj-9", Home: RefReceiver}}

	messages := []*Message{
		{
			Type:   MessageInvoke,
			ID:     7,
			Target: "obj-1",
			Op:     OpCall,
			Member: "greet",
			Args: []Value{
				{Kind: KindNull},
				{Kind: KindData, Data: json.RawMessage(`{"name":"ada","tags":["a","b"]}`)},
				{Kind: KindBytes, Bytes: []byte{0x00, 0xff, 0x10, '\n'}},
				{Kind: KindRef, Ref: &ObjectRef{ID: "obj-2", Home: RefSender, Interface: greeter}},
			},
		},
		{Type: MessageResult, ID: 7, Result: &result},
		{Type: MessageResult, ID: 8, Error: &ErrorDescriptor{Kind: ErrorKindLookup, Code: ErrCodeNotFound, Message: "object not found"}},
		{Type: MessageFinalize, Target: "obj-2", Count: 3},
		{Type: MessageParam, ID: 9, Param: "greeter"},
		{Type: MessageHello, ID: 10, Hello: &HelloInfo{Name: "host", ProtocolVersion: 1, MagicCookie: "cookie"}},
	}

	codec := JSONMessageCodec{}
	for _, msg := range messages {
		t.Run(string(msg.Type), func(t *testing.T) {
			payload, err := codec.Encode(msg)
			require.NoError(t, err)
			decoded, err := codec.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestJSONMessageCodec_DecodeErrors(t *testing.T) {
	codec := JSONMessageCodec{}

	_, err := codec.Decode([]byte(`{"type":`))
	assert.True(t, HasErrorCode(err, ErrCodeProtocolError))

	_, err = codec.Decode([]byte(`{"id":4}`))
	assert.True(t, HasErrorCode(err, ErrCodeProtocolError))
}

func TestInterfaceDescriptor(t *testing.T) {
	d := InterfaceDescriptor{Methods: []string{"greet"}, Properties: []string{"greeting"}}
	assert.True(t, d.HasMethod("greet"))
	assert.False(t, d.HasMethod("greeting"))
	assert.True(t, d.HasProperty("greeting"))
	assert.False(t, d.HasProperty("greet"))
}

func TestDecode(t *testing.T) {
	type point struct {
		X, Y int
	}

	var p point
	require.NoError(t, Decode(json.RawMessage(`{"X":1,"Y":2}`), &p))
	assert.Equal(t, point{1, 2}, p)

	s := "stale"
	require.NoError(t, Decode(nil, &s))
	assert.Empty(t, s)

	var b []byte
	require.NoError(t, Decode([]byte("raw"), &b))
	assert.Equal(t, []byte("raw"), b)

	err := Decode(json.RawMessage(`"text"`), &p)
	assert.True(t, HasErrorCode(err, ErrCodeSerializationError))

	err = Decode([]byte("raw"), &p)
	assert.True(t, HasErrorCode(err, ErrCodeSerializationError))

	err = Decode("x", p)
	assert.True(t, HasErrorCode(err, ErrCodeSerializationError))
}

func TestArgsAccessors(t *testing.T) {
	args := Args{json.RawMessage(`"ada"`), []byte{1, 2}, nil}
	assert.Equal(t, 3, args.Len())

	name, err := args.String(0)
	require.NoError(t, err)
	assert.Equal(t, "ada", name)

	raw, err := args.Bytes(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, raw)

	px, err := args.Proxy(2)
	require.NoError(t, err)
	assert.Nil(t, px)

	_, err = args.String(5)
	assert.True(t, HasErrorCode(err, ErrCodeSerializationError))
}

func TestPeerValueRoundTrip(t *testing.T) {
	host, worker := newConnectedPeers(t)

	values := []any{nil, []byte("payload"), map[string]int{"a": 1}, "text", 42}
	encoded, err := host.encodeValues(values)
	require.NoError(t, err)

	wire, err := json.Marshal(encoded)
	require.NoError(t, err)
	var received []Value
	require.NoError(t, json.Unmarshal(wire, &received))

	args, err := worker.decodeValues(received)
	require.NoError(t, err)
	require.Equal(t, len(values), args.Len())

	assert.Nil(t, args[0])
	assert.Equal(t, []byte("payload"), args[1])

	var m map[string]int
	require.NoError(t, args.Decode(2, &m))
	assert.Equal(t, map[string]int{"a": 1}, m)

	text, err := args.String(3)
	require.NoError(t, err)
	assert.Equal(t, "text", text)

	var n int
	require.NoError(t, args.Decode(4, &n))
	assert.Equal(t, 42, n)
}

func TestPeerDecodeValueErrors(t *testing.T) {
	host, _ := newConnectedPeers(t)

	_, err := host.decodeValue(Value{Kind: KindRef})
	assert.True(t, HasErrorCode(err, ErrCodeProtocolError))

	_, err = host.decodeValue(Value{Kind: KindRef, Ref: &ObjectRef{ID: "missing", Home: RefReceiver}})
	assert.True(t, HasErrorCode(err, ErrCodeNotFound))

	_, err = host.decodeValue(Value{Kind: KindRef, Ref: &ObjectRef{ID: "x", Home: "elsewhere"}})
	assert.True(t, HasErrorCode(err, ErrCodeProtocolError))

	_, err = host.decodeValue(Value{Kind: "float"})
	assert.True(t, HasErrorCode(err, ErrCodeProtocolError))
}

func TestErrorKindForCode(t *testing.T) {
	assert.Equal(t, ErrorKindProtocol, errorKindForCode(ErrCodeSerializationError))
	assert.Equal(t, ErrorKindTransport, errorKindForCode(ErrCodeTransportError))
	assert.Equal(t, ErrorKindLookup, errorKindForCode(ErrCodeNotFound))
	assert.Equal(t, ErrorKindCapability, errorKindForCode(ErrCodeCapabilityDenied))
	assert.Equal(t, ErrorKindInvocation, errorKindForCode("APP_42"))
}
