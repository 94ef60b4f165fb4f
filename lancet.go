// Copyright 2021-2025 The Connect Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lancet bridges two calling conventions for RPCs: the method style,
// in which every procedure is a shape-native operation (unary call, client
// stream, server stream, or bidi stream), and the service style, in which
// every procedure is a uniform capability with a readiness probe and a single
// Call operation, regardless of streaming shape.
//
// The package owns no wire protocol. Transports supply concrete [Service]
// implementations (see the grpcbridge subpackage for a gRPC-backed one), and
// [NewClient] adapts any of them to the method style. The inverse direction
// is covered by [NewUnaryService], [NewClientStreamService],
// [NewServerStreamService], and [NewBidiStreamService], which lift
// shape-native Go functions into the uniform service style.
package lancet

import (
	"fmt"
	"net/http"
)

// StreamType describes whether the client, server, neither, or both is
// streaming.
type StreamType uint8

const (
	// StreamTypeUnary is a single request and a single response.
	StreamTypeUnary StreamType = 0b00
	// StreamTypeClient is a streamed request and a single response.
	StreamTypeClient StreamType = 0b01
	// StreamTypeServer is a single request and a streamed response.
	StreamTypeServer StreamType = 0b10
	// StreamTypeBidi streams in both directions.
	StreamTypeBidi = StreamTypeClient | StreamTypeServer
)

func (s StreamType) String() string {
	switch s {
	case StreamTypeUnary:
		return "unary"
	case StreamTypeClient:
		return "client_stream"
	case StreamTypeServer:
		return "server_stream"
	case StreamTypeBidi:
		return "bidi_stream"
	}
	return fmt.Sprintf("stream_%d", uint8(s))
}

// RequestShape returns the shape of the request side.
func (s StreamType) RequestShape() Shape {
	if s&StreamTypeClient != 0 {
		return ShapeStream
	}
	return ShapeSingle
}

// ResponseShape returns the shape of the response side.
func (s StreamType) ResponseShape() Shape {
	if s&StreamTypeServer != 0 {
		return ShapeStream
	}
	return ShapeSingle
}

// Shape tags one side of an RPC: a single message or a stream of messages.
// The shape of both sides is fixed when the [Spec] is created and never
// changes at runtime.
type Shape uint8

const (
	// ShapeSingle is exactly one message.
	ShapeSingle Shape = iota
	// ShapeStream is a lazy, finite or unbounded sequence of messages.
	ShapeStream
)

func (s Shape) String() string {
	switch s {
	case ShapeSingle:
		return "single"
	case ShapeStream:
		return "stream"
	}
	return fmt.Sprintf("shape_%d", uint8(s))
}

// Spec is a description of a client call or a handler invocation: one RPC
// identified by its fully-qualified procedure name and its streaming shape.
type Spec struct {
	StreamType StreamType
	Procedure  string // e.g., "acme.foo.v1.FooService/Bar"
	IsClient   bool   // otherwise we're in a handler
}

// A Request is an envelope around a request payload: either a single message
// or a message stream, matching the procedure's declared request shape,
// together with header metadata supplied by the caller.
//
// The caller owns the envelope until it is handed to an adapter; for the
// duration of the call the adapter owns it, including any stream inside.
type Request[T any] struct {
	msg    *T
	stream ReceiveStream[T]
	spec   Spec
	header http.Header
}

// NewRequest wraps a single request message in an envelope.
func NewRequest[T any](message *T) *Request[T] {
	return &Request[T]{msg: message}
}

// NewStreamRequest wraps a request message stream in an envelope. The
// receiving adapter assumes ownership of the stream.
func NewStreamRequest[T any](stream ReceiveStream[T]) *Request[T] {
	return &Request[T]{stream: stream}
}

// Any exposes the payload as an untyped value: a *T for single-shaped
// requests, a [ReceiveStream] for stream-shaped ones.
func (r *Request[T]) Any() any {
	if r.Shape() == ShapeStream {
		return r.stream
	}
	return r.msg
}

// Msg returns the single request message. It's nil for stream-shaped
// requests.
func (r *Request[T]) Msg() *T {
	return r.msg
}

// Stream returns the request message stream. It's nil for single-shaped
// requests.
func (r *Request[T]) Stream() ReceiveStream[T] {
	return r.stream
}

// Shape returns the shape of the payload actually carried by this envelope,
// which adapters check against the procedure's declared shape.
func (r *Request[T]) Shape() Shape {
	if r.stream != nil {
		return ShapeStream
	}
	return ShapeSingle
}

// Spec returns a description of this RPC.
func (r *Request[T]) Spec() Spec {
	return r.spec
}

// Header returns the request metadata.
func (r *Request[T]) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}

func (r *Request[T]) setSpec(spec Spec) {
	r.spec = spec
}

func (r *Request[T]) internalOnly() {}

// A Response is an envelope around a response payload, single or streamed,
// plus header and trailer metadata. Once an adapter returns it, the caller
// owns it.
type Response[T any] struct {
	msg     *T
	stream  ReceiveStream[T]
	header  http.Header
	trailer http.Header
}

// NewResponse wraps a single response message in an envelope.
func NewResponse[T any](message *T) *Response[T] {
	return &Response[T]{msg: message}
}

// NewStreamResponse wraps a response message stream in an envelope. The
// caller assumes ownership of the stream and must drain or close it.
func NewStreamResponse[T any](stream ReceiveStream[T]) *Response[T] {
	return &Response[T]{stream: stream}
}

// Any exposes the payload as an untyped value.
func (r *Response[T]) Any() any {
	if r.Shape() == ShapeStream {
		return r.stream
	}
	return r.msg
}

// Msg returns the single response message. It's nil for stream-shaped
// responses.
func (r *Response[T]) Msg() *T {
	return r.msg
}

// Stream returns the response message stream. It's nil for single-shaped
// responses.
func (r *Response[T]) Stream() ReceiveStream[T] {
	return r.stream
}

// Shape returns the shape of the payload carried by this envelope.
func (r *Response[T]) Shape() Shape {
	if r.stream != nil {
		return ShapeStream
	}
	return ShapeSingle
}

// Header returns the response metadata.
func (r *Response[T]) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}

// Trailer returns the trailing metadata. For stream-shaped responses the
// transport may populate it only after the stream ends.
func (r *Response[T]) Trailer() http.Header {
	if r.trailer == nil {
		r.trailer = make(http.Header)
	}
	return r.trailer
}

func (r *Response[T]) internalOnly() {}

// AnyRequest is the type-erased side of [Request]. It's used in interceptors.
//
// Headers and the payload may be mutated in place; the envelope itself must
// not be replaced.
type AnyRequest interface {
	Any() any
	Spec() Spec
	Shape() Shape
	Header() http.Header

	internalOnly()
}

// AnyResponse is the type-erased side of [Response]. It's used in
// interceptors.
type AnyResponse interface {
	Any() any
	Shape() Shape
	Header() http.Header
	Trailer() http.Header

	internalOnly()
}

var (
	_ AnyRequest  = (*Request[struct{}])(nil)
	_ AnyResponse = (*Response[struct{}])(nil)
)
