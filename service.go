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

package lancet

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// pipeBuffer is the in-flight allowance of converter pipes. It's
// deliberately small: stream values are forwarded as they arrive, never
// accumulated.
const pipeBuffer = 1

// A Service is the uniform, service-style view of one RPC: a readiness
// probe and a single Call, identical for all four streaming shapes. The
// shape rides inside the envelopes.
//
// Transports supply Services; [NewClient] turns any of them into the
// conventional method-style calling surface.
type Service[Req, Res any] interface {
	// Ready is a prompt, non-blocking probe of whether a call is likely to
	// succeed immediately. nil means ready; a [*NotReadyError] reports a
	// transient capacity condition; any other error reports a terminal one.
	//
	// Ready is best effort. False positives are permitted: Ready may return
	// nil and the next Call may still fail. The reverse also holds, so a
	// non-nil result must never stop the caller from attempting a Call.
	Ready() error

	// Call processes one request envelope and produces one response
	// envelope. It must be safe to invoke with no prior Ready call and from
	// a different goroutine than the one probing Ready, and implementations
	// must not invoke their own Ready from inside Call. If the underlying
	// resource is saturated, Call returns an error rather than panicking or
	// blocking indefinitely.
	//
	// Calls are independent: any number may be in flight against one
	// Service, and nothing is guaranteed about ordering across them.
	Call(ctx context.Context, req *Request[Req]) (*Response[Res], error)
}

// ClientStream is the handler's view of a client-streaming or
// bidirectional request: an iterator over the messages the client sends.
type ClientStream[Req any] struct {
	spec   Spec
	header http.Header
	stream ReceiveStream[Req]
	msg    *Req
	err    error
}

// Spec returns a description of this RPC.
func (c *ClientStream[Req]) Spec() Spec {
	return c.spec
}

// RequestHeader returns the metadata the client sent with the stream.
func (c *ClientStream[Req]) RequestHeader() http.Header {
	if c.header == nil {
		c.header = make(http.Header)
	}
	return c.header
}

// Receive advances the stream to the next message, which will then be
// available through the Msg method. It returns false when the stream stops,
// either by reaching its end or by encountering an unexpected error. After
// Receive returns false, the Err method will return any unexpected error
// encountered.
func (c *ClientStream[Req]) Receive() bool {
	if c.err != nil {
		return false
	}
	msg, err := c.stream.Receive()
	if err != nil {
		c.err = err
		return false
	}
	c.msg = msg
	return true
}

// Msg returns the most recent message unmarshaled by a call to Receive.
func (c *ClientStream[Req]) Msg() *Req {
	if c.msg == nil {
		c.msg = new(Req)
	}
	return c.msg
}

// Err returns the first unexpected error encountered by Receive. A clean
// end of stream isn't an error.
func (c *ClientStream[Req]) Err() error {
	if c.err == nil || errors.Is(c.err, io.EOF) {
		return nil
	}
	return c.err
}

// ServerStream is the handler's view of a server-streaming response: each
// Send forwards one message to the caller, in order, as it's produced.
// Response headers should be set before the first Send.
type ServerStream[Res any] struct {
	spec    Spec
	sender  SendStream[Res]
	header  http.Header
	trailer http.Header
}

// Spec returns a description of this RPC.
func (s *ServerStream[Res]) Spec() Spec {
	return s.spec
}

// ResponseHeader returns the response headers.
func (s *ServerStream[Res]) ResponseHeader() http.Header {
	return s.header
}

// ResponseTrailer returns the response trailers. Handlers may write to the
// response trailers at any time before returning.
func (s *ServerStream[Res]) ResponseTrailer() http.Header {
	return s.trailer
}

// Send a message to the client. Send fails once the caller abandons the
// stream, which is how handlers learn to stop producing.
func (s *ServerStream[Res]) Send(msg *Res) error {
	return s.sender.Send(msg)
}

// BidiStream is the handler's view of a bidirectional RPC: it can receive
// request messages and send response messages in any interleaving.
type BidiStream[Req, Res any] struct {
	spec          Spec
	requests      ReceiveStream[Req]
	sender        SendStream[Res]
	requestHeader http.Header
	header        http.Header
	trailer       http.Header
}

// Spec returns a description of this RPC.
func (b *BidiStream[Req, Res]) Spec() Spec {
	return b.spec
}

// RequestHeader returns the metadata the client sent with the stream.
func (b *BidiStream[Req, Res]) RequestHeader() http.Header {
	if b.requestHeader == nil {
		b.requestHeader = make(http.Header)
	}
	return b.requestHeader
}

// Receive returns the next request message, blocking until one arrives. It
// returns [io.EOF] when the client is done sending; an empty request stream
// yields io.EOF immediately, which is a normal completion, not an error.
func (b *BidiStream[Req, Res]) Receive() (*Req, error) {
	return b.requests.Receive()
}

// Send a message to the client.
func (b *BidiStream[Req, Res]) Send(msg *Res) error {
	return b.sender.Send(msg)
}

// ResponseHeader returns the response headers.
func (b *BidiStream[Req, Res]) ResponseHeader() http.Header {
	return b.header
}

// ResponseTrailer returns the response trailers.
func (b *BidiStream[Req, Res]) ResponseTrailer() http.Header {
	return b.trailer
}

// NewUnaryService lifts a unary function into the uniform service style.
// The returned Service is always ready and checks that the request envelope
// is single-shaped before dispatching.
func NewUnaryService[Req, Res any](
	procedure string,
	unary func(context.Context, *Request[Req]) (*Response[Res], error),
	options ...ServiceOption,
) Service[Req, Res] {
	config := newServiceConfig(options)
	spec := Spec{StreamType: StreamTypeUnary, Procedure: procedure}
	call := applyInterceptor(config.Interceptor, func(ctx context.Context, req *Request[Req]) (*Response[Res], error) {
		res, err := unary(ctx, req)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, errorf(CodeInternal, "nil response from %s without an error", spec.Procedure)
		}
		if err := checkResponseShape(spec, res.Shape()); err != nil {
			return nil, err
		}
		return res, nil
	})
	return decorateService(config, &shapedService[Req, Res]{spec: spec, call: call})
}

// NewClientStreamService lifts a client-streaming function into the uniform
// service style. The function consumes the request stream through the
// [ClientStream] iterator and returns one response.
func NewClientStreamService[Req, Res any](
	procedure string,
	stream func(context.Context, *ClientStream[Req]) (*Response[Res], error),
	options ...ServiceOption,
) Service[Req, Res] {
	config := newServiceConfig(options)
	spec := Spec{StreamType: StreamTypeClient, Procedure: procedure}
	call := applyInterceptor(config.Interceptor, func(ctx context.Context, req *Request[Req]) (*Response[Res], error) {
		res, err := stream(ctx, &ClientStream[Req]{
			spec:   spec,
			header: req.Header(),
			stream: req.Stream(),
		})
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, errorf(CodeInternal, "nil response from %s without an error", spec.Procedure)
		}
		if err := checkResponseShape(spec, res.Shape()); err != nil {
			return nil, err
		}
		return res, nil
	})
	return decorateService(config, &shapedService[Req, Res]{spec: spec, call: call})
}

// NewServerStreamService lifts a server-streaming function into the uniform
// service style. Call returns a stream-shaped response envelope right away;
// the function runs on its own goroutine and its sends are forwarded to the
// envelope's stream as they happen. When the function returns, the stream
// ends, cleanly or with the function's error.
func NewServerStreamService[Req, Res any](
	procedure string,
	stream func(context.Context, *Request[Req], *ServerStream[Res]) error,
	options ...ServiceOption,
) Service[Req, Res] {
	config := newServiceConfig(options)
	spec := Spec{StreamType: StreamTypeServer, Procedure: procedure}
	call := applyInterceptor(config.Interceptor, func(ctx context.Context, req *Request[Req]) (*Response[Res], error) {
		sender, receiver := NewPipe[Res](pipeBuffer)
		res := NewStreamResponse(receiver)
		serverStream := &ServerStream[Res]{
			spec:    spec,
			sender:  sender,
			header:  res.Header(),
			trailer: res.Trailer(),
		}
		producerDone := make(chan struct{})
		go func() {
			defer close(producerDone)
			if err := stream(ctx, req, serverStream); err != nil {
				sender.CloseWithError(coerceError(err))
				return
			}
			sender.Close()
		}()
		go func() {
			// A caller that cancels the context instead of closing the
			// stream still unblocks the producer. Only the sending end is
			// closed: the caller keeps draining and deterministically
			// observes the coerced cancellation status, not a closed pipe.
			select {
			case <-ctx.Done():
				sender.CloseWithError(coerceError(ctx.Err()))
			case <-producerDone:
			}
		}()
		return res, nil
	})
	return decorateService(config, &shapedService[Req, Res]{spec: spec, call: call})
}

// NewBidiStreamService lifts a bidirectional function into the uniform
// service style. As with [NewServerStreamService], the function runs on its
// own goroutine; it reads requests and writes responses through the
// [BidiStream] in whatever interleaving it likes.
func NewBidiStreamService[Req, Res any](
	procedure string,
	stream func(context.Context, *BidiStream[Req, Res]) error,
	options ...ServiceOption,
) Service[Req, Res] {
	config := newServiceConfig(options)
	spec := Spec{StreamType: StreamTypeBidi, Procedure: procedure}
	call := applyInterceptor(config.Interceptor, func(ctx context.Context, req *Request[Req]) (*Response[Res], error) {
		sender, receiver := NewPipe[Res](pipeBuffer)
		res := NewStreamResponse(receiver)
		bidiStream := &BidiStream[Req, Res]{
			spec:          spec,
			requests:      req.Stream(),
			sender:        sender,
			requestHeader: req.Header(),
			header:        res.Header(),
			trailer:       res.Trailer(),
		}
		producerDone := make(chan struct{})
		go func() {
			defer close(producerDone)
			// The handler owns the request stream once Call returns; close
			// it when the handler finishes so late Sends fail fast instead
			// of blocking.
			defer req.Stream().Close()
			if err := stream(ctx, bidiStream); err != nil {
				sender.CloseWithError(coerceError(err))
				return
			}
			sender.Close()
		}()
		go func() {
			select {
			case <-ctx.Done():
				// Record the cancellation status before waking the handler:
				// a handler that returns cleanly once its request stream
				// dies must not turn the caller's error into a clean EOF.
				sender.CloseWithError(coerceError(ctx.Err()))
				req.Stream().Close()
			case <-producerDone:
			}
		}()
		return res, nil
	})
	return decorateService(config, &shapedService[Req, Res]{spec: spec, call: call})
}

// shapedService is the common core of the four constructors: it stamps the
// spec onto incoming envelopes and rejects mis-shaped requests before the
// wrapped call sees them.
type shapedService[Req, Res any] struct {
	spec Spec
	call func(context.Context, *Request[Req]) (*Response[Res], error)
}

func (s *shapedService[Req, Res]) Ready() error {
	// In-process adapters have no capacity limit of their own. Decorators
	// like WithRateLimit add one.
	return nil
}

func (s *shapedService[Req, Res]) Call(ctx context.Context, req *Request[Req]) (*Response[Res], error) {
	if err := checkRequestShape(s.spec, req.Shape()); err != nil {
		return nil, err
	}
	req.setSpec(s.spec)
	return s.call(ctx, req)
}
