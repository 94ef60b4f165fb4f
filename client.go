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
	"sync"
)

// Client is the method-style view of one RPC: it adapts a uniform [Service]
// to the conventional per-shape calling surface. Exactly one of the four
// Call methods is valid for a given procedure, determined by its
// [StreamType]; the others report a programming error.
//
// A call moves from created to dispatched to completed, successfully or
// not, with no retries at this layer. Clients are safe to use concurrently;
// each call is independent.
type Client[Req, Res any] struct {
	spec    Spec
	service Service[Req, Res]
	call    func(context.Context, *Request[Req]) (*Response[Res], error)
}

// NewClient adapts a service-style RPC to the method style. The stream type
// and procedure name describe the RPC the service implements; they're fixed
// for the client's lifetime.
func NewClient[Req, Res any](
	service Service[Req, Res],
	streamType StreamType,
	procedure string,
	options ...ClientOption,
) *Client[Req, Res] {
	config := newClientConfig(options)
	client := &Client[Req, Res]{
		spec:    Spec{StreamType: streamType, Procedure: procedure, IsClient: true},
		service: service,
	}
	client.call = applyInterceptor(config.Interceptor, func(ctx context.Context, request *Request[Req]) (*Response[Res], error) {
		if err := checkRequestShape(client.spec, request.Shape()); err != nil {
			return nil, err
		}
		request.setSpec(client.spec)
		response, err := service.Call(ctx, request)
		if err != nil {
			return nil, err
		}
		if response == nil {
			return nil, errorf(CodeInternal, "nil response from %s without an error", client.spec.Procedure)
		}
		if err := checkResponseShape(client.spec, response.Shape()); err != nil {
			return nil, err
		}
		return response, nil
	})
	return client
}

// Spec returns a description of the RPC this client calls.
func (c *Client[Req, Res]) Spec() Spec {
	return c.spec
}

// Ready probes the underlying service. It keeps the service-style contract:
// best effort, non-blocking, and never load-bearing for the Call methods.
func (c *Client[Req, Res]) Ready() error {
	return c.service.Ready()
}

// CallUnary calls a unary procedure: one request message, one response
// message.
func (c *Client[Req, Res]) CallUnary(ctx context.Context, request *Request[Req]) (*Response[Res], error) {
	if c.spec.StreamType != StreamTypeUnary {
		return nil, c.wrongShape("CallUnary")
	}
	return c.call(ctx, request)
}

// CallServerStream calls a server-streaming procedure: one request message,
// a stream of response messages. The returned stream yields responses in
// the order the service produced them; closing it early releases the call's
// resources.
func (c *Client[Req, Res]) CallServerStream(ctx context.Context, request *Request[Req]) (*ServerStreamForClient[Res], error) {
	if c.spec.StreamType != StreamTypeServer {
		return nil, c.wrongShape("CallServerStream")
	}
	response, err := c.call(ctx, request)
	if err != nil {
		return nil, err
	}
	return &ServerStreamForClient[Res]{response: response}, nil
}

// CallClientStream calls a client-streaming procedure: a stream of request
// messages, one response message. The returned stream is immediately
// usable; the underlying call is dispatched concurrently and completes when
// the caller invokes CloseAndReceive. Sending no messages before
// CloseAndReceive is a valid, empty request stream.
func (c *Client[Req, Res]) CallClientStream(ctx context.Context) *ClientStreamForClient[Req, Res] {
	if c.spec.StreamType != StreamTypeClient {
		return &ClientStreamForClient[Req, Res]{err: c.wrongShape("CallClientStream")}
	}
	sender, dispatch := c.dispatchStream(ctx)
	return &ClientStreamForClient[Req, Res]{sender: sender, dispatch: dispatch}
}

// CallBidiStream calls a bidirectional procedure: streams of messages in
// both directions, interleaved however the service likes.
func (c *Client[Req, Res]) CallBidiStream(ctx context.Context) *BidiStreamForClient[Req, Res] {
	if c.spec.StreamType != StreamTypeBidi {
		return &BidiStreamForClient[Req, Res]{err: c.wrongShape("CallBidiStream")}
	}
	sender, dispatch := c.dispatchStream(ctx)
	return &BidiStreamForClient[Req, Res]{sender: sender, dispatch: dispatch}
}

// dispatchStream starts a stream-request call: the caller feeds the
// returned sender, and the call itself runs on its own goroutine.
//
// For client-streaming shapes the call returning means the service is done
// with the request stream, so its receiving end is closed to unstrand any
// concurrent Send. For bidi shapes the call returns as soon as the response
// stream is established and the service keeps reading requests, so there
// the service owns the request stream's lifetime. Either way, a failed call
// closes the stream, and cancelling the context tears down a call the
// caller has abandoned mid-flight.
func (c *Client[Req, Res]) dispatchStream(ctx context.Context) (*PipeSender[Req], *dispatchedCall[Req, Res]) {
	sender, receiver := NewPipe[Req](pipeBuffer)
	request := NewStreamRequest[Req](receiver)
	// Materialize the header map on the caller's goroutine. The caller may
	// set headers until its first Send while the call goroutine reads them;
	// both sides would otherwise race to allocate the map lazily.
	request.Header()
	dispatch := &dispatchedCall[Req, Res]{
		request: request,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(dispatch.done)
		dispatch.response, dispatch.err = c.call(ctx, request)
		if dispatch.err != nil || c.spec.StreamType == StreamTypeClient {
			receiver.Close()
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			sender.CloseWithError(coerceError(ctx.Err()))
		case <-dispatch.done:
		}
	}()
	return sender, dispatch
}

func (c *Client[Req, Res]) wrongShape(method string) *Error {
	return errorf(
		CodeInternal,
		"lancet: %s called for %s procedure %s",
		method,
		c.spec.StreamType,
		c.spec.Procedure,
	)
}

// dispatchedCall tracks one in-flight stream-request call.
type dispatchedCall[Req, Res any] struct {
	request  *Request[Req]
	done     chan struct{}
	response *Response[Res]
	err      error
}

// await blocks until the call has produced its response envelope (or its
// error). For stream-response shapes this happens as soon as the stream is
// established, not when it ends.
func (d *dispatchedCall[Req, Res]) await() (*Response[Res], error) {
	<-d.done
	return d.response, d.err
}

// ServerStreamForClient is the caller's view of a server-streaming
// response.
type ServerStreamForClient[Res any] struct {
	response *Response[Res]
	msg      *Res
	err      error
}

// Receive advances the stream to the next message, which will then be
// available through the Msg method. It returns false when the stream stops,
// either by reaching its end or by encountering an unexpected error. After
// Receive returns false, the Err method will return any unexpected error
// encountered.
func (s *ServerStreamForClient[Res]) Receive() bool {
	if s.err != nil {
		return false
	}
	msg, err := s.response.Stream().Receive()
	if err != nil {
		s.err = err
		return false
	}
	s.msg = msg
	return true
}

// Msg returns the most recent message received by a call to Receive.
func (s *ServerStreamForClient[Res]) Msg() *Res {
	if s.msg == nil {
		s.msg = new(Res)
	}
	return s.msg
}

// Err returns the first unexpected error encountered by Receive. A clean
// end of stream isn't an error.
func (s *ServerStreamForClient[Res]) Err() error {
	if s.err == nil || errors.Is(s.err, io.EOF) {
		return nil
	}
	return s.err
}

// ResponseHeader returns the headers received from the service.
func (s *ServerStreamForClient[Res]) ResponseHeader() http.Header {
	return s.response.Header()
}

// ResponseTrailer returns the trailers received from the service. Trailers
// usually aren't populated until the stream has ended.
func (s *ServerStreamForClient[Res]) ResponseTrailer() http.Header {
	return s.response.Trailer()
}

// Close the stream, releasing the call's resources. It's safe to call Close
// before draining the stream; the service's producer stops promptly.
func (s *ServerStreamForClient[Res]) Close() error {
	return s.response.Stream().Close()
}

// ClientStreamForClient is the caller's view of a client-streaming request:
// send any number of messages, then close the stream and receive the single
// response.
type ClientStreamForClient[Req, Res any] struct {
	sender   *PipeSender[Req]
	dispatch *dispatchedCall[Req, Res]
	err      error
}

// RequestHeader returns the request headers. Headers are sent to the
// service with the first message; set them before calling Send.
func (s *ClientStreamForClient[Req, Res]) RequestHeader() http.Header {
	if s.err != nil {
		return make(http.Header)
	}
	return s.dispatch.request.Header()
}

// Send a message to the service. The first message invalidates any changes
// to the request headers.
//
// If the service is done and has returned its response or error, Send
// returns [io.EOF]; the caller should then call CloseAndReceive to get the
// outcome.
func (s *ClientStreamForClient[Req, Res]) Send(request *Req) error {
	if s.err != nil {
		return s.err
	}
	if err := s.sender.Send(request); err != nil {
		// The call completed without draining the stream. Hide the pipe
		// internals; the outcome is waiting in CloseAndReceive.
		return io.EOF
	}
	return nil
}

// CloseAndReceive closes the request stream and waits for the response.
// Calling it with no prior Send completes an empty, perfectly valid request
// stream.
func (s *ClientStreamForClient[Req, Res]) CloseAndReceive() (*Response[Res], error) {
	if s.err != nil {
		return nil, s.err
	}
	s.sender.Close()
	return s.dispatch.await()
}

// BidiStreamForClient is the caller's view of a bidirectional stream.
type BidiStreamForClient[Req, Res any] struct {
	sender   *PipeSender[Req]
	dispatch *dispatchedCall[Req, Res]
	err      error

	awaitOnce sync.Once
	response  *Response[Res]
	awaitErr  error
}

// await waits for the call to be dispatched: the point at which the service
// has either produced its response stream or failed outright.
func (b *BidiStreamForClient[Req, Res]) await() error {
	if b.err != nil {
		return b.err
	}
	b.awaitOnce.Do(func() {
		b.response, b.awaitErr = b.dispatch.await()
	})
	return b.awaitErr
}

// RequestHeader returns the request headers. Headers are sent with the
// first message; set them before calling Send.
func (b *BidiStreamForClient[Req, Res]) RequestHeader() http.Header {
	if b.err != nil {
		return make(http.Header)
	}
	return b.dispatch.request.Header()
}

// Send a message to the service. Returns [io.EOF] once the service is done
// with the call; the caller should then Receive to learn the outcome.
func (b *BidiStreamForClient[Req, Res]) Send(msg *Req) error {
	if b.err != nil {
		return b.err
	}
	if err := b.sender.Send(msg); err != nil {
		return io.EOF
	}
	return nil
}

// CloseRequest signals that the caller is done sending. Receives may
// continue afterward; the service sees a clean end of its request stream.
// An immediate CloseRequest produces an empty request stream, which still
// completes the call.
func (b *BidiStreamForClient[Req, Res]) CloseRequest() error {
	if b.err != nil {
		return b.err
	}
	return b.sender.Close()
}

// Receive a message from the service, blocking until one arrives. It
// returns [io.EOF] when the response stream ends cleanly and the call is
// complete.
func (b *BidiStreamForClient[Req, Res]) Receive() (*Res, error) {
	if err := b.await(); err != nil {
		return nil, err
	}
	return b.response.Stream().Receive()
}

// CloseResponse abandons the response stream, releasing the call's
// resources. The caller should close both sides of the stream when done.
func (b *BidiStreamForClient[Req, Res]) CloseResponse() error {
	if err := b.await(); err != nil {
		return nil //nolint:nilerr // the call failed before producing a stream; nothing to release
	}
	return b.response.Stream().Close()
}

// ResponseHeader returns the headers received from the service, blocking
// until the call has been dispatched.
func (b *BidiStreamForClient[Req, Res]) ResponseHeader() http.Header {
	if err := b.await(); err != nil {
		return make(http.Header)
	}
	return b.response.Header()
}

// ResponseTrailer returns the trailers received from the service. Trailers
// usually aren't populated until the stream has ended.
func (b *BidiStreamForClient[Req, Res]) ResponseTrailer() http.Header {
	if err := b.await(); err != nil {
		return make(http.Header)
	}
	return b.response.Trailer()
}
