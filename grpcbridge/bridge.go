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

// Package grpcbridge backs the lancet service style with gRPC. Given a
// [Channel], typically a [*grpc.ClientConn], it produces one
// [lancet.Service] per RPC method, for all four streaming shapes. Framing,
// connection management, deadlines, and cancellation signaling stay with
// gRPC; this package only moves envelopes and converts statuses.
package grpcbridge

import (
	"context"
	"errors"
	"io"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	"github.com/agentio/lancet"
)

// Channel is the slice of a gRPC transport this package needs. With a
// corresponding implementation it can run over something other than the
// standard HTTP/2 connection, such as an in-process loopback.
type Channel interface {
	// Invoke executes a unary RPC, sending req and populating res with the
	// server's reply.
	Invoke(ctx context.Context, method string, req, res any, opts ...grpc.CallOption) error

	// NewStream begins a streaming RPC.
	NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error)
}

// Channel matches the relevant methods on ClientConn.
var _ Channel = (*grpc.ClientConn)(nil)

// message enforces that a type parameter's pointer form is a Protobuf
// message, which is what gRPC's codec marshals.
type message[T any] interface {
	*T
	proto.Message
}

// NewService returns a service-style view of one gRPC method. The procedure
// name follows the lancet convention, "pkg.Service/Method"; a leading slash
// is tolerated.
//
// For stream-response shapes the response envelope's headers are populated
// before the first message is forwarded, so callers should read them only
// after the first receive (or after the stream ends).
func NewService[Req, Res any, ReqMsg message[Req], ResMsg message[Res]](
	channel Channel,
	streamType lancet.StreamType,
	procedure string,
) lancet.Service[Req, Res] {
	return &service[Req, Res, ReqMsg, ResMsg]{
		channel: channel,
		spec:    lancet.Spec{StreamType: streamType, Procedure: strings.TrimPrefix(procedure, "/")},
	}
}

type service[Req, Res any, ReqMsg message[Req], ResMsg message[Res]] struct {
	channel Channel
	spec    lancet.Spec
}

// Ready probes connection state when the channel is a real ClientConn.
// Idle counts as ready because a call triggers the connection handshake.
// Other channels are assumed ready; the probe is best effort either way,
// and Call never consults it.
func (s *service[Req, Res, ReqMsg, ResMsg]) Ready() error {
	conn, ok := s.channel.(*grpc.ClientConn)
	if !ok {
		return nil
	}
	switch state := conn.GetState(); state {
	case connectivity.Ready, connectivity.Idle:
		return nil
	case connectivity.Shutdown:
		return lancet.NewError(lancet.CodeUnavailable, errors.New("connection is shut down"))
	default: // Connecting, TransientFailure
		return &lancet.NotReadyError{Reason: "connection state is " + state.String()}
	}
}

func (s *service[Req, Res, ReqMsg, ResMsg]) Call(ctx context.Context, req *lancet.Request[Req]) (*lancet.Response[Res], error) {
	if declared := s.spec.StreamType.RequestShape(); req.Shape() != declared {
		return nil, &lancet.ShapeMismatchError{
			Procedure: s.spec.Procedure,
			Side:      "request",
			Declared:  declared,
			Got:       req.Shape(),
		}
	}
	ctx = outgoingContext(ctx, req.Header())
	switch s.spec.StreamType {
	case lancet.StreamTypeUnary:
		return s.unary(ctx, req)
	case lancet.StreamTypeClient:
		return s.clientStream(ctx, req)
	case lancet.StreamTypeServer:
		return s.serverStream(ctx, req)
	case lancet.StreamTypeBidi:
		return s.bidiStream(ctx, req)
	}
	return nil, lancet.NewError(lancet.CodeInternal, errors.New("unknown stream type"))
}

func (s *service[Req, Res, ReqMsg, ResMsg]) method() string {
	return "/" + s.spec.Procedure
}

func (s *service[Req, Res, ReqMsg, ResMsg]) streamDesc() *grpc.StreamDesc {
	name := s.spec.Procedure
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	return &grpc.StreamDesc{
		StreamName:    name,
		ClientStreams: s.spec.StreamType.RequestShape() == lancet.ShapeStream,
		ServerStreams: s.spec.StreamType.ResponseShape() == lancet.ShapeStream,
	}
}

func (s *service[Req, Res, ReqMsg, ResMsg]) unary(ctx context.Context, req *lancet.Request[Req]) (*lancet.Response[Res], error) {
	out := ResMsg(new(Res))
	var header, trailer metadata.MD
	err := s.channel.Invoke(
		ctx,
		s.method(),
		ReqMsg(req.Msg()),
		out,
		grpc.Header(&header),
		grpc.Trailer(&trailer),
	)
	if err != nil {
		return nil, ErrorFromStatus(err)
	}
	res := lancet.NewResponse((*Res)(out))
	mergeIncoming(res.Header(), header)
	mergeIncoming(res.Trailer(), trailer)
	return res, nil
}

// clientStream drains the request stream into the transport, then waits for
// the single response. An empty request stream is fine: the server sees a
// clean end of stream and responds.
func (s *service[Req, Res, ReqMsg, ResMsg]) clientStream(ctx context.Context, req *lancet.Request[Req]) (*lancet.Response[Res], error) {
	// The call is complete when this function returns, so the child context
	// can simply die with it; that reclaims the RPC if anything fails
	// mid-stream.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := s.channel.NewStream(ctx, s.streamDesc(), s.method())
	if err != nil {
		return nil, ErrorFromStatus(err)
	}
	if err := s.sendAll(stream, req.Stream()); err != nil {
		return nil, err
	}
	out := ResMsg(new(Res))
	if err := stream.RecvMsg(out); err != nil {
		return nil, ErrorFromStatus(err)
	}
	res := lancet.NewResponse((*Res)(out))
	if header, err := stream.Header(); err == nil {
		mergeIncoming(res.Header(), header)
	}
	mergeIncoming(res.Trailer(), stream.Trailer())
	return res, nil
}

func (s *service[Req, Res, ReqMsg, ResMsg]) serverStream(ctx context.Context, req *lancet.Request[Req]) (*lancet.Response[Res], error) {
	// The child context lets an abandoned response stream tear the gRPC
	// stream down; the forwarding goroutine cancels it on every exit path.
	ctx, cancel := context.WithCancel(ctx)
	stream, err := s.channel.NewStream(ctx, s.streamDesc(), s.method())
	if err != nil {
		cancel()
		return nil, ErrorFromStatus(err)
	}
	if err := stream.SendMsg(ReqMsg(req.Msg())); err != nil {
		cancel()
		return nil, ErrorFromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, ErrorFromStatus(err)
	}
	sender, receiver := lancet.NewPipe[Res](1)
	res := lancet.NewStreamResponse[Res](receiver)
	go s.forwardResponses(cancel, stream, sender, res)
	return res, nil
}

func (s *service[Req, Res, ReqMsg, ResMsg]) bidiStream(ctx context.Context, req *lancet.Request[Req]) (*lancet.Response[Res], error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := s.channel.NewStream(ctx, s.streamDesc(), s.method())
	if err != nil {
		cancel()
		return nil, ErrorFromStatus(err)
	}
	sender, receiver := lancet.NewPipe[Res](1)
	res := lancet.NewStreamResponse[Res](receiver)
	go func() {
		// A transport-side send failure surfaces as a status on the receive
		// side, but a failure of the caller's own request stream must tear
		// the RPC down here, or the server would wait on a half-open stream
		// and the response pipe would never terminate.
		if err := s.sendAll(stream, req.Stream()); err != nil {
			sender.CloseWithError(err)
			cancel()
		}
	}()
	go s.forwardResponses(cancel, stream, sender, res)
	return res, nil
}

// sendAll forwards the request stream to the transport and half-closes. It
// owns the request stream and closes it on every path, so a producer
// blocked on Send is never stranded.
func (s *service[Req, Res, ReqMsg, ResMsg]) sendAll(stream grpc.ClientStream, requests lancet.ReceiveStream[Req]) error {
	defer requests.Close()
	for {
		msg, err := requests.Receive()
		if err == io.EOF {
			break
		}
		if err != nil {
			// The caller's own request stream failed; don't leave the RPC
			// dangling.
			return lancet.NewError(lancet.CodeCanceled, err)
		}
		if err := stream.SendMsg(ReqMsg(msg)); err != nil {
			// gRPC returns io.EOF when the stream is already dead; the real
			// status comes from RecvMsg.
			if errors.Is(err, io.EOF) {
				break
			}
			return ErrorFromStatus(err)
		}
	}
	if err := stream.CloseSend(); err != nil {
		return ErrorFromStatus(err)
	}
	return nil
}

// forwardResponses pumps transport messages into the response pipe in
// arrival order, populating envelope metadata before the first message and
// trailers at the end.
func (s *service[Req, Res, ReqMsg, ResMsg]) forwardResponses(
	cancel context.CancelFunc,
	stream grpc.ClientStream,
	sender *lancet.PipeSender[Res],
	res *lancet.Response[Res],
) {
	defer cancel()
	if header, err := stream.Header(); err == nil {
		mergeIncoming(res.Header(), header)
	}
	for {
		out := ResMsg(new(Res))
		err := stream.RecvMsg(out)
		if err == io.EOF {
			mergeIncoming(res.Trailer(), stream.Trailer())
			sender.Close()
			return
		}
		if err != nil {
			mergeIncoming(res.Trailer(), stream.Trailer())
			sender.CloseWithError(ErrorFromStatus(err))
			return
		}
		if err := sender.Send((*Res)(out)); err != nil {
			// The caller abandoned the stream; cancel the RPC and stop.
			return
		}
	}
}
