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

package grpcbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/agentio/lancet"
	"github.com/agentio/lancet/internal/assert"
)

const (
	bridgeServiceName = "lancet.test.v1.BridgeService"
	echoProcedure     = bridgeServiceName + "/Echo"
	countProcedure    = bridgeServiceName + "/Count"
	concatProcedure   = bridgeServiceName + "/Concat"
	chatProcedure     = bridgeServiceName + "/Chat"
)

// The test service is hand-rolled rather than generated: four methods over
// [wrapperspb.StringValue], one per streaming shape.
var bridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: bridgeServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Echo", Handler: echoHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Count", Handler: countHandler, ServerStreams: true},
		{StreamName: "Concat", Handler: concatHandler, ClientStreams: true},
		{StreamName: "Chat", Handler: chatHandler, ClientStreams: true, ServerStreams: true},
	},
}

func echoHandler(_ any, ctx context.Context, decode func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := decode(in); err != nil {
		return nil, err
	}
	if in.GetValue() == "missing" {
		st := status.New(codes.NotFound, "no such value")
		detailed, err := st.WithDetails(wrapperspb.String("detail-payload"))
		if err != nil {
			return nil, err
		}
		return nil, detailed.Err()
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs("echo-header", "present"))
	_ = grpc.SetTrailer(ctx, metadata.Pairs("echo-trailer", "present"))
	return wrapperspb.String("echo:" + in.GetValue()), nil
}

func countHandler(_ any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := stream.SendMsg(wrapperspb.String(fmt.Sprintf("%s-%d", in.GetValue(), i))); err != nil {
			return err
		}
	}
	stream.SetTrailer(metadata.Pairs("count-trailer", "done"))
	return nil
}

func concatHandler(_ any, stream grpc.ServerStream) error {
	var text string
	for {
		in := new(wrapperspb.StringValue)
		err := stream.RecvMsg(in)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		text += in.GetValue()
	}
	return stream.SendMsg(wrapperspb.String(text))
}

func chatHandler(_ any, stream grpc.ServerStream) error {
	for {
		in := new(wrapperspb.StringValue)
		err := stream.RecvMsg(in)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := stream.SendMsg(wrapperspb.String("re:" + in.GetValue())); err != nil {
			return err
		}
	}
}

func startBridgeServer(t *testing.T) *grpc.ClientConn {
	t.Helper()
	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	server.RegisterService(&bridgeServiceDesc, struct{}{})
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func TestBridgeUnary(t *testing.T) {
	t.Parallel()
	conn := startBridgeServer(t)
	service := NewService[wrapperspb.StringValue, wrapperspb.StringValue](conn, lancet.StreamTypeUnary, echoProcedure)
	assert.Nil(t, service.Ready())
	res, err := service.Call(context.Background(), lancet.NewRequest(wrapperspb.String("hi")))
	assert.Nil(t, err)
	assert.Equal(t, res.Msg().GetValue(), "echo:hi")
	assert.Equal(t, res.Header().Get("Echo-Header"), "present")
	assert.Equal(t, res.Trailer().Get("Echo-Trailer"), "present")
}

func TestBridgeUnaryStatus(t *testing.T) {
	t.Parallel()
	conn := startBridgeServer(t)
	service := NewService[wrapperspb.StringValue, wrapperspb.StringValue](conn, lancet.StreamTypeUnary, echoProcedure)
	_, err := service.Call(context.Background(), lancet.NewRequest(wrapperspb.String("missing")))
	assert.NotNil(t, err)
	assert.Equal(t, lancet.CodeOf(err), lancet.CodeNotFound)
	assert.True(t, lancet.IsWireError(err))
	var lancetErr *lancet.Error
	assert.True(t, errors.As(err, &lancetErr))
	assert.Equal(t, lancetErr.Message(), "no such value")
	assert.Equal(t, len(lancetErr.Details()), 1)
	detail, err := lancetErr.Details()[0].Value()
	assert.Nil(t, err)
	assert.Equal(t, detail.(*wrapperspb.StringValue).GetValue(), "detail-payload")
}

func TestBridgeServerStream(t *testing.T) {
	t.Parallel()
	conn := startBridgeServer(t)
	service := NewService[wrapperspb.StringValue, wrapperspb.StringValue](conn, lancet.StreamTypeServer, countProcedure)
	res, err := service.Call(context.Background(), lancet.NewRequest(wrapperspb.String("tick")))
	assert.Nil(t, err)
	assert.Equal(t, res.Shape(), lancet.ShapeStream)
	messages, err := lancet.ReadAll(res.Stream())
	assert.Nil(t, err)
	assert.Equal(t, len(messages), 3)
	for i, msg := range messages {
		assert.Equal(t, msg.GetValue(), fmt.Sprintf("tick-%d", i))
	}
	// Trailers are populated once the stream has ended.
	assert.Equal(t, res.Trailer().Get("Count-Trailer"), "done")
}

func TestBridgeClientStream(t *testing.T) {
	t.Parallel()
	conn := startBridgeServer(t)
	service := NewService[wrapperspb.StringValue, wrapperspb.StringValue](conn, lancet.StreamTypeClient, concatProcedure)

	t.Run("messages", func(t *testing.T) {
		t.Parallel()
		req := lancet.NewStreamRequest(lancet.StreamOf(
			wrapperspb.String("a"),
			wrapperspb.String("b"),
			wrapperspb.String("c"),
		))
		res, err := service.Call(context.Background(), req)
		assert.Nil(t, err)
		assert.Equal(t, res.Msg().GetValue(), "abc")
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		res, err := service.Call(context.Background(), lancet.NewStreamRequest(lancet.StreamOf[wrapperspb.StringValue]()))
		assert.Nil(t, err)
		assert.Equal(t, res.Msg().GetValue(), "")
	})
}

func TestBridgeBidiStream(t *testing.T) {
	t.Parallel()
	conn := startBridgeServer(t)
	service := NewService[wrapperspb.StringValue, wrapperspb.StringValue](conn, lancet.StreamTypeBidi, chatProcedure)
	sender, receiver := lancet.NewPipe[wrapperspb.StringValue](1)
	res, err := service.Call(context.Background(), lancet.NewStreamRequest[wrapperspb.StringValue](receiver))
	assert.Nil(t, err)
	go func() {
		for _, text := range []string{"one", "two", "three"} {
			if err := sender.Send(wrapperspb.String(text)); err != nil {
				return
			}
		}
		sender.Close()
	}()
	messages, err := lancet.ReadAll(res.Stream())
	assert.Nil(t, err)
	assert.Equal(t, len(messages), 3)
	assert.Equal(t, messages[0].GetValue(), "re:one")
	assert.Equal(t, messages[2].GetValue(), "re:three")
}

func TestBridgeBidiRequestStreamFailure(t *testing.T) {
	t.Parallel()
	conn := startBridgeServer(t)
	service := NewService[wrapperspb.StringValue, wrapperspb.StringValue](conn, lancet.StreamTypeBidi, chatProcedure)
	sender, receiver := lancet.NewPipe[wrapperspb.StringValue](1)
	res, err := service.Call(context.Background(), lancet.NewStreamRequest[wrapperspb.StringValue](receiver))
	assert.Nil(t, err)
	assert.Nil(t, sender.Send(wrapperspb.String("one")))
	assert.Nil(t, sender.CloseWithError(errors.New("caller gave up")))
	// A failed request stream must terminate the response stream with a
	// status; the RPC can't be left half-open with the server waiting.
	var recvErr error
	for {
		if _, err := res.Stream().Receive(); err != nil {
			recvErr = err
			break
		}
	}
	assert.Equal(t, lancet.CodeOf(recvErr), lancet.CodeCanceled)
	assert.Nil(t, res.Stream().Close())
}

func TestBridgeShapeMismatch(t *testing.T) {
	t.Parallel()
	conn := startBridgeServer(t)
	service := NewService[wrapperspb.StringValue, wrapperspb.StringValue](conn, lancet.StreamTypeClient, concatProcedure)
	_, err := service.Call(context.Background(), lancet.NewRequest(wrapperspb.String("single")))
	assert.NotNil(t, err)
	var mismatch *lancet.ShapeMismatchError
	assert.True(t, errors.As(err, &mismatch))
	assert.Equal(t, mismatch.Got, lancet.ShapeSingle)
	assert.Equal(t, mismatch.Declared, lancet.ShapeStream)
}

// The bridge composes with the method-style converter: a gRPC-backed
// service behind a lancet client, end to end.
func TestBridgeWithClient(t *testing.T) {
	t.Parallel()
	conn := startBridgeServer(t)
	service := NewService[wrapperspb.StringValue, wrapperspb.StringValue](conn, lancet.StreamTypeServer, countProcedure)
	client := lancet.NewClient(service, lancet.StreamTypeServer, countProcedure)
	stream, err := client.CallServerStream(context.Background(), lancet.NewRequest(wrapperspb.String("tock")))
	assert.Nil(t, err)
	var got []string
	for stream.Receive() {
		got = append(got, stream.Msg().GetValue())
	}
	assert.Nil(t, stream.Err())
	assert.Equal(t, got, []string{"tock-0", "tock-1", "tock-2"})
	assert.Nil(t, stream.Close())
}

func TestBridgeAbandonedStream(t *testing.T) {
	t.Parallel()
	conn := startBridgeServer(t)
	service := NewService[wrapperspb.StringValue, wrapperspb.StringValue](conn, lancet.StreamTypeServer, countProcedure)
	res, err := service.Call(context.Background(), lancet.NewRequest(wrapperspb.String("tick")))
	assert.Nil(t, err)
	// Closing without draining must not wedge anything; the forwarding
	// goroutine cancels the RPC when its next Send fails.
	assert.Nil(t, res.Stream().Close())
}
