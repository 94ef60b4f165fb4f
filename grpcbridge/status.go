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
	"net/http"
	"net/textproto"
	"strings"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/agentio/lancet"
)

// ErrorFromStatus converts a gRPC client error into a [*lancet.Error],
// preserving the code, message, and any typed details. lancet and gRPC
// number their codes identically, so no mapping table is needed. Errors
// that don't carry a gRPC status become [lancet.CodeUnknown], which is also
// how the status package classifies them.
//
// The result is a wire error: it reports what the other side of the RPC
// said, not a local failure.
func ErrorFromStatus(err error) *lancet.Error {
	st, ok := status.FromError(err)
	if !ok {
		return lancet.NewWireError(lancet.CodeUnknown, err)
	}
	lancetErr := lancet.NewWireError(lancet.Code(st.Code()), errors.New(st.Message()))
	for _, any := range st.Proto().GetDetails() {
		detail, detailErr := lancet.NewErrorDetail(any)
		if detailErr != nil {
			continue // malformed detail; keep the rest of the error usable
		}
		lancetErr.AddDetail(detail)
	}
	return lancetErr
}

// StatusFromError is the inverse of [ErrorFromStatus]: it renders any error
// as a gRPC status, ready for a server to return. Errors that aren't
// [*lancet.Error] values map to Unknown, matching the forwarding policy of
// the adapters: codes pass through untouched, they're never invented.
func StatusFromError(err error) *status.Status {
	lancetErr, ok := asLancetError(err)
	if !ok {
		return status.New(codes.Unknown, err.Error())
	}
	proto := &spb.Status{
		Code:    int32(lancetErr.Code()),
		Message: lancetErr.Message(),
	}
	for _, detail := range lancetErr.Details() {
		proto.Details = append(proto.Details, &anypb.Any{
			TypeUrl: "type.googleapis.com/" + detail.Type(),
			Value:   detail.Bytes(),
		})
	}
	return status.FromProto(proto)
}

func asLancetError(err error) (*lancet.Error, bool) {
	var lancetErr *lancet.Error
	ok := errors.As(err, &lancetErr)
	return lancetErr, ok
}

// outgoingContext attaches request headers as outgoing gRPC metadata.
// Header keys are lowercased per the metadata package's convention.
func outgoingContext(ctx context.Context, header http.Header) context.Context {
	if len(header) == 0 {
		return ctx
	}
	md := make(metadata.MD, len(header))
	for key, values := range header {
		md[strings.ToLower(key)] = values
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// mergeIncoming copies gRPC metadata into envelope headers, canonicalizing
// keys the way net/http does.
func mergeIncoming(header http.Header, md metadata.MD) {
	for key, values := range md {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		header[canonical] = append(header[canonical], values...)
	}
}
