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
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

const defaultAnyResolverPrefix = "type.googleapis.com/"

// An Error is a terminal, transport-level RPC failure: a [Code], a
// human-readable message, and optionally strongly-typed details and metadata.
// Adapters in this package forward Errors verbatim and never interpret or
// mask them; retry policy belongs to the transport or an outer decorator.
//
// Errors returned by transports for conditions the caller may not have
// caused (server-sent statuses, in particular) are wire errors; see
// [NewWireError] and [IsWireError].
type Error struct {
	code    Code
	err     error
	details []*ErrorDetail
	meta    http.Header
	wireErr bool
}

// NewError annotates any error with a status code.
func NewError(c Code, underlying error) *Error {
	return &Error{code: c, err: underlying}
}

// NewWireError works like [NewError], and additionally marks the error as
// having been received over the wire rather than synthesized locally.
func NewWireError(c Code, underlying error) *Error {
	err := NewError(c, underlying)
	err.wireErr = true
	return err
}

// IsWireError reports whether the error was returned by the other side of an
// RPC rather than synthesized by this process.
func IsWireError(err error) bool {
	se, ok := asError(err)
	return ok && se.wireErr
}

func errorf(c Code, template string, args ...any) *Error {
	return NewError(c, fmt.Errorf(template, args...))
}

func (e *Error) Error() string {
	message := e.Message()
	if message == "" {
		return e.code.String()
	}
	return e.code.String() + ": " + message
}

// Code returns the error's status code.
func (e *Error) Code() Code {
	return e.code
}

// Message returns the underlying error message, which may be empty.
func (e *Error) Message() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

// Unwrap allows [errors.Is] and [errors.As] access to the underlying error.
func (e *Error) Unwrap() error {
	return e.err
}

// Details returns the error's details.
func (e *Error) Details() []*ErrorDetail {
	return e.details
}

// AddDetail appends a message to the error's details.
func (e *Error) AddDetail(d *ErrorDetail) {
	e.details = append(e.details, d)
}

// Meta allows the error to carry additional metadata. How (or whether) the
// metadata is surfaced to the other side of an RPC is up to the transport.
func (e *Error) Meta() http.Header {
	if e.meta == nil {
		e.meta = make(http.Header)
	}
	return e.meta
}

// asError uses errors.As to unwrap any error and look for a lancet *Error.
func asError(err error) (*Error, bool) {
	var lancetErr *Error
	ok := errors.As(err, &lancetErr)
	return lancetErr, ok
}

// coerceError returns err as an *Error, wrapping foreign errors with
// CodeUnknown. Context errors keep their conventional codes.
func coerceError(err error) *Error {
	if lancetErr, ok := asError(err); ok {
		return lancetErr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeDeadlineExceeded, err)
	}
	return NewError(CodeUnknown, err)
}

// An ErrorDetail is a self-describing Protobuf message attached to an
// [*Error]. Details are sent over the network to clients, which can then work
// with strongly-typed data rather than trying to parse a complex error
// message.
type ErrorDetail struct {
	pbAny   *anypb.Any
	pbInner proto.Message // if nil, must be extracted from pbAny
}

// NewErrorDetail constructs a new error detail. If msg is an *[anypb.Any]
// then it is used as is. Otherwise, it is first wrapped in an [anypb.Any].
func NewErrorDetail(msg proto.Message) (*ErrorDetail, error) {
	// If it's already an Any, don't wrap it inside another.
	if pb, ok := msg.(*anypb.Any); ok {
		return &ErrorDetail{pbAny: pb}, nil
	}
	pb, err := anypb.New(msg)
	if err != nil {
		return nil, err
	}
	return &ErrorDetail{pbAny: pb, pbInner: msg}, nil
}

// Type is the fully-qualified name of the detail's Protobuf message (for
// example, acme.foo.v1.FooDetail).
func (d *ErrorDetail) Type() string {
	// proto.Any tries to make messages self-describing by using type URLs
	// rather than plain type names, but there aren't any descriptor registries
	// deployed. With the current state of the `Any` code, it's not possible to
	// build a useful type registry either. To hide this from users, we should
	// trim the URL prefix is added to the type name.
	return typeNameForURL(d.pbAny.GetTypeUrl())
}

// Bytes returns a copy of the Protobuf-serialized detail.
func (d *ErrorDetail) Bytes() []byte {
	out := make([]byte, len(d.pbAny.GetValue()))
	copy(out, d.pbAny.GetValue())
	return out
}

// Value uses the Protobuf runtime's package-global registry to unmarshal the
// detail into a strongly-typed message. Typically, clients use Value to check
// the type of each detail on an error and to extract the relevant ones.
func (d *ErrorDetail) Value() (proto.Message, error) {
	if d.pbInner != nil {
		return d.pbInner, nil
	}
	return d.pbAny.UnmarshalNew()
}

func typeNameForURL(url string) string {
	return url[strings.LastIndexByte(url, '/')+1:]
}

// A NotReadyError reports a transient capacity condition: the underlying
// resource cannot usefully accept a call right now. It is non-fatal and
// retryable by the caller.
//
// Only [Service.Ready] and readiness decorators return NotReadyErrors. A
// NotReadyError from Ready never prevents a subsequent Call from being
// attempted; Ready is best effort in both directions.
type NotReadyError struct {
	Reason string
}

func (e *NotReadyError) Error() string {
	if e.Reason == "" {
		return "not ready"
	}
	return "not ready: " + e.Reason
}

// IsNotReady reports whether the error is or wraps a [*NotReadyError].
func IsNotReady(err error) bool {
	var notReady *NotReadyError
	return errors.As(err, &notReady)
}

// A ShapeMismatchError reports an envelope whose payload shape differs from
// the shape the procedure's [Spec] declares for that side. It's a programming
// error: correctly generated code never produces one. Adapters surface it
// immediately rather than dispatching the call.
type ShapeMismatchError struct {
	Procedure string
	Side      string // "request" or "response"
	Declared  Shape
	Got       Shape
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf(
		"%s: %s shape is %s, but the procedure declares %s",
		e.Procedure,
		e.Side,
		e.Got,
		e.Declared,
	)
}

func checkRequestShape(spec Spec, got Shape) error {
	if declared := spec.StreamType.RequestShape(); got != declared {
		return &ShapeMismatchError{
			Procedure: spec.Procedure,
			Side:      "request",
			Declared:  declared,
			Got:       got,
		}
	}
	return nil
}

func checkResponseShape(spec Spec, got Shape) error {
	if declared := spec.StreamType.ResponseShape(); got != declared {
		return &ShapeMismatchError{
			Procedure: spec.Procedure,
			Side:      "response",
			Declared:  declared,
			Got:       got,
		}
	}
	return nil
}
