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
)

// CallFunc is the generic signature of the uniform call path. Because
// stream-shaped payloads ride inside the envelopes, one CallFunc covers all
// four endpoint shapes: an interceptor written against it applies equally
// to unary and streaming procedures.
//
// For stream-response shapes, a CallFunc returns once the response stream
// is established, not once it ends; interceptors wrapping it observe
// dispatch and outcome, not individual stream messages.
type CallFunc func(context.Context, AnyRequest) (AnyResponse, error)

// An Interceptor adds logic to the call path, like the decorators or
// middleware you may have seen in other libraries. It may mutate headers,
// synthesize errors, or short-circuit the call entirely; it must not
// retry, which belongs to the transport or an outer layer.
type Interceptor interface {
	WrapCall(CallFunc) CallFunc
}

// WrapCallFunc is a convenience for interceptors that need no state,
// similar to [http.HandlerFunc].
type WrapCallFunc func(CallFunc) CallFunc

// WrapCall implements [Interceptor].
func (f WrapCallFunc) WrapCall(next CallFunc) CallFunc {
	return f(next)
}

// A chain composes multiple interceptors into one. The first interceptor
// is the outermost layer of the onion: it acts first on the request and
// last on the response.
type chain struct {
	interceptors []Interceptor
}

func newChain(interceptors []Interceptor) *chain {
	// We usually wrap in reverse order to have the first interceptor from
	// the slice act first. Rather than doing this dance repeatedly, reverse
	// the interceptor order now.
	var chain chain
	for i := len(interceptors) - 1; i >= 0; i-- {
		if interceptor := interceptors[i]; interceptor != nil {
			chain.interceptors = append(chain.interceptors, interceptor)
		}
	}
	return &chain
}

func (c *chain) WrapCall(next CallFunc) CallFunc {
	for _, interceptor := range c.interceptors {
		next = interceptor.WrapCall(next)
	}
	return next
}

// applyInterceptor threads a strongly-typed call through the type-erased
// interceptor chain. A nil interceptor costs nothing.
func applyInterceptor[Req, Res any](
	interceptor Interceptor,
	call func(context.Context, *Request[Req]) (*Response[Res], error),
) func(context.Context, *Request[Req]) (*Response[Res], error) {
	if interceptor == nil {
		return call
	}
	untyped := interceptor.WrapCall(func(ctx context.Context, request AnyRequest) (AnyResponse, error) {
		typed, ok := request.(*Request[Req])
		if !ok {
			return nil, errorf(CodeInternal, "unexpected request type %T", request)
		}
		return call(ctx, typed)
	})
	return func(ctx context.Context, request *Request[Req]) (*Response[Res], error) {
		response, err := untyped(ctx, request)
		if err != nil {
			return nil, err
		}
		typed, ok := response.(*Response[Res])
		if !ok {
			return nil, errorf(CodeInternal, "unexpected response type %T", response)
		}
		return typed, nil
	}
}
