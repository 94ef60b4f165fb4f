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
	"net/http"
)

// recoverInterceptor recovers from panics on the uniform call path. It only
// covers the synchronous portion of a call: producers for stream-shaped
// responses run on their own goroutines, where a recover here can't reach.
type recoverInterceptor struct {
	handle func(context.Context, Spec, http.Header, any) error
}

func (i *recoverInterceptor) WrapCall(next CallFunc) CallFunc {
	return func(ctx context.Context, request AnyRequest) (response AnyResponse, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				response = nil
				if err := i.handle(ctx, request.Spec(), request.Header(), r); err != nil {
					retErr = coerceError(err)
				} else {
					retErr = errorf(CodeInternal, "panic recovered on call path")
				}
			}
		}()
		return next(ctx, request)
	}
}
