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

	"golang.org/x/time/rate"
)

// NewRateLimitService wraps any service, transport-backed or in-process,
// with a token bucket. It's the decorator behind [WithRateLimit], exported
// so that services this package didn't construct can be limited too.
func NewRateLimitService[Req, Res any](
	service Service[Req, Res],
	callsPerSecond float64,
	burst int,
) Service[Req, Res] {
	return &rateLimitedService[Req, Res]{
		service: service,
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
	}
}

type rateLimitedService[Req, Res any] struct {
	service Service[Req, Res]
	limiter *rate.Limiter
}

// Ready reports saturation without consuming a token, so the probe can't
// starve the calls it's probing for. Like every Ready, it's best effort:
// another caller may take the last token between Ready and Call.
func (s *rateLimitedService[Req, Res]) Ready() error {
	if s.limiter.Tokens() < 1 {
		return &NotReadyError{Reason: "rate limit exceeded"}
	}
	return s.service.Ready()
}

// Call consumes a token, or resolves to a resource-exhausted error when
// none is available. Per the service contract it neither blocks waiting for
// a token nor consults Ready.
func (s *rateLimitedService[Req, Res]) Call(ctx context.Context, req *Request[Req]) (*Response[Res], error) {
	if !s.limiter.Allow() {
		return nil, NewError(CodeResourceExhausted, errors.New("rate limit exceeded"))
	}
	return s.service.Call(ctx, req)
}
