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
	"log/slog"
	"time"
)

// loggingInterceptor logs each call's dispatch and outcome. It never logs
// payloads; envelopes may carry streams whose contents haven't arrived yet.
type loggingInterceptor struct {
	logger *slog.Logger
}

func (i *loggingInterceptor) WrapCall(next CallFunc) CallFunc {
	return func(ctx context.Context, request AnyRequest) (AnyResponse, error) {
		spec := request.Spec()
		start := time.Now()
		response, err := next(ctx, request)
		if err != nil {
			i.logger.ErrorContext(ctx, "call failed",
				slog.String("procedure", spec.Procedure),
				slog.String("stream_type", spec.StreamType.String()),
				slog.String("code", CodeOf(err).String()),
				slog.Duration("duration", time.Since(start)),
				slog.Any("error", err),
			)
			return nil, err
		}
		i.logger.DebugContext(ctx, "call dispatched",
			slog.String("procedure", spec.Procedure),
			slog.String("stream_type", spec.StreamType.String()),
			slog.Duration("duration", time.Since(start)),
		)
		return response, nil
	}
}
