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
	"net/http"

	"golang.org/x/time/rate"
)

// A ClientOption configures a [Client].
//
// In addition to any options grouped in the documentation below, remember
// that any [Option] is also a valid ClientOption.
type ClientOption interface {
	applyToClient(*clientConfig)
}

// WithClientOptions composes multiple ClientOptions into one.
func WithClientOptions(options ...ClientOption) ClientOption {
	return &clientOptionsOption{options}
}

// A ServiceOption configures a [Service] built with one of the New*Service
// constructors.
//
// In addition to any options grouped in the documentation below, remember
// that any [Option] is also a ServiceOption.
type ServiceOption interface {
	applyToService(*serviceConfig)
}

// WithServiceOptions composes multiple ServiceOptions into one.
func WithServiceOptions(options ...ServiceOption) ServiceOption {
	return &serviceOptionsOption{options}
}

// WithRateLimit caps the rate at which a service accepts calls, using a
// token bucket refilled at callsPerSecond with the given burst size.
//
// Saturation surfaces through both halves of the service contract: Ready
// reports a [*NotReadyError] while the bucket is empty, and a Call that
// arrives anyway resolves to a [CodeResourceExhausted] error instead of
// blocking. The probe stays best effort: it never reserves a token, so
// Ready and a subsequent Call remain independent.
func WithRateLimit(callsPerSecond float64, burst int) ServiceOption {
	return &rateLimitOption{limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst)}
}

// Option implements both [ClientOption] and [ServiceOption], so it can be
// applied on either side of the conversion.
type Option interface {
	ClientOption
	ServiceOption
}

// WithInterceptors configures a client or service's interceptor stack.
// Repeated WithInterceptors options are applied in order, so
//
//	WithInterceptors(A) + WithInterceptors(B, C) == WithInterceptors(A, B, C)
//
// Interceptors compose like an onion: the first interceptor provided is the
// outermost layer, acting first on the request and last on the response.
// Because the wrapped [CallFunc] is shape-uniform, the same interceptor
// serves unary and streaming procedures alike.
func WithInterceptors(interceptors ...Interceptor) Option {
	return &interceptorsOption{interceptors}
}

// WithRecover adds an interceptor that recovers from panics on the call
// path. The supplied function receives the context, [Spec], request
// headers, and the recovered value (which may be nil). It must return an
// error to hand back to the caller. It may also log the panic, emit
// metrics, or execute other error-handling logic. Handler functions must be
// safe to call concurrently.
//
// By default, the call path doesn't recover from panics; a panicking
// service built with the New*Service constructors crashes the process, the
// same as any other Go code.
func WithRecover(handle func(context.Context, Spec, http.Header, any) error) Option {
	return WithInterceptors(&recoverInterceptor{handle: handle})
}

// WithLogging adds an interceptor that logs each call's procedure, shape,
// and outcome through the supplied logger at debug level (errors at error
// level). For stream-response shapes it logs dispatch, not stream
// completion.
func WithLogging(logger *slog.Logger) Option {
	return WithInterceptors(&loggingInterceptor{logger: logger})
}

// WithOptions composes multiple Options into one.
func WithOptions(options ...Option) Option {
	return &optionsOption{options}
}

type clientConfig struct {
	Interceptor Interceptor
}

func newClientConfig(options []ClientOption) *clientConfig {
	config := new(clientConfig)
	for _, opt := range options {
		opt.applyToClient(config)
	}
	return config
}

type serviceConfig struct {
	Interceptor Interceptor
	Limiter     *rate.Limiter
}

func newServiceConfig(options []ServiceOption) *serviceConfig {
	config := new(serviceConfig)
	for _, opt := range options {
		opt.applyToService(config)
	}
	return config
}

// decorateService applies config-driven decorators around a constructed
// service.
func decorateService[Req, Res any](config *serviceConfig, service Service[Req, Res]) Service[Req, Res] {
	if config.Limiter != nil {
		service = &rateLimitedService[Req, Res]{service: service, limiter: config.Limiter}
	}
	return service
}

type clientOptionsOption struct {
	options []ClientOption
}

func (o *clientOptionsOption) applyToClient(config *clientConfig) {
	for _, option := range o.options {
		option.applyToClient(config)
	}
}

type serviceOptionsOption struct {
	options []ServiceOption
}

func (o *serviceOptionsOption) applyToService(config *serviceConfig) {
	for _, option := range o.options {
		option.applyToService(config)
	}
}

type rateLimitOption struct {
	limiter *rate.Limiter
}

func (o *rateLimitOption) applyToService(config *serviceConfig) {
	config.Limiter = o.limiter
}

type interceptorsOption struct {
	Interceptors []Interceptor
}

func (o *interceptorsOption) applyToClient(config *clientConfig) {
	config.Interceptor = o.chainWith(config.Interceptor)
}

func (o *interceptorsOption) applyToService(config *serviceConfig) {
	config.Interceptor = o.chainWith(config.Interceptor)
}

func (o *interceptorsOption) chainWith(current Interceptor) Interceptor {
	if len(o.Interceptors) == 0 {
		return current
	}
	if current == nil && len(o.Interceptors) == 1 {
		return o.Interceptors[0]
	}
	if current == nil && len(o.Interceptors) > 1 {
		return newChain(o.Interceptors)
	}
	return newChain(append([]Interceptor{current}, o.Interceptors...))
}

type optionsOption struct {
	options []Option
}

func (o *optionsOption) applyToClient(config *clientConfig) {
	for _, option := range o.options {
		option.applyToClient(config)
	}
}

func (o *optionsOption) applyToService(config *serviceConfig) {
	for _, option := range o.options {
		option.applyToService(config)
	}
}
