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

// Package assert is a minimal assert package using generics.
//
// This prevents us from needing additional dependencies in our production
// code.
package assert

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"google.golang.org/protobuf/testing/protocmp"
)

// Equal asserts that two values are equal.
func Equal[T any](tb testing.TB, got, want T, options ...Option) bool {
	tb.Helper()
	if cmpEqual(got, want) {
		return true
	}
	report(tb, got, want, "assert.Equal", true /* showWant */, options...)
	return false
}

// NotEqual asserts that two values aren't equal.
func NotEqual[T any](tb testing.TB, got, want T, options ...Option) bool {
	tb.Helper()
	if !cmpEqual(got, want) {
		return true
	}
	report(tb, got, want, "assert.NotEqual", true /* showWant */, options...)
	return false
}

// Nil asserts that the value is nil.
func Nil(tb testing.TB, got any, options ...Option) bool {
	tb.Helper()
	if isNil(got) {
		return true
	}
	report(tb, got, nil, "assert.Nil", false /* showWant */, options...)
	return false
}

// NotNil asserts that the value isn't nil.
func NotNil(tb testing.TB, got any, options ...Option) bool {
	tb.Helper()
	if !isNil(got) {
		return true
	}
	report(tb, got, nil, "assert.NotNil", false /* showWant */, options...)
	return false
}

// True asserts that the value is true.
func True(tb testing.TB, got bool, options ...Option) bool {
	tb.Helper()
	if got {
		return true
	}
	report(tb, got, true, "assert.True", false /* showWant */, options...)
	return false
}

// False asserts that the value is false.
func False(tb testing.TB, got bool, options ...Option) bool {
	tb.Helper()
	if !got {
		return true
	}
	report(tb, got, false, "assert.False", false /* showWant */, options...)
	return false
}

// ErrorIs asserts that the error's chain includes the target.
func ErrorIs(tb testing.TB, got, want error, options ...Option) bool {
	tb.Helper()
	if errors.Is(got, want) {
		return true
	}
	report(tb, got, want, "assert.ErrorIs", true /* showWant */, options...)
	return false
}

// Panics asserts that the function called panics.
func Panics(tb testing.TB, panicker func(), options ...Option) {
	tb.Helper()
	defer func() {
		if r := recover(); r == nil {
			report(tb, r, nil, "assert.Panics", false /* showWant */, options...)
		}
	}()
	panicker()
}

// An Option configures an assertion.
type Option interface {
	apply(*params)
}

// Sprintf adds a user-defined message to the assertion's output.
func Sprintf(template string, args ...any) Option {
	return optionFunc(func(p *params) {
		p.message = fmt.Sprintf(template, args...)
	})
}

type optionFunc func(*params)

func (f optionFunc) apply(p *params) { f(p) }

type params struct {
	message string
}

func report(tb testing.TB, got, want any, desc string, showWant bool, options ...Option) {
	tb.Helper()
	p := &params{}
	for _, opt := range options {
		opt.apply(p)
	}
	w := &stringWriter{}
	if p.message != "" {
		w.Writef("%s\n", p.message)
	}
	w.Writef("assertion:\t%s\n", desc)
	w.Writef("got:\t%+v\n", got)
	if showWant {
		w.Writef("want:\t%+v\n", want)
	}
	tb.Error(w.String())
}

func cmpEqual(got, want any) bool {
	return cmp.Equal(got, want, protocmp.Transform(), cmpopts.EquateErrors())
}

func isNil(got any) bool {
	// Simple case, true only when the user directly passes a literal nil.
	if got == nil {
		return true
	}
	// Possibly more complex. Interfaces are a pair of words: a pointer to a type
	// and a pointer to a value. Because we're passing got as an interface, it's
	// likely that we've gotten a non-nil type and a nil value. This makes
	// got != nil true, but prevents us from using got to call methods or access
	// fields.
	val := reflect.ValueOf(got)
	switch val.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return val.IsNil()
	default:
		return false
	}
}

type stringWriter struct {
	out []byte
}

func (w *stringWriter) Writef(template string, args ...any) {
	w.out = append(w.out, fmt.Sprintf(template, args...)...)
}

func (w *stringWriter) String() string {
	return string(w.out)
}
