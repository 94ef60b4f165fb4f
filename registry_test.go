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
	"testing"

	"github.com/agentio/lancet/internal/assert"
)

const (
	echoProcedure   = "lancet.test.v1.TestService/Echo"
	concatProcedure = "lancet.test.v1.TestService/Concat"
)

func newTestRegistry() *Registry {
	return NewRegistry(
		NewRegistryEntry(StreamTypeUnary, echoProcedure, newEchoUnaryService()),
		NewRegistryEntry(StreamTypeClient, concatProcedure, newConcatService()),
	)
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry()
	assert.True(t, registry.Contains(echoProcedure))
	assert.False(t, registry.Contains("lancet.test.v1.TestService/Missing"))

	spec, ok := registry.Spec(concatProcedure)
	assert.True(t, ok)
	assert.Equal(t, spec.StreamType, StreamTypeClient)
	assert.Equal(
		t,
		registry.CommaSeparatedProcedures(),
		echoProcedure+","+concatProcedure,
	)

	service, err := LookupService[pingRequest, pingResponse](registry, echoProcedure)
	assert.Nil(t, err)
	res, err := service.Call(context.Background(), NewRequest(&pingRequest{Text: "hi"}))
	assert.Nil(t, err)
	assert.Equal(t, res.Msg().Text, "hi")
}

func TestRegistryUnknownProcedure(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry()
	// A procedure the registry doesn't carry is unimplemented, the same
	// answer a gRPC server gives for an unknown method.
	_, err := LookupService[pingRequest, pingResponse](registry, "lancet.test.v1.TestService/Missing")
	assert.NotNil(t, err)
	assert.Equal(t, CodeOf(err), CodeUnimplemented)
}

func TestRegistryWrongMessageTypes(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry()
	_, err := LookupService[pingResponse, pingRequest](registry, echoProcedure)
	assert.NotNil(t, err)
	assert.Equal(t, CodeOf(err), CodeInternal)
}

func TestRegistryLookupClient(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry()
	client, err := LookupClient[pingRequest, pingResponse](registry, concatProcedure)
	assert.Nil(t, err)
	assert.Equal(t, client.Spec().StreamType, StreamTypeClient)
	stream := client.CallClientStream(context.Background())
	assert.Nil(t, stream.Send(&pingRequest{Text: "x"}))
	assert.Nil(t, stream.Send(&pingRequest{Text: "y"}))
	res, err := stream.CloseAndReceive()
	assert.Nil(t, err)
	assert.Equal(t, res.Msg().Text, "xy")
}

func TestRegistryLastEntryWins(t *testing.T) {
	t.Parallel()
	replacement := NewUnaryService(echoProcedure, func(_ context.Context, _ *Request[pingRequest]) (*Response[pingResponse], error) {
		return NewResponse(&pingResponse{Text: "replacement"}), nil
	})
	registry := NewRegistry(
		NewRegistryEntry(StreamTypeUnary, echoProcedure, newEchoUnaryService()),
		NewRegistryEntry(StreamTypeUnary, echoProcedure, replacement),
	)
	assert.Equal(t, registry.CommaSeparatedProcedures(), echoProcedure)
	service, err := LookupService[pingRequest, pingResponse](registry, echoProcedure)
	assert.Nil(t, err)
	res, err := service.Call(context.Background(), NewRequest(&pingRequest{Text: "ignored"}))
	assert.Nil(t, err)
	assert.Equal(t, res.Msg().Text, "replacement")
}
