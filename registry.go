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
	"strings"
)

// A RegistryEntry pairs one procedure's [Spec] with its service-style
// implementation. Build entries with [NewRegistryEntry]; the service is
// stored shape-erased and recovered, type-checked, by [LookupService].
type RegistryEntry struct {
	spec    Spec
	service any
}

// NewRegistryEntry describes one procedure for registration.
func NewRegistryEntry[Req, Res any](
	streamType StreamType,
	procedure string,
	service Service[Req, Res],
) RegistryEntry {
	return RegistryEntry{
		spec:    Spec{StreamType: streamType, Procedure: procedure},
		service: service,
	}
}

// A Registry is a read-only map from procedure names to service-style
// implementations. A service may expose any subset of procedures, in any
// mix of the four shapes; nothing requires all four to be present. Looking
// up a procedure the registry doesn't carry fails with
// [CodeUnimplemented], the same answer a gRPC server gives for an unknown
// method.
//
// Registries are safe to use concurrently.
type Registry struct {
	procedures               map[string]RegistryEntry
	commaSeparatedProcedures string
}

// NewRegistry constructs a read-only registry from the given entries.
// Entries are kept in registration order for display, but the last entry
// registered for a procedure wins.
func NewRegistry(entries ...RegistryEntry) *Registry {
	procedures := make(map[string]RegistryEntry, len(entries))
	names := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.spec.Procedure == "" {
			continue // ignore empty specs
		}
		procedures[entry.spec.Procedure] = entry
		if _, ok := seen[entry.spec.Procedure]; ok {
			continue
		}
		seen[entry.spec.Procedure] = struct{}{}
		names = append(names, entry.spec.Procedure)
	}
	return &Registry{
		procedures:               procedures,
		commaSeparatedProcedures: strings.Join(names, ","),
	}
}

// Contains reports whether the registry carries the procedure.
func (r *Registry) Contains(procedure string) bool {
	_, ok := r.procedures[procedure]
	return ok
}

// Spec returns the registered descriptor for a procedure.
func (r *Registry) Spec(procedure string) (Spec, bool) {
	entry, ok := r.procedures[procedure]
	return entry.spec, ok
}

// CommaSeparatedProcedures lists the registered procedures, suitable for
// error messages and debug output.
func (r *Registry) CommaSeparatedProcedures() string {
	return r.commaSeparatedProcedures
}

// LookupService recovers a procedure's service with its concrete message
// types. Unknown procedures fail with [CodeUnimplemented]; asking for the
// wrong message types is a programming error reported as [CodeInternal].
func LookupService[Req, Res any](registry *Registry, procedure string) (Service[Req, Res], error) {
	entry, ok := registry.procedures[procedure]
	if !ok {
		return nil, errorf(CodeUnimplemented, "no registered service for procedure %s", procedure)
	}
	service, ok := entry.service.(Service[Req, Res])
	if !ok {
		return nil, errorf(CodeInternal, "procedure %s registered with different message types", procedure)
	}
	return service, nil
}

// LookupClient is [LookupService] followed by [NewClient], using the
// registered spec's stream type.
func LookupClient[Req, Res any](
	registry *Registry,
	procedure string,
	options ...ClientOption,
) (*Client[Req, Res], error) {
	service, err := LookupService[Req, Res](registry, procedure)
	if err != nil {
		return nil, err
	}
	entry := registry.procedures[procedure]
	return NewClient(service, entry.spec.StreamType, procedure, options...), nil
}
