// Package typedesc carries structural type descriptors for stream payloads.
//
// The core never interprets payload bytes; descriptors only tag a stream's
// shape so that consumers can check what they are subscribing to. Two
// descriptors are compared for equality or compatibility, nothing more.
package typedesc

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Descriptor is a canonical structural description of a sample payload,
// e.g. "struct<lat:f64,lon:f64,alt:f32>" or "bytes". The string form is the
// identity; producers must emit it canonically.
type Descriptor string

// Equal reports exact structural identity.
func (d Descriptor) Equal(other Descriptor) bool {
	return d == other
}

// Compatible reports whether a consumer expecting d can read samples tagged
// other. Currently this is equality, with the single widening that the
// opaque "bytes" descriptor accepts anything.
func (d Descriptor) Compatible(other Descriptor) bool {
	if d == "bytes" {
		return true
	}
	return d == other
}

// Struct builds a canonical struct descriptor from field name → field type.
// Fields are sorted by name so the result is independent of map order.
func Struct(fields map[string]string) Descriptor {
	names := make([]string, 0, len(fields))
	for n := range fields {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + ":" + fields[n]
	}
	return Descriptor("struct<" + strings.Join(parts, ",") + ">")
}

// Registry maps well-known names to descriptors. It is passed explicitly to
// the components that need it; there is no package-level default.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Descriptor)}
}

// Register binds a name to a descriptor. Re-registering the same name with a
// different descriptor is an error; identical re-registration is a no-op.
func (r *Registry) Register(name string, d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byName[name]; ok {
		if prev != d {
			return fmt.Errorf("type %q already registered as %q", name, prev)
		}
		return nil
	}
	r.byName[name] = d
	return nil
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}
