// File: transport/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package transport holds the backend-neutral glue of the transport layer:
// the domain-descriptor compatibility rule and a registry of backend
// factories, so a channel layer can enumerate and select backends by name.
package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/momentics/wirepipe/api"
)

// Compatible reports whether two domain descriptors allow the corresponding
// contexts to pair. Descriptors compare for exact equality; backends that
// cannot fingerprint their domain publish a wildcard descriptor (e.g.
// "ibv:*") that equals itself. Empty descriptors belong to non-viable
// contexts and never match anything, including each other.
func Compatible(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return a == b
}

// Factory creates one backend's context with default options.
type Factory func() (api.Context, error)

var (
	regMu    sync.RWMutex
	registry = make(map[string]Factory)
)

// Register installs a backend factory under name. Backends register
// themselves from init; a duplicate name is a programming error.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("transport: backend %q registered twice", name))
	}
	registry[name] = f
}

// New creates the named backend's context.
func New(name string) (api.Context, error) {
	regMu.RLock()
	f, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown backend %q", name)
	}
	return f()
}

// Names lists registered backends in stable order.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
