// File: api/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package api defines the backend-neutral contracts of the wirepipe
// transport layer: Context, Listener and Connection, the deferred-execution
// discipline shared by every backend, and the typed errors surfaced to
// callers.
//
// A Context is the per-process entry point of one transport backend (TCP,
// shared memory, InfiniBand verbs). It probes its hardware prerequisites at
// construction time and degrades to a non-viable state, rather than failing,
// when they are absent. Viable contexts manufacture Connections and
// Listeners; all of their mutable state is owned by a single background loop
// goroutine and cross-goroutine mutation happens only through DeferToLoop.
package api
