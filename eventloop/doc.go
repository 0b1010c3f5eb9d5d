// File: eventloop/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package eventloop implements the fd-based readiness reactor used for
// bootstrap/handshake sockets and for purely socket-based backends. One
// background goroutine multiplexes readiness on registered descriptors and
// additionally drains a deferred-closure queue, so that all connection and
// listener state sharing a loop is mutated from exactly one goroutine.
package eventloop
