// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed errors shared by all transport backends.

package api

import (
	"errors"
	"fmt"
)

// Sentinel errors used across the library.
var (
	// ErrClosed is the terminal error delivered to every operation pending
	// on a connection, listener or context that has been closed.
	ErrClosed = errors.New("wirepipe: closed")

	// ErrNoAddrFound means address resolution ran successfully but produced
	// no candidate matching the request.
	ErrNoAddrFound = errors.New("wirepipe: no address found")

	// ErrHandlerRegistered means a second handler was registered for a
	// descriptor that already has one. This is a usage error.
	ErrHandlerRegistered = errors.New("wirepipe: descriptor already has a handler")

	// ErrNotViable is returned when Connect or Listen is called on a
	// context whose backend prerequisites are absent.
	ErrNotViable = errors.New("wirepipe: backend not viable on this host")

	// ErrNotSupported is returned by backends on platforms they do not
	// implement.
	ErrNotSupported = errors.New("wirepipe: not supported on this platform")
)

// SystemError wraps the errno of a named syscall, preserving which call
// failed for diagnostics.
type SystemError struct {
	Syscall string
	Errno   error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Syscall, e.Errno)
}

func (e *SystemError) Unwrap() error { return e.Errno }

// NewSystemError wraps errno from the given syscall.
func NewSystemError(syscall string, errno error) *SystemError {
	return &SystemError{Syscall: syscall, Errno: errno}
}

// AddrResolutionError wraps a name-resolution failure (the getaddrinfo
// family), distinct from plain syscall failures.
type AddrResolutionError struct {
	Host string
	Err  error
}

func (e *AddrResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.Host, e.Err)
}

func (e *AddrResolutionError) Unwrap() error { return e.Err }

// ConnectionError marks a failure scoped to a single connection. It never
// affects the owning Context or sibling connections.
type ConnectionError struct {
	Op  string // "handshake", "read", "write"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
