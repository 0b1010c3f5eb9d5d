// File: transport/tcp/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package tcp is the socket backend: always viable, descriptor "tcp:*".
//
// Connections and listeners are plain non-blocking TCP sockets driven by one
// epoll event loop per Context. Every mutable field of a connection or
// listener is owned by the loop goroutine; public methods hand their work to
// the loop and return immediately. Reads and writes are whole-buffer: a read
// callback fires only once the entire buffer has been filled, a write
// callback only once the entire buffer is on the wire.
package tcp
