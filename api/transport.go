// File: api/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Uniform connection/listener surface implemented by every transport
// backend. Backends differ in how bytes move (socket, shared-memory ring,
// RDMA queue pair); they agree on this contract.

package api

// IOCallback receives the outcome of one asynchronous read or write.
// n is the number of payload bytes transferred. Callbacks run on the
// backend's loop goroutine and must not block: a stalled callback stalls
// every connection sharing the Context.
type IOCallback func(err error, n int)

// AcceptCallback receives one established (handshaken) connection, or the
// error that prevented it.
type AcceptCallback func(err error, conn Connection)

// Connection is a full-duplex, point-to-point byte mover.
//
// Reads and writes are asynchronous; completion is reported through the
// supplied callback. Per direction, completions are delivered in submission
// order. After Close, or after the connection enters its error state, every
// pending operation is completed with a terminal error and new operations
// fail immediately instead of queueing.
type Connection interface {
	// Read fills buf completely (or, for message-oriented backends, with
	// exactly one incoming message) and then invokes cb.
	Read(buf []byte, cb IOCallback)

	// Write sends all of buf and invokes cb once the backend has confirmed
	// the transfer.
	Write(buf []byte, cb IOCallback)

	// Close tears the connection down. Idempotent; safe from any goroutine.
	Close() error
}

// Listener accepts incoming connections on one bootstrap address.
type Listener interface {
	// Accept registers a callback for the next established connection.
	// Callbacks queue FIFO: each established connection consumes exactly
	// one pending callback.
	Accept(cb AcceptCallback)

	// Addr returns the concrete bound address, usable by a peer's Connect.
	Addr() string

	// Close stops accepting. Connections already handed off are unaffected.
	Close() error
}

// Context is the per-process handle of one transport backend.
//
// Lifecycle: create, serve connections, Close, Join. Close is idempotent,
// non-blocking and callable from any goroutine; Join blocks until every
// background loop goroutine has exited. No new work may be submitted after
// Close.
type Context interface {
	Deferrable

	// Viable reports whether this backend's hardware and software
	// prerequisites are present on this host. A non-viable context is not
	// an error; it is simply excluded from backend selection.
	Viable() bool

	// DomainDescriptor returns the compatibility fingerprint peers exchange
	// to decide whether this backend can pair them. Non-empty for every
	// viable context, empty for non-viable ones; empty descriptors never
	// match anything, including each other.
	DomainDescriptor() string

	// Connect opens a connection to a peer listening on addr. Address
	// errors surface synchronously; handshake and transfer errors surface
	// through operation callbacks.
	Connect(addr string) (Connection, error)

	// Listen binds the bootstrap address addr and starts accepting.
	Listen(addr string) (Listener, error)

	Close() error
	Join()
}

// Deferrable is the concurrency discipline every backend component follows:
// all mutable state belongs to one loop goroutine, and the only thread-safe
// entry point into it is deferring a closure onto that goroutine.
type Deferrable interface {
	// InLoop reports whether the caller is running on the loop goroutine.
	InLoop() bool

	// DeferToLoop schedules fn on the loop goroutine. Closures submitted
	// from one goroutine run in submission order; closures submitted from
	// the loop goroutine itself run inline.
	DeferToLoop(fn func())
}
