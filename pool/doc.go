// Package pool
// Author: momentics <momentics@gmail.com>
//
// Buffer primitives shared by the transport backends: a single-producer
// single-consumer byte ring that lives inside an externally provided memory
// segment (the shared-memory backend maps it over a memfd shared with the
// peer process), and a size-classed byte pool for short-lived scratch
// buffers.
package pool
