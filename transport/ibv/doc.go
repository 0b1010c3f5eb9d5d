// File: transport/ibv/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package ibv is the RDMA backend. Viability is probed at context creation:
// a host without the verbs library, without the kernel modules, or without a
// single enumerable device yields a non-viable context with an empty domain
// descriptor, never an error.
//
// Connections bootstrap over a plain TCP socket: each side sends its
// queue-pair identity in a fixed-layout record, transitions its reliable-
// connected queue pair against the peer's identity, and keeps the socket
// open as a remote-close signal. Data then flows over two-sided verbs
// send/recv. Hardware may complete work requests out of order; each
// connection restores strict per-direction FIFO completion order by tagging
// posts with sequence numbers and releasing callbacks only for the longest
// completed prefix.
package ibv
