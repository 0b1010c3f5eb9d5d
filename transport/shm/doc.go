// File: transport/shm/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package shm is the shared-memory backend for peers on the same machine.
// Its domain descriptor embeds the kernel boot id, so only contexts created
// within the same boot of the same host pair with each other.
//
// A connection is a pair of single-producer single-consumer byte rings, one
// per direction, each living in a memfd created by its writing side and
// passed to the reading side over a Unix domain socket with SCM_RIGHTS. The
// socket stays open afterwards as a doorbell: a side that makes progress on
// a ring sends one byte to wake the peer, and the socket's EOF doubles as
// the remote-close signal. Reads and writes are whole-buffer, as in the
// other backends.
package shm
