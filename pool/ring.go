// File: pool/ring.go
// Author: momentics <momentics@gmail.com>
//
// Single-producer single-consumer byte ring over a caller-supplied segment.
// The cursors live inside the segment itself, on separate cache lines, so
// two processes mapping the same memory agree on them; accesses go through
// sync/atomic for cross-process visibility.

package pool

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// RingHeaderSize is the number of bytes at the start of a segment reserved
// for the read and write cursors.
const RingHeaderSize = 128

const (
	headOffset = 0  // consumer cursor
	tailOffset = 64 // producer cursor, own cache line
)

// ByteRing is a byte-stream SPSC ring embedded in a memory segment. One side
// may call Write and the other Read concurrently; neither method blocks.
type ByteRing struct {
	seg  []byte
	data []byte
	mask uint64
	head *uint64
	tail *uint64
}

// RingSegmentSize returns the segment length needed for the given data
// capacity.
func RingSegmentSize(capacity int) int { return RingHeaderSize + capacity }

// AttachRing lays a ring over segment. The data capacity (segment length
// minus the header) must be a power of two. Attaching does not reset the
// cursors, so both ends of a shared mapping may attach to the same segment;
// the creating side is expected to have zeroed it.
func AttachRing(segment []byte) (*ByteRing, error) {
	if len(segment) <= RingHeaderSize {
		return nil, fmt.Errorf("pool: segment of %d bytes has no room for data", len(segment))
	}
	capacity := uint64(len(segment) - RingHeaderSize)
	if capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("pool: ring capacity %d is not a power of two", capacity)
	}
	return &ByteRing{
		seg:  segment,
		data: segment[RingHeaderSize:],
		mask: capacity - 1,
		head: (*uint64)(unsafe.Pointer(&segment[headOffset])),
		tail: (*uint64)(unsafe.Pointer(&segment[tailOffset])),
	}, nil
}

// Write copies as much of p as fits and returns how many bytes it took.
func (r *ByteRing) Write(p []byte) int {
	head := atomic.LoadUint64(r.head)
	tail := atomic.LoadUint64(r.tail)
	free := uint64(len(r.data)) - (tail - head)
	n := uint64(len(p))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}
	start := tail & r.mask
	first := copy(r.data[start:], p[:n])
	copy(r.data, p[first:n])
	atomic.StoreUint64(r.tail, tail+n)
	return int(n)
}

// Read copies up to len(p) buffered bytes into p and returns how many.
func (r *ByteRing) Read(p []byte) int {
	head := atomic.LoadUint64(r.head)
	tail := atomic.LoadUint64(r.tail)
	avail := tail - head
	n := uint64(len(p))
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	start := head & r.mask
	first := copy(p[:n], r.data[start:])
	copy(p[first:n], r.data)
	atomic.StoreUint64(r.head, head+n)
	return int(n)
}

// Buffered returns how many bytes are waiting to be read.
func (r *ByteRing) Buffered() int {
	return int(atomic.LoadUint64(r.tail) - atomic.LoadUint64(r.head))
}

// Free returns how many bytes Write can currently take.
func (r *ByteRing) Free() int {
	return len(r.data) - r.Buffered()
}

// Cap returns the data capacity of the ring.
func (r *ByteRing) Cap() int { return len(r.data) }
