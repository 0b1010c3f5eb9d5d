// File: transport/shm/conn_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection over a pair of shared rings. The segment exchange runs while
// the socket is still blocking; once both rings are mapped the socket turns
// non-blocking and joins the event loop as the doorbell. From then on every
// field below the "loop-owned" marker belongs to the loop goroutine.

package shm

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/eventloop"
	"github.com/momentics/wirepipe/pool"
	"github.com/momentics/wirepipe/protocol"
)

// doorbellBufs recycles the scratch buffers used to drain doorbell bytes.
var doorbellBufs = pool.NewBytePool(256)

// ioOp is one whole-buffer read or write in flight. off tracks partial
// progress across doorbells.
type ioOp struct {
	buf []byte
	off int
	cb  api.IOCallback
}

// Conn is a shared-memory connection: outRing carries our bytes to the peer,
// inRing the peer's bytes to us, and fd is the doorbell socket.
type Conn struct {
	loop *eventloop.Loop
	log  *zap.Logger
	fd   int

	outFd, inFd   int
	outSeg, inSeg []byte
	outRing       *pool.ByteRing
	inRing        *pool.ByteRing

	// loop-owned
	reads   []*ioOp
	writes  []*ioOp
	peerEOF bool
	closed  bool
	failure error
	onClose func(*Conn)
}

// newConn runs the segment exchange over the still-blocking socket sock and
// registers the resulting connection with the context's loop. Takes
// ownership of sock and closes it on failure.
func newConn(x *Context, sock int) (*Conn, error) {
	segSize := pool.RingSegmentSize(x.ringSize)
	outFd, outSeg, err := createSegment(segSize)
	if err != nil {
		unix.Close(sock)
		return nil, err
	}
	outRing, err := pool.AttachRing(outSeg)
	if err != nil {
		releaseSegment(outFd, outSeg)
		unix.Close(sock)
		return nil, err
	}

	inFd, inSeg, err := exchangeSegments(sock, outFd, x.ringSize)
	if err != nil {
		releaseSegment(outFd, outSeg)
		unix.Close(sock)
		return nil, err
	}
	inRing, err := pool.AttachRing(inSeg)
	if err != nil {
		releaseSegment(outFd, outSeg)
		releaseSegment(inFd, inSeg)
		unix.Close(sock)
		return nil, err
	}

	if err := unix.SetNonblock(sock, true); err != nil {
		releaseSegment(outFd, outSeg)
		releaseSegment(inFd, inSeg)
		unix.Close(sock)
		return nil, api.NewSystemError("fcntl", err)
	}

	c := &Conn{
		loop:    x.loop,
		log:     x.log,
		fd:      sock,
		outFd:   outFd,
		inFd:    inFd,
		outSeg:  outSeg,
		inSeg:   inSeg,
		outRing: outRing,
		inRing:  inRing,
		onClose: x.forget,
	}
	// The doorbell stays armed for the connection's whole life; draining it
	// is cheap and EOF detection rides on it.
	if err := x.loop.RegisterDescriptor(sock, eventloop.EventRead, c); err != nil {
		releaseSegment(outFd, outSeg)
		releaseSegment(inFd, inSeg)
		unix.Close(sock)
		return nil, err
	}
	x.track(c)
	return c, nil
}

// Read queues a whole-buffer read. cb fires on the loop goroutine once buf
// is completely filled, or with the connection's failure.
func (c *Conn) Read(buf []byte, cb api.IOCallback) {
	op := &ioOp{buf: buf, cb: cb}
	if err := c.loop.DeferToLoop(func() { c.enqueue(&c.reads, op) }); err != nil {
		cb(api.ErrClosed, 0)
	}
}

// Write queues a whole-buffer write. cb fires on the loop goroutine once buf
// has been handed to the ring in full, or with the connection's failure.
func (c *Conn) Write(buf []byte, cb api.IOCallback) {
	op := &ioOp{buf: buf, cb: cb}
	if err := c.loop.DeferToLoop(func() { c.enqueue(&c.writes, op) }); err != nil {
		cb(api.ErrClosed, 0)
	}
}

// Close tears the connection down. Pending operations complete with
// api.ErrClosed; idempotent and callable from any goroutine.
func (c *Conn) Close() error {
	_ = c.loop.DeferToLoop(func() { c.destroy(api.ErrClosed) })
	return nil
}

func (c *Conn) enqueue(q *[]*ioOp, op *ioOp) {
	if c.closed {
		op.cb(c.failure, 0)
		return
	}
	*q = append(*q, op)
	c.progress()
	c.maybeEOF()
}

// HandleEvents implements eventloop.EventHandler.
func (c *Conn) HandleEvents(ev eventloop.Events) {
	if c.closed {
		return
	}
	if ev&eventloop.EventRead != 0 {
		if c.drainDoorbell() || ev&eventloop.EventError != 0 {
			c.peerEOF = true
		}
	} else if ev&eventloop.EventError != 0 {
		c.peerEOF = true
	}
	if c.closed {
		return
	}
	c.progress()
	c.maybeEOF()
}

// maybeEOF finishes a hangup once the inbound ring is drained: bytes the
// peer left behind are still delivered, everything after them fails.
func (c *Conn) maybeEOF() {
	if c.peerEOF && !c.closed && c.inRing.Buffered() == 0 {
		c.destroy(&api.ConnectionError{Op: "read", Err: io.EOF})
	}
}

// drainDoorbell empties the socket and reports whether the peer hung up.
func (c *Conn) drainDoorbell() bool {
	buf := doorbellBufs.GetBuffer()
	defer doorbellBufs.PutBuffer(buf)
	for {
		n, err := unix.Read(c.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return false
		}
		if err != nil {
			c.destroy(&api.ConnectionError{Op: "read", Err: api.NewSystemError("read", err)})
			return false
		}
		if n == 0 {
			return true
		}
	}
}

// progress moves bytes between the op queues and the rings in both
// directions, ringing the peer's doorbell when it may be waiting on us.
func (c *Conn) progress() {
	consumed := false
	for len(c.reads) > 0 {
		op := c.reads[0]
		n := c.inRing.Read(op.buf[op.off:])
		if n == 0 {
			break
		}
		consumed = true
		op.off += n
		if op.off < len(op.buf) {
			break
		}
		c.reads = c.reads[1:]
		op.cb(nil, len(op.buf))
		if c.closed {
			return
		}
	}

	produced := false
	for len(c.writes) > 0 {
		op := c.writes[0]
		n := c.outRing.Write(op.buf[op.off:])
		if n == 0 {
			break
		}
		produced = true
		op.off += n
		if op.off < len(op.buf) {
			break
		}
		c.writes = c.writes[1:]
		op.cb(nil, len(op.buf))
		if c.closed {
			return
		}
	}

	// Consuming frees the peer's stalled writes, producing gives it bytes to
	// read; both warrant a wake-up.
	if consumed || produced {
		c.doorbell()
	}
}

func (c *Conn) doorbell() {
	var one = [1]byte{1}
	if _, err := unix.Write(c.fd, one[:]); err != nil && err != unix.EAGAIN {
		// A dead socket surfaces through the read path; EAGAIN means the
		// peer has a buffer full of unread doorbells and will wake anyway.
		c.log.Debug("doorbell write", zap.Error(err))
	}
}

// destroy is the single teardown path. Loop goroutine only.
func (c *Conn) destroy(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	c.failure = cause

	c.loop.UnregisterDescriptor(c.fd)
	unix.Close(c.fd)
	releaseSegment(c.outFd, c.outSeg)
	releaseSegment(c.inFd, c.inSeg)

	pending := make([]*ioOp, 0, len(c.reads)+len(c.writes))
	pending = append(pending, c.reads...)
	pending = append(pending, c.writes...)
	c.reads, c.writes = nil, nil
	for _, op := range pending {
		op.cb(cause, 0)
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}

// createSegment allocates a zero-filled shared segment of size bytes.
func createSegment(size int) (int, []byte, error) {
	fd, err := unix.MemfdCreate("wirepipe-shm", unix.MFD_CLOEXEC)
	if err != nil {
		return 0, nil, api.NewSystemError("memfd_create", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return 0, nil, api.NewSystemError("ftruncate", err)
	}
	seg, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return 0, nil, api.NewSystemError("mmap", err)
	}
	return fd, seg, nil
}

func releaseSegment(fd int, seg []byte) {
	if seg != nil {
		_ = unix.Munmap(seg)
	}
	unix.Close(fd)
}

// exchangeSegments sends our ring geometry plus outFd over the blocking
// socket and receives the peer's, mapping the peer's segment read-write (the
// consumer cursor lives inside it).
func exchangeSegments(sock, outFd, ringSize int) (int, []byte, error) {
	setup := protocol.ShmSetup{RingSize: uint32(ringSize)}.Encode()
	rights := unix.UnixRights(outFd)
	if err := unix.Sendmsg(sock, setup, rights, nil, 0); err != nil {
		return 0, nil, api.NewSystemError("sendmsg", err)
	}

	buf := make([]byte, protocol.ShmSetupSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, 0)
	if err != nil {
		return 0, nil, api.NewSystemError("recvmsg", err)
	}
	// The record is tiny and sent in one sendmsg; a short read only happens
	// on a torn-down socket.
	if n != protocol.ShmSetupSize {
		return 0, nil, &api.ConnectionError{Op: "handshake", Err: io.ErrUnexpectedEOF}
	}
	peerSetup, err := protocol.DecodeShmSetup(buf)
	if err != nil {
		return 0, nil, &api.ConnectionError{Op: "handshake", Err: err}
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, &api.ConnectionError{Op: "handshake", Err: err}
	}
	var inFd = -1
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err == nil && len(fds) > 0 {
			inFd = fds[0]
			break
		}
	}
	if inFd < 0 {
		return 0, nil, &api.ConnectionError{Op: "handshake",
			Err: fmt.Errorf("peer sent no segment descriptor")}
	}

	inSeg, err := unix.Mmap(inFd, 0, pool.RingSegmentSize(int(peerSetup.RingSize)),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(inFd)
		return 0, nil, api.NewSystemError("mmap", err)
	}
	return inFd, inSeg, nil
}
