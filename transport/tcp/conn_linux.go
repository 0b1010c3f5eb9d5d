// File: transport/tcp/conn_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking connection state machine. All fields below the "loop-owned"
// marker are touched only on the loop goroutine; the epoll interest mask is
// recomputed from the pending-op queues after every state change, so the
// descriptor is armed for exactly the directions that have work.

package tcp

import (
	"io"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/eventloop"
	"github.com/momentics/wirepipe/netaddr"
)

// ioOp is one whole-buffer read or write in flight. off tracks partial
// progress across readiness events.
type ioOp struct {
	buf []byte
	off int
	cb  api.IOCallback
}

// Conn is a TCP connection bound to an event loop.
type Conn struct {
	loop *eventloop.Loop
	log  *zap.Logger
	fd   int
	peer string

	// loop-owned
	connecting bool
	reads      []*ioOp
	writes     []*ioOp
	mask       eventloop.Events
	closed     bool
	failure    error
	onClose    func(*Conn)
}

// Dial opens a non-blocking connection to addr ("host:port") on loop. The
// returned Conn is usable immediately; operations queue until the in-flight
// connect resolves and fail if it does not. onClose, if non-nil, runs on the
// loop goroutine after teardown; it must be supplied here because the
// connection may fail the moment it is registered.
func Dial(loop *eventloop.Loop, addr string, log *zap.Logger, onClose func(*Conn)) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sa, family, err := netaddr.ResolveTCPSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, api.NewSystemError("socket", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	connecting := false
	if err := unix.Connect(fd, sa); err != nil {
		if err != unix.EINPROGRESS {
			unix.Close(fd)
			return nil, api.NewSystemError("connect", err)
		}
		connecting = true
	}

	c := &Conn{
		loop:       loop,
		log:        log,
		fd:         fd,
		peer:       addr,
		connecting: connecting,
		onClose:    onClose,
	}
	if connecting {
		c.mask = eventloop.EventWrite
	}
	if err := loop.RegisterDescriptor(fd, c.mask, c); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return c, nil
}

// adopt wraps an already-connected descriptor (from accept4) in a Conn.
func adopt(loop *eventloop.Loop, fd int, peer string, log *zap.Logger, onClose func(*Conn)) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	c := &Conn{loop: loop, log: log, fd: fd, peer: peer, onClose: onClose}
	if err := loop.RegisterDescriptor(fd, 0, c); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return c, nil
}

// Read queues a whole-buffer read. cb fires on the loop goroutine once buf is
// completely filled, or with the connection's failure.
func (c *Conn) Read(buf []byte, cb api.IOCallback) {
	op := &ioOp{buf: buf, cb: cb}
	if err := c.loop.DeferToLoop(func() { c.enqueue(&c.reads, op) }); err != nil {
		cb(api.ErrClosed, 0)
	}
}

// Write queues a whole-buffer write. cb fires on the loop goroutine once buf
// is fully handed to the kernel, or with the connection's failure.
func (c *Conn) Write(buf []byte, cb api.IOCallback) {
	op := &ioOp{buf: buf, cb: cb}
	if err := c.loop.DeferToLoop(func() { c.enqueue(&c.writes, op) }); err != nil {
		cb(api.ErrClosed, 0)
	}
}

// Peer returns the remote "host:port" this connection talks to.
func (c *Conn) Peer() string { return c.peer }

// Close tears the connection down. Pending operations complete with
// api.ErrClosed; idempotent and callable from any goroutine.
func (c *Conn) Close() error {
	if err := c.loop.DeferToLoop(func() { c.destroy(api.ErrClosed) }); err != nil {
		// Loop already gone; the final drain has run or will run any
		// previously queued teardown. Nothing left to schedule.
		return nil
	}
	return nil
}

func (c *Conn) enqueue(q *[]*ioOp, op *ioOp) {
	if c.closed {
		op.cb(c.failure, 0)
		return
	}
	*q = append(*q, op)
	if c.connecting {
		// Keep EventWrite armed until the connect resolves; the queues are
		// serviced from finishConnect.
		return
	}
	c.progress()
	if !c.closed {
		c.updateMask()
	}
}

// HandleEvents implements eventloop.EventHandler.
func (c *Conn) HandleEvents(ev eventloop.Events) {
	if c.closed {
		return
	}
	if c.connecting {
		c.finishConnect()
		if c.closed || c.connecting {
			return
		}
		c.progress()
		if !c.closed {
			c.updateMask()
		}
		return
	}
	if ev&(eventloop.EventRead|eventloop.EventWrite) != 0 {
		c.progress()
	}
	if c.closed {
		return
	}
	if ev&eventloop.EventError != 0 {
		c.destroy(&api.ConnectionError{Op: "poll", Err: socketError(c.fd)})
		return
	}
	c.updateMask()
}

// finishConnect resolves a non-blocking connect once the socket reports
// writable (or errored).
func (c *Conn) finishConnect() {
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		c.destroy(api.NewSystemError("getsockopt", err))
		return
	}
	if soerr != 0 {
		c.destroy(api.NewSystemError("connect", unix.Errno(soerr)))
		return
	}
	c.connecting = false
}

func (c *Conn) progress() {
	c.progressReads()
	if !c.closed {
		c.progressWrites()
	}
}

func (c *Conn) progressReads() {
	for len(c.reads) > 0 {
		op := c.reads[0]
		for op.off < len(op.buf) {
			n, err := unix.Read(c.fd, op.buf[op.off:])
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return
			}
			if err != nil {
				c.destroy(&api.ConnectionError{Op: "read", Err: api.NewSystemError("read", err)})
				return
			}
			if n == 0 {
				// Peer closed. A partially filled buffer is a protocol
				// violation, a clean boundary is a plain EOF.
				cause := io.EOF
				if op.off > 0 {
					cause = io.ErrUnexpectedEOF
				}
				c.destroy(&api.ConnectionError{Op: "read", Err: cause})
				return
			}
			op.off += n
		}
		c.reads = c.reads[1:]
		op.cb(nil, len(op.buf))
		if c.closed {
			return
		}
	}
}

func (c *Conn) progressWrites() {
	for len(c.writes) > 0 {
		op := c.writes[0]
		for op.off < len(op.buf) {
			n, err := unix.Write(c.fd, op.buf[op.off:])
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return
			}
			if err != nil {
				c.destroy(&api.ConnectionError{Op: "write", Err: api.NewSystemError("write", err)})
				return
			}
			op.off += n
		}
		c.writes = c.writes[1:]
		op.cb(nil, len(op.buf))
		if c.closed {
			return
		}
	}
}

// updateMask re-arms epoll for exactly the directions with queued work.
func (c *Conn) updateMask() {
	var want eventloop.Events
	if len(c.reads) > 0 {
		want |= eventloop.EventRead
	}
	if len(c.writes) > 0 {
		want |= eventloop.EventWrite
	}
	if want == c.mask {
		return
	}
	if err := c.loop.ModifyDescriptor(c.fd, want); err != nil {
		c.log.Debug("epoll rearm failed", zap.String("peer", c.peer), zap.Error(err))
		return
	}
	c.mask = want
}

// destroy is the single teardown path: records the failure, flushes every
// pending operation with it, and releases the descriptor. Loop goroutine
// only.
func (c *Conn) destroy(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	c.failure = cause

	pending := make([]*ioOp, 0, len(c.reads)+len(c.writes))
	pending = append(pending, c.reads...)
	pending = append(pending, c.writes...)
	c.reads, c.writes = nil, nil

	c.loop.UnregisterDescriptor(c.fd)
	unix.Close(c.fd)

	for _, op := range pending {
		op.cb(cause, 0)
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}

func socketError(fd int) error {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return api.NewSystemError("getsockopt", err)
	}
	if soerr == 0 {
		return io.ErrClosedPipe
	}
	return unix.Errno(soerr)
}
