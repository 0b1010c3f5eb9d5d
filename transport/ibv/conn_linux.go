// File: transport/ibv/conn_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection state machine. All mutable state is owned by the reactor
// goroutine: bootstrap-socket callbacks (which run on the event loop) and
// public methods hand their work over with DeferToLoop.
//
// Work-request IDs carry a per-direction sequence number in the upper bits
// and the direction in bit 0, so the two counters can never collide within
// the queue pair's completion stream.

package ibv

import (
	"errors"

	"go.uber.org/zap"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/ibv"
	"github.com/momentics/wirepipe/pool"
	"github.com/momentics/wirepipe/protocol"
	"github.com/momentics/wirepipe/transport/tcp"
)

// setupBufs recycles the fixed-size buffers the identity exchange reads into.
var setupBufs = pool.NewBytePool(protocol.IbvSetupSize)

type connState int

const (
	stateHandshaking connState = iota
	stateEstablished
	stateClosed
)

// ioOp is one read or write, queued until the handshake resolves and then
// posted to the queue pair. done flips when its completion arrives; the
// callback fires only once every earlier op in the same direction is done.
type ioOp struct {
	buf    []byte
	cb     api.IOCallback
	seq    uint64
	posted bool
	done   bool
	n      int
}

// Conn is an RDMA connection bootstrapped over a TCP socket.
type Conn struct {
	x    *Context
	log  *zap.Logger
	boot *tcp.Conn
	qp   ibv.QueuePair
	qpn  uint32

	// reactor-loop-owned
	state   connState
	failure error
	reads   []*ioOp
	writes  []*ioOp
	recvSeq uint64
	sendSeq uint64
}

func dial(x *Context, addr string) (*Conn, error) {
	boot, err := tcp.Dial(x.loop, addr, x.log, nil)
	if err != nil {
		return nil, err
	}
	return newConn(x, boot)
}

// accept runs the server side of the handshake over an accepted bootstrap
// socket and hands the connection to cb. Like dial, the connection is usable
// before the handshake resolves.
func accept(x *Context, boot *tcp.Conn, cb api.AcceptCallback) {
	c, err := newConn(x, boot)
	if err != nil {
		cb(err, nil)
		return
	}
	cb(nil, c)
}

// newConn allocates the queue pair and starts the identity exchange. Both
// sides write their record first and read the peer's second; the exchange is
// full duplex, so neither order can deadlock.
func newConn(x *Context, boot *tcp.Conn) (*Conn, error) {
	qp, err := x.reactor.CreateQueuePair(x.caps)
	if err != nil {
		boot.Close()
		return nil, err
	}
	c := &Conn{
		x:    x,
		log:  x.log,
		boot: boot,
		qp:   qp,
		qpn:  qp.Info().QPNum,
	}
	x.track(c)

	local := protocol.IbvSetup{Peer: qp.Info()}.Encode()
	boot.Write(local, func(err error, _ int) {
		if err != nil {
			c.failAsync(&api.ConnectionError{Op: "handshake", Err: err})
		}
	})
	peerBuf := setupBufs.GetBuffer()
	boot.Read(peerBuf, func(err error, _ int) {
		if err != nil {
			setupBufs.PutBuffer(peerBuf)
			c.failAsync(&api.ConnectionError{Op: "handshake", Err: err})
			return
		}
		setup, err := protocol.DecodeIbvSetup(peerBuf)
		setupBufs.PutBuffer(peerBuf)
		if err != nil {
			c.failAsync(&api.ConnectionError{Op: "handshake", Err: err})
			return
		}
		c.x.DeferToLoop(func() { c.establish(setup.Peer) })
	})
	return c, nil
}

// Read queues a receive. cb fires on the reactor goroutine with the number
// of bytes the peer's matching send carried.
func (c *Conn) Read(buf []byte, cb api.IOCallback) {
	op := &ioOp{buf: buf, cb: cb}
	if err := c.x.reactor.DeferToLoop(func() { c.enqueue(&c.reads, op) }); err != nil {
		cb(api.ErrClosed, 0)
	}
}

// Write queues a send of the whole buffer. cb fires on the reactor goroutine
// once the hardware confirms the send, in post order.
func (c *Conn) Write(buf []byte, cb api.IOCallback) {
	op := &ioOp{buf: buf, cb: cb}
	if err := c.x.reactor.DeferToLoop(func() { c.enqueue(&c.writes, op) }); err != nil {
		cb(api.ErrClosed, 0)
	}
}

// Close tears the connection down. Pending operations complete with
// api.ErrClosed; idempotent and callable from any goroutine.
func (c *Conn) Close() error {
	_ = c.x.reactor.DeferToLoop(func() { c.destroy(api.ErrClosed) })
	return nil
}

func (c *Conn) enqueue(q *[]*ioOp, op *ioOp) {
	if c.state == stateClosed {
		op.cb(c.failure, 0)
		return
	}
	*q = append(*q, op)
	if c.state == stateEstablished {
		c.post(q, op)
	}
}

// establish transitions the queue pair against the peer's identity, routes
// its completions here, posts everything queued during the handshake and
// arms the remote-close watch.
func (c *Conn) establish(peer ibv.PeerInfo) {
	if c.state != stateHandshaking {
		return
	}
	if err := c.qp.Connect(peer); err != nil {
		c.destroy(&api.ConnectionError{Op: "handshake", Err: err})
		return
	}
	c.x.reactor.RegisterQP(c.qpn, c)
	c.state = stateEstablished

	for _, op := range c.reads {
		if !c.post(&c.reads, op) {
			return
		}
	}
	for _, op := range c.writes {
		if !c.post(&c.writes, op) {
			return
		}
	}
	c.watchPeer()
}

// post assigns the op its sequence number and hands it to the queue pair.
// Returns false when the post failed and took the connection down.
func (c *Conn) post(q *[]*ioOp, op *ioOp) bool {
	var err error
	if q == &c.reads {
		op.seq = c.recvSeq
		c.recvSeq++
		op.posted = true
		err = c.qp.PostRecv(op.seq<<1|1, op.buf)
	} else {
		op.seq = c.sendSeq
		c.sendSeq++
		op.posted = true
		op.n = len(op.buf)
		err = c.qp.PostSend(op.seq<<1, op.buf)
	}
	if err != nil {
		c.destroy(&api.ConnectionError{Op: "post", Err: err})
		return false
	}
	return true
}

// watchPeer keeps a one-byte read pending on the bootstrap socket. The
// socket carries no data after the handshake, so the read completing at all
// means the peer went away.
func (c *Conn) watchPeer() {
	eof := make([]byte, 1)
	c.boot.Read(eof, func(err error, _ int) {
		if err == nil {
			err = errors.New("unexpected data on bootstrap channel")
		}
		if errors.Is(err, api.ErrClosed) {
			// Our own teardown closed the socket.
			return
		}
		c.failAsync(&api.ConnectionError{Op: "read", Err: err})
	})
}

// HandleCompletion implements reactor.CompletionHandler. Completions may
// arrive out of post order; callbacks are released strictly in post order by
// draining the longest done prefix of each direction's queue.
func (c *Conn) HandleCompletion(wc ibv.WorkCompletion) {
	if c.state != stateEstablished {
		return
	}
	if wc.Err != nil {
		c.destroy(&api.ConnectionError{Op: "completion", Err: wc.Err})
		return
	}
	seq := wc.WRID >> 1
	switch wc.Opcode {
	case ibv.OpRecv:
		c.complete(&c.reads, seq, int(wc.ByteLen))
	case ibv.OpSend:
		c.complete(&c.writes, seq, -1)
	}
}

func (c *Conn) complete(q *[]*ioOp, seq uint64, n int) {
	for _, op := range *q {
		if op.posted && op.seq == seq {
			op.done = true
			if n >= 0 {
				op.n = n
			}
			break
		}
	}
	for len(*q) > 0 && (*q)[0].done {
		op := (*q)[0]
		*q = (*q)[1:]
		op.cb(nil, op.n)
		if c.state == stateClosed {
			return
		}
	}
}

func (c *Conn) failAsync(cause error) {
	c.x.DeferToLoop(func() { c.destroy(cause) })
}

// destroy is the single teardown path: unroutes completions, releases the
// queue pair and the bootstrap socket, and flushes every pending operation
// with cause. Reactor goroutine only.
func (c *Conn) destroy(cause error) {
	if c.state == stateClosed {
		return
	}
	registered := c.state == stateEstablished
	c.state = stateClosed
	c.failure = cause

	if registered {
		c.x.reactor.UnregisterQP(c.qpn)
	}
	if err := c.qp.Close(); err != nil {
		c.log.Debug("queue pair close", zap.Uint32("qpn", c.qpn), zap.Error(err))
	}
	c.boot.Close()

	pending := make([]*ioOp, 0, len(c.reads)+len(c.writes))
	pending = append(pending, c.reads...)
	pending = append(pending, c.writes...)
	c.reads, c.writes = nil, nil
	for _, op := range pending {
		op.cb(cause, 0)
	}
	c.x.forget(c)
}
