// File: transport/tcp/listener_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listening socket. accept(2) is issued only while accept callbacks are
// queued; with none queued the descriptor is disarmed and inbound peers sit
// in the kernel backlog. Queued callbacks fire strictly in FIFO order.

package tcp

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/eventloop"
	"github.com/momentics/wirepipe/netaddr"
)

const listenBacklog = 128

// Listener accepts TCP connections on a loop.
type Listener struct {
	loop *eventloop.Loop
	log  *zap.Logger
	fd   int
	addr string

	// wrap turns an accepted descriptor into the Connection handed to the
	// callback; the owning context injects tracking here.
	wrap func(fd int, peer string) (api.Connection, error)

	// loop-owned
	pending []api.AcceptCallback
	armed   bool
	closed  bool
	onClose func(*Listener)
}

// NewListener binds and listens on addr ("host:port", port 0 picks one).
func NewListener(loop *eventloop.Loop, addr string, log *zap.Logger) (*Listener, error) {
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
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, api.NewSystemError("bind", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, api.NewSystemError("listen", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, api.NewSystemError("getsockname", err)
	}

	l := &Listener{
		loop: loop,
		log:  log,
		fd:   fd,
		addr: netaddr.SockaddrString(bound),
	}
	l.wrap = func(fd int, peer string) (api.Connection, error) {
		return adopt(loop, fd, peer, log, nil)
	}
	if err := loop.RegisterDescriptor(fd, 0, l); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return l, nil
}

// Accept queues cb for the next inbound connection. Callbacks fire on the
// loop goroutine in the order they were queued.
func (l *Listener) Accept(cb api.AcceptCallback) {
	if err := l.loop.DeferToLoop(func() { l.acceptInLoop(cb) }); err != nil {
		cb(api.ErrClosed, nil)
	}
}

// Addr returns the bound "host:port", with the kernel-assigned port when the
// listener was created on port 0.
func (l *Listener) Addr() string { return l.addr }

// Close stops the listener. Queued accept callbacks complete with
// api.ErrClosed; idempotent and callable from any goroutine.
func (l *Listener) Close() error {
	_ = l.loop.DeferToLoop(func() { l.destroy() })
	return nil
}

func (l *Listener) acceptInLoop(cb api.AcceptCallback) {
	if l.closed {
		cb(api.ErrClosed, nil)
		return
	}
	l.pending = append(l.pending, cb)
	l.arm(true)
}

// HandleEvents implements eventloop.EventHandler.
func (l *Listener) HandleEvents(ev eventloop.Events) {
	if l.closed {
		return
	}
	for len(l.pending) > 0 {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		cb := l.pending[0]
		l.pending = l.pending[1:]
		if err != nil {
			cb(api.NewSystemError("accept4", err), nil)
			continue
		}
		conn, err := l.wrap(nfd, netaddr.SockaddrString(sa))
		if err != nil {
			unix.Close(nfd)
			cb(err, nil)
			continue
		}
		cb(nil, conn)
		if l.closed {
			return
		}
	}
	if len(l.pending) == 0 {
		l.arm(false)
	}
}

// arm switches readability interest on or off to match demand.
func (l *Listener) arm(want bool) {
	if want == l.armed {
		return
	}
	var events eventloop.Events
	if want {
		events = eventloop.EventRead
	}
	if err := l.loop.ModifyDescriptor(l.fd, events); err != nil {
		l.log.Debug("listener rearm failed", zap.String("addr", l.addr), zap.Error(err))
		return
	}
	l.armed = want
}

func (l *Listener) destroy() {
	if l.closed {
		return
	}
	l.closed = true
	pending := l.pending
	l.pending = nil

	l.loop.UnregisterDescriptor(l.fd)
	unix.Close(l.fd)

	for _, cb := range pending {
		cb(api.ErrClosed, nil)
	}
	if l.onClose != nil {
		l.onClose(l)
	}
}
