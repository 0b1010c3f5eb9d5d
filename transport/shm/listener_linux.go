// File: transport/shm/listener_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unix-socket listener. Like the tcp listener, accept(2) runs only while
// accept callbacks are queued. The per-connection segment exchange blocks,
// so it runs on its own goroutine and hands the finished connection back to
// the loop.

package shm

import (
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/eventloop"
)

// Listener accepts shared-memory connections on a socket path.
type Listener struct {
	x    *Context
	log  *zap.Logger
	fd   int
	path string

	// loop-owned
	pending []api.AcceptCallback
	armed   bool
	closed  bool
}

func listen(x *Context, path string) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, api.NewSystemError("socket", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, api.NewSystemError("bind", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, api.NewSystemError("listen", err)
	}

	l := &Listener{x: x, log: x.log, fd: fd, path: path}
	if err := x.loop.RegisterDescriptor(fd, 0, l); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, err
	}
	x.mu.Lock()
	x.listeners[l] = struct{}{}
	x.mu.Unlock()
	return l, nil
}

// Accept queues cb for the next inbound connection. The connection handed to
// cb is fully established.
func (l *Listener) Accept(cb api.AcceptCallback) {
	if err := l.x.loop.DeferToLoop(func() { l.acceptInLoop(cb) }); err != nil {
		cb(api.ErrClosed, nil)
	}
}

// Addr returns the socket path the listener is bound to.
func (l *Listener) Addr() string { return l.path }

// Close stops the listener and unlinks its socket path. Queued accept
// callbacks complete with api.ErrClosed; idempotent and callable from any
// goroutine.
func (l *Listener) Close() error {
	if err := l.x.loop.DeferToLoop(func() { l.destroy() }); err != nil {
		// The loop is gone, so destroy cannot run; the socket path still
		// has to come off the filesystem.
		os.Remove(l.path)
	}
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
		// Accepted blocking on purpose: the segment exchange runs on a
		// helper goroutine with blocking semantics.
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
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
		go l.finishAccept(nfd, cb)
		if l.closed {
			return
		}
	}
	if len(l.pending) == 0 {
		l.arm(false)
	}
}

// finishAccept completes the segment exchange off the loop and delivers the
// result back on it.
func (l *Listener) finishAccept(nfd int, cb api.AcceptCallback) {
	conn, err := newConn(l.x, nfd)
	l.x.DeferToLoop(func() {
		if err != nil {
			cb(err, nil)
			return
		}
		cb(nil, conn)
	})
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
	if err := l.x.loop.ModifyDescriptor(l.fd, events); err != nil {
		l.log.Debug("listener rearm failed", zap.String("path", l.path), zap.Error(err))
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

	l.x.loop.UnregisterDescriptor(l.fd)
	unix.Close(l.fd)
	os.Remove(l.path)

	for _, cb := range pending {
		cb(api.ErrClosed, nil)
	}
	l.x.mu.Lock()
	delete(l.x.listeners, l)
	l.x.mu.Unlock()
}
