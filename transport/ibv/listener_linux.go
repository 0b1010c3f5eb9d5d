// File: transport/ibv/listener_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ibv

import (
	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/transport/tcp"
)

// Listener accepts RDMA connections by accepting their bootstrap sockets.
type Listener struct {
	x     *Context
	inner *tcp.Listener
}

func listen(x *Context, addr string) (*Listener, error) {
	inner, err := tcp.NewListener(x.loop, addr, x.log)
	if err != nil {
		return nil, err
	}
	l := &Listener{x: x, inner: inner}
	x.mu.Lock()
	x.listeners[l] = struct{}{}
	x.mu.Unlock()
	return l, nil
}

// Accept queues cb for the next inbound connection. The connection handed to
// cb is usable immediately; operations queue until its handshake resolves.
func (l *Listener) Accept(cb api.AcceptCallback) {
	l.inner.Accept(func(err error, conn api.Connection) {
		if err != nil {
			cb(err, nil)
			return
		}
		accept(l.x, conn.(*tcp.Conn), cb)
	})
}

// Addr returns the bootstrap listener's bound "host:port".
func (l *Listener) Addr() string { return l.inner.Addr() }

// Close stops the listener. Queued accept callbacks complete with
// api.ErrClosed; idempotent and callable from any goroutine.
func (l *Listener) Close() error {
	l.x.mu.Lock()
	delete(l.x.listeners, l)
	l.x.mu.Unlock()
	return l.inner.Close()
}
