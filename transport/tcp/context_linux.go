// File: transport/tcp/context_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/eventloop"
	"github.com/momentics/wirepipe/netaddr"
)

// Context owns one event loop and every connection and listener created
// through it. Closing the context closes them all, then the loop.
type Context struct {
	log      *zap.Logger
	loop     *eventloop.Loop
	resolver *netaddr.Resolver

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	listeners map[*Listener]struct{}
	closed    bool
}

// New creates a tcp context with its own event loop.
func New(opts ...Option) (*Context, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	if cfg.resolver == nil {
		cfg.resolver = netaddr.NewResolver()
	}
	loop, err := eventloop.New(cfg.log.Named("loop"))
	if err != nil {
		return nil, err
	}
	return &Context{
		log:       cfg.log,
		loop:      loop,
		resolver:  cfg.resolver,
		conns:     make(map[*Conn]struct{}),
		listeners: make(map[*Listener]struct{}),
	}, nil
}

// Viable is always true: plain sockets need no hardware.
func (x *Context) Viable() bool { return true }

// DomainDescriptor returns the wildcard "tcp:*".
func (x *Context) DomainDescriptor() string { return Descriptor }

// InLoop reports whether the caller runs on the context's loop goroutine.
func (x *Context) InLoop() bool { return x.loop.InLoop() }

// DeferToLoop schedules fn on the loop goroutine, FIFO per submitter and
// inline when already in the loop. After Close the function is dropped.
func (x *Context) DeferToLoop(fn func()) {
	if err := x.loop.DeferToLoop(fn); err != nil {
		x.log.Debug("deferral after close dropped", zap.Error(err))
	}
}

// Loop exposes the event loop for backends that bootstrap over tcp.
func (x *Context) Loop() *eventloop.Loop { return x.loop }

// RegisterDescriptor adds an external descriptor to the context's loop.
func (x *Context) RegisterDescriptor(fd int, events eventloop.Events, h eventloop.EventHandler) error {
	return x.loop.RegisterDescriptor(fd, events, h)
}

// UnregisterDescriptor removes an external descriptor from the loop.
// Idempotent.
func (x *Context) UnregisterDescriptor(fd int) {
	x.loop.UnregisterDescriptor(fd)
}

// Connect opens a connection to addr ("host:port").
func (x *Context) Connect(addr string) (api.Connection, error) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil, api.ErrClosed
	}
	x.mu.Unlock()

	c, err := Dial(x.loop, addr, x.log, x.forget)
	if err != nil {
		return nil, err
	}
	x.track(c)
	return c, nil
}

// Listen binds a listener on addr ("host:port", port 0 picks one).
func (x *Context) Listen(addr string) (api.Listener, error) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil, api.ErrClosed
	}
	x.mu.Unlock()

	l, err := NewListener(x.loop, addr, x.log)
	if err != nil {
		return nil, err
	}
	l.wrap = func(fd int, peer string) (api.Connection, error) {
		c, err := adopt(x.loop, fd, peer, x.log, x.forget)
		if err != nil {
			return nil, err
		}
		x.track(c)
		return c, nil
	}
	l.onClose = func(l *Listener) {
		x.mu.Lock()
		delete(x.listeners, l)
		x.mu.Unlock()
	}
	x.mu.Lock()
	x.listeners[l] = struct{}{}
	x.mu.Unlock()
	return l, nil
}

// LookupAddrForIface resolves the first address of the named interface.
func (x *Context) LookupAddrForIface(iface string) (string, error) {
	return x.resolver.LookupAddrForIface(iface)
}

// LookupAddrForHostname resolves the host's own name to a bindable address.
func (x *Context) LookupAddrForHostname() (string, error) {
	return x.resolver.LookupAddrForHostname()
}

// Close closes every connection and listener, then the loop. Idempotent,
// non-blocking; pair with Join to wait for the loop goroutine.
func (x *Context) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	conns := make([]*Conn, 0, len(x.conns))
	for c := range x.conns {
		conns = append(conns, c)
	}
	listeners := make([]*Listener, 0, len(x.listeners))
	for l := range x.listeners {
		listeners = append(listeners, l)
	}
	x.mu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return multierr.Append(err, x.loop.Close())
}

// Join blocks until the loop goroutine has exited.
func (x *Context) Join() { x.loop.Join() }

// track and forget keep the context's view of live connections. A connection
// that dies between Dial and track leaves a tombstone in the set; Close
// re-closing it is a no-op.
func (x *Context) track(c *Conn) {
	x.mu.Lock()
	x.conns[c] = struct{}{}
	x.mu.Unlock()
}

func (x *Context) forget(c *Conn) {
	x.mu.Lock()
	delete(x.conns, c)
	x.mu.Unlock()
}
