// File: transport/ibv/context_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ibv

import (
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/eventloop"
	"github.com/momentics/wirepipe/ibv"
	"github.com/momentics/wirepipe/netaddr"
	"github.com/momentics/wirepipe/reactor"
)

// Context owns the completion-queue reactor, one event loop for bootstrap
// sockets, and every connection and listener created through it.
type Context struct {
	log      *zap.Logger
	caps     ibv.QueuePairCaps
	resolver *netaddr.Resolver

	// nil when the viability probe failed.
	reactor *reactor.Reactor
	loop    *eventloop.Loop

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	listeners map[*Listener]struct{}
	closed    bool
}

// New probes the host and creates a context. Absent hardware is not an
// error: missing verbs library, missing kernel modules or an empty device
// list all produce a non-viable context. Only unexpected enumeration
// failures surface as errors.
func New(opts ...Option) (*Context, error) {
	cfg := config{caps: defaultCaps, pinnedCPU: -1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}

	x := &Context{
		log:       cfg.log,
		caps:      cfg.caps,
		resolver:  netaddr.NewResolver(),
		conns:     make(map[*Conn]struct{}),
		listeners: make(map[*Listener]struct{}),
	}

	lib := cfg.lib
	if lib == nil {
		var err error
		lib, err = ibv.Probe()
		if err != nil {
			if errors.Is(err, ibv.ErrNotAvailable) {
				cfg.log.Info("verbs library unavailable, backend non-viable")
				return x, nil
			}
			return nil, err
		}
	}

	devices, err := lib.Devices()
	if err != nil {
		if errors.Is(err, ibv.ErrKernelModuleMissing) {
			cfg.log.Info("rdma kernel modules not loaded, backend non-viable")
			return x, nil
		}
		return nil, err
	}
	if len(devices) == 0 {
		cfg.log.Info("no rdma devices enumerated, backend non-viable")
		return x, nil
	}

	loop, err := eventloop.New(cfg.log.Named("bootstrap"))
	if err != nil {
		return nil, err
	}
	r, err := reactor.New(lib, devices,
		reactor.WithLogger(cfg.log.Named("reactor")),
		reactor.WithPinnedCPU(cfg.pinnedCPU))
	if err != nil {
		loop.Close()
		loop.Join()
		return nil, err
	}
	x.loop = loop
	x.reactor = r
	return x, nil
}

// Viable reports whether the probe found usable RDMA hardware.
func (x *Context) Viable() bool { return x.reactor != nil }

// DomainDescriptor returns "ibv:*" when viable and the empty string (which
// matches nothing) otherwise.
func (x *Context) DomainDescriptor() string {
	if !x.Viable() {
		return ""
	}
	return Descriptor
}

// InLoop reports whether the caller runs on the reactor goroutine.
func (x *Context) InLoop() bool {
	if !x.Viable() {
		return false
	}
	return x.reactor.InLoop()
}

// DeferToLoop schedules fn on the reactor goroutine, FIFO per submitter and
// inline when already in the loop. After Close the function is dropped.
func (x *Context) DeferToLoop(fn func()) {
	if !x.Viable() {
		return
	}
	if err := x.reactor.DeferToLoop(fn); err != nil {
		x.log.Debug("deferral after close dropped", zap.Error(err))
	}
}

// Connect opens a connection to a peer listening at addr ("host:port", the
// peer's bootstrap listener). The connection is usable immediately;
// operations queue until the handshake resolves and fail if it does not.
func (x *Context) Connect(addr string) (api.Connection, error) {
	if !x.Viable() {
		return nil, api.ErrNotViable
	}
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil, api.ErrClosed
	}
	x.mu.Unlock()
	return dial(x, addr)
}

// Listen binds a bootstrap listener on addr ("host:port", port 0 picks one).
func (x *Context) Listen(addr string) (api.Listener, error) {
	if !x.Viable() {
		return nil, api.ErrNotViable
	}
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil, api.ErrClosed
	}
	x.mu.Unlock()
	return listen(x, addr)
}

// RegisterDescriptor adds an external descriptor to the bootstrap loop.
func (x *Context) RegisterDescriptor(fd int, events eventloop.Events, h eventloop.EventHandler) error {
	if !x.Viable() {
		return api.ErrNotViable
	}
	return x.loop.RegisterDescriptor(fd, events, h)
}

// UnregisterDescriptor removes an external descriptor from the bootstrap
// loop. Idempotent.
func (x *Context) UnregisterDescriptor(fd int) {
	if !x.Viable() {
		return
	}
	x.loop.UnregisterDescriptor(fd)
}

// LookupAddrForIface resolves the first address of the named interface,
// used to place the bootstrap listener on the NIC closest to the HCA.
func (x *Context) LookupAddrForIface(iface string) (string, error) {
	return x.resolver.LookupAddrForIface(iface)
}

// LookupAddrForHostname resolves the host's own name to a bindable address.
func (x *Context) LookupAddrForHostname() (string, error) {
	return x.resolver.LookupAddrForHostname()
}

// Close closes every connection and listener, then the reactor, then the
// bootstrap loop. Idempotent. Connection teardown runs on the reactor and
// releases bootstrap sockets through the loop, so Close waits for the
// reactor goroutine before shutting the loop down; pair with Join for the
// loop itself.
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

	if !x.Viable() {
		return nil
	}
	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	err = multierr.Append(err, x.reactor.Close())
	x.reactor.Join()
	return multierr.Append(err, x.loop.Close())
}

// Join blocks until both background goroutines have exited.
func (x *Context) Join() {
	if !x.Viable() {
		return
	}
	x.loop.Join()
	x.reactor.Join()
}

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
