// File: transport/shm/context_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/eventloop"
)

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// Context owns one event loop driving the doorbell sockets of every
// shared-memory connection created through it.
type Context struct {
	log      *zap.Logger
	ringSize int

	// empty when the viability probe failed; loop is nil in that case too.
	descriptor string
	loop       *eventloop.Loop

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	listeners map[*Listener]struct{}
	closed    bool
}

// New probes the host and creates a context. A host where the boot id cannot
// be read or memfds cannot be created yields a non-viable context, not an
// error.
func New(opts ...Option) (*Context, error) {
	cfg := config{ringSize: DefaultRingSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}

	x := &Context{
		log:       cfg.log,
		ringSize:  cfg.ringSize,
		conns:     make(map[*Conn]struct{}),
		listeners: make(map[*Listener]struct{}),
	}

	bootID, err := os.ReadFile(bootIDPath)
	if err != nil {
		cfg.log.Info("boot id unreadable, backend non-viable", zap.Error(err))
		return x, nil
	}
	probe, err := unix.MemfdCreate("wirepipe-probe", unix.MFD_CLOEXEC)
	if err != nil {
		cfg.log.Info("memfd_create unavailable, backend non-viable", zap.Error(err))
		return x, nil
	}
	unix.Close(probe)

	loop, err := eventloop.New(cfg.log.Named("loop"))
	if err != nil {
		return nil, err
	}
	x.descriptor = "shm:" + strings.TrimSpace(string(bootID))
	x.loop = loop
	return x, nil
}

// Viable reports whether the probe succeeded.
func (x *Context) Viable() bool { return x.loop != nil }

// DomainDescriptor returns "shm:<boot-id>" when viable and the empty string
// (which matches nothing) otherwise. Peers from the same boot of the same
// host, and only those, share the descriptor.
func (x *Context) DomainDescriptor() string { return x.descriptor }

// InLoop reports whether the caller runs on the context's loop goroutine.
func (x *Context) InLoop() bool {
	if !x.Viable() {
		return false
	}
	return x.loop.InLoop()
}

// DeferToLoop schedules fn on the loop goroutine, FIFO per submitter and
// inline when already in the loop. After Close the function is dropped.
func (x *Context) DeferToLoop(fn func()) {
	if !x.Viable() {
		return
	}
	if err := x.loop.DeferToLoop(fn); err != nil {
		x.log.Debug("deferral after close dropped", zap.Error(err))
	}
}

// Connect opens a connection to the listener at addr (a socket path). The
// segment exchange runs synchronously, so Connect blocks until the peer
// accepts; the returned connection is fully established.
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

	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, api.NewSystemError("socket", err)
	}
	if err := unix.Connect(sock, &unix.SockaddrUnix{Name: addr}); err != nil {
		unix.Close(sock)
		return nil, api.NewSystemError("connect", err)
	}
	return newConn(x, sock)
}

// Listen binds a listener on addr (a socket path; empty picks a unique path
// under the temp directory).
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

	if addr == "" {
		addr = autoPath()
	}
	return listen(x, addr)
}

// RegisterDescriptor adds an external descriptor to the context's loop.
func (x *Context) RegisterDescriptor(fd int, events eventloop.Events, h eventloop.EventHandler) error {
	if !x.Viable() {
		return api.ErrNotViable
	}
	return x.loop.RegisterDescriptor(fd, events, h)
}

// UnregisterDescriptor removes an external descriptor from the loop.
// Idempotent.
func (x *Context) UnregisterDescriptor(fd int) {
	if !x.Viable() {
		return
	}
	x.loop.UnregisterDescriptor(fd)
}

// Close closes every connection and listener, then the loop. Idempotent,
// non-blocking; pair with Join.
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
	return multierr.Append(err, x.loop.Close())
}

// Join blocks until the loop goroutine has exited.
func (x *Context) Join() {
	if !x.Viable() {
		return
	}
	x.loop.Join()
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

var pathSeq atomic.Uint64

func autoPath() string {
	return filepath.Join(os.TempDir(),
		fmt.Sprintf("wirepipe-shm-%d-%d.sock", os.Getpid(), pathSeq.Add(1)))
}
