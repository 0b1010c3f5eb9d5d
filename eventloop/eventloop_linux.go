// File: eventloop/eventloop_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll implementation. An eventfd is registered alongside user
// descriptors so off-loop deferrals can pull the loop out of epoll_wait.

package eventloop

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/internal/concurrency"
)

const maxEpollEvents = 128

// Loop multiplexes readiness on registered file descriptors from one
// background goroutine.
type Loop struct {
	log    *zap.Logger
	epfd   int
	wakeFd int

	def *concurrency.Deferrer

	// mu guards handlers at the registration boundary; handler invocation
	// and removal are serialized on the loop goroutine.
	mu       sync.Mutex
	handlers map[int]EventHandler

	closed atomic.Bool
	done   chan struct{}
}

// New creates the loop and starts its goroutine.
func New(log *zap.Logger) (*Loop, error) {
	if log == nil {
		log = zap.NewNop()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, api.NewSystemError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, api.NewSystemError("eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, api.NewSystemError("epoll_ctl", err)
	}

	l := &Loop{
		log:      log,
		epfd:     epfd,
		wakeFd:   wakeFd,
		handlers: make(map[int]EventHandler),
		done:     make(chan struct{}),
	}
	l.def = concurrency.NewDeferrer(l.wake)
	go l.run()
	return l, nil
}

// InLoop reports whether the caller is the loop goroutine.
func (l *Loop) InLoop() bool { return l.def.InLoop() }

// DeferToLoop schedules fn on the loop goroutine; FIFO per submitting
// goroutine, inline when already in the loop. Returns api.ErrClosed after
// Close.
func (l *Loop) DeferToLoop(fn func()) error { return l.def.RunInLoop(fn) }

// RegisterDescriptor associates fd with a handler for the masked events.
// At most one handler per descriptor: a second registration is a usage
// error and returns api.ErrHandlerRegistered.
func (l *Loop) RegisterDescriptor(fd int, events Events, h EventHandler) error {
	if l.closed.Load() {
		return api.ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; ok {
		return api.ErrHandlerRegistered
	}
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return api.NewSystemError("epoll_ctl", err)
	}
	l.handlers[fd] = h
	return nil
}

// ModifyDescriptor replaces the event mask of a registered descriptor.
func (l *Loop) ModifyDescriptor(fd int, events Events) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; !ok {
		return fmt.Errorf("eventloop: descriptor %d not registered", fd)
	}
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return api.NewSystemError("epoll_ctl", err)
	}
	return nil
}

// UnregisterDescriptor removes fd from the loop. Idempotent, and legal from
// within a readiness callback for the same descriptor. When called off-loop
// the removal is deferred, so a handler is never invoked concurrently with
// its own unregistration.
func (l *Loop) UnregisterDescriptor(fd int) {
	if l.InLoop() {
		l.unregisterInLoop(fd)
		return
	}
	// Best effort after close: the final drain still runs it.
	_ = l.def.Defer(func() { l.unregisterInLoop(fd) })
}

func (l *Loop) unregisterInLoop(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; !ok {
		return
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		// The descriptor may already be closed by its owner.
		l.log.Debug("epoll_ctl del", zap.Int("fd", fd), zap.Error(err))
	}
	delete(l.handlers, fd)
}

// Close stops the loop. Idempotent, non-blocking, callable from any
// goroutine. No new work may be submitted afterwards.
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.def.Close()
	l.wake()
	return nil
}

// Join blocks until the loop goroutine has exited.
func (l *Loop) Join() { <-l.done }

func (l *Loop) wake() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(l.wakeFd, one[:])
}

func (l *Loop) run() {
	l.def.BindLoop()
	defer func() {
		l.def.Drain()
		unix.Close(l.wakeFd)
		unix.Close(l.epfd)
		close(l.done)
	}()

	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		l.def.Drain()
		if l.closed.Load() {
			return
		}
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.log.Error("epoll_wait", zap.Error(err))
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFd {
				l.drainWakeFd()
				continue
			}
			l.mu.Lock()
			h, ok := l.handlers[fd]
			l.mu.Unlock()
			if !ok {
				// Unregistered by an earlier handler in this batch.
				continue
			}
			h.HandleEvents(goMask(events[i].Events))
		}
	}
}

func (l *Loop) drainWakeFd() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func epollMask(events Events) uint32 {
	var m uint32
	if events&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func goMask(epoll uint32) Events {
	var ev Events
	if epoll&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if epoll&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if epoll&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= EventError
	}
	return ev
}
