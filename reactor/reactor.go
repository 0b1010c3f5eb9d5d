// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package reactor implements the completion-queue engine of the RDMA
// backend: one background goroutine that turns asynchronous hardware
// completions into ordered callback invocations and doubles as the deferred-
// execution loop for all connection state sharing the context.
//
// The loop interleaves three phases: drain queued closures, busy-poll the
// completion queue for a bounded number of empty iterations, then block on
// the wake primitive. Busy-polling first is a deliberate latency/CPU trade:
// pure blocking adds wake-up latency that small-message transfers cannot
// afford, pure spinning burns a core while idle.
package reactor

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/wirepipe/affinity"
	"github.com/momentics/wirepipe/ibv"
	"github.com/momentics/wirepipe/internal/concurrency"
)

const (
	defaultBusyPollIters = 10000
	defaultCQDepth       = 1024
	defaultPollBatch     = 64
)

// CompletionHandler consumes the completions of one queue pair.
type CompletionHandler interface {
	HandleCompletion(wc ibv.WorkCompletion)
}

// Option customizes a Reactor.
type Option func(*Reactor)

// WithLogger sets the logger; default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Reactor) { r.log = log }
}

// WithBusyPollIters bounds the busy-poll phase before the loop blocks.
func WithBusyPollIters(n int) Option {
	return func(r *Reactor) {
		if n > 0 {
			r.busyPollIters = n
		}
	}
}

// WithCQDepth sets the completion-queue depth.
func WithCQDepth(n int) Option {
	return func(r *Reactor) {
		if n > 0 {
			r.cqDepth = n
		}
	}
}

// WithPinnedCPU pins the loop goroutine's OS thread to the given logical
// CPU, keeping the busy-poll phase on one core. Negative (the default)
// leaves scheduling to the runtime.
func WithPinnedCPU(cpu int) Option {
	return func(r *Reactor) { r.pinnedCPU = cpu }
}

// Reactor owns one device, one completion queue and the loop goroutine
// dispatching its completions.
type Reactor struct {
	log *zap.Logger

	lib     ibv.Lib
	devices ibv.DeviceList
	dev     ibv.Device
	cq      ibv.CompletionQueue

	def *concurrency.Deferrer

	// handlers is owned by the loop goroutine; no lock. Registration from
	// other goroutines must go through DeferToLoop.
	handlers map[uint32]CompletionHandler

	// draining holds queue-pair numbers unregistered while completions for
	// them may still sit in the CQ; their leftovers are dropped instead of
	// panicking. Reset once a poll finds the CQ empty.
	draining map[uint32]struct{}

	busyPollIters int
	cqDepth       int
	pinnedCPU     int

	wakeCh chan struct{}
	closed atomic.Bool
	done   chan struct{}
}

// New opens the first enumerated device, creates the shared completion
// queue and starts the loop. The device list was enumerated once by the
// owning context and is handed in by value; the reactor owns it from here.
func New(lib ibv.Lib, devices ibv.DeviceList, opts ...Option) (*Reactor, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("reactor: empty device list")
	}
	r := &Reactor{
		log:           zap.NewNop(),
		lib:           lib,
		devices:       devices,
		handlers:      make(map[uint32]CompletionHandler),
		draining:      make(map[uint32]struct{}),
		busyPollIters: defaultBusyPollIters,
		cqDepth:       defaultCQDepth,
		pinnedCPU:     -1,
		wakeCh:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	dev, err := lib.Open(devices[0])
	if err != nil {
		return nil, fmt.Errorf("reactor: open %s: %w", devices[0].Name, err)
	}
	cq, err := dev.CreateCompletionQueue(r.cqDepth)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("reactor: create cq: %w", err)
	}
	r.dev = dev
	r.cq = cq
	r.def = concurrency.NewDeferrer(r.wake)
	cq.SetNotify(r.wake)

	go r.run()
	return r, nil
}

// InLoop reports whether the caller is the reactor goroutine.
func (r *Reactor) InLoop() bool { return r.def.InLoop() }

// DeferToLoop schedules fn on the reactor goroutine; FIFO per submitting
// goroutine, inline when already in the loop.
func (r *Reactor) DeferToLoop(fn func()) error { return r.def.RunInLoop(fn) }

// CreateQueuePair creates a queue pair whose completions land on the
// reactor's shared completion queue.
func (r *Reactor) CreateQueuePair(caps ibv.QueuePairCaps) (ibv.QueuePair, error) {
	return r.dev.CreateQueuePair(r.cq, caps)
}

// RegisterQP routes completions of the given queue-pair number to h.
// Loop goroutine only; cross-goroutine callers must defer.
func (r *Reactor) RegisterQP(qpn uint32, h CompletionHandler) {
	if !r.InLoop() {
		panic("reactor: RegisterQP called off the loop goroutine")
	}
	delete(r.draining, qpn)
	r.handlers[qpn] = h
}

// UnregisterQP removes the route. Idempotent; loop goroutine only. The
// queue pair may still have completions queued in the CQ; those are dropped
// as they surface.
func (r *Reactor) UnregisterQP(qpn uint32) {
	if !r.InLoop() {
		panic("reactor: UnregisterQP called off the loop goroutine")
	}
	delete(r.handlers, qpn)
	r.draining[qpn] = struct{}{}
}

// Close stops the loop. Idempotent, non-blocking; no new deferred work is
// accepted afterwards.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.def.Close()
	r.wake()
	return nil
}

// Join blocks until the loop goroutine has exited and the hardware
// resources are released.
func (r *Reactor) Join() { <-r.done }

func (r *Reactor) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *Reactor) run() {
	if r.pinnedCPU >= 0 {
		runtime.LockOSThread()
		if err := affinity.SetAffinity(r.pinnedCPU); err != nil {
			r.log.Warn("cpu pinning failed", zap.Int("cpu", r.pinnedCPU), zap.Error(err))
		}
	}
	r.def.BindLoop()
	defer func() {
		r.def.Drain()
		err := multierr.Append(r.cq.Close(), r.dev.Close())
		if err != nil {
			r.log.Debug("reactor shutdown", zap.Error(err))
		}
		close(r.done)
	}()

	wcs := make([]ibv.WorkCompletion, defaultPollBatch)
	idle := 0
	for {
		r.def.Drain()
		if r.closed.Load() {
			return
		}

		n, err := r.cq.Poll(wcs)
		if err != nil {
			// A broken CQ poisons every connection on this device; there
			// is nothing per-connection left to salvage.
			r.log.Error("completion queue poll failed", zap.Error(err))
			return
		}
		if n > 0 {
			for i := 0; i < n; i++ {
				r.dispatch(wcs[i])
			}
			idle = 0
			continue
		}

		if len(r.draining) > 0 {
			// Teardown runs on this goroutine: once a poll finds the CQ
			// empty, a drained queue pair can have nothing further in
			// flight.
			clear(r.draining)
		}

		idle++
		if idle < r.busyPollIters {
			// Busy phase: stay hot for the next completion.
			runtime.Gosched()
			continue
		}
		<-r.wakeCh
		idle = 0
	}
}

func (r *Reactor) dispatch(wc ibv.WorkCompletion) {
	h, ok := r.handlers[wc.QPNum]
	if !ok {
		if _, drained := r.draining[wc.QPNum]; drained {
			// The owner tore down ahead of the poll that carried this.
			r.log.Debug("completion after queue pair teardown",
				zap.Uint32("qpn", wc.QPNum), zap.Uint64("wr_id", wc.WRID))
			return
		}
		// A completion nobody ever asked for means a registration bug, and
		// silently dropping it would corrupt ordering guarantees upstream.
		r.log.Error("completion for unregistered queue pair",
			zap.Uint32("qpn", wc.QPNum), zap.Uint64("wr_id", wc.WRID))
		panic(fmt.Sprintf("reactor: completion for unregistered QP %d", wc.QPNum))
	}
	h.HandleCompletion(wc)
}
