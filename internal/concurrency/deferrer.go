// File: internal/concurrency/deferrer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FIFO deferred-closure queue funneling arbitrary caller goroutines onto a
// single loop goroutine. Lock-protected at the enqueue boundary only; the
// closures themselves execute serially on the loop goroutine, so the code
// inside them needs no locks at all.

package concurrency

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/wirepipe/api"
)

// Deferrer owns the closure queue of one loop goroutine.
type Deferrer struct {
	mu     sync.Mutex
	fns    *queue.Queue
	closed bool

	// wakeup pulls the owning loop out of its blocking wait after an
	// off-loop enqueue. Must be safe to call from any goroutine.
	wakeup func()

	loopID atomic.Uint64
}

// NewDeferrer creates a Deferrer whose off-loop submissions trigger wakeup.
// A nil wakeup is allowed for loops that never block.
func NewDeferrer(wakeup func()) *Deferrer {
	return &Deferrer{fns: queue.New(), wakeup: wakeup}
}

// BindLoop records the calling goroutine as the loop owner. Must be the
// first thing the loop goroutine does.
func (d *Deferrer) BindLoop() {
	d.loopID.Store(CurrentGoroutineID())
}

// InLoop reports whether the caller is the loop goroutine.
func (d *Deferrer) InLoop() bool {
	return d.loopID.Load() == CurrentGoroutineID()
}

// Defer enqueues fn for the loop goroutine, preserving FIFO order per
// submitting goroutine, and wakes the loop. Returns api.ErrClosed once the
// Deferrer has been closed.
func (d *Deferrer) Defer(fn func()) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return api.ErrClosed
	}
	d.fns.Add(fn)
	d.mu.Unlock()
	if d.wakeup != nil {
		d.wakeup()
	}
	return nil
}

// RunInLoop executes fn inline when called from the loop goroutine and
// defers it otherwise. This is the DeferToLoop entry point of §Deferrable:
// loop-side submissions take no queue round trip.
func (d *Deferrer) RunInLoop(fn func()) error {
	if d.InLoop() {
		fn()
		return nil
	}
	return d.Defer(fn)
}

// Drain executes every closure queued at the time of the call plus any
// queued while draining, and returns how many ran. Loop goroutine only.
func (d *Deferrer) Drain() int {
	ran := 0
	for {
		d.mu.Lock()
		if d.fns.Length() == 0 {
			d.mu.Unlock()
			return ran
		}
		fn := d.fns.Remove().(func())
		d.mu.Unlock()
		fn()
		ran++
	}
}

// Pending reports whether closures are waiting. Used by loops to decide
// whether they may block.
func (d *Deferrer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fns.Length() > 0
}

// Close rejects all future submissions. Closures already queued still run on
// the loop's final drain.
func (d *Deferrer) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	if d.wakeup != nil {
		d.wakeup()
	}
}
