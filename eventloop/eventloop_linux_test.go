// File: eventloop/eventloop_linux_test.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/wirepipe/api"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
		l.Join()
	})
	return l
}

func testPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestLoopDispatchesReadability(t *testing.T) {
	l := newTestLoop(t)
	r, w := testPipe(t)

	got := make(chan Events, 1)
	require.NoError(t, l.RegisterDescriptor(r, EventRead, EventHandlerFunc(func(ev Events) {
		select {
		case got <- ev:
		default:
		}
	})))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.NotZero(t, ev&EventRead)
		assert.True(t, l.InLoop() == false, "test goroutine is not the loop")
	case <-time.After(2 * time.Second):
		t.Fatal("readiness event was not delivered")
	}
}

func TestLoopRejectsDuplicateHandler(t *testing.T) {
	l := newTestLoop(t)
	r, _ := testPipe(t)

	h := EventHandlerFunc(func(Events) {})
	require.NoError(t, l.RegisterDescriptor(r, EventRead, h))
	err := l.RegisterDescriptor(r, EventRead, h)
	assert.ErrorIs(t, err, api.ErrHandlerRegistered)
}

func TestLoopUnregisterFromOwnCallback(t *testing.T) {
	l := newTestLoop(t)
	r, w := testPipe(t)

	fired := make(chan struct{}, 4)
	require.NoError(t, l.RegisterDescriptor(r, EventRead, EventHandlerFunc(func(Events) {
		// Legal per contract: unregistering inside the descriptor's own
		// callback, twice to prove idempotence.
		l.UnregisterDescriptor(r)
		l.UnregisterDescriptor(r)
		fired <- struct{}{}
	})))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}

	// Descriptor is gone: new data must not trigger the handler again.
	_, err = unix.Write(w, []byte("y"))
	require.NoError(t, err)
	select {
	case <-fired:
		t.Fatal("handler fired after unregistration")
	case <-time.After(100 * time.Millisecond):
	}

	// And the slot is reusable.
	require.NoError(t, l.RegisterDescriptor(r, EventRead, EventHandlerFunc(func(Events) {})))
}

func TestLoopCloseJoinStopsAndRejectsWork(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")

	joined := make(chan struct{})
	go func() {
		l.Join()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("join did not return after close")
	}

	assert.ErrorIs(t, l.DeferToLoop(func() {}), api.ErrClosed)
	assert.ErrorIs(t, l.RegisterDescriptor(0, EventRead, EventHandlerFunc(func(Events) {})), api.ErrClosed)
}

func TestLoopDeferredClosureOrder(t *testing.T) {
	l := newTestLoop(t)

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, l.DeferToLoop(func() {
			got = append(got, i)
			if i == 99 {
				close(done)
			}
		}))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred closures did not run")
	}
	for i, v := range got {
		require.Equal(t, i, v, "closures reordered at %d", i)
	}
}
