// File: reactor/reactor_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/fake"
	"github.com/momentics/wirepipe/ibv"
)

type recordingHandler struct {
	wcs chan ibv.WorkCompletion
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{wcs: make(chan ibv.WorkCompletion, 64)}
}

func (h *recordingHandler) HandleCompletion(wc ibv.WorkCompletion) {
	h.wcs <- wc
}

func newTestReactor(t *testing.T, lib ibv.Lib) *Reactor {
	t.Helper()
	devs, err := lib.Devices()
	require.NoError(t, err)
	r, err := New(lib, devs, WithBusyPollIters(16))
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		r.Join()
	})
	return r
}

// registerQP performs the deferred registration dance a connection would.
func registerQP(t *testing.T, r *Reactor, qpn uint32, h CompletionHandler) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, r.DeferToLoop(func() {
		r.RegisterQP(qpn, h)
		close(done)
	}))
	<-done
}

func TestReactorDispatchesCompletionsByQPN(t *testing.T) {
	fabric := fake.NewFabric()
	ra := newTestReactor(t, fabric.NewLib("fake0"))
	rb := newTestReactor(t, fabric.NewLib("fake0"))

	caps := ibv.QueuePairCaps{MaxSendWR: 8, MaxRecvWR: 8}
	qpA, err := ra.CreateQueuePair(caps)
	require.NoError(t, err)
	qpB, err := rb.CreateQueuePair(caps)
	require.NoError(t, err)

	hA := newRecordingHandler()
	hB := newRecordingHandler()
	registerQP(t, ra, qpA.Info().QPNum, hA)
	registerQP(t, rb, qpB.Info().QPNum, hB)

	require.NoError(t, qpA.Connect(qpB.Info()))
	require.NoError(t, qpB.Connect(qpA.Info()))

	recvBuf := make([]byte, 16)
	require.NoError(t, qpB.PostRecv(7, recvBuf))
	require.NoError(t, qpA.PostSend(3, []byte("ping")))

	select {
	case wc := <-hB.wcs:
		assert.Equal(t, uint64(7), wc.WRID)
		assert.Equal(t, ibv.OpRecv, wc.Opcode)
		assert.Equal(t, uint32(4), wc.ByteLen)
		assert.Equal(t, []byte("ping"), recvBuf[:wc.ByteLen])
	case <-time.After(2 * time.Second):
		t.Fatal("receive completion never dispatched")
	}
	select {
	case wc := <-hA.wcs:
		assert.Equal(t, uint64(3), wc.WRID)
		assert.Equal(t, ibv.OpSend, wc.Opcode)
	case <-time.After(2 * time.Second):
		t.Fatal("send completion never dispatched")
	}
}

func TestReactorDropsLateCompletionsOfUnregisteredQP(t *testing.T) {
	fabric := fake.NewFabric()
	r := newTestReactor(t, fabric.NewLib("fake0"))

	caps := ibv.QueuePairCaps{MaxSendWR: 8, MaxRecvWR: 8}
	qpA, err := r.CreateQueuePair(caps)
	require.NoError(t, err)
	qpB, err := r.CreateQueuePair(caps)
	require.NoError(t, err)
	require.NoError(t, qpA.Connect(qpB.Info()))
	require.NoError(t, qpB.Connect(qpA.Info()))

	h := newRecordingHandler()
	done := make(chan struct{})
	// Generate completions for both queue pairs and unregister A in the same
	// closure: A's send completion is still queued when the loop polls next
	// and must be dropped, not panicked on.
	require.NoError(t, r.DeferToLoop(func() {
		r.RegisterQP(qpA.Info().QPNum, h)
		r.RegisterQP(qpB.Info().QPNum, h)
		require.NoError(t, qpB.PostRecv(1, make([]byte, 8)))
		require.NoError(t, qpA.PostSend(2, []byte("bye")))
		r.UnregisterQP(qpA.Info().QPNum)
		close(done)
	}))
	<-done

	select {
	case wc := <-h.wcs:
		assert.Equal(t, qpB.Info().QPNum, wc.QPNum)
		assert.Equal(t, ibv.OpRecv, wc.Opcode)
	case <-time.After(2 * time.Second):
		t.Fatal("surviving queue pair's completion was not dispatched")
	}
	select {
	case wc := <-h.wcs:
		t.Fatalf("completion dispatched for unregistered queue pair: %+v", wc)
	case <-time.After(50 * time.Millisecond):
	}

	// The loop survived the late completion.
	ran := make(chan struct{})
	require.NoError(t, r.DeferToLoop(func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("reactor stopped running")
	}
}

func TestReactorWakesFromBlockingWaitOnDeferral(t *testing.T) {
	fabric := fake.NewFabric()
	r := newTestReactor(t, fabric.NewLib("fake0"))

	// Give the loop time to exhaust its busy-poll budget and block.
	time.Sleep(20 * time.Millisecond)

	ran := make(chan struct{})
	require.NoError(t, r.DeferToLoop(func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred closure did not wake the blocked reactor")
	}
}

func TestReactorDeferredOrderAcrossGoroutines(t *testing.T) {
	fabric := fake.NewFabric()
	r := newTestReactor(t, fabric.NewLib("fake0"))

	const n = 200
	var got []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		require.NoError(t, r.DeferToLoop(func() {
			got = append(got, i)
			if i == n-1 {
				close(done)
			}
		}))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deferrals did not run")
	}
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestReactorCloseJoinRejectsNewWork(t *testing.T) {
	fabric := fake.NewFabric()
	lib := fabric.NewLib("fake0")
	devs, err := lib.Devices()
	require.NoError(t, err)
	r, err := New(lib, devs)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "close is idempotent")

	joined := make(chan struct{})
	go func() {
		r.Join()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("join did not return")
	}
	assert.ErrorIs(t, r.DeferToLoop(func() {}), api.ErrClosed)
}

func TestReactorRequiresDeviceList(t *testing.T) {
	fabric := fake.NewFabric()
	_, err := New(fabric.NewLib(), ibv.DeviceList{})
	assert.Error(t, err)
}
