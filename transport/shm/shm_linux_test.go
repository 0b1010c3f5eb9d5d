// File: transport/shm/shm_linux_test.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/transport"
)

const testTimeout = 5 * time.Second

func newTestContext(t *testing.T, opts ...Option) *Context {
	t.Helper()
	ctx, err := New(opts...)
	require.NoError(t, err)
	require.True(t, ctx.Viable())
	t.Cleanup(func() {
		require.NoError(t, ctx.Close())
		ctx.Join()
	})
	return ctx
}

func connectedPair(t *testing.T, opts ...Option) (api.Connection, api.Connection) {
	t.Helper()
	server := newTestContext(t, opts...)
	client := newTestContext(t, opts...)

	l, err := server.Listen("")
	require.NoError(t, err)

	accepted := make(chan api.Connection, 1)
	l.Accept(func(err error, conn api.Connection) {
		require.NoError(t, err)
		accepted <- conn
	})

	outbound, err := client.Connect(l.Addr())
	require.NoError(t, err)

	select {
	case inbound := <-accepted:
		return outbound, inbound
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for accept")
		return nil, nil
	}
}

func awaitIO(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for io completion")
		return nil
	}
}

func TestDescriptorCarriesBootID(t *testing.T) {
	a := newTestContext(t)
	b := newTestContext(t)

	require.True(t, strings.HasPrefix(a.DomainDescriptor(), "shm:"))
	assert.NotEqual(t, "shm:", a.DomainDescriptor())

	// Same boot, same machine: the two contexts pair.
	assert.True(t, transport.Compatible(a.DomainDescriptor(), b.DomainDescriptor()))
	// A peer from a different boot does not.
	assert.False(t, transport.Compatible(a.DomainDescriptor(), "shm:other-boot"))
}

func TestRegisteredBackend(t *testing.T) {
	assert.Contains(t, transport.Names(), "shm")
}

func TestEcho(t *testing.T) {
	outbound, inbound := connectedPair(t)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 13)
	}

	srvDone := make(chan error, 1)
	srvBuf := make([]byte, len(payload))
	inbound.Read(srvBuf, func(err error, n int) {
		if err != nil {
			srvDone <- err
			return
		}
		inbound.Write(srvBuf[:n], func(err error, _ int) { srvDone <- err })
	})

	wrDone := make(chan error, 1)
	outbound.Write(payload, func(err error, _ int) { wrDone <- err })
	require.NoError(t, awaitIO(t, wrDone))

	echoed := make([]byte, len(payload))
	rdDone := make(chan error, 1)
	outbound.Read(echoed, func(err error, _ int) { rdDone <- err })
	require.NoError(t, awaitIO(t, rdDone))
	require.NoError(t, awaitIO(t, srvDone))
	assert.True(t, bytes.Equal(payload, echoed))
}

func TestTransferLargerThanRing(t *testing.T) {
	// A payload several times the ring capacity forces the writer to stall
	// on a full ring and resume on the reader's doorbells.
	outbound, inbound := connectedPair(t, WithRingSize(4096))

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	rdDone := make(chan error, 1)
	got := make([]byte, len(payload))
	inbound.Read(got, func(err error, _ int) { rdDone <- err })

	wrDone := make(chan error, 1)
	outbound.Write(payload, func(err error, _ int) { wrDone <- err })

	require.NoError(t, awaitIO(t, wrDone))
	require.NoError(t, awaitIO(t, rdDone))
	assert.True(t, bytes.Equal(payload, got))
}

func TestCloseFlushesPendingOps(t *testing.T) {
	outbound, _ := connectedPair(t)

	done := make(chan error, 1)
	outbound.Read(make([]byte, 8), func(err error, _ int) { done <- err })

	require.NoError(t, outbound.Close())
	assert.ErrorIs(t, awaitIO(t, done), api.ErrClosed)

	late := make(chan error, 1)
	outbound.Write([]byte("x"), func(err error, _ int) { late <- err })
	assert.ErrorIs(t, awaitIO(t, late), api.ErrClosed)
}

func TestPeerCloseFailsPendingRead(t *testing.T) {
	outbound, inbound := connectedPair(t)

	done := make(chan error, 1)
	outbound.Read(make([]byte, 8), func(err error, _ int) { done <- err })

	require.NoError(t, inbound.Close())

	err := awaitIO(t, done)
	require.Error(t, err)
	var cerr *api.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBufferedDataSurvivesPeerClose(t *testing.T) {
	// Bytes already in the ring must reach a reader that shows up after the
	// writer hung up.
	outbound, inbound := connectedPair(t)

	wrDone := make(chan error, 1)
	outbound.Write([]byte("parting"), func(err error, _ int) { wrDone <- err })
	require.NoError(t, awaitIO(t, wrDone))
	require.NoError(t, outbound.Close())

	buf := make([]byte, 7)
	rdDone := make(chan error, 1)
	inbound.Read(buf, func(err error, _ int) { rdDone <- err })
	require.NoError(t, awaitIO(t, rdDone))
	assert.Equal(t, []byte("parting"), buf)
}

func TestListenerCloseFlushesAccepts(t *testing.T) {
	ctx := newTestContext(t)
	l, err := ctx.Listen("")
	require.NoError(t, err)

	done := make(chan error, 1)
	l.Accept(func(err error, conn api.Connection) {
		assert.Nil(t, conn)
		done <- err
	})
	require.NoError(t, l.Close())
	assert.ErrorIs(t, awaitIO(t, done), api.ErrClosed)
}

func TestListenerCloseAfterLoopShutdownUnlinksPath(t *testing.T) {
	ctx := newTestContext(t)
	l, err := ctx.Listen("")
	require.NoError(t, err)
	path := l.Addr()

	// With the loop gone the deferred destroy can never run; Close must
	// still take the socket path off the filesystem.
	require.NoError(t, ctx.loop.Close())
	ctx.loop.Join()

	require.NoError(t, l.Close())
	_, serr := os.Stat(path)
	assert.True(t, os.IsNotExist(serr))
}

func TestContextCloseRejectsNewWork(t *testing.T) {
	ctx, err := New()
	require.NoError(t, err)
	require.True(t, ctx.Viable())
	require.NoError(t, ctx.Close())
	ctx.Join()

	_, err = ctx.Connect("/nonexistent.sock")
	assert.ErrorIs(t, err, api.ErrClosed)
	_, err = ctx.Listen("")
	assert.ErrorIs(t, err, api.ErrClosed)
	require.NoError(t, ctx.Close())
}
