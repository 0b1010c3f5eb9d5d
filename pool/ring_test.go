// File: pool/ring_test.go
// Author: momentics <momentics@gmail.com>

package pool

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachRingValidatesSegment(t *testing.T) {
	_, err := AttachRing(make([]byte, RingHeaderSize))
	assert.Error(t, err)

	_, err = AttachRing(make([]byte, RingHeaderSize+100))
	assert.Error(t, err)

	r, err := AttachRing(make([]byte, RingSegmentSize(256)))
	require.NoError(t, err)
	assert.Equal(t, 256, r.Cap())
	assert.Equal(t, 256, r.Free())
	assert.Zero(t, r.Buffered())
}

func TestRingWriteReadRoundTrip(t *testing.T) {
	r, err := AttachRing(make([]byte, RingSegmentSize(64)))
	require.NoError(t, err)

	msg := []byte("hello ring")
	require.Equal(t, len(msg), r.Write(msg))
	assert.Equal(t, len(msg), r.Buffered())

	out := make([]byte, len(msg))
	require.Equal(t, len(msg), r.Read(out))
	assert.Equal(t, msg, out)
	assert.Zero(t, r.Buffered())
}

func TestRingPartialWriteWhenFull(t *testing.T) {
	r, err := AttachRing(make([]byte, RingSegmentSize(8)))
	require.NoError(t, err)

	n := r.Write([]byte("0123456789"))
	assert.Equal(t, 8, n)
	assert.Zero(t, r.Free())
	assert.Zero(t, r.Write([]byte("x")))

	out := make([]byte, 16)
	assert.Equal(t, 8, r.Read(out))
	assert.Equal(t, []byte("01234567"), out[:8])
}

func TestRingWrapsAround(t *testing.T) {
	r, err := AttachRing(make([]byte, RingSegmentSize(16)))
	require.NoError(t, err)

	scratch := make([]byte, 16)
	// Advance the cursors so subsequent writes straddle the boundary.
	for i := 0; i < 5; i++ {
		require.Equal(t, 6, r.Write([]byte("abcdef")))
		require.Equal(t, 6, r.Read(scratch))
	}
	msg := []byte("0123456789")
	require.Equal(t, len(msg), r.Write(msg))
	out := make([]byte, len(msg))
	require.Equal(t, len(msg), r.Read(out))
	assert.Equal(t, msg, out)
}

func TestRingSharedSegmentTwoAttachments(t *testing.T) {
	// Both ends of a shared mapping attach to the same bytes.
	seg := make([]byte, RingSegmentSize(1024))
	producer, err := AttachRing(seg)
	require.NoError(t, err)
	consumer, err := AttachRing(seg)
	require.NoError(t, err)

	var expect bytes.Buffer
	var got bytes.Buffer
	for i := 0; i < 256; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 1+i%13)
		expect.Write(chunk)
		for len(chunk) > 0 {
			n := producer.Write(chunk)
			chunk = chunk[n:]
			buf := make([]byte, 32)
			if m := consumer.Read(buf); m > 0 {
				got.Write(buf[:m])
			}
		}
	}
	buf := make([]byte, 64)
	for {
		m := consumer.Read(buf)
		if m == 0 {
			break
		}
		got.Write(buf[:m])
	}
	assert.Equal(t, expect.Bytes(), got.Bytes())
}

func TestRingConcurrentProducerConsumer(t *testing.T) {
	r, err := AttachRing(make([]byte, RingSegmentSize(256)))
	require.NoError(t, err)

	const total = 64 * 1024
	src := make([]byte, total)
	for i := range src {
		src[i] = byte(i * 31)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rest := src
		for len(rest) > 0 {
			n := r.Write(rest)
			rest = rest[n:]
		}
	}()

	got := make([]byte, 0, total)
	buf := make([]byte, 97)
	for len(got) < total {
		n := r.Read(buf)
		got = append(got, buf[:n]...)
	}
	wg.Wait()
	assert.Equal(t, src, got)
}

func TestBytePoolRecycles(t *testing.T) {
	p := NewBytePool(4096)
	buf := p.GetBuffer()
	require.Len(t, buf, 4096)
	p.PutBuffer(buf)

	// Wrong-size buffers are rejected rather than poisoning the pool.
	p.PutBuffer(make([]byte, 8))
	assert.Len(t, p.GetBuffer(), 4096)
}
