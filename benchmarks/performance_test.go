// Package benchmarks
// Author: momentics <momentics@gmail.com>
//
// Performance benchmarks for wirepipe components.

package benchmarks

import (
	"sync"
	"testing"

	"github.com/momentics/wirepipe/fake"
	"github.com/momentics/wirepipe/ibv"
	"github.com/momentics/wirepipe/internal/concurrency"
	"github.com/momentics/wirepipe/pool"
	"github.com/momentics/wirepipe/protocol"
)

// BenchmarkByteRingThroughput measures the shared-memory ring as a byte
// stream: one producer, one consumer, 4 KiB chunks.
func BenchmarkByteRingThroughput(b *testing.B) {
	ring, err := pool.AttachRing(make([]byte, pool.RingSegmentSize(1<<20)))
	if err != nil {
		b.Fatal(err)
	}
	chunk := make([]byte, 4096)
	sink := make([]byte, 4096)

	b.SetBytes(int64(len(chunk)))
	b.ResetTimer()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < b.N; i++ {
			rest := chunk
			for len(rest) > 0 {
				rest = rest[ring.Write(rest):]
			}
		}
	}()
	read := 0
	for read < b.N*len(chunk) {
		read += ring.Read(sink)
	}
	wg.Wait()
}

// BenchmarkBytePool measures scratch-buffer recycling.
func BenchmarkBytePool(b *testing.B) {
	p := pool.NewBytePool(4096)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := p.GetBuffer()
			p.PutBuffer(buf)
		}
	})
}

// BenchmarkDeferrer measures deferred-closure throughput into a loop
// goroutine, the hot path of every public transport method.
func BenchmarkDeferrer(b *testing.B) {
	var wg sync.WaitGroup
	def := concurrency.NewDeferrer(func() {})
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		def.BindLoop()
		for {
			def.Drain()
			select {
			case <-stop:
				def.Drain()
				return
			default:
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := def.Defer(func() {}); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
	close(stop)
	wg.Wait()
	def.Close()
}

// BenchmarkFakeFabricPingPong measures one message through the synthetic
// verbs fabric: post recv, post send, poll both completions.
func BenchmarkFakeFabricPingPong(b *testing.B) {
	fabric := fake.NewFabric()
	lib := fabric.NewLib("bench0")
	devs, err := lib.Devices()
	if err != nil {
		b.Fatal(err)
	}
	dev, err := lib.Open(devs[0])
	if err != nil {
		b.Fatal(err)
	}
	defer dev.Close()
	cq, err := dev.CreateCompletionQueue(64)
	if err != nil {
		b.Fatal(err)
	}
	caps := ibv.QueuePairCaps{MaxSendWR: 64, MaxRecvWR: 64, MaxMsgSize: 4096}
	qpA, err := dev.CreateQueuePair(cq, caps)
	if err != nil {
		b.Fatal(err)
	}
	qpB, err := dev.CreateQueuePair(cq, caps)
	if err != nil {
		b.Fatal(err)
	}
	if err := qpA.Connect(qpB.Info()); err != nil {
		b.Fatal(err)
	}
	if err := qpB.Connect(qpA.Info()); err != nil {
		b.Fatal(err)
	}

	msg := make([]byte, 1024)
	buf := make([]byte, 1024)
	wcs := make([]ibv.WorkCompletion, 8)

	b.SetBytes(int64(len(msg)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := qpB.PostRecv(uint64(i), buf); err != nil {
			b.Fatal(err)
		}
		if err := qpA.PostSend(uint64(i), msg); err != nil {
			b.Fatal(err)
		}
		drained := 0
		for drained < 2 {
			n, err := cq.Poll(wcs)
			if err != nil {
				b.Fatal(err)
			}
			drained += n
		}
	}
}

// BenchmarkBootstrapEncode measures the fixed-layout handshake codec.
func BenchmarkBootstrapEncode(b *testing.B) {
	setup := protocol.IbvSetup{Peer: ibv.PeerInfo{QPNum: 17, PacketSeq: 42, LID: 3}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := setup.Encode()
		if _, err := protocol.DecodeIbvSetup(buf); err != nil {
			b.Fatal(err)
		}
	}
}
