// File: fake/verbs.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package fake provides an in-memory implementation of the ibv verbs
// abstraction: a Fabric joins synthetic devices in one process so that the
// reactor and the RDMA backend can be exercised end to end without
// InfiniBand hardware. The fabric can also deliver completions out of
// order, which real hardware is allowed to do across queue pairs, to test
// the FIFO reordering upstream.
package fake

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/momentics/wirepipe/ibv"
)

// Fabric is the in-process interconnect shared by fake libs.
type Fabric struct {
	mu            sync.Mutex
	qps           map[uint32]*queuePair
	nextQPN       uint32
	reorderWindow int
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{qps: make(map[uint32]*queuePair), nextQPN: 0x11}
}

// SetReorderWindow makes every completion queue buffer n completions and
// release them in reverse arrival order, simulating out-of-order hardware
// delivery. Zero (the default) delivers in order.
func (f *Fabric) SetReorderWindow(n int) {
	f.mu.Lock()
	f.reorderWindow = n
	f.mu.Unlock()
}

// NewLib returns a verbs lib whose enumeration yields the named devices.
// With no names, enumeration returns an empty list (the "no NICs" case).
func (f *Fabric) NewLib(devices ...string) ibv.Lib {
	return &lib{fabric: f, devices: devices}
}

// NewLibWithEnumError returns a lib whose enumeration fails with err, e.g.
// ibv.ErrKernelModuleMissing.
func (f *Fabric) NewLibWithEnumError(err error) ibv.Lib {
	return &lib{fabric: f, enumErr: err}
}

type lib struct {
	fabric  *Fabric
	devices []string
	enumErr error
}

func (l *lib) Devices() (ibv.DeviceList, error) {
	if l.enumErr != nil {
		return nil, l.enumErr
	}
	out := make(ibv.DeviceList, 0, len(l.devices))
	for _, name := range l.devices {
		out = append(out, ibv.DeviceID{Name: name})
	}
	return out, nil
}

func (l *lib) Open(id ibv.DeviceID) (ibv.Device, error) {
	for _, name := range l.devices {
		if name == id.Name {
			return &device{fabric: l.fabric, name: name}, nil
		}
	}
	return nil, fmt.Errorf("fake: unknown device %q", id.Name)
}

type device struct {
	fabric *Fabric
	name   string
}

func (d *device) CreateCompletionQueue(depth int) (ibv.CompletionQueue, error) {
	return &completionQueue{fabric: d.fabric, depth: depth}, nil
}

func (d *device) CreateQueuePair(cq ibv.CompletionQueue, caps ibv.QueuePairCaps) (ibv.QueuePair, error) {
	fcq, ok := cq.(*completionQueue)
	if !ok {
		return nil, fmt.Errorf("fake: foreign completion queue")
	}
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	qp := &queuePair{
		fabric: f,
		cq:     fcq,
		qpn:    f.nextQPN,
		psn:    rand.Uint32() & 0xffffff,
	}
	f.nextQPN++
	f.qps[qp.qpn] = qp
	return qp, nil
}

func (d *device) Close() error { return nil }

type completionQueue struct {
	fabric *Fabric
	depth  int

	mu      sync.Mutex
	pending []ibv.WorkCompletion
	held    []ibv.WorkCompletion
	notify  func()
}

func (q *completionQueue) Poll(dst []ibv.WorkCompletion) (int, error) {
	q.mu.Lock()
	n := copy(dst, q.pending)
	q.pending = q.pending[n:]
	q.mu.Unlock()
	return n, nil
}

func (q *completionQueue) SetNotify(fn func()) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

func (q *completionQueue) Close() error { return nil }

// push is called by the fabric with its own lock held; completion
// bookkeeping uses the queue's lock only.
func (q *completionQueue) push(wc ibv.WorkCompletion, reorderWindow int) {
	q.mu.Lock()
	var fn func()
	if reorderWindow > 1 {
		q.held = append(q.held, wc)
		if len(q.held) >= reorderWindow {
			for i := len(q.held) - 1; i >= 0; i-- {
				q.pending = append(q.pending, q.held[i])
			}
			q.held = q.held[:0]
			fn = q.notify
		}
	} else {
		q.pending = append(q.pending, wc)
		fn = q.notify
	}
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type inboundMsg struct {
	data     []byte
	sender   *queuePair
	sendWRID uint64
}

type postedRecv struct {
	wrID uint64
	buf  []byte
}

type queuePair struct {
	fabric *Fabric
	cq     *completionQueue
	qpn    uint32
	psn    uint32

	// guarded by fabric.mu
	peer    *queuePair
	recvs   []postedRecv
	backlog []inboundMsg
	closed  bool
}

func (p *queuePair) Info() ibv.PeerInfo {
	return ibv.PeerInfo{QPNum: p.qpn, PacketSeq: p.psn, LID: 1}
}

func (p *queuePair) Connect(info ibv.PeerInfo) error {
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	peer, ok := f.qps[info.QPNum]
	if !ok {
		return fmt.Errorf("fake: no queue pair %d on fabric", info.QPNum)
	}
	p.peer = peer
	return nil
}

func (p *queuePair) PostSend(wrID uint64, data []byte) error {
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.closed {
		return fmt.Errorf("fake: queue pair %d closed", p.qpn)
	}
	if p.peer == nil {
		return fmt.Errorf("fake: queue pair %d not connected", p.qpn)
	}
	msg := inboundMsg{data: append([]byte(nil), data...), sender: p, sendWRID: wrID}
	p.peer.deliverLocked(msg)
	return nil
}

func (p *queuePair) PostRecv(wrID uint64, buf []byte) error {
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.closed {
		return fmt.Errorf("fake: queue pair %d closed", p.qpn)
	}
	p.recvs = append(p.recvs, postedRecv{wrID: wrID, buf: buf})
	// Drain anything that arrived before this receive was posted (the
	// RNR-retry analogue).
	for len(p.backlog) > 0 && len(p.recvs) > 0 {
		msg := p.backlog[0]
		p.backlog = p.backlog[1:]
		p.matchLocked(msg)
	}
	return nil
}

// deliverLocked routes one message to a posted receive, or backlogs it.
func (p *queuePair) deliverLocked(msg inboundMsg) {
	if len(p.recvs) == 0 {
		p.backlog = append(p.backlog, msg)
		return
	}
	p.matchLocked(msg)
}

func (p *queuePair) matchLocked(msg inboundMsg) {
	rw := p.fabric.reorderWindow
	recv := p.recvs[0]
	p.recvs = p.recvs[1:]
	n := copy(recv.buf, msg.data)
	p.cq.push(ibv.WorkCompletion{
		WRID:    recv.wrID,
		QPNum:   p.qpn,
		Opcode:  ibv.OpRecv,
		ByteLen: uint32(n),
	}, rw)
	msg.sender.cq.push(ibv.WorkCompletion{
		WRID:    msg.sendWRID,
		QPNum:   msg.sender.qpn,
		Opcode:  ibv.OpSend,
		ByteLen: uint32(len(msg.data)),
	}, rw)
}

func (p *queuePair) Close() error {
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	delete(f.qps, p.qpn)
	return nil
}
