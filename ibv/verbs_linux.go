// File: ibv/verbs_linux.go
//go:build linux && ibverbs
// +build linux,ibverbs

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Real verbs implementation over libibverbs. Opt-in via the "ibverbs" build
// tag so the default build carries no RDMA link-time dependency.

package ibv

/*
#cgo LDFLAGS: -libverbs
#include <errno.h>
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

static int wp_query_port(struct ibv_context *ctx, uint8_t port,
                         struct ibv_port_attr *attr) {
	return ibv_query_port(ctx, port, attr);
}

static int wp_post_send(struct ibv_qp *qp, uint64_t wr_id, void *addr,
                        uint32_t length, uint32_t lkey) {
	struct ibv_sge sge;
	struct ibv_send_wr wr;
	struct ibv_send_wr *bad = NULL;
	memset(&sge, 0, sizeof(sge));
	sge.addr = (uintptr_t)addr;
	sge.length = length;
	sge.lkey = lkey;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = IBV_WR_SEND;
	wr.send_flags = IBV_SEND_SIGNALED;
	return ibv_post_send(qp, &wr, &bad);
}

static int wp_post_recv(struct ibv_qp *qp, uint64_t wr_id, void *addr,
                        uint32_t length, uint32_t lkey) {
	struct ibv_sge sge;
	struct ibv_recv_wr wr;
	struct ibv_recv_wr *bad = NULL;
	memset(&sge, 0, sizeof(sge));
	sge.addr = (uintptr_t)addr;
	sge.length = length;
	sge.lkey = lkey;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	return ibv_post_recv(qp, &wr, &bad);
}

static int wp_poll_cq(struct ibv_cq *cq, int num, struct ibv_wc *wc) {
	return ibv_poll_cq(cq, num, wc);
}

static int wp_req_notify(struct ibv_cq *cq) {
	return ibv_req_notify_cq(cq, 0);
}
*/
import "C"

import (
	"fmt"
	"math/rand"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const verbsPortNum = 1

// Probe resolves libibverbs. With the "ibverbs" tag the library is present
// at link time, so probing always succeeds; absence of hardware still shows
// up later, during enumeration.
func Probe() (Lib, error) {
	return &verbsLib{}, nil
}

type verbsLib struct{}

func (l *verbsLib) Devices() (DeviceList, error) {
	var num C.int
	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		if err == unix.ENOSYS {
			return nil, ErrKernelModuleMissing
		}
		return nil, fmt.Errorf("ibv_get_device_list: %w", err)
	}
	defer C.ibv_free_device_list(list)

	devs := make(DeviceList, 0, int(num))
	entries := unsafe.Slice(list, int(num))
	for _, d := range entries {
		devs = append(devs, DeviceID{Name: C.GoString(C.ibv_get_device_name(d))})
	}
	return devs, nil
}

func (l *verbsLib) Open(id DeviceID) (Device, error) {
	var num C.int
	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		return nil, fmt.Errorf("ibv_get_device_list: %w", err)
	}
	defer C.ibv_free_device_list(list)

	entries := unsafe.Slice(list, int(num))
	for _, d := range entries {
		if C.GoString(C.ibv_get_device_name(d)) != id.Name {
			continue
		}
		ctx, err := C.ibv_open_device(d)
		if ctx == nil {
			return nil, fmt.Errorf("ibv_open_device %s: %w", id.Name, err)
		}
		pd, err := C.ibv_alloc_pd(ctx)
		if pd == nil {
			C.ibv_close_device(ctx)
			return nil, fmt.Errorf("ibv_alloc_pd: %w", err)
		}

		var portAttr C.struct_ibv_port_attr
		if ret := C.wp_query_port(ctx, verbsPortNum, &portAttr); ret != 0 {
			C.ibv_dealloc_pd(pd)
			C.ibv_close_device(ctx)
			return nil, fmt.Errorf("ibv_query_port: errno %d", int(ret))
		}
		var gid C.union_ibv_gid
		if ret := C.ibv_query_gid(ctx, verbsPortNum, 0, &gid); ret != 0 {
			C.ibv_dealloc_pd(pd)
			C.ibv_close_device(ctx)
			return nil, fmt.Errorf("ibv_query_gid: errno %d", int(ret))
		}

		dev := &verbsDevice{ctx: ctx, pd: pd, lid: uint16(portAttr.lid)}
		copy(dev.gid[:], C.GoBytes(unsafe.Pointer(&gid), 16))
		return dev, nil
	}
	return nil, fmt.Errorf("ibv: device %q not found", id.Name)
}

type verbsDevice struct {
	ctx *C.struct_ibv_context
	pd  *C.struct_ibv_pd
	lid uint16
	gid [16]byte
}

func (d *verbsDevice) CreateCompletionQueue(depth int) (CompletionQueue, error) {
	ch, err := C.ibv_create_comp_channel(d.ctx)
	if ch == nil {
		return nil, fmt.Errorf("ibv_create_comp_channel: %w", err)
	}
	cq, err := C.ibv_create_cq(d.ctx, C.int(depth), nil, ch, 0)
	if cq == nil {
		C.ibv_destroy_comp_channel(ch)
		return nil, fmt.Errorf("ibv_create_cq: %w", err)
	}
	if ret := C.wp_req_notify(cq); ret != 0 {
		C.ibv_destroy_cq(cq)
		C.ibv_destroy_comp_channel(ch)
		return nil, fmt.Errorf("ibv_req_notify_cq: errno %d", int(ret))
	}
	vcq := &verbsCQ{cq: cq, ch: ch, mrs: make(map[mrKey]*C.struct_ibv_mr)}
	go vcq.eventPump()
	return vcq, nil
}

type verbsCQ struct {
	cq *C.struct_ibv_cq
	ch *C.struct_ibv_comp_channel

	mu     sync.Mutex
	notify func()
	mrs    map[mrKey]*C.struct_ibv_mr
	closed bool
}

// mrKey identifies one posted work request across the queue pairs sharing
// this CQ.
type mrKey struct {
	qpn  uint32
	wrID uint64
}

// eventPump blocks on the completion channel and converts hardware events
// into notify callbacks. It exits when the channel is destroyed.
func (q *verbsCQ) eventPump() {
	for {
		var cq *C.struct_ibv_cq
		var cqCtx unsafe.Pointer
		if ret := C.ibv_get_cq_event(q.ch, &cq, &cqCtx); ret != 0 {
			return
		}
		C.ibv_ack_cq_events(cq, 1)
		q.mu.Lock()
		closed := q.closed
		fn := q.notify
		q.mu.Unlock()
		if closed {
			return
		}
		C.wp_req_notify(q.cq)
		if fn != nil {
			fn()
		}
	}
}

func (q *verbsCQ) SetNotify(fn func()) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

func (q *verbsCQ) Poll(dst []WorkCompletion) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	wcs := make([]C.struct_ibv_wc, len(dst))
	n := C.wp_poll_cq(q.cq, C.int(len(dst)), &wcs[0])
	if n < 0 {
		return 0, fmt.Errorf("ibv_poll_cq: errno %d", int(n))
	}
	for i := 0; i < int(n); i++ {
		wc := wcs[i]
		out := WorkCompletion{
			WRID:    uint64(wc.wr_id),
			QPNum:   uint32(wc.qp_num),
			ByteLen: uint32(wc.byte_len),
		}
		if wc.opcode == C.IBV_WC_RECV {
			out.Opcode = OpRecv
		} else {
			out.Opcode = OpSend
		}
		if wc.status != C.IBV_WC_SUCCESS {
			out.Err = fmt.Errorf("ibv: completion status %s",
				C.GoString(C.ibv_wc_status_str(wc.status)))
		}
		q.releaseMR(uint32(wc.qp_num), uint64(wc.wr_id))
		dst[i] = out
	}
	return int(n), nil
}

func (q *verbsCQ) trackMR(qpn uint32, wrID uint64, mr *C.struct_ibv_mr) {
	q.mu.Lock()
	q.mrs[mrKey{qpn, wrID}] = mr
	q.mu.Unlock()
}

func (q *verbsCQ) releaseMR(qpn uint32, wrID uint64) {
	q.mu.Lock()
	mr := q.mrs[mrKey{qpn, wrID}]
	delete(q.mrs, mrKey{qpn, wrID})
	q.mu.Unlock()
	if mr != nil {
		C.ibv_dereg_mr(mr)
	}
}

func (q *verbsCQ) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for id, mr := range q.mrs {
		C.ibv_dereg_mr(mr)
		delete(q.mrs, id)
	}
	q.mu.Unlock()
	C.ibv_destroy_cq(q.cq)
	C.ibv_destroy_comp_channel(q.ch)
	return nil
}

func (d *verbsDevice) CreateQueuePair(cq CompletionQueue, caps QueuePairCaps) (QueuePair, error) {
	vcq, ok := cq.(*verbsCQ)
	if !ok {
		return nil, fmt.Errorf("ibv: completion queue is not a verbs CQ")
	}
	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = vcq.cq
	attr.recv_cq = vcq.cq
	attr.qp_type = C.IBV_QPT_RC
	attr.cap.max_send_wr = C.uint32_t(caps.MaxSendWR)
	attr.cap.max_recv_wr = C.uint32_t(caps.MaxRecvWR)
	attr.cap.max_send_sge = 1
	attr.cap.max_recv_sge = 1

	qp, err := C.ibv_create_qp(d.pd, &attr)
	if qp == nil {
		return nil, fmt.Errorf("ibv_create_qp: %w", err)
	}
	return &verbsQP{
		dev: d,
		cq:  vcq,
		qp:  qp,
		psn: rand.Uint32() & 0xffffff,
	}, nil
}

func (d *verbsDevice) Close() error {
	C.ibv_dealloc_pd(d.pd)
	C.ibv_close_device(d.ctx)
	return nil
}

type verbsQP struct {
	dev *verbsDevice
	cq  *verbsCQ
	qp  *C.struct_ibv_qp
	psn uint32
}

func (p *verbsQP) Info() PeerInfo {
	return PeerInfo{
		QPNum:     uint32(p.qp.qp_num),
		PacketSeq: p.psn,
		LID:       p.dev.lid,
		GID:       p.dev.gid,
	}
}

func (p *verbsQP) Connect(info PeerInfo) error {
	var attr C.struct_ibv_qp_attr

	// INIT
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = verbsPortNum
	attr.qp_access_flags = C.IBV_ACCESS_LOCAL_WRITE
	if ret := C.ibv_modify_qp(p.qp, &attr,
		C.IBV_QP_STATE|C.IBV_QP_PKEY_INDEX|C.IBV_QP_PORT|C.IBV_QP_ACCESS_FLAGS); ret != 0 {
		return fmt.Errorf("ibv_modify_qp INIT: errno %d", int(ret))
	}

	// RTR
	attr = C.struct_ibv_qp_attr{}
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.IBV_MTU_1024
	attr.dest_qp_num = C.uint32_t(info.QPNum)
	attr.rq_psn = C.uint32_t(info.PacketSeq)
	attr.max_dest_rd_atomic = 1
	attr.min_rnr_timer = 12
	attr.ah_attr.port_num = verbsPortNum
	if info.LID != 0 {
		attr.ah_attr.dlid = C.uint16_t(info.LID)
	} else {
		// RoCE: no LIDs, route via GRH.
		attr.ah_attr.is_global = 1
		attr.ah_attr.grh.hop_limit = 1
		attr.ah_attr.grh.sgid_index = 0
		C.memcpy(unsafe.Pointer(&attr.ah_attr.grh.dgid),
			unsafe.Pointer(&info.GID[0]), 16)
	}
	if ret := C.ibv_modify_qp(p.qp, &attr,
		C.IBV_QP_STATE|C.IBV_QP_AV|C.IBV_QP_PATH_MTU|C.IBV_QP_DEST_QPN|
			C.IBV_QP_RQ_PSN|C.IBV_QP_MAX_DEST_RD_ATOMIC|C.IBV_QP_MIN_RNR_TIMER); ret != 0 {
		return fmt.Errorf("ibv_modify_qp RTR: errno %d", int(ret))
	}

	// RTS
	attr = C.struct_ibv_qp_attr{}
	attr.qp_state = C.IBV_QPS_RTS
	attr.sq_psn = C.uint32_t(p.psn)
	attr.timeout = 14
	attr.retry_cnt = 7
	attr.rnr_retry = 7 // infinite: peer posts receives lazily
	attr.max_rd_atomic = 1
	if ret := C.ibv_modify_qp(p.qp, &attr,
		C.IBV_QP_STATE|C.IBV_QP_SQ_PSN|C.IBV_QP_TIMEOUT|C.IBV_QP_RETRY_CNT|
			C.IBV_QP_RNR_RETRY|C.IBV_QP_MAX_QP_RD_ATOMIC); ret != 0 {
		return fmt.Errorf("ibv_modify_qp RTS: errno %d", int(ret))
	}
	return nil
}

func (p *verbsQP) PostSend(wrID uint64, data []byte) error {
	mr, err := C.ibv_reg_mr(p.dev.pd, unsafe.Pointer(&data[0]),
		C.size_t(len(data)), C.IBV_ACCESS_LOCAL_WRITE)
	if mr == nil {
		return fmt.Errorf("ibv_reg_mr: %w", err)
	}
	p.cq.trackMR(uint32(p.qp.qp_num), wrID, mr)
	if ret := C.wp_post_send(p.qp, C.uint64_t(wrID), unsafe.Pointer(&data[0]),
		C.uint32_t(len(data)), mr.lkey); ret != 0 {
		p.cq.releaseMR(uint32(p.qp.qp_num), wrID)
		if ret == C.ENOMEM {
			return ErrQueueFull
		}
		return fmt.Errorf("ibv_post_send: errno %d", int(ret))
	}
	return nil
}

func (p *verbsQP) PostRecv(wrID uint64, buf []byte) error {
	mr, err := C.ibv_reg_mr(p.dev.pd, unsafe.Pointer(&buf[0]),
		C.size_t(len(buf)), C.IBV_ACCESS_LOCAL_WRITE)
	if mr == nil {
		return fmt.Errorf("ibv_reg_mr: %w", err)
	}
	p.cq.trackMR(uint32(p.qp.qp_num), wrID, mr)
	if ret := C.wp_post_recv(p.qp, C.uint64_t(wrID), unsafe.Pointer(&buf[0]),
		C.uint32_t(len(buf)), mr.lkey); ret != 0 {
		p.cq.releaseMR(uint32(p.qp.qp_num), wrID)
		if ret == C.ENOMEM {
			return ErrQueueFull
		}
		return fmt.Errorf("ibv_post_recv: errno %d", int(ret))
	}
	return nil
}

func (p *verbsQP) Close() error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_ERR
	C.ibv_modify_qp(p.qp, &attr, C.IBV_QP_STATE)
	C.ibv_destroy_qp(p.qp)
	return nil
}
