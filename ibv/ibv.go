// File: ibv/ibv.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package ibv abstracts the InfiniBand verbs library behind an interface
// with a probe factory. The library is resolved at runtime, never hard
// linked: Probe returns either a live handle or ErrNotAvailable, and the
// transport layer turns absence into non-viability instead of an error.
//
// The real implementation (build tag "ibverbs") talks to libibverbs through
// cgo. Tests and hosts without RDMA hardware use the synthetic
// implementation in package fake.
package ibv

import "errors"

var (
	// ErrNotAvailable means the verbs library could not be resolved on
	// this host. Not an error condition for the system: the backend
	// reports itself non-viable.
	ErrNotAvailable = errors.New("ibv: verbs library not available")

	// ErrKernelModuleMissing means device enumeration failed because the
	// RDMA kernel modules are not loaded (the ENOSYS case). Also mapped to
	// non-viability.
	ErrKernelModuleMissing = errors.New("ibv: kernel module not loaded")

	// ErrQueueFull means a post exceeded the queue pair's work-request
	// capacity. Fatal to the connection, not to the device.
	ErrQueueFull = errors.New("ibv: work queue full")
)

// DeviceID names one enumerated device.
type DeviceID struct {
	Name string
}

// DeviceList is the immutable result of one enumeration pass. It is created
// once during context construction and handed by value into the reactor.
type DeviceList []DeviceID

// PeerInfo is the queue-pair identity exchanged over the bootstrap channel:
// everything one side needs to bring its QP into a connected state with the
// other.
type PeerInfo struct {
	QPNum     uint32
	PacketSeq uint32
	LID       uint16
	GID       [16]byte
}

// QueuePairCaps bounds the work queues of one queue pair.
type QueuePairCaps struct {
	MaxSendWR  int
	MaxRecvWR  int
	MaxMsgSize int
}

// CompletionOpcode distinguishes completion kinds.
type CompletionOpcode int

const (
	OpSend CompletionOpcode = iota
	OpRecv
)

// WorkCompletion is one hardware completion, already translated out of the
// library's wire structs.
type WorkCompletion struct {
	WRID    uint64
	QPNum   uint32
	Opcode  CompletionOpcode
	ByteLen uint32
	// Err is nil for successful completions and carries the hardware
	// status otherwise.
	Err error
}

// Lib is a resolved verbs library handle. Immutable and safe for use from
// any goroutine after creation; the objects it produces follow the
// single-writer discipline of their owners.
type Lib interface {
	// Devices enumerates InfiniBand devices. ErrKernelModuleMissing is the
	// "absent, not broken" case; any other failure is an unrecoverable
	// startup error for the caller.
	Devices() (DeviceList, error)

	// Open opens one enumerated device.
	Open(id DeviceID) (Device, error)
}

// Device is an open device with an allocated protection domain.
type Device interface {
	// CreateCompletionQueue creates a completion queue of the given depth.
	CreateCompletionQueue(depth int) (CompletionQueue, error)

	// CreateQueuePair creates a reliable-connected queue pair whose send
	// and receive completions land on cq.
	CreateQueuePair(cq CompletionQueue, caps QueuePairCaps) (QueuePair, error)

	Close() error
}

// CompletionQueue reports asynchronous completion of posted work.
type CompletionQueue interface {
	// Poll moves up to len(dst) completions into dst without blocking and
	// returns how many it wrote.
	Poll(dst []WorkCompletion) (int, error)

	// SetNotify installs fn to be invoked (from an arbitrary goroutine)
	// whenever completions arrive while the queue may be idle. Used by the
	// reactor to leave its blocking wait.
	SetNotify(fn func())

	Close() error
}

// QueuePair is one reliable-connected queue pair.
type QueuePair interface {
	// Info returns the local identity to hand to the peer.
	Info() PeerInfo

	// Connect transitions the queue pair into a connected state with the
	// peer identified by info (INIT -> RTR -> RTS).
	Connect(info PeerInfo) error

	// PostSend posts one send of data, completed later with wrID.
	PostSend(wrID uint64, data []byte) error

	// PostRecv posts one receive into buf, completed later with wrID.
	PostRecv(wrID uint64, buf []byte) error

	Close() error
}
