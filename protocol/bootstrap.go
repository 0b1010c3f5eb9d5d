// File: protocol/bootstrap.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package protocol defines the bootstrap wire format: the fixed-layout
// metadata records peers exchange over the already-connected bootstrap
// socket before the real data path is usable. Layouts are little-endian and
// must be byte-identical on both peers.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/wirepipe/ibv"
)

// Magic opens every bootstrap record, catching cross-backend and
// cross-protocol mispairings early.
const Magic uint32 = 0x57495250 // "WIRP"

// Version is bumped on any layout change.
const Version uint8 = 1

// IbvSetupSize is the exact encoded size of an IbvSetup record.
const IbvSetupSize = 4 + 1 + 4 + 4 + 2 + 16

// ShmSetupSize is the exact encoded size of a ShmSetup record.
const ShmSetupSize = 4 + 1 + 4

// IbvSetup carries the queue-pair identity of one RDMA peer.
type IbvSetup struct {
	Peer ibv.PeerInfo
}

// Encode renders the record into its fixed layout.
func (s IbvSetup) Encode() []byte {
	buf := make([]byte, IbvSetupSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	binary.LittleEndian.PutUint32(buf[5:9], s.Peer.QPNum)
	binary.LittleEndian.PutUint32(buf[9:13], s.Peer.PacketSeq)
	binary.LittleEndian.PutUint16(buf[13:15], s.Peer.LID)
	copy(buf[15:31], s.Peer.GID[:])
	return buf
}

// DecodeIbvSetup parses a record encoded by Encode.
func DecodeIbvSetup(buf []byte) (IbvSetup, error) {
	if len(buf) != IbvSetupSize {
		return IbvSetup{}, fmt.Errorf("protocol: ibv setup record is %d bytes, want %d", len(buf), IbvSetupSize)
	}
	if err := checkHeader(buf); err != nil {
		return IbvSetup{}, err
	}
	var s IbvSetup
	s.Peer.QPNum = binary.LittleEndian.Uint32(buf[5:9])
	s.Peer.PacketSeq = binary.LittleEndian.Uint32(buf[9:13])
	s.Peer.LID = binary.LittleEndian.Uint16(buf[13:15])
	copy(s.Peer.GID[:], buf[15:31])
	return s, nil
}

// ShmSetup announces the geometry of one side's shared-memory ring. The
// ring's memfd travels out of band (SCM_RIGHTS on the bootstrap socket).
type ShmSetup struct {
	RingSize uint32
}

// Encode renders the record into its fixed layout.
func (s ShmSetup) Encode() []byte {
	buf := make([]byte, ShmSetupSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	binary.LittleEndian.PutUint32(buf[5:9], s.RingSize)
	return buf
}

// DecodeShmSetup parses a record encoded by Encode.
func DecodeShmSetup(buf []byte) (ShmSetup, error) {
	if len(buf) != ShmSetupSize {
		return ShmSetup{}, fmt.Errorf("protocol: shm setup record is %d bytes, want %d", len(buf), ShmSetupSize)
	}
	if err := checkHeader(buf); err != nil {
		return ShmSetup{}, err
	}
	return ShmSetup{RingSize: binary.LittleEndian.Uint32(buf[5:9])}, nil
}

func checkHeader(buf []byte) error {
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != Magic {
		return fmt.Errorf("protocol: bad magic %#x", got)
	}
	if buf[4] != Version {
		return fmt.Errorf("protocol: version %d, want %d", buf[4], Version)
	}
	return nil
}
