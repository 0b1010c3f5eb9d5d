// File: protocol/bootstrap_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wirepipe/ibv"
)

func TestIbvSetupRoundTrip(t *testing.T) {
	in := IbvSetup{Peer: ibv.PeerInfo{
		QPNum:     0xabcdef,
		PacketSeq: 0x123456,
		LID:       42,
	}}
	copy(in.Peer.GID[:], []byte("0123456789abcdef"))

	buf := in.Encode()
	require.Len(t, buf, IbvSetupSize)

	out, err := DecodeIbvSetup(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestIbvSetupRejectsBadMagic(t *testing.T) {
	buf := IbvSetup{}.Encode()
	buf[0] ^= 0xff
	_, err := DecodeIbvSetup(buf)
	assert.Error(t, err)
}

func TestIbvSetupRejectsBadVersion(t *testing.T) {
	buf := IbvSetup{}.Encode()
	buf[4] = Version + 1
	_, err := DecodeIbvSetup(buf)
	assert.Error(t, err)
}

func TestIbvSetupRejectsTruncation(t *testing.T) {
	buf := IbvSetup{}.Encode()
	_, err := DecodeIbvSetup(buf[:IbvSetupSize-1])
	assert.Error(t, err)
}

func TestShmSetupRoundTrip(t *testing.T) {
	in := ShmSetup{RingSize: 1 << 20}
	out, err := DecodeShmSetup(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
