// File: wirepipe_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wirepipe

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFacade(t *testing.T) *Facade {
	t.Helper()
	f, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
		f.Join()
	})
	return f
}

func TestFacadeHoldsAllBackends(t *testing.T) {
	f := newFacade(t)
	for _, name := range []string{"tcp", "ibv", "shm"} {
		_, ok := f.Context(name)
		assert.True(t, ok, "backend %s missing", name)
	}
}

func TestDescriptorsOnlyViable(t *testing.T) {
	f := newFacade(t)
	descs := f.Descriptors()

	if runtime.GOOS == "linux" {
		assert.Equal(t, "tcp:*", descs["tcp"])
	}
	// No RDMA hardware in CI: the ibv backend must be absent, not erroring.
	_, ok := descs["ibv"]
	assert.False(t, ok)
	for _, d := range descs {
		assert.NotEmpty(t, d)
	}
}

func TestSelectPrefersSharedMemory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("shm and tcp backends are linux-only")
	}
	local := newFacade(t)
	remote := newFacade(t)

	// Same host, same boot: shm outranks tcp.
	name, ctx, err := local.Select(remote.Descriptors())
	require.NoError(t, err)
	assert.Equal(t, "shm", name)
	assert.True(t, ctx.Viable())
}

func TestSelectFallsBackToTCP(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("tcp backend is linux-only")
	}
	f := newFacade(t)

	// A peer from another machine: boot ids differ, no RDMA on either side.
	peer := map[string]string{
		"tcp": "tcp:*",
		"shm": "shm:some-other-boot",
	}
	name, _, err := f.Select(peer)
	require.NoError(t, err)
	assert.Equal(t, "tcp", name)
}

func TestSelectFailsWhenNothingPairs(t *testing.T) {
	f := newFacade(t)
	_, _, err := f.Select(map[string]string{})
	assert.Error(t, err)
}
