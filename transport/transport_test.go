// File: transport/transport_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wirepipe/api"
)

func TestCompatibleExactMatch(t *testing.T) {
	assert.True(t, Compatible("ibv:*", "ibv:*"))
	assert.True(t, Compatible("shm:boot-1234", "shm:boot-1234"))
	assert.False(t, Compatible("shm:boot-1234", "shm:boot-5678"))
	assert.False(t, Compatible("ibv:*", "tcp:*"))
}

func TestCompatibleEmptyNeverMatches(t *testing.T) {
	// Two non-viable contexts both expose "" and must still be treated as
	// incompatible with each other.
	assert.False(t, Compatible("", ""))
	assert.False(t, Compatible("", "ibv:*"))
	assert.False(t, Compatible("tcp:*", ""))
}

func TestNonViableContext(t *testing.T) {
	ctx := NonViable()
	assert.False(t, ctx.Viable())
	assert.Empty(t, ctx.DomainDescriptor())

	_, err := ctx.Connect("127.0.0.1:1")
	assert.ErrorIs(t, err, api.ErrNotViable)
	_, err = ctx.Listen("127.0.0.1:0")
	assert.ErrorIs(t, err, api.ErrNotViable)

	require.NoError(t, ctx.Close())
	ctx.Join()
}

func TestRegistry(t *testing.T) {
	Register("test-backend", func() (api.Context, error) {
		return NonViable(), nil
	})
	assert.Contains(t, Names(), "test-backend")

	ctx, err := New("test-backend")
	require.NoError(t, err)
	assert.False(t, ctx.Viable())

	_, err = New("no-such-backend")
	assert.Error(t, err)

	assert.Panics(t, func() {
		Register("test-backend", func() (api.Context, error) { return nil, nil })
	})
}
