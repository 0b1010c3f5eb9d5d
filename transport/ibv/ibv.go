// File: transport/ibv/ibv.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ibv

import (
	"go.uber.org/zap"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/ibv"
	"github.com/momentics/wirepipe/transport"
)

// Descriptor is the backend's domain descriptor. Queue pairs cannot be
// fingerprinted to a reachability domain cheaply, so every viable ibv
// context publishes the same wildcard and pairs with every other.
const Descriptor = "ibv:*"

var defaultCaps = ibv.QueuePairCaps{
	MaxSendWR:  256,
	MaxRecvWR:  256,
	MaxMsgSize: 1 << 20,
}

type config struct {
	log       *zap.Logger
	lib       ibv.Lib
	caps      ibv.QueuePairCaps
	pinnedCPU int
}

// Option customizes a Context.
type Option func(*config)

// WithLogger sets the structured logger used by the context and everything
// it creates.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithLib injects a verbs library handle instead of probing the host.
// Tests use this to run the backend against a synthetic fabric.
func WithLib(lib ibv.Lib) Option {
	return func(c *config) { c.lib = lib }
}

// WithQueuePairCaps overrides the work-queue bounds of new connections.
func WithQueuePairCaps(caps ibv.QueuePairCaps) Option {
	return func(c *config) { c.caps = caps }
}

// WithPinnedCPU pins the reactor's busy-poll thread to the given logical
// CPU. Negative (the default) leaves scheduling to the runtime.
func WithPinnedCPU(cpu int) Option {
	return func(c *config) { c.pinnedCPU = cpu }
}

func init() {
	transport.Register("ibv", func() (api.Context, error) { return New() })
}
