// File: transport/shm/shm.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"go.uber.org/zap"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/transport"
)

// DefaultRingSize is the per-direction ring capacity in bytes.
const DefaultRingSize = 1 << 20

type config struct {
	log      *zap.Logger
	ringSize int
}

// Option customizes a Context.
type Option func(*config)

// WithLogger sets the structured logger used by the context and everything
// it creates.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithRingSize sets the per-direction ring capacity. Must be a power of two.
func WithRingSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.ringSize = n
		}
	}
}

func init() {
	transport.Register("shm", func() (api.Context, error) { return New() })
}
