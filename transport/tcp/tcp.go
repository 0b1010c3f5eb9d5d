// File: transport/tcp/tcp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"go.uber.org/zap"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/netaddr"
	"github.com/momentics/wirepipe/transport"
)

// Descriptor is the backend's domain descriptor. TCP reaches anywhere, so it
// is a wildcard: every viable tcp context pairs with every other.
const Descriptor = "tcp:*"

type config struct {
	log      *zap.Logger
	resolver *netaddr.Resolver
}

// Option customizes a Context.
type Option func(*config)

// WithLogger sets the structured logger used by the context and everything
// it creates.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithResolver overrides the address resolver, mainly for tests.
func WithResolver(r *netaddr.Resolver) Option {
	return func(c *config) { c.resolver = r }
}

func init() {
	transport.Register("tcp", func() (api.Context, error) { return New() })
}
