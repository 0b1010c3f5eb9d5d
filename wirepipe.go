// File: wirepipe.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package wirepipe aggregates the transport backends behind a single facade.
// A Facade instantiates every registered backend, probes their viability,
// and negotiates which backend two processes should use from the domain
// descriptors they exchange.
package wirepipe

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/transport"

	// Backends register themselves with the transport registry.
	_ "github.com/momentics/wirepipe/transport/ibv"
	_ "github.com/momentics/wirepipe/transport/shm"
	_ "github.com/momentics/wirepipe/transport/tcp"
)

// preference orders backends from most to least specific: shared memory
// beats RDMA beats plain sockets when more than one pairing is possible.
var preference = []string{"shm", "ibv", "tcp"}

type config struct {
	log *zap.Logger
}

// Option customizes a Facade.
type Option func(*config)

// WithLogger sets the structured logger handed to every backend context.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// Facade holds one context per registered backend, viable or not.
type Facade struct {
	log      *zap.Logger
	contexts map[string]api.Context
}

// New instantiates every registered backend. Non-viable backends are kept
// (their contexts answer Viable() == false); only unexpected construction
// failures surface as errors.
func New(opts ...Option) (*Facade, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}

	f := &Facade{log: cfg.log, contexts: make(map[string]api.Context)}
	for _, name := range transport.Names() {
		ctx, err := transport.New(name)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("wirepipe: create backend %q: %w", name, err)
		}
		f.contexts[name] = ctx
		cfg.log.Info("backend probed",
			zap.String("backend", name),
			zap.Bool("viable", ctx.Viable()),
			zap.String("descriptor", ctx.DomainDescriptor()))
	}
	return f, nil
}

// Context returns the named backend's context.
func (f *Facade) Context(name string) (api.Context, bool) {
	ctx, ok := f.contexts[name]
	return ctx, ok
}

// Descriptors returns the domain descriptors of the viable backends, keyed
// by backend name. This is the record to hand to a remote peer for Select.
func (f *Facade) Descriptors() map[string]string {
	out := make(map[string]string)
	for name, ctx := range f.contexts {
		if ctx.Viable() {
			out[name] = ctx.DomainDescriptor()
		}
	}
	return out
}

// Select picks the backend to use against a peer that advertised the given
// descriptors. Preference runs shm, ibv, tcp; a backend is eligible only
// when it is locally viable and the two descriptors are compatible.
func (f *Facade) Select(peer map[string]string) (string, api.Context, error) {
	for _, name := range preference {
		ctx, ok := f.contexts[name]
		if !ok || !ctx.Viable() {
			continue
		}
		if transport.Compatible(ctx.DomainDescriptor(), peer[name]) {
			return name, ctx, nil
		}
	}
	return "", nil, fmt.Errorf("wirepipe: no backend pairs with peer descriptors %v", peer)
}

// Close closes every backend context. Idempotent.
func (f *Facade) Close() error {
	var err error
	for name, ctx := range f.contexts {
		if cerr := ctx.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", name, cerr))
		}
	}
	return err
}

// Join blocks until every backend's goroutines have exited.
func (f *Facade) Join() {
	for _, ctx := range f.contexts {
		ctx.Join()
	}
}
