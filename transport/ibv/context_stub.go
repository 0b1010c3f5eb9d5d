// File: transport/ibv/context_stub.go
//go:build !linux
// +build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The verbs stack and the epoll bootstrap plumbing are Linux-only; other
// hosts get a permanently non-viable context.

package ibv

import (
	"github.com/momentics/wirepipe/api"
	"github.com/momentics/wirepipe/transport"
)

// Context is non-viable on this platform.
type Context struct {
	api.Context
}

// New creates a non-viable context.
func New(opts ...Option) (*Context, error) {
	return &Context{Context: transport.NonViable()}, nil
}

func (x *Context) LookupAddrForIface(iface string) (string, error) {
	return "", api.ErrNotSupported
}

func (x *Context) LookupAddrForHostname() (string, error) {
	return "", api.ErrNotSupported
}
