// File: transport/nonviable.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared non-viable context: what every backend returns when its
// prerequisites are absent (missing hardware, unsupported platform). It is
// inert by construction: empty descriptor, no loop, all operations refused.

package transport

import "github.com/momentics/wirepipe/api"

type nonViableContext struct{}

// NonViable returns the inert context used by backends whose viability
// probe failed. Its empty domain descriptor never matches any peer.
func NonViable() api.Context { return nonViableContext{} }

func (nonViableContext) Viable() bool             { return false }
func (nonViableContext) DomainDescriptor() string { return "" }
func (nonViableContext) InLoop() bool             { return false }
func (nonViableContext) DeferToLoop(fn func())    {}

func (nonViableContext) Connect(addr string) (api.Connection, error) {
	return nil, api.ErrNotViable
}

func (nonViableContext) Listen(addr string) (api.Listener, error) {
	return nil, api.ErrNotViable
}

func (nonViableContext) Close() error { return nil }
func (nonViableContext) Join()        {}
