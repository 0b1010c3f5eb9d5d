// File: eventloop/eventloop_stub.go
//go:build !linux
// +build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub for platforms without an epoll implementation. Backends treat the
// error as non-viability, not as a failure.

package eventloop

import (
	"go.uber.org/zap"

	"github.com/momentics/wirepipe/api"
)

// Loop is unavailable on this platform.
type Loop struct{}

// New always fails on non-Linux platforms.
func New(log *zap.Logger) (*Loop, error) {
	return nil, api.ErrNotSupported
}

func (l *Loop) InLoop() bool                 { return false }
func (l *Loop) DeferToLoop(fn func()) error  { return api.ErrNotSupported }
func (l *Loop) ModifyDescriptor(fd int, events Events) error {
	return api.ErrNotSupported
}
func (l *Loop) RegisterDescriptor(fd int, events Events, h EventHandler) error {
	return api.ErrNotSupported
}
func (l *Loop) UnregisterDescriptor(fd int) {}
func (l *Loop) Close() error                { return nil }
func (l *Loop) Join()                       {}
