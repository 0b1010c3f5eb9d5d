// File: ibv/probe_stub.go
//go:build !ibverbs
// +build !ibverbs

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Probe fallback when the module is built without the "ibverbs" tag: the
// library is reported absent and the backend degrades to non-viable.

package ibv

// Probe reports the verbs library as unavailable in builds without cgo
// verbs support.
func Probe() (Lib, error) {
	return nil, ErrNotAvailable
}
