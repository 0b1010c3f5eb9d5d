// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package concurrency implements the deferred-execution discipline shared by
// the fd event loop and the completion-queue reactor: every component's
// mutable state is owned by exactly one loop goroutine, and the only
// cross-goroutine entry point is enqueueing a closure for that goroutine.
package concurrency
