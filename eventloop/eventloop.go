// File: eventloop/eventloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral readiness-event types.

package eventloop

// Events is a bitmask of descriptor readiness conditions.
type Events uint32

const (
	// EventRead signals the descriptor is readable.
	EventRead Events = 1 << iota
	// EventWrite signals the descriptor is writable.
	EventWrite
	// EventError signals an error or hangup condition. Always delivered,
	// regardless of the mask a handler registered with.
	EventError
)

// EventHandler receives readiness notifications for one descriptor. Handlers
// run on the loop goroutine and must not block.
type EventHandler interface {
	HandleEvents(events Events)
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(events Events)

// HandleEvents implements EventHandler.
func (f EventHandlerFunc) HandleEvents(events Events) { f(events) }
