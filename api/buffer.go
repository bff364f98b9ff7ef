// Package api
// Author: momentics
//
// Read-only view of one message slot. Slots are owned by exactly one ring
// for their entire lifetime; a view never transfers storage ownership.

package api

// Buffer describes the message currently held by a ring slot.
type Buffer interface {
	// Data returns the payload view. It is nil for a closure-only slot
	// (end of stream without a message) and non-nil, possibly empty,
	// for a real message.
	Data() []byte

	// Length returns the number of payload bytes in use.
	Length() int

	// OpCode returns the message type tag.
	OpCode() uint8

	// EOF reports the end-of-stream flag.
	EOF() bool

	// Direct returns the crew member index set for directed distribution.
	Direct() int
}
