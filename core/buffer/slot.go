// File: core/buffer/slot.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One fixed-size message slot. Its storage belongs to exactly one ring for
// the ring's whole lifetime; zero-copy forwarding only moves custody.

package buffer

import (
	"github.com/momentics/hioload-ports/api"
)

// State is where a slot is in its fill/send/receive/free cycle.
type State uint8

const (
	Empty State = iota
	Writing
	Full
	Reading
	Released
	Lent
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Writing:
		return "writing"
	case Full:
		return "full"
	case Reading:
		return "reading"
	case Released:
		return "released"
	case Lent:
		return "lent"
	default:
		return "unknown"
	}
}

// Meta is the message metadata carried with a put.
type Meta struct {
	Length int
	OpCode uint8
	EOF    bool
	Direct int
}

// Slot is one entry of a Ring.
type Slot struct {
	ring    *Ring
	index   int
	payload []byte

	meta   Meta
	noData bool
	state  State

	// Zero-copy links. Both are weak: storage stays with the owning ring.
	hosted   *Slot // foreign slot whose payload this host slot carries
	nextHost int   // next host slot index in this ring's host queue, -1 at the tail
	lentTo   *Slot // host slot currently carrying this slot
	lentFrom State // state to restore when custody returns
}

var _ api.Buffer = (*Slot)(nil)

// Index returns the slot position in its ring.
func (s *Slot) Index() int { return s.index }

// Ring returns the ring that owns the slot storage.
func (s *Slot) Ring() *Ring { return s.ring }

// State returns the lifecycle state.
func (s *Slot) State() State {
	s.ring.mu.Lock()
	defer s.ring.mu.Unlock()
	return s.state
}

// Payload returns the full writable stride of an acquired-for-write slot.
func (s *Slot) Payload() []byte { return s.payload }

// Data returns the message bytes, following a hosted link without copying.
func (s *Slot) Data() []byte {
	if s.noData {
		return nil
	}
	src := s
	if s.hosted != nil {
		src = s.hosted
	}
	if src.payload == nil {
		return nil
	}
	return src.payload[:s.meta.Length:s.meta.Length]
}

// Length returns the message length.
func (s *Slot) Length() int { return s.meta.Length }

// OpCode returns the message type tag.
func (s *Slot) OpCode() uint8 { return s.meta.OpCode }

// EOF reports the end-of-stream flag.
func (s *Slot) EOF() bool { return s.meta.EOF }

// Direct returns the directed-distribution target.
func (s *Slot) Direct() int { return s.meta.Direct }

// Meta returns the message metadata.
func (s *Slot) Meta() Meta { return s.meta }

// Closure reports a closure-only slot: end of stream with no message.
func (s *Slot) Closure() bool { return s.noData && s.meta.EOF }

// Hosted returns the foreign slot this host carries, if any.
func (s *Slot) Hosted() *Slot { return s.hosted }

func (s *Slot) reset() {
	s.meta = Meta{}
	s.noData = false
	s.hosted = nil
	s.nextHost = -1
}
