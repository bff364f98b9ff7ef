// File: core/buffer/hosting.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Zero-copy hosting. A host slot in this ring carries a slot whose storage
// belongs to another ring. Hosts are chained by slot index through the
// per-slot nextHost field, so the queue needs no memory beyond this ring.

package buffer

import (
	"github.com/momentics/hioload-ports/api"
)

// Host takes the next writable slot of r as a carrier for foreign and
// publishes it with metadata m. The payload is not copied. It returns false
// without error when r has no writable slot.
//
// foreign must be acquired in its own ring, either for write (a producer
// handing its buffer to another send path) or for read (a consumer passing
// a received buffer on). Until the host is released or sent, foreign is Lent.
func (r *Ring) Host(foreign *Slot, m Meta) (*Slot, bool, error) {
	if foreign == nil || foreign.ring == nil {
		return nil, false, api.NewError(api.ErrCodeProtocolViolation, "host of unknown slot").WithContext("ring", r.name)
	}
	if foreign.ring == r {
		return nil, false, api.NewError(api.ErrCodeProtocolViolation, "slot hosted in its own ring").
			WithContext("ring", r.name).WithContext("slot", foreign.index)
	}
	owner := foreign.ring
	unlock := lockPair(r, owner)
	defer unlock()
	switch foreign.state {
	case Lent:
		return nil, false, api.NewError(api.ErrCodeDoubleForward, "buffer already forwarded").
			WithContext("ring", foreign.ring.name).WithContext("slot", foreign.index)
	case Writing, Reading:
	default:
		return nil, false, foreign.ring.violation("forward", foreign)
	}
	if foreign.ring.released || foreign.payload == nil {
		return nil, false, foreign.ring.closedErr("forward")
	}
	if r.closed {
		return nil, false, r.closedErr("host")
	}
	if m.Length < 0 || m.Length > len(foreign.payload) {
		return nil, false, api.NewError(api.ErrCodeInvalidArgument, "message length outside slot").
			WithContext("ring", foreign.ring.name).WithContext("length", m.Length)
	}
	if r.full() {
		return nil, false, nil
	}
	host := &r.slots[r.write]
	if host.state != Empty {
		return nil, false, nil
	}

	host.reset()
	host.meta = m
	if foreign.state == Reading {
		host.noData = foreign.noData
	}
	host.hosted = foreign
	r.commit(host)
	r.linkHost(host.index)
	r.hosted++

	foreign.lentTo = host
	foreign.lentFrom = foreign.state
	foreign.state = Lent
	owner.lent++
	return host, true, nil
}

// lockPair locks two distinct rings in id order.
func lockPair(a, b *Ring) func() {
	if a.id > b.id {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

func (r *Ring) linkHost(i int) {
	r.slots[i].nextHost = -1
	if r.zcTail < 0 {
		r.zcHead = i
	} else {
		r.slots[r.zcTail].nextHost = i
	}
	r.zcTail = i
}

func (r *Ring) unlinkHost(i int) {
	prev := -1
	for cur := r.zcHead; cur >= 0; cur = r.slots[cur].nextHost {
		if cur != i {
			prev = cur
			continue
		}
		nxt := r.slots[cur].nextHost
		if prev < 0 {
			r.zcHead = nxt
		} else {
			r.slots[prev].nextHost = nxt
		}
		if r.zcTail == cur {
			r.zcTail = prev
		}
		r.slots[cur].nextHost = -1
		return
	}
}

// Hosts lists host slot indices in hosting order.
func (r *Ring) Hosts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for cur := r.zcHead; cur >= 0; cur = r.slots[cur].nextHost {
		out = append(out, cur)
	}
	return out
}

// unhost ends a host link and returns the foreign slot, still Lent, for
// giveBack.
func (r *Ring) unhost(host *Slot) *Slot {
	foreign := host.hosted
	if foreign == nil {
		return nil
	}
	r.unlinkHost(host.index)
	host.hosted = nil
	r.hosted--
	return foreign
}

// giveBack returns custody of lent slots to their owners. It must run with
// no ring lock held.
func giveBack(slots ...*Slot) {
	for _, s := range slots {
		if s == nil {
			continue
		}
		owner := s.ring
		owner.mu.Lock()
		owner.returnLent(s)
		owner.mu.Unlock()
	}
}

// returnLent restores custody of a slot that came back from a host.
// A slot lent while being written is free to write again; one lent while
// being read counts as released.
func (r *Ring) returnLent(s *Slot) {
	if s.state != Lent {
		return
	}
	from := s.lentFrom
	s.lentTo = nil
	s.lentFrom = Empty
	r.lent--
	switch from {
	case Writing:
		s.reset()
		s.state = Empty
	default:
		s.state = Released
		r.sweep()
	}
	if r.closed && r.lent == 0 {
		// A failure is kept for Drained.
		r.free() //nolint:errcheck
	}
}
