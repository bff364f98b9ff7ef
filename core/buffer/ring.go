// File: core/buffer/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ring is the fixed-capacity circular slot pool behind one port. Four
// cursors (write, put, read, release) keep the strict cyclic order
// release <= read <= put <= write. One slot is always kept free, so a ring
// of N slots holds at most N-1 unreleased messages.
//
// A ring shared by a connected producer and consumer is driven from two
// goroutines. Every exported method takes the ring lock. A slot lent to
// another ring is handed back only after this ring's lock is dropped, so
// no goroutine ever holds two ring locks except Host, which takes them in
// ring id order.

package buffer

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-ports/api"
)

const (
	// MaxSlots bounds the slot count of one ring.
	MaxSlots = 1 << 16
	// MaxArenaSize bounds the bytes of one ring arena.
	MaxArenaSize = 1 << 32
)

var ringSeq atomic.Uint64

// Config describes ring geometry.
type Config struct {
	Name  string // diagnostics only
	Count int    // number of slots, >= 1
	Size  int    // payload bytes per slot, >= 0
	// Split rings are drained by a transport mover instead of being read
	// in place; Put then only queues, and MarkSent publishes.
	Split bool
	// Arena overrides the default heap region. It must hold Count*stride bytes.
	Arena Arena
}

// RingState is a snapshot of ring cursors for diagnostics.
type RingState struct {
	Name        string `json:"name"`
	Capacity    int    `json:"capacity"`
	Stride      int    `json:"stride"`
	Write       int    `json:"next_to_write"`
	Put         int    `json:"next_to_put"`
	Read        int    `json:"next_to_read"`
	Release     int    `json:"next_to_release"`
	Outstanding int    `json:"outstanding"`
	Hosted      int    `json:"hosted"`
	Lent        int    `json:"lent"`
	Split       bool   `json:"split"`
	Closed      bool   `json:"closed"`
}

// Ring is a four-cursor slot arena.
type Ring struct {
	mu sync.Mutex
	id uint64 // lock order for Host

	name   string
	slots  []Slot
	arena  Arena
	stride int
	n      int
	split  bool

	write, put, read, release int

	// Host queue: FIFO of slot indices in this ring carrying foreign slots.
	zcHead, zcTail int
	hosted         int
	lent           int // own slots currently carried by other rings

	closed   bool
	released bool
	freeErr  error
}

// New allocates a ring.
func New(cfg Config) (*Ring, error) {
	if cfg.Count < 1 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "ring needs at least one slot").
			WithContext("ring", cfg.Name).WithContext("count", cfg.Count)
	}
	if cfg.Size < 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "negative slot size").
			WithContext("ring", cfg.Name).WithContext("size", cfg.Size)
	}
	if cfg.Count > MaxSlots {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "too many slots").
			WithContext("ring", cfg.Name).WithContext("count", cfg.Count).WithContext("max", MaxSlots)
	}
	need, ok := arenaSize(cfg.Count, cfg.Size)
	if !ok {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "ring arena too large").
			WithContext("ring", cfg.Name).WithContext("count", cfg.Count).WithContext("size", cfg.Size).
			WithContext("max", uint64(MaxArenaSize))
	}
	stride := alignStride(cfg.Size)
	arena := cfg.Arena
	if arena == nil {
		arena = NewHeapArena(need)
	}
	mem := arena.Bytes()
	if len(mem) < need {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "arena smaller than ring").
			WithContext("ring", cfg.Name).WithContext("need", need).WithContext("have", len(mem))
	}

	r := &Ring{
		id:     ringSeq.Add(1),
		name:   cfg.Name,
		slots:  make([]Slot, cfg.Count),
		arena:  arena,
		stride: stride,
		n:      cfg.Count,
		split:  cfg.Split,
		zcHead: -1,
		zcTail: -1,
	}
	for i := range r.slots {
		off := i * stride
		r.slots[i] = Slot{
			ring:     r,
			index:    i,
			payload:  mem[off : off+stride : off+stride],
			nextHost: -1,
		}
	}
	return r, nil
}

// arenaSize is count slots of size bytes after stride alignment, false when
// it exceeds MaxArenaSize.
func arenaSize(count, size int) (int, bool) {
	if uint64(size) > MaxArenaSize {
		return 0, false
	}
	n := uint64(count) * uint64(alignStride(size))
	if n > MaxArenaSize || n > math.MaxInt {
		return 0, false
	}
	return int(n), true
}

func (r *Ring) next(i int) int { return (i + 1) % r.n }

func (r *Ring) full() bool { return r.next(r.write) == r.release }

// Name returns the diagnostic name.
func (r *Ring) Name() string { return r.name }

// Capacity returns the slot count N.
func (r *Ring) Capacity() int { return r.n }

// Stride returns the payload size of every slot.
func (r *Ring) Stride() int { return r.stride }

// Split reports whether a mover drains this ring.
func (r *Ring) Split() bool { return r.split }

// Arena returns the backing region.
func (r *Ring) Arena() Arena { return r.arena }

// Closed reports whether Close was called.
func (r *Ring) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Occupancy is the number of slots between release and write: put but not
// yet released, including lent holes.
func (r *Ring) Occupancy() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.occupancy()
}

func (r *Ring) occupancy() int { return (r.write - r.release + r.n) % r.n }

// Free is the number of slots still writable.
func (r *Ring) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n - 1 - r.occupancy()
}

func (r *Ring) violation(op string, s *Slot) *api.Error {
	e := api.NewError(api.ErrCodeProtocolViolation, op+" without matching acquire").WithContext("ring", r.name)
	if s != nil {
		e.WithContext("slot", s.index).WithContext("state", s.state.String())
	}
	return e
}

func (r *Ring) closedErr(op string) *api.Error {
	return api.NewError(api.ErrCodeProtocolViolation, op+" on closed ring").WithContext("ring", r.name)
}

func (r *Ring) owns(s *Slot) bool {
	return s != nil && s.ring == r && s.index >= 0 && s.index < r.n && &r.slots[s.index] == s
}

// AcquireForWrite returns the slot at nextToWrite, or false when the ring
// is full. No cursor moves; repeated calls return the same slot.
func (r *Ring) AcquireForWrite() (*Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	s := &r.slots[r.write]
	switch s.state {
	case Writing:
		return s, true
	case Empty:
	default:
		return nil, false
	}
	if r.full() {
		return nil, false
	}
	s.reset()
	s.state = Writing
	return s, true
}

// Put publishes an acquired slot with its metadata and advances nextToWrite.
func (r *Ring) Put(s *Slot, m Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.closedErr("put")
	}
	if !r.owns(s) || s.state != Writing || s.index != r.write {
		return r.violation("put", s)
	}
	if m.Length < 0 || m.Length > r.stride {
		return api.NewError(api.ErrCodeInvalidArgument, "message length outside slot").
			WithContext("ring", r.name).WithContext("length", m.Length).WithContext("stride", r.stride)
	}
	s.meta = m
	s.noData = false
	r.commit(s)
	return nil
}

// PutEOF publishes a closure-only slot: end of stream with no message.
func (r *Ring) PutEOF(s *Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.closedErr("put")
	}
	if !r.owns(s) || s.state != Writing || s.index != r.write {
		return r.violation("put", s)
	}
	s.meta = Meta{EOF: true}
	s.noData = true
	r.commit(s)
	return nil
}

func (r *Ring) commit(s *Slot) {
	s.state = Full
	r.write = r.next(r.write)
	if !r.split {
		r.put = r.write
	}
}

// Abandon returns an acquired-but-unput slot to Empty without sending it.
func (r *Ring) Abandon(s *Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.owns(s) || s.state != Writing {
		return r.violation("abandon", s)
	}
	s.reset()
	s.state = Empty
	return nil
}

// AcquireFull returns the next ready slot, or false when nothing is ready.
func (r *Ring) AcquireFull() (*Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.split || r.read == r.put {
		return nil, false
	}
	s := &r.slots[r.read]
	if s.state != Full {
		return nil, false
	}
	s.state = Reading
	r.read = r.next(r.read)
	return s, true
}

// PeekOpCode inspects the next ready slot without acquiring it.
func (r *Ring) PeekOpCode() (uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.split || r.read == r.put {
		return 0, false
	}
	return r.slots[r.read].meta.OpCode, true
}

// Release frees an acquired slot. Releases may come out of acquisition
// order; nextToRelease only advances over the released prefix.
func (r *Ring) Release(s *Slot) error {
	var back *Slot
	defer func() { giveBack(back) }()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.closedErr("release")
	}
	if !r.owns(s) || s.state != Reading {
		return r.violation("release", s)
	}
	back = r.retire(s)
	return nil
}

// retire finishes a slot that left the ring and sweeps the release cursor.
// A host returns the foreign slot it carried; the caller hands it back to
// its owner with giveBack once r is unlocked.
func (r *Ring) retire(s *Slot) *Slot {
	var back *Slot
	if s.hosted != nil {
		back = r.unhost(s)
	}
	s.state = Released
	r.sweep()
	return back
}

func (r *Ring) sweep() {
	for r.release != r.read {
		s := &r.slots[r.release]
		if s.state != Released {
			return
		}
		s.reset()
		s.state = Empty
		r.release = r.next(r.release)
	}
}

// Pending lists split-mode slots put but not yet sent, in put order.
func (r *Ring) Pending() []*Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Slot
	for i := r.put; i != r.write; i = r.next(i) {
		out = append(out, &r.slots[i])
	}
	return out
}

// Unflushed reports whether put slots still wait for the transport.
func (r *Ring) Unflushed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.put != r.write
}

// MarkSent retires the oldest pending split-mode slot after the transport
// copied it out. The slot becomes writable again.
func (r *Ring) MarkSent(s *Slot) error {
	var back *Slot
	defer func() { giveBack(back) }()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.split || r.put == r.write || !r.owns(s) || s.index != r.put || s.state != Full {
		return r.violation("mark-sent", s)
	}
	r.put = r.next(r.put)
	r.read = r.put
	back = r.retire(s)
	return nil
}

// State returns a cursor snapshot.
func (r *Ring) State() RingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingState{
		Name:        r.name,
		Capacity:    r.n,
		Stride:      r.stride,
		Write:       r.write,
		Put:         r.put,
		Read:        r.read,
		Release:     r.release,
		Outstanding: r.occupancy(),
		Hosted:      r.hosted,
		Lent:        r.lent,
		Split:       r.split,
		Closed:      r.closed,
	}
}

// Close abandons hosted foreign slots back to their owners and frees the
// arena. While own slots are still carried by other rings the arena stays
// mapped and is freed when the last one comes back. Close is idempotent.
func (r *Ring) Close() error {
	var back []*Slot
	defer func() { giveBack(back...) }()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	for r.zcHead >= 0 {
		back = append(back, r.unhost(&r.slots[r.zcHead]))
	}
	r.closed = true
	if r.lent > 0 {
		return nil
	}
	return r.free()
}

func (r *Ring) free() error {
	if r.released {
		return nil
	}
	r.released = true
	for i := range r.slots {
		r.slots[i].payload = nil
	}
	if err := r.arena.Release(); err != nil {
		r.freeErr = fmt.Errorf("ring %s: release arena: %w", r.name, err)
	}
	return r.freeErr
}

// Drained reports whether the storage of a closed ring has been freed, and
// the error the arena returned when it was.
func (r *Ring) Drained() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released, r.freeErr
}
