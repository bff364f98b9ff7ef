// File: port/port.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Port endpoint and its steady-state surface.

package port

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/control"
	"github.com/momentics/hioload-ports/core/buffer"
	"github.com/momentics/hioload-ports/internal/logging"
	"github.com/momentics/hioload-ports/internal/transport"
)

// maxForwardDepth bounds pass-through chains.
const maxForwardDepth = 16

// Options configure a new port.
type Options struct {
	Name     string
	Role     api.Role
	Metadata Metadata
	Locality api.Locality
	// Owner is the lifetime scope of the port. Loopback needs both ends
	// to share one.
	Owner   string
	Params  Params
	// Mover drains a split ring into its peer when both ends live here.
	// Nil means Memcopy.
	Mover   transport.Mover
	Logger  *zap.Logger
	Metrics *control.Metrics
}

// Port is one endpoint of a connection.
type Port struct {
	id     string
	name   string
	role   api.Role
	meta   Metadata
	loc    api.Locality
	owner  string
	params Params
	via    transport.Mover

	log     *zap.Logger
	metrics *control.Metrics

	mu      sync.Mutex
	forward *Port
	conn    *Connection
	ring    *buffer.Ring
	sink    *buffer.Ring // consumer ring fed by mover, split producers only
	mover   transport.Mover
	session *Session
	group   string
}

// New creates an unconnected port.
func New(opts Options) (*Port, error) {
	if opts.Name == "" {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "port needs a name")
	}
	if opts.Role != api.Producer && opts.Role != api.Consumer {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "unknown port role").
			WithContext("port", opts.Name).WithContext("role", int(opts.Role))
	}
	return &Port{
		id:      uuid.NewString(),
		name:    opts.Name,
		role:    opts.Role,
		meta:    opts.Metadata,
		loc:     opts.Locality,
		owner:   opts.Owner,
		params:  opts.Params,
		via:     opts.Mover,
		log:     logging.OrNop(opts.Logger).With(zap.String("port", opts.Name), zap.Stringer("role", opts.Role)),
		metrics: opts.Metrics,
	}, nil
}

func (p *Port) Name() string           { return p.name }
func (p *Port) Role() api.Role         { return p.role }
func (p *Port) Metadata() Metadata     { return p.meta }
func (p *Port) Locality() api.Locality { return p.loc }
func (p *Port) Params() Params         { return p.params }

// Connection returns the current connection, nil when unconnected.
func (p *Port) Connection() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// Ring exposes the ring this port reads or writes, nil until connected.
func (p *Port) Ring() *buffer.Ring {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring
}

func (p *Port) misuse(op string) *api.Error {
	return api.NewError(api.ErrCodeProtocolViolation, op+" on "+p.role.String()+" port").
		WithContext("port", p.name)
}

// SetForward turns p into a shim: steady-state calls go to target. A nil
// target clears the forward.
func (p *Port) SetForward(target *Port) error {
	for t, depth := target, 0; t != nil; t, depth = t.forwardTarget(), depth+1 {
		if t == p || depth >= maxForwardDepth {
			return api.NewError(api.ErrCodeProtocolViolation, "forward cycle").WithContext("port", p.name)
		}
	}
	if target != nil && target.role != p.role {
		return api.NewError(api.ErrCodeProtocolViolation, "forward to a port of the other role").
			WithContext("port", p.name).WithContext("target", target.name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return api.NewError(api.ErrCodeProtocolViolation, "forward set on connected port").WithContext("port", p.name)
	}
	p.forward = target
	return nil
}

func (p *Port) forwardTarget() *Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forward
}

// target follows the forward chain to the port holding a ring.
func (p *Port) target() *Port {
	t := p
	for i := 0; i < maxForwardDepth; i++ {
		next := t.forwardTarget()
		if next == nil {
			break
		}
		t = next
	}
	return t
}

// JoinGroup records membership of at most one bridge group.
func (p *Port) JoinGroup(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != "" && p.group != name {
		return api.NewError(api.ErrCodeProtocolViolation, "port already in a bridge group").
			WithContext("port", p.name).WithContext("group", p.group)
	}
	p.group = name
	return nil
}

func (p *Port) LeaveGroup() {
	p.mu.Lock()
	p.group = ""
	p.mu.Unlock()
}

func (p *Port) Group() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.group
}

// AcquireForWrite returns the next writable slot, false when none is free
// or the port is not connected yet.
func (p *Port) AcquireForWrite() (*buffer.Slot, bool, error) {
	t := p.target()
	if t.role != api.Producer {
		return nil, false, t.misuse("acquire for write")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring == nil {
		return nil, false, nil
	}
	s, ok := t.ring.AcquireForWrite()
	return s, ok, nil
}

// Put publishes an acquired slot.
func (p *Port) Put(s *buffer.Slot, m buffer.Meta) error {
	t := p.target()
	if t.role != api.Producer {
		return t.misuse("put")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ringFor("put"); err != nil {
		return err
	}
	if err := t.ring.Put(s, m); err != nil {
		return t.trafficErr("put", err)
	}
	t.metrics.BufferPut(t.name)
	t.metrics.Occupancy(t.name, t.ring.Occupancy())
	return nil
}

// PutEOF publishes a closure without a message.
func (p *Port) PutEOF(s *buffer.Slot) error {
	t := p.target()
	if t.role != api.Producer {
		return t.misuse("put eof")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ringFor("put eof"); err != nil {
		return err
	}
	if err := t.ring.PutEOF(s); err != nil {
		return t.trafficErr("put eof", err)
	}
	t.metrics.BufferPut(t.name)
	return nil
}

// Abandon gives an acquired slot back without putting it.
func (p *Port) Abandon(s *buffer.Slot) error {
	t := p.target()
	if t.role != api.Producer {
		return t.misuse("abandon")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ringFor("abandon"); err != nil {
		return err
	}
	return t.ring.Abandon(s)
}

// AcquireFull returns the next full slot, false when none is ready.
func (p *Port) AcquireFull() (*buffer.Slot, bool, error) {
	t := p.target()
	if t.role != api.Consumer {
		return nil, false, t.misuse("acquire full")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring == nil {
		return nil, false, nil
	}
	s, ok := t.ring.AcquireFull()
	return s, ok, nil
}

// PeekOpCode reports the opcode of the next full slot without taking it.
func (p *Port) PeekOpCode() (uint8, bool, error) {
	t := p.target()
	if t.role != api.Consumer {
		return 0, false, t.misuse("peek")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring == nil {
		return 0, false, nil
	}
	op, ok := t.ring.PeekOpCode()
	return op, ok, nil
}

// Release returns a consumed slot.
func (p *Port) Release(s *buffer.Slot) error {
	t := p.target()
	if t.role != api.Consumer {
		return t.misuse("release")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ringFor("release"); err != nil {
		return err
	}
	if err := t.ring.Release(s); err != nil {
		return t.trafficErr("release", err)
	}
	t.metrics.BufferReleased(t.name)
	t.metrics.Occupancy(t.name, t.ring.Occupancy())
	return nil
}

// TryFlush pushes put slots toward the consumer and reports whether some
// are still waiting. Ports on a shared ring never wait.
func (p *Port) TryFlush() (bool, error) {
	t := p.target()
	if t.role != api.Producer {
		return false, t.misuse("flush")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring == nil {
		return false, nil
	}
	if t.mover != nil && t.sink != nil {
		if _, err := t.mover.Move(t.ring, t.sink); err != nil {
			return t.ring.Unflushed(), t.trafficErr("flush", err)
		}
	}
	return t.ring.Unflushed(), nil
}

// Forward passes slot s, acquired from src, on through p without copying.
// It returns false when p has no writable slot. Forwarding a buffer that is
// already on loan fails with DoubleForward.
func (p *Port) Forward(src *Port, s *buffer.Slot, m buffer.Meta) (bool, error) {
	t := p.target()
	if t.role != api.Producer {
		return false, t.misuse("forward")
	}
	if src == nil || s == nil {
		return false, api.NewError(api.ErrCodeProtocolViolation, "forward of unknown buffer").WithContext("port", t.name)
	}
	from := src.target()
	unlock := lockPair(from, t)
	defer unlock()
	if t.ring == nil {
		return false, nil
	}
	if from.ring == nil || s.Ring() != from.ring {
		return false, api.NewError(api.ErrCodeProtocolViolation, "buffer does not belong to source port").
			WithContext("port", t.name).WithContext("source", from.name)
	}
	_, ok, err := t.ring.Host(s, m)
	if err != nil {
		return false, t.trafficErr("forward", err)
	}
	if ok {
		t.metrics.BufferForwarded(t.name)
		t.metrics.Occupancy(t.name, t.ring.Occupancy())
	}
	return ok, nil
}

// Occupancy is the number of unreleased slots in the port's ring.
func (p *Port) Occupancy() int {
	t := p.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring == nil {
		return 0
	}
	return t.ring.Occupancy()
}

// Free is the number of slots the port can still put, zero when
// unconnected.
func (p *Port) Free() int {
	t := p.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring == nil {
		return 0
	}
	return t.ring.Free()
}

// State snapshots the ring for debug probes.
func (p *Port) State() buffer.RingState {
	t := p.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring == nil {
		return buffer.RingState{Name: t.name}
	}
	return t.ring.State()
}

func (p *Port) ringFor(op string) error {
	if p.ring == nil {
		return api.NewError(api.ErrCodeProtocolViolation, op+" on unconnected port").WithContext("port", p.name)
	}
	return nil
}

// trafficErr logs and counts a steady-state failure before returning it.
func (p *Port) trafficErr(op string, err error) error {
	code := api.CodeOf(err)
	p.metrics.TrafficError(code)
	p.log.Warn("traffic error", zap.String("op", op), zap.Stringer("code", code), zap.Error(err))
	return err
}

// lockPair locks two ports in id order. b may be nil or equal to a.
func lockPair(a, b *Port) func() {
	switch {
	case b == nil || a == b:
		a.mu.Lock()
		return a.mu.Unlock
	case a == nil:
		b.mu.Lock()
		return b.mu.Unlock
	case a.id > b.id:
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}
