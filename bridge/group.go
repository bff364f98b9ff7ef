// File: bridge/group.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Group fans one logical stream out to a crew of producer ports, or gathers
// one in from a crew of consumer ports. The group owns no buffers: every
// slot it hands out belongs to a member ring, or to its private scratch
// ring when the message is going to be dropped. It mutates only its own
// cursor and calls members through their public operations.

package bridge

import (
	"go.uber.org/zap"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/control"
	"github.com/momentics/hioload-ports/core/buffer"
	"github.com/momentics/hioload-ports/core/protocol"
	"github.com/momentics/hioload-ports/internal/logging"
	"github.com/momentics/hioload-ports/port"
)

// Options configure a group.
type Options struct {
	Name   string
	Policy Policy
	// First and Span select the crew indices the group may use. A zero
	// Span runs through the last member.
	First int
	Span  int
	// Start is the initial rotation cursor, Step the CyclicModulo stride.
	Start     int
	Step      int
	HashField string
	Key       KeyFunc // nil means JSONField
	Logger    *zap.Logger
	Metrics   *control.Metrics
}

type pending struct {
	slot   *buffer.Slot
	member int // -1: scratch slot, the message is dropped on put
	reason string
}

// Group is a bridge over one crew.
type Group struct {
	name   string
	role   api.Role
	policy Policy
	crew   []*port.Port

	first, last int
	next        int
	step        int

	hashField string
	key       KeyFunc

	scratch *buffer.Ring
	pend    *pending
	out     map[*buffer.Slot]int

	log     *zap.Logger
	metrics *control.Metrics
}

// New builds a group over crew and enrolls every member.
func New(crew []*port.Port, opts Options) (*Group, error) {
	if len(crew) == 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "bridge group needs a crew").WithContext("group", opts.Name)
	}
	role := crew[0].Role()
	for _, m := range crew[1:] {
		if m.Role() != role {
			return nil, api.NewError(api.ErrCodeProtocolViolation, "crew mixes producers and consumers").
				WithContext("group", opts.Name).WithContext("port", m.Name())
		}
	}
	if !opts.Policy.Supports(role) {
		return nil, api.NewError(api.ErrCodeIncompatibleDistribution, "policy not available on this side").
			WithContext("group", opts.Name).WithContext("policy", opts.Policy.String()).WithContext("role", role.String())
	}
	last := len(crew) - 1
	if opts.Span > 0 {
		last = opts.First + opts.Span - 1
	}
	if opts.First < 0 || opts.Span < 0 || last >= len(crew) {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "member range outside crew").
			WithContext("group", opts.Name).WithContext("first", opts.First).WithContext("span", opts.Span)
	}
	if opts.Policy == Hashed && opts.HashField == "" {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "hashed distribution needs a hash field").WithContext("group", opts.Name)
	}

	g := &Group{
		name:      opts.Name,
		role:      role,
		policy:    opts.Policy,
		crew:      crew,
		first:     opts.First,
		last:      last,
		step:      max(opts.Step, 1),
		hashField: opts.HashField,
		key:       opts.Key,
		out:       make(map[*buffer.Slot]int),
		log:       logging.OrNop(opts.Logger).With(zap.String("group", opts.Name), zap.Stringer("policy", opts.Policy)),
		metrics:   opts.Metrics,
	}
	if g.key == nil {
		g.key = JSONField
	}
	if g.policy == CyclicSparse {
		g.next = ((opts.Start % len(crew)) + len(crew)) % len(crew)
	} else {
		g.next = g.wrap(opts.Start - g.first)
	}

	for i, m := range crew {
		if err := m.JoinGroup(opts.Name); err != nil {
			for _, joined := range crew[:i] {
				joined.LeaveGroup()
			}
			return nil, err
		}
	}
	return g, nil
}

func (g *Group) Name() string { return g.name }

func (g *Group) Policy() Policy { return g.policy }

func (g *Group) Members() []*port.Port { return g.crew }

// Next is the rotation cursor, a crew index.
func (g *Group) Next() int { return g.next }

func (g *Group) width() int { return g.last - g.first + 1 }

// wrap maps an offset from first into [first, last].
func (g *Group) wrap(off int) int {
	w := g.width()
	return g.first + ((off%w)+w)%w
}

func (g *Group) inRange(i int) bool { return i >= g.first && i <= g.last }

func (g *Group) advance() {
	switch g.policy {
	case CyclicSparse:
		g.next = (g.next + 1) % len(g.crew)
	case CyclicModulo:
		g.next = g.wrap(g.next - g.first + g.step)
	default:
		g.next = g.wrap(g.next - g.first + 1)
	}
}

func (g *Group) misuse(op string) *api.Error {
	return api.NewError(api.ErrCodeProtocolViolation, op+" on "+g.role.String()+" group").WithContext("group", g.name)
}

// reject reports one undeliverable message. The connection stays up.
func (g *Group) reject(code api.ErrorCode, msg string) *api.Error {
	g.metrics.TrafficError(code)
	g.metrics.Dropped(code.String())
	g.log.Warn("message not delivered", zap.Stringer("code", code), zap.String("reason", msg))
	return api.NewError(code, msg).WithContext("group", g.name)
}

// AcquireForWrite returns a slot for the next message, false when the
// policy's member has none free. Repeated calls return the same slot.
func (g *Group) AcquireForWrite() (*buffer.Slot, bool, error) {
	if g.role != api.Producer {
		return nil, false, g.misuse("acquire for write")
	}
	if g.pend != nil {
		return g.pend.slot, true, nil
	}
	switch g.policy {
	case Cyclic, CyclicModulo:
		return g.acquireFrom(g.next)
	case CyclicSparse:
		if !g.inRange(g.next) {
			return g.acquireScratch("sparse")
		}
		return g.acquireFrom(g.next)
	case Balanced:
		if m := g.leastBusy(); g.inRange(m) {
			return g.acquireFrom(m)
		}
		return g.acquireScratch("balanced")
	case Directed, Hashed:
		// The target is known only at put time, so every member must be
		// able to take the message.
		for i := g.first + 1; i <= g.last; i++ {
			if g.crew[i].Free() == 0 {
				return nil, false, nil
			}
		}
		return g.acquireFrom(g.first)
	case All:
		return g.acquireFrom(g.first)
	default:
		return g.acquireScratch("discard")
	}
}

func (g *Group) acquireFrom(m int) (*buffer.Slot, bool, error) {
	s, ok, err := g.crew[m].AcquireForWrite()
	if err != nil || !ok {
		return nil, false, err
	}
	g.pend = &pending{slot: s, member: m}
	return s, true, nil
}

func (g *Group) acquireScratch(reason string) (*buffer.Slot, bool, error) {
	size := protocol.DefaultBufferSize
	for _, m := range g.crew {
		if r := m.Ring(); r != nil {
			size = max(size, r.Stride())
		}
	}
	if g.scratch == nil || g.scratch.Stride() < size {
		if g.scratch != nil {
			g.scratch.Close() //nolint:errcheck
		}
		r, err := buffer.New(buffer.Config{Name: g.name + "/scratch", Count: 2, Size: size})
		if err != nil {
			return nil, false, err
		}
		g.scratch = r
	}
	s, ok := g.scratch.AcquireForWrite()
	if !ok {
		return nil, false, nil
	}
	g.pend = &pending{slot: s, member: -1, reason: reason}
	return s, true, nil
}

// leastBusy is the member with the fewest unreleased slots, lowest index
// on ties.
func (g *Group) leastBusy() int {
	best, occ := 0, g.crew[0].Occupancy()
	for i := 1; i < len(g.crew); i++ {
		if o := g.crew[i].Occupancy(); o < occ {
			best, occ = i, o
		}
	}
	return best
}

func (g *Group) take(s *buffer.Slot) (*pending, error) {
	if g.role != api.Producer {
		return nil, g.misuse("put")
	}
	if g.pend == nil || g.pend.slot != s {
		return nil, api.NewError(api.ErrCodeProtocolViolation, "buffer was not acquired from this group").WithContext("group", g.name)
	}
	p := g.pend
	g.pend = nil
	return p, nil
}

func (g *Group) drop(p *pending) {
	g.scratch.Abandon(p.slot) //nolint:errcheck
	g.metrics.Dropped(p.reason)
	g.log.Debug("message dropped", zap.String("reason", p.reason))
}

// Put sends the acquired slot according to the policy. A Directed message
// naming a member outside the range fails with InvalidTarget, a Hashed one
// without its hash field with MissingHashField; either message is dropped
// and the cursor stays where it was.
func (g *Group) Put(s *buffer.Slot, m buffer.Meta) error {
	p, err := g.take(s)
	if err != nil {
		return err
	}
	if p.member < 0 {
		g.drop(p)
		if g.policy == CyclicSparse {
			g.advance()
		}
		return nil
	}
	carrier := g.crew[p.member]
	switch g.policy {
	case Cyclic, CyclicModulo, CyclicSparse:
		if err := carrier.Put(s, m); err != nil {
			return err
		}
		g.advance()
		return nil
	case Balanced:
		return carrier.Put(s, m)
	case All:
		return g.broadcast(p.member, s, m)
	case Directed:
		if !g.inRange(m.Direct) {
			carrier.Abandon(s) //nolint:errcheck
			return g.reject(api.ErrCodeInvalidTarget, "directed member outside crew range").WithContext("direct", m.Direct)
		}
		return g.route(p.member, m.Direct, s, m)
	case Hashed:
		data, err := payload(s, m)
		if err != nil {
			carrier.Abandon(s) //nolint:errcheck
			return err
		}
		key, ok := g.key(data, g.hashField)
		if !ok {
			carrier.Abandon(s) //nolint:errcheck
			return g.reject(api.ErrCodeMissingHashField, "hash field absent").WithContext("field", g.hashField)
		}
		return g.route(p.member, g.first+hashIndex(key, g.width()), s, m)
	default:
		carrier.Abandon(s) //nolint:errcheck
		return nil
	}
}

func payload(s *buffer.Slot, m buffer.Meta) ([]byte, error) {
	b := s.Payload()
	if m.Length < 0 || m.Length > len(b) {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "message length outside slot").WithContext("length", m.Length)
	}
	return b[:m.Length], nil
}

// route delivers a carrier slot to target, handing it over without copy
// when target is another member.
func (g *Group) route(carrier, target int, s *buffer.Slot, m buffer.Meta) error {
	c := g.crew[carrier]
	if target == carrier {
		return c.Put(s, m)
	}
	ok, err := g.crew[target].Forward(c, s, m)
	if err != nil {
		c.Abandon(s) //nolint:errcheck
		return err
	}
	if !ok {
		c.Abandon(s) //nolint:errcheck
		return g.reject(api.ErrCodePartialDelivery, "target member has no free slot").WithContext("member", target)
	}
	return nil
}

// broadcast copies the message into every other member first, then puts
// the carrier slot. Members without a free slot miss the message.
func (g *Group) broadcast(carrier int, s *buffer.Slot, m buffer.Meta) error {
	data, err := payload(s, m)
	if err != nil {
		g.crew[carrier].Abandon(s) //nolint:errcheck
		return err
	}
	var missed []int
	for i := g.first; i <= g.last; i++ {
		if i == carrier {
			continue
		}
		member := g.crew[i]
		d, ok, err := member.AcquireForWrite()
		if err == nil && ok {
			copy(d.Payload(), data)
			if err = member.Put(d, m); err == nil {
				continue
			}
			member.Abandon(d) //nolint:errcheck
		}
		missed = append(missed, i)
	}
	if err := g.crew[carrier].Put(s, m); err != nil {
		return err
	}
	if len(missed) > 0 {
		return g.reject(api.ErrCodePartialDelivery, "broadcast missed members").WithContext("members", missed)
	}
	return nil
}

// PutEOF ends the stream on every member in range. A Discard group drops
// the closure too.
func (g *Group) PutEOF(s *buffer.Slot) error {
	p, err := g.take(s)
	if err != nil {
		return err
	}
	if p.member < 0 {
		g.scratch.Abandon(s) //nolint:errcheck
		if g.policy == Discard {
			return nil
		}
	} else if err := g.crew[p.member].PutEOF(s); err != nil {
		return err
	}
	var missed []int
	for i := g.first; i <= g.last; i++ {
		if i == p.member {
			continue
		}
		d, ok, err := g.crew[i].AcquireForWrite()
		if err == nil && ok {
			if err = g.crew[i].PutEOF(d); err == nil {
				continue
			}
		}
		missed = append(missed, i)
	}
	if len(missed) > 0 {
		return g.reject(api.ErrCodePartialDelivery, "end of stream missed members").WithContext("members", missed)
	}
	return nil
}

// Abandon gives back an acquired slot unsent.
func (g *Group) Abandon(s *buffer.Slot) error {
	p, err := g.take(s)
	if err != nil {
		return err
	}
	if p.member < 0 {
		return g.scratch.Abandon(s)
	}
	return g.crew[p.member].Abandon(s)
}

// TryFlush flushes every member and reports whether any still waits.
func (g *Group) TryFlush() (bool, error) {
	if g.role != api.Producer {
		return false, g.misuse("flush")
	}
	waiting := false
	for _, m := range g.crew {
		more, err := m.TryFlush()
		if err != nil {
			return true, err
		}
		waiting = waiting || more
	}
	return waiting, nil
}

// AcquireFull returns the next message gathered from the crew, false when
// the policy's member has nothing ready.
func (g *Group) AcquireFull() (*buffer.Slot, bool, error) {
	if g.role != api.Consumer {
		return nil, false, g.misuse("acquire full")
	}
	switch g.policy {
	case AsAvailable:
		w := g.width()
		for i := 0; i < w; i++ {
			m := g.wrap(g.next - g.first + i)
			s, ok, err := g.crew[m].AcquireFull()
			if err != nil {
				return nil, false, err
			}
			if ok {
				g.out[s] = m
				g.next = g.wrap(m - g.first + 1)
				return s, true, nil
			}
		}
		return nil, false, nil
	case Discard:
		for i := g.first; i <= g.last; i++ {
			for {
				s, ok, err := g.crew[i].AcquireFull()
				if err != nil {
					return nil, false, err
				}
				if !ok {
					break
				}
				if err := g.crew[i].Release(s); err != nil {
					return nil, false, err
				}
				g.metrics.Dropped("discard")
			}
		}
		return nil, false, nil
	default:
		s, ok, err := g.crew[g.next].AcquireFull()
		if err != nil || !ok {
			return nil, false, err
		}
		g.out[s] = g.next
		g.advance()
		return s, true, nil
	}
}

// PeekOpCode inspects the message AcquireFull would return next.
func (g *Group) PeekOpCode() (uint8, bool, error) {
	if g.role != api.Consumer {
		return 0, false, g.misuse("peek")
	}
	switch g.policy {
	case AsAvailable:
		for i := 0; i < g.width(); i++ {
			op, ok, err := g.crew[g.wrap(g.next-g.first+i)].PeekOpCode()
			if err != nil || ok {
				return op, ok, err
			}
		}
		return 0, false, nil
	case Discard:
		return 0, false, nil
	default:
		return g.crew[g.next].PeekOpCode()
	}
}

// Release returns a slot obtained from AcquireFull to its member.
func (g *Group) Release(s *buffer.Slot) error {
	if g.role != api.Consumer {
		return g.misuse("release")
	}
	m, ok := g.out[s]
	if !ok {
		return api.NewError(api.ErrCodeProtocolViolation, "buffer was not acquired from this group").WithContext("group", g.name)
	}
	if err := g.crew[m].Release(s); err != nil {
		return err
	}
	delete(g.out, s)
	return nil
}

// Close withdraws the group from its members. Members stay connected; a
// slot acquired but not put goes back to its member.
func (g *Group) Close() error {
	if p := g.pend; p != nil && p.member >= 0 {
		g.crew[p.member].Abandon(p.slot) //nolint:errcheck
	}
	g.pend = nil
	for _, m := range g.crew {
		m.LeaveGroup()
	}
	clear(g.out)
	if g.scratch != nil {
		return g.scratch.Close()
	}
	return nil
}
