// File: port/negotiate.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Binding of the five-step negotiation to ports. A Session drives one end
// whose peer is reached through some exchange; Negotiate runs both ends
// when both ports live here but belong to different localities.

package port

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/core/buffer"
	"github.com/momentics/hioload-ports/core/protocol"
	"github.com/momentics/hioload-ports/internal/transport"
)

// Session is one end of a negotiation in progress.
type Session struct {
	port *Port
	conn *Connection
	neg  protocol.Negotiator
	loc  api.Location
}

// BeginNegotiation binds a negotiation to p. key names the connection and
// must be the same on both ends; it also names the shared memory region
// when the ends agree on shm. peer is the locality of the other end and
// known, when non-nil, its offer. Co-located ports must use Connect.
func (p *Port) BeginNegotiation(key string, peer api.Locality, known *protocol.Offer, exit protocol.EarlyExit) (*Session, error) {
	loc := api.LocationOf(p.loc, peer)
	if loc == api.InProcess {
		return nil, api.NewError(api.ErrCodeProtocolViolation, "co-located ports connect directly").WithContext("port", p.name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkFree(); err != nil {
		return nil, err
	}

	id := uuid.New()
	if key != "" {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(key))
	}
	c := newConnection(id)
	cfg := protocol.Config{Local: OfferOf(p.meta, p.params), Peer: known, Location: loc, Exit: exit}
	s := &Session{port: p, conn: c, neg: newNegotiator(p.role, cfg), loc: loc}
	p.attach(c, nil)
	p.session = s
	p.log.Debug("negotiation started", zap.String("connection", id.String()), zap.Stringer("location", loc))
	return s, nil
}

func newNegotiator(role api.Role, cfg protocol.Config) protocol.Negotiator {
	if role == api.Producer {
		return protocol.NewProducer(cfg)
	}
	return protocol.NewConsumer(cfg)
}

func (s *Session) Port() *Port { return s.port }

func (s *Session) Connection() *Connection { return s.conn }

func (s *Session) Side() api.Role { return s.port.role }

func (s *Session) Location() api.Location { return s.loc }

// Next is the step this end runs next, StepNone when done or waiting.
func (s *Session) Next() protocol.Step {
	s.port.mu.Lock()
	defer s.port.mu.Unlock()
	return s.neg.Next()
}

// Done reports whether this end has its ring.
func (s *Session) Done() bool { return s.conn.sideDone(s.port.role) }

// Apply runs one local step with the peer's previous output.
func (s *Session) Apply(step protocol.Step, in protocol.Descriptor) (protocol.StepResult, error) {
	s.port.mu.Lock()
	defer s.port.mu.Unlock()
	return s.apply(step, in)
}

func (s *Session) apply(step protocol.Step, in protocol.Descriptor) (protocol.StepResult, error) {
	if err := s.live(); err != nil {
		return protocol.StepResult{}, err
	}
	res, err := s.neg.Apply(step, in)
	s.conn.observe(step)
	s.port.metrics.NegotiationStep(int(step))
	if err != nil {
		return res, err
	}
	return res, s.settle()
}

// Complete takes the peer's final descriptor, produced by step.
func (s *Session) Complete(step protocol.Step, final protocol.Descriptor) error {
	s.port.mu.Lock()
	defer s.port.mu.Unlock()
	return s.complete(step, final)
}

func (s *Session) complete(step protocol.Step, final protocol.Descriptor) error {
	if err := s.live(); err != nil {
		return err
	}
	s.conn.observe(step)
	if err := s.neg.Complete(final); err != nil {
		return err
	}
	return s.settle()
}

// Deliver records a step the peer ran. A final result completes this end;
// a result the peer reports as done marks the peer done.
func (s *Session) Deliver(res protocol.StepResult) error {
	s.port.mu.Lock()
	defer s.port.mu.Unlock()
	if err := s.live(); err != nil {
		return err
	}
	s.conn.observe(res.Step)
	if res.Final && !s.neg.Done() {
		if err := s.complete(res.Step, res.Info); err != nil {
			return err
		}
	}
	if res.Final || res.Done {
		s.conn.markDone(s.port.role.Opposite())
	}
	return nil
}

// PeerDone marks the other end done.
func (s *Session) PeerDone() { s.conn.markDone(s.port.role.Opposite()) }

// Abort discards all negotiation state and the connection.
func (s *Session) Abort() error { return s.port.Disconnect() }

func (s *Session) live() error {
	if s.port.session != s || s.conn.Closed() {
		return api.NewError(api.ErrCodeProtocolViolation, "negotiation session ended").WithContext("port", s.port.name)
	}
	return nil
}

// settle builds the local ring once the state machine is done.
func (s *Session) settle() error {
	if !s.neg.Done() || s.conn.sideDone(s.port.role) {
		return nil
	}
	a, _ := s.neg.Agreement()
	p := s.port
	feats, _ := transport.Features(a.Transport)
	count, size := int(a.BufferCount), int(a.BufferSize)
	cfg := buffer.Config{Name: s.conn.ringName(p.role), Count: count, Size: size}
	switch {
	case feats.SharedMemory:
		arena, err := buffer.NewSharedArena(s.conn.id.String(), buffer.Footprint(count, size))
		if err != nil {
			return api.Wrap(err, api.ErrCodeConnection, "shared memory unavailable").WithContext("port", p.name)
		}
		cfg.Arena = arena
	case feats.SplitRings && p.role == api.Producer:
		cfg.Split = true
	}
	ring, err := buffer.New(cfg)
	if err != nil {
		if cfg.Arena != nil {
			cfg.Arena.Release() //nolint:errcheck
		}
		return err
	}
	local := OfferOf(p.meta, p.params)
	s.conn.commit(a, p.role, a.Descriptor(&local))
	s.conn.mu.Lock()
	s.conn.rings = append(s.conn.rings, ring)
	s.conn.mu.Unlock()
	p.ring = ring

	p.metrics.Connection(a.Transport.String())
	p.log.Info("negotiated",
		zap.String("connection", s.conn.id.String()),
		zap.Stringer("transport", a.Transport),
		zap.Stringer("flow", a.Role),
		zap.Uint32("count", a.BufferCount),
		zap.Uint32("size", a.BufferSize),
		zap.Int("steps", s.conn.Steps()))
	return nil
}

// Negotiate connects two ports of this address space that sit in
// different localities by running both state machines, with both offers
// known from the start. Ports of one locality connect directly with zero
// steps. A failed step discards all state; the error keeps its code and
// names the step.
func Negotiate(a, b *Port, exit protocol.EarlyExit) (*Connection, error) {
	prod, cons, err := pairOf(a, b)
	if err != nil {
		return nil, err
	}
	loc := api.LocationOf(prod.loc, cons.loc)
	if loc == api.InProcess {
		return a.Connect(b, Params{}, Params{})
	}

	unlock := lockPair(prod, cons)
	defer unlock()
	if err := prod.checkFree(); err != nil {
		return nil, err
	}
	if err := cons.checkFree(); err != nil {
		return nil, err
	}

	po, co := OfferOf(prod.meta, prod.params), OfferOf(cons.meta, cons.params)
	sides := [2]protocol.Negotiator{
		api.Producer: protocol.NewProducer(protocol.Config{Local: po, Location: loc, Exit: exit}),
		api.Consumer: protocol.NewConsumer(protocol.Config{Local: co, Peer: &po, Location: loc, Exit: exit}),
	}
	c := newConnection(uuid.New())

	var in protocol.Descriptor
	for step := protocol.StepInitialProducerInfo; step <= protocol.StepSetFinalUserInfo; step++ {
		if sides[api.Producer].Done() && sides[api.Consumer].Done() {
			break
		}
		self, peer := sides[step.Side()], sides[step.Side().Opposite()]
		res, err := self.Apply(step, in)
		c.observe(step)
		prod.metrics.NegotiationStep(int(step))
		if err == nil && res.Final && !peer.Done() {
			err = peer.Complete(res.Info)
		}
		if err != nil {
			prod.log.Warn("negotiation failed", zap.String("peer", cons.name), zap.Stringer("step", step), zap.Error(err))
			return nil, api.Wrap(err, api.CodeOf(err), "negotiation failed").WithContext("step", int(step))
		}
		in = res.Info
	}
	if !sides[api.Producer].Done() || !sides[api.Consumer].Done() {
		return nil, api.NewError(api.ErrCodeProtocolViolation, "negotiation did not converge").
			WithContext("producer", prod.name).WithContext("consumer", cons.name)
	}

	agreed, _ := sides[api.Producer].Agreement()
	c.producer, c.consumer = prod, cons
	if err := c.buildRings(agreed); err != nil {
		c.producer, c.consumer = nil, nil
		return nil, err
	}
	c.commit(agreed, api.Producer, agreed.Descriptor(&po))
	c.commit(agreed, api.Consumer, agreed.Descriptor(&co))

	prod.metrics.Connection(agreed.Transport.String())
	prod.log.Info("negotiated",
		zap.String("peer", cons.name),
		zap.Stringer("transport", agreed.Transport),
		zap.Stringer("flow", agreed.Role),
		zap.Int("steps", c.Steps()))
	return c, nil
}
