// File: core/protocol/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Five-step connection negotiation as two explicit state machines. The
// consumer runs steps 1, 3 and 5, the producer runs 2 and 4. Any step may
// instead return a final result, which the peer takes with Complete and the
// remaining steps never run.

package protocol

import (
	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/internal/transport"
)

// Config binds one side's negotiation to its offer.
type Config struct {
	Local    Offer
	Peer     *Offer // peer parameters known up front, if any
	Location api.Location
	Exit     EarlyExit // nil means DefaultEarlyExit
}

// StepResult is the outcome of one step. Info goes to the peer; when Final
// is set the peer takes it with Complete instead of running the next step.
// Done reports that the side which ran the step needs no further exchange.
type StepResult struct {
	Step  Step
	Info  Descriptor
	Final bool
	Done  bool
}

// Negotiator is the side-independent view of a state machine.
type Negotiator interface {
	Side() api.Role
	// Apply runs step with the peer's previous output.
	Apply(step Step, in Descriptor) (StepResult, error)
	// Complete takes a final descriptor from the peer. It is not a step.
	Complete(final Descriptor) error
	Done() bool
	Agreement() (Agreement, bool)
	Steps() int
	// Next is the step this side expects, StepNone when done or waiting.
	Next() Step
	Reset()
}

type machine struct {
	side api.Role
	cfg  Config

	last    Step
	lastIn  Descriptor
	lastOut StepResult
	steps   int

	selected  api.TransportID
	tentative Agreement

	done      bool
	agreed    Agreement
	completed *Descriptor
}

func (m *machine) exit() EarlyExit {
	if m.cfg.Exit == nil {
		return DefaultEarlyExit
	}
	return m.cfg.Exit
}

func (m *machine) violation(msg string, step Step) *api.Error {
	return api.NewError(api.ErrCodeProtocolViolation, msg).
		WithContext("side", m.side.String()).
		WithContext("step", step.String()).
		WithContext("expected", m.expected().String())
}

func (m *machine) expected() Step {
	if m.done {
		return StepNone
	}
	switch m.side {
	case api.Consumer:
		switch m.last {
		case StepNone:
			return StepInitialProducerInfo
		case StepInitialProducerInfo:
			return StepSetInitialUserInfo
		case StepSetInitialUserInfo:
			return StepSetFinalUserInfo
		}
	case api.Producer:
		switch m.last {
		case StepNone:
			return StepSetInitialProducerInfo
		case StepSetInitialProducerInfo:
			return StepSetFinalProducerInfo
		}
	}
	return StepNone
}

// begin checks ordering. A repeat of the last step with the same input
// returns the cached result.
func (m *machine) begin(step Step, in Descriptor) (StepResult, bool, error) {
	if m.last != StepNone && step == m.last {
		if in == m.lastIn {
			return m.lastOut, true, nil
		}
		return StepResult{}, false, m.violation("step retried with different input", step)
	}
	if m.done {
		return StepResult{}, false, m.violation("negotiation already done", step)
	}
	if step != m.expected() {
		return StepResult{}, false, m.violation("negotiation step out of order", step)
	}
	return StepResult{}, false, nil
}

func (m *machine) record(step Step, in Descriptor, res StepResult) StepResult {
	res.Step = step
	res.Done = m.done
	m.last, m.lastIn, m.lastOut = step, in, res
	m.steps++
	return res
}

func (m *machine) finish(a Agreement) {
	m.done = true
	m.agreed = a
}

// Complete implements Negotiator.
func (m *machine) Complete(final Descriptor) error {
	if m.done {
		if m.completed != nil && *m.completed == final {
			return nil
		}
		return m.violation("negotiation already done", StepNone)
	}
	if !final.Final() {
		return m.violation("complete with non-final descriptor", StepNone)
	}
	a, err := agreementOf(&final)
	if err != nil {
		return err
	}
	if err := m.accept(&a); err != nil {
		return err
	}
	m.completed = &final
	m.finish(a)
	return nil
}

// accept checks a peer-built agreement against the local offer.
func (m *machine) accept(a *Agreement) error {
	local := &m.cfg.Local
	if !local.set().Has(a.Transport) {
		return api.NewError(api.ErrCodeIncompatibleTypes, "agreed transport not offered").
			WithContext("transport", a.Transport.String())
	}
	if !local.roles().Has(a.Role) {
		return api.NewError(api.ErrCodeNoCompatibleRole, "agreed role not offered").
			WithContext("role", a.Role.String())
	}
	if a.BufferSize < local.BufferSize || a.BufferCount < local.BufferCount {
		return m.violation("agreed geometry below request", StepNone).
			WithContext("size", a.BufferSize).WithContext("count", a.BufferCount)
	}
	return nil
}

func (m *machine) Side() api.Role { return m.side }

func (m *machine) Done() bool { return m.done }

func (m *machine) Agreement() (Agreement, bool) { return m.agreed, m.done }

func (m *machine) Steps() int { return m.steps }

func (m *machine) Next() Step { return m.expected() }

// Reset discards all negotiation state; the offer is kept.
func (m *machine) Reset() {
	*m = machine{side: m.side, cfg: m.cfg}
}

// ConsumerNegotiation runs the consumer side.
type ConsumerNegotiation struct {
	machine
}

// NewConsumer creates the consumer-side state machine.
func NewConsumer(cfg Config) *ConsumerNegotiation {
	return &ConsumerNegotiation{machine{side: api.Consumer, cfg: cfg}}
}

var _ Negotiator = (*ConsumerNegotiation)(nil)

// Apply implements Negotiator.
func (c *ConsumerNegotiation) Apply(step Step, in Descriptor) (StepResult, error) {
	switch step {
	case StepInitialProducerInfo:
		return c.InitialProducerInfo()
	case StepSetInitialUserInfo:
		return c.SetInitialUserInfo(in)
	case StepSetFinalUserInfo:
		return c.SetFinalUserInfo(in)
	default:
		return StepResult{}, c.violation("step not run by consumer", step)
	}
}

// InitialProducerInfo is step 1: the consumer's buffer choices. With the
// producer's parameters known and the policy agreeing it is already final.
func (c *ConsumerNegotiation) InitialProducerInfo() (StepResult, error) {
	const step = StepInitialProducerInfo
	if res, cached, err := c.begin(step, Descriptor{}); cached || err != nil {
		return res, err
	}
	local := &c.cfg.Local
	k := Knowledge{Step: step, Location: c.cfg.Location, PeerKnown: c.cfg.Peer != nil}
	if k.PeerKnown {
		if a, err := Agree(*c.cfg.Peer, *local, c.cfg.Location, api.TransportNone); err == nil {
			k.Transport = a.Transport
		}
	} else {
		k.Transport = local.firstPermitted(c.cfg.Location)
	}
	if k.PeerKnown && c.exit().Finish(k) {
		a, err := Agree(*c.cfg.Peer, *local, c.cfg.Location, api.TransportNone)
		if err != nil {
			return StepResult{}, err
		}
		c.finish(a)
		return c.record(step, Descriptor{}, StepResult{Info: a.Descriptor(local), Final: true}), nil
	}
	out := Descriptor{
		Transport:    local.firstPermitted(c.cfg.Location),
		Transports:   local.set(),
		Roles:        local.roles(),
		BufferSize:   local.BufferSize,
		BufferCount:  local.BufferCount,
		ConsumerBase: local.Base,
		Protocol:     local.Protocol,
		URL:          local.URL,
	}
	return c.record(step, Descriptor{}, StepResult{Info: out}), nil
}

// SetInitialUserInfo is step 3: the consumer commits role and geometry
// against the producer's initial info.
func (c *ConsumerNegotiation) SetInitialUserInfo(in Descriptor) (StepResult, error) {
	const step = StepSetInitialUserInfo
	if res, cached, err := c.begin(step, in); cached || err != nil {
		return res, err
	}
	local := &c.cfg.Local
	prod := peerOffer(&in, api.Producer)
	a, err := Agree(prod, *local, c.cfg.Location, in.Transport)
	if err != nil {
		return StepResult{}, err
	}
	k := Knowledge{Step: step, Location: c.cfg.Location, Transport: a.Transport, PeerKnown: true}
	if c.exit().Finish(k) {
		c.finish(a)
		return c.record(step, in, StepResult{Info: a.Descriptor(local), Final: true}), nil
	}
	c.tentative = a
	out := Descriptor{
		Transport:    a.Transport,
		Transports:   local.set(),
		Roles:        local.roles(),
		Role:         a.Role,
		Flags:        FlagRoleChosen | FlagGeometry,
		BufferSize:   a.BufferSize,
		BufferCount:  a.BufferCount,
		ProducerBase: a.ProducerBase,
		ConsumerBase: a.ConsumerBase,
		Protocol:     a.Protocol,
		URL:          local.URL,
	}
	return c.record(step, in, StepResult{Info: out}), nil
}

// SetFinalUserInfo is step 5: the consumer takes the producer's final
// geometry. Nothing goes back to the producer.
func (c *ConsumerNegotiation) SetFinalUserInfo(in Descriptor) (StepResult, error) {
	const step = StepSetFinalUserInfo
	if res, cached, err := c.begin(step, in); cached || err != nil {
		return res, err
	}
	a, err := agreementOf(&in)
	if err != nil {
		return StepResult{}, err
	}
	t := c.tentative
	if a.Transport != t.Transport || a.Role != t.Role || a.BufferSize < t.BufferSize || a.BufferCount < t.BufferCount {
		return StepResult{}, c.violation("final producer info contradicts commitment", step).
			WithContext("transport", a.Transport.String()).WithContext("role", a.Role.String())
	}
	a.ConsumerBase = t.ConsumerBase
	c.finish(a)
	return c.record(step, in, StepResult{Final: true}), nil
}

// ProducerNegotiation runs the producer side.
type ProducerNegotiation struct {
	machine
}

// NewProducer creates the producer-side state machine.
func NewProducer(cfg Config) *ProducerNegotiation {
	return &ProducerNegotiation{machine{side: api.Producer, cfg: cfg}}
}

var _ Negotiator = (*ProducerNegotiation)(nil)

// Apply implements Negotiator.
func (p *ProducerNegotiation) Apply(step Step, in Descriptor) (StepResult, error) {
	switch step {
	case StepSetInitialProducerInfo:
		return p.SetInitialProducerInfo(in)
	case StepSetFinalProducerInfo:
		return p.SetFinalProducerInfo(in)
	default:
		return StepResult{}, p.violation("step not run by producer", step)
	}
}

// SetInitialProducerInfo is step 2: the producer selects the transport and
// answers with its own choices.
func (p *ProducerNegotiation) SetInitialProducerInfo(in Descriptor) (StepResult, error) {
	const step = StepSetInitialProducerInfo
	if res, cached, err := p.begin(step, in); cached || err != nil {
		return res, err
	}
	local := &p.cfg.Local
	cons := peerOffer(&in, api.Consumer)
	a, err := Agree(*local, cons, p.cfg.Location, api.TransportNone)
	if err != nil {
		return StepResult{}, err
	}
	k := Knowledge{Step: step, Location: p.cfg.Location, Transport: a.Transport, PeerKnown: true}
	if p.exit().Finish(k) {
		p.finish(a)
		return p.record(step, in, StepResult{Info: a.Descriptor(local), Final: true}), nil
	}
	p.selected = a.Transport
	out := Descriptor{
		Transport:    a.Transport,
		Transports:   local.set(),
		Roles:        local.roles(),
		BufferSize:   local.BufferSize,
		BufferCount:  local.BufferCount,
		ProducerBase: local.Base,
		Protocol:     local.Protocol,
		URL:          local.URL,
	}
	return p.record(step, in, StepResult{Info: out}), nil
}

// SetFinalProducerInfo is step 4: the producer confirms the consumer's
// commitment and fixes the final geometry.
func (p *ProducerNegotiation) SetFinalProducerInfo(in Descriptor) (StepResult, error) {
	const step = StepSetFinalProducerInfo
	if res, cached, err := p.begin(step, in); cached || err != nil {
		return res, err
	}
	if !in.Flags.Has(FlagRoleChosen | FlagGeometry) {
		return StepResult{}, p.violation("consumer info is not committed", step)
	}
	if in.Transport != p.selected {
		return StepResult{}, p.violation("consumer changed the transport", step).
			WithContext("transport", in.Transport.String())
	}
	local := &p.cfg.Local
	feats, _ := transport.Features(in.Transport)
	if !(local.roles() & feats.Roles).Has(in.Role) {
		return StepResult{}, api.NewError(api.ErrCodeNoCompatibleRole, "committed role not offered").
			WithContext("role", in.Role.String())
	}
	a := Agreement{
		Transport:    in.Transport,
		Role:         in.Role,
		BufferSize:   max(in.BufferSize, local.BufferSize),
		BufferCount:  max(in.BufferCount, local.BufferCount),
		ProducerBase: local.Base,
		ConsumerBase: in.ConsumerBase,
		Protocol:     in.Protocol,
	}
	if err := checkGeometry(a.BufferSize, a.BufferCount); err != nil {
		return StepResult{}, err.WithContext("step", int(step))
	}
	out := a.Descriptor(local)
	out.Flags &^= FlagFinal
	p.finish(a)
	return p.record(step, in, StepResult{Info: out}), nil
}
