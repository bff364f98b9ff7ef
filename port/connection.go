// File: port/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection state shared by both ends, local connect and disconnect.

package port

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/core/buffer"
	"github.com/momentics/hioload-ports/core/protocol"
	"github.com/momentics/hioload-ports/internal/transport"
)

// Connection joins a producer and a consumer. For a negotiated connection
// only the local end may be known.
type Connection struct {
	id       uuid.UUID
	producer *Port
	consumer *Port

	mu        sync.Mutex
	transport api.TransportID
	agreement protocol.Agreement
	desc      [2]protocol.Descriptor // by api.Role
	done      [2]bool
	steps     int
	rings     []*buffer.Ring
	closed    bool
}

func newConnection(id uuid.UUID) *Connection {
	return &Connection{id: id}
}

func (c *Connection) ID() uuid.UUID { return c.id }

func (c *Connection) Producer() *Port { return c.producer }

func (c *Connection) Consumer() *Port { return c.consumer }

func (c *Connection) Transport() api.TransportID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Agreement is the geometry both ends built their rings from.
func (c *Connection) Agreement() protocol.Agreement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agreement
}

// Descriptor returns the committed descriptor of one side.
func (c *Connection) Descriptor(side api.Role) protocol.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc[side]
}

// Done reports whether both sides finished negotiating.
func (c *Connection) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done[api.Producer] && c.done[api.Consumer]
}

func (c *Connection) ProducerDone() bool { return c.sideDone(api.Producer) }

func (c *Connection) ConsumerDone() bool { return c.sideDone(api.Consumer) }

func (c *Connection) sideDone(r api.Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done[r]
}

// Steps is the number of negotiation steps it took, zero for ports that
// connected directly.
func (c *Connection) Steps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.steps
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// observe records that step has run. Steps run strictly in order, so the
// highest step seen is the count.
func (c *Connection) observe(step protocol.Step) {
	c.mu.Lock()
	c.steps = max(c.steps, int(step))
	c.mu.Unlock()
}

func (c *Connection) markDone(side api.Role) {
	c.mu.Lock()
	c.done[side] = true
	c.mu.Unlock()
}

func (c *Connection) commit(a protocol.Agreement, side api.Role, d protocol.Descriptor) {
	c.mu.Lock()
	c.agreement = a
	c.transport = a.Transport
	c.desc[side] = d
	c.done[side] = true
	c.mu.Unlock()
}

func (c *Connection) ringName(side api.Role) string {
	return fmt.Sprintf("%s/%s", c.id.String()[:8], side)
}

// close frees every ring and detaches both ports. Callers hold the port
// locks of both ends.
func (c *Connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rings := c.rings
	c.rings = nil
	c.mu.Unlock()

	var errs error
	for _, r := range rings {
		errs = errors.Join(errs, r.Close())
	}
	for _, p := range []*Port{c.producer, c.consumer} {
		if p != nil && p.conn == c {
			p.detach()
		}
	}
	return errs
}

// attach binds p to c with ring. Callers hold p.mu.
func (p *Port) attach(c *Connection, ring *buffer.Ring) {
	p.conn = c
	p.ring = ring
	if p.role == api.Producer {
		c.producer = p
	} else {
		c.consumer = p
	}
}

func (p *Port) detach() {
	p.conn = nil
	p.ring = nil
	p.sink = nil
	p.mover = nil
	if p.session != nil {
		p.session.neg.Reset()
		p.session = nil
	}
}

// checkFree fails unless p can take a new connection. Callers hold p.mu.
func (p *Port) checkFree() error {
	switch {
	case p.forward != nil:
		return api.NewError(api.ErrCodeProtocolViolation, "forwarding port cannot connect").WithContext("port", p.name)
	case p.session != nil:
		return api.NewError(api.ErrCodeProtocolViolation, "port is negotiating").WithContext("port", p.name)
	case p.conn != nil:
		return api.NewError(api.ErrCodeProtocolViolation, "port already connected").WithContext("port", p.name)
	}
	return nil
}

// pairOf orders two ports as producer and consumer.
func pairOf(a, b *Port) (prod, cons *Port, err error) {
	if a == nil || b == nil || a == b {
		return nil, nil, api.NewError(api.ErrCodeProtocolViolation, "connect needs two distinct ports")
	}
	if a.role == b.role {
		return nil, nil, api.NewError(api.ErrCodeProtocolViolation, "connect needs a producer and a consumer").
			WithContext("port", a.name).WithContext("peer", b.name)
	}
	if a.role == api.Producer {
		return a, b, nil
	}
	return b, a, nil
}

// Connect joins p and other, both in this address space, over one shared
// ring. The larger of the two counts and sizes wins. Both sides are done
// immediately and no negotiation steps run.
func (p *Port) Connect(other *Port, mine, theirs Params) (*Connection, error) {
	prod, cons, err := pairOf(p, other)
	if err != nil {
		return nil, err
	}
	pp, cp := p.params.Merge(mine), other.params.Merge(theirs)
	if prod != p {
		pp, cp = other.params.Merge(theirs), p.params.Merge(mine)
	}

	unlock := lockPair(p, other)
	defer unlock()
	if err := errors.Join(prod.checkFree(), cons.checkFree()); err != nil {
		return nil, err
	}
	if !Compatible(prod.meta, cons.meta) {
		return nil, api.NewError(api.ErrCodeIncompatibleTypes, "incompatible message protocols").
			WithContext("producer", prod.meta.Protocol).WithContext("consumer", cons.meta.Protocol)
	}

	count, size := geometry(pp, cp, prod.meta, cons.meta)
	c := newConnection(uuid.New())
	ring, err := buffer.New(buffer.Config{Name: c.ringName(api.Producer), Count: count, Size: size})
	if err != nil {
		return nil, err
	}
	proto := prod.meta.Protocol
	if proto == "" {
		proto = cons.meta.Protocol
	}
	a := protocol.Agreement{
		Transport:   api.TransportInProcess,
		Role:        api.ActiveMessage,
		BufferSize:  uint32(size),
		BufferCount: uint32(count),
		Protocol:    proto,
	}
	po, co := OfferOf(prod.meta, pp), OfferOf(cons.meta, cp)
	c.commit(a, api.Producer, a.Descriptor(&po))
	c.commit(a, api.Consumer, a.Descriptor(&co))
	c.rings = []*buffer.Ring{ring}
	prod.attach(c, ring)
	cons.attach(c, ring)

	prod.metrics.Connection(a.Transport.String())
	prod.log.Info("connected",
		zap.String("peer", cons.name),
		zap.Stringer("transport", a.Transport),
		zap.Int("count", count),
		zap.Int("size", size))
	return c, nil
}

// Loopback connects two ports of one lifetime scope, such as the output
// and input of a single worker.
func (p *Port) Loopback(other *Port) (*Connection, error) {
	if other == nil || p.owner == "" || p.owner != other.owner {
		return nil, api.NewError(api.ErrCodeProtocolViolation, "loopback needs ports of one owner").
			WithContext("port", p.name)
	}
	return p.Connect(other, Params{}, Params{})
}

// Disconnect tears down the connection, including one still negotiating.
// Storage lent to other rings is freed when it comes back. Disconnecting an
// unconnected port does nothing.
func (p *Port) Disconnect() error {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	unlock := lockPair(c.producer, c.consumer)
	defer unlock()
	err := c.close()
	p.log.Info("disconnected", zap.String("connection", c.id.String()), zap.Error(err))
	return err
}

// buildRings allocates the rings of a connection whose two ends are both
// in this address space.
func (c *Connection) buildRings(a protocol.Agreement) error {
	feats, _ := transport.Features(a.Transport)
	count, size := int(a.BufferCount), int(a.BufferSize)
	prod, cons := c.producer, c.consumer

	if feats.SplitRings {
		out, err := buffer.New(buffer.Config{Name: c.ringName(api.Producer), Count: count, Size: size, Split: true})
		if err != nil {
			return err
		}
		in, err := buffer.New(buffer.Config{Name: c.ringName(api.Consumer), Count: count, Size: size})
		if err != nil {
			out.Close() //nolint:errcheck
			return err
		}
		c.rings = []*buffer.Ring{out, in}
		prod.attach(c, out)
		var mv transport.Mover = transport.Memcopy{}
		if prod.via != nil {
			mv = prod.via
		}
		prod.sink, prod.mover = in, mv
		cons.attach(c, in)
		return nil
	}

	cfg := buffer.Config{Name: c.ringName(api.Producer), Count: count, Size: size}
	if feats.SharedMemory {
		arena, err := buffer.NewSharedArena(c.id.String(), buffer.Footprint(count, size))
		if err != nil {
			return api.Wrap(err, api.ErrCodeConnection, "shared memory unavailable")
		}
		cfg.Arena = arena
	}
	ring, err := buffer.New(cfg)
	if err != nil {
		if cfg.Arena != nil {
			cfg.Arena.Release() //nolint:errcheck
		}
		return err
	}
	c.rings = []*buffer.Ring{ring}
	prod.attach(c, ring)
	cons.attach(c, ring)
	return nil
}
