// File: core/protocol/offer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Offers are what one side brings to a negotiation; an Agreement is what
// both sides leave with.

package protocol

import (
	"slices"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/internal/transport"
)

// Offer is one side's requested geometry and capabilities. Zero values mean
// "no preference": every transport, every role, default geometry.
type Offer struct {
	Transports  []api.TransportID // preference order
	Roles       api.RoleSet
	BufferSize  uint32
	BufferCount uint32
	Base        uint64 // offset of this side's ring in its arena segment
	Protocol    string
	Accepts     []string // further protocol names this side can read
	URL         string
}

func (o *Offer) prefs() []api.TransportID {
	if len(o.Transports) == 0 {
		return transport.DefaultPreference
	}
	return o.Transports
}

func (o *Offer) set() api.TransportSet { return api.TransportsOf(o.prefs()...) }

func (o *Offer) roles() api.RoleSet {
	if o.Roles == 0 {
		return api.AllRoles
	}
	return o.Roles
}

// accepts reports whether a peer speaking protocol can talk to this side.
func (o *Offer) accepts(protocol string) bool {
	if o.Protocol == "" || protocol == "" || o.Protocol == protocol {
		return true
	}
	return slices.Contains(o.Accepts, protocol)
}

func incompatibleProtocol(local, peer string) *api.Error {
	return api.NewError(api.ErrCodeIncompatibleTypes, "incompatible message protocols").
		WithContext("local", local).WithContext("peer", peer)
}

// firstPermitted is the local transport preference usable at loc.
func (o *Offer) firstPermitted(loc api.Location) api.TransportID {
	for _, t := range o.prefs() {
		if transport.Permitted(t, loc) {
			return t
		}
	}
	return api.TransportNone
}

// peerOffer rebuilds what the sender of d asked for.
func peerOffer(d *Descriptor, side api.Role) Offer {
	var prefs []api.TransportID
	if d.Transport != api.TransportNone {
		prefs = append(prefs, d.Transport)
	}
	for _, t := range d.Transports.IDs() {
		if t != d.Transport {
			prefs = append(prefs, t)
		}
	}
	o := Offer{
		Transports:  prefs,
		Roles:       d.Roles,
		BufferSize:  d.BufferSize,
		BufferCount: d.BufferCount,
		Protocol:    d.Protocol,
		URL:         d.URL,
	}
	if side == api.Producer {
		o.Base = d.ProducerBase
	} else {
		o.Base = d.ConsumerBase
	}
	return o
}

// Agreement is the negotiated result both sides build their rings from.
type Agreement struct {
	Transport    api.TransportID
	Role         api.FlowRole
	BufferSize   uint32
	BufferCount  uint32
	ProducerBase uint64
	ConsumerBase uint64
	Protocol     string
}

// Agree computes the agreement of two known offers. A selected transport
// of TransportNone is chosen here, consumer preference first. Protocols are
// compatible when either side accepts the other's.
func Agree(producer, consumer Offer, loc api.Location, selected api.TransportID) (Agreement, error) {
	if !producer.accepts(consumer.Protocol) && !consumer.accepts(producer.Protocol) {
		return Agreement{}, incompatibleProtocol(producer.Protocol, consumer.Protocol)
	}
	pset, cset := producer.set(), consumer.set()
	if selected == api.TransportNone {
		t, err := transport.Select(append(slices.Clone(consumer.prefs()), producer.prefs()...), pset, cset, loc)
		if err != nil {
			return Agreement{}, err
		}
		selected = t
	} else if !pset.Has(selected) || !cset.Has(selected) || !transport.Permitted(selected, loc) {
		return Agreement{}, api.NewError(api.ErrCodeIncompatibleTypes, "transport not offered by both sides").
			WithContext("transport", selected.String()).WithContext("location", loc.String())
	}
	feats, _ := transport.Features(selected)
	role, err := ChooseRoles(producer.roles()&feats.Roles, consumer.roles()&feats.Roles)
	if err != nil {
		return Agreement{}, err
	}
	protocol := producer.Protocol
	if protocol == "" {
		protocol = consumer.Protocol
	}
	a := Agreement{
		Transport:    selected,
		Role:         role,
		BufferSize:   geometry(producer.BufferSize, consumer.BufferSize, DefaultBufferSize),
		BufferCount:  geometry(producer.BufferCount, consumer.BufferCount, DefaultBufferCount),
		ProducerBase: producer.Base,
		ConsumerBase: consumer.Base,
		Protocol:     protocol,
	}
	if err := checkGeometry(a.BufferSize, a.BufferCount); err != nil {
		return Agreement{}, err
	}
	return a, nil
}

// checkGeometry bounds a geometry before any ring is built from it.
func checkGeometry(size, count uint32) *api.Error {
	if size <= MaxBufferSize && count <= MaxBufferCount && uint64(size)*uint64(count) <= MaxRingBytes {
		return nil
	}
	return api.NewError(api.ErrCodeProtocolViolation, "geometry beyond limits").
		WithContext("size", size).WithContext("count", count).
		WithContext("max_size", MaxBufferSize).WithContext("max_count", MaxBufferCount)
}

func geometry(a, b, def uint32) uint32 {
	v := max(a, b)
	if v == 0 {
		return def
	}
	return v
}

// Descriptor renders a as a final descriptor with feedback.
func (a Agreement) Descriptor(local *Offer) Descriptor {
	return Descriptor{
		Transport:    a.Transport,
		Transports:   local.set(),
		Roles:        local.roles(),
		Role:         a.Role,
		Flags:        FlagFinal | FlagRoleChosen | FlagGeometry | FlagFeedback,
		BufferSize:   a.BufferSize,
		BufferCount:  a.BufferCount,
		ProducerBase: a.ProducerBase,
		ConsumerBase: a.ConsumerBase,
		Protocol:     a.Protocol,
		URL:          local.URL,
		Feedback:     NewFeedback(a.BufferSize, a.BufferCount, a.Role),
	}
}

// agreementOf reads a committed descriptor, checking its feedback block.
func agreementOf(d *Descriptor) (Agreement, error) {
	if !d.Flags.Has(FlagRoleChosen | FlagGeometry | FlagFeedback) {
		return Agreement{}, api.NewError(api.ErrCodeProtocolViolation, "descriptor is not committed").
			WithContext("flags", uint16(d.Flags))
	}
	fb := d.Feedback
	if !fb.Valid() || fb.BufferSize != d.BufferSize || fb.BufferCount != d.BufferCount || fb.Role != d.Role {
		return Agreement{}, api.NewError(api.ErrCodeProtocolViolation, "feedback does not confirm geometry").
			WithContext("size", d.BufferSize).WithContext("count", d.BufferCount)
	}
	if err := checkGeometry(d.BufferSize, d.BufferCount); err != nil {
		return Agreement{}, err
	}
	return Agreement{
		Transport:    d.Transport,
		Role:         d.Role,
		BufferSize:   d.BufferSize,
		BufferCount:  d.BufferCount,
		ProducerBase: d.ProducerBase,
		ConsumerBase: d.ConsumerBase,
		Protocol:     d.Protocol,
	}, nil
}
