// File: port/metadata.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package port

import (
	"slices"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/core/protocol"
	"github.com/momentics/hioload-ports/internal/transport"
)

// Metadata is what a port declares about the messages it carries.
type Metadata struct {
	Protocol       string
	Compatible     []string // further protocols this port can read
	MaxMessageSize int
	HashField      string
	Distribution   api.Distribution
}

func (m Metadata) accepts(proto string) bool {
	return m.Protocol == "" || proto == "" || m.Protocol == proto || slices.Contains(m.Compatible, proto)
}

// Compatible reports whether two ports may exchange messages: either side
// must accept the other's protocol.
func Compatible(a, b Metadata) bool {
	return a.accepts(b.Protocol) || b.accepts(a.Protocol)
}

// Params are connection parameters for one side. Zero fields mean "no
// preference".
type Params struct {
	BufferCount  int
	BufferSize   int
	Transports   []api.TransportID
	Roles        api.RoleSet
	Distribution api.Distribution
	HashField    string
	URL          string
}

// Merge overlays the non-zero fields of o on p.
func (p Params) Merge(o Params) Params {
	if o.BufferCount > 0 {
		p.BufferCount = o.BufferCount
	}
	if o.BufferSize > 0 {
		p.BufferSize = o.BufferSize
	}
	if len(o.Transports) > 0 {
		p.Transports = slices.Clone(o.Transports)
	}
	if o.Roles != 0 {
		p.Roles = o.Roles
	}
	if o.Distribution != api.DistDefault {
		p.Distribution = o.Distribution
	}
	if o.HashField != "" {
		p.HashField = o.HashField
	}
	if o.URL != "" {
		p.URL = o.URL
	}
	return p
}

// OfferOf renders what a side brings to a negotiation. With no transport
// preference the side offers every transport this platform runs.
func OfferOf(meta Metadata, params Params) protocol.Offer {
	size := max(params.BufferSize, meta.MaxMessageSize)
	ts := slices.Clone(params.Transports)
	if len(ts) == 0 {
		ts = transport.Preferred()
	}
	return protocol.Offer{
		Transports:  ts,
		Roles:       params.Roles,
		BufferSize:  uint32(max(size, 0)),
		BufferCount: uint32(max(params.BufferCount, 0)),
		Protocol:    meta.Protocol,
		Accepts:     slices.Clone(meta.Compatible),
		URL:         params.URL,
	}
}

// geometry merges both sides of a local connection: the larger count and
// the larger size win, with protocol defaults where neither side asks.
func geometry(a, b Params, ma, mb Metadata) (count, size int) {
	count = max(a.BufferCount, b.BufferCount)
	if count <= 0 {
		count = protocol.DefaultBufferCount
	}
	size = max(a.BufferSize, b.BufferSize, ma.MaxMessageSize, mb.MaxMessageSize)
	if size <= 0 {
		size = protocol.DefaultBufferSize
	}
	return count, size
}
