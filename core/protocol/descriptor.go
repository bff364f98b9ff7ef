// File: core/protocol/descriptor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Descriptor codec. A descriptor is what one side tells the other at each
// negotiation step: transport, flow-control role, buffer geometry and base
// offsets. Encoding is little-endian and versioned; every field survives a
// round trip bit for bit.

package protocol

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/momentics/hioload-ports/api"
)

// Feedback confirms the agreed geometry back to the side that asked for it.
type Feedback struct {
	BufferSize  uint32
	BufferCount uint32
	Role        api.FlowRole
	CRC         uint32
}

// Valid reports whether CRC matches the geometry fields.
func (f Feedback) Valid() bool {
	return f.CRC == GeometryCRC(f.BufferSize, f.BufferCount, f.Role)
}

// NewFeedback fills the checksum for a geometry.
func NewFeedback(size, count uint32, role api.FlowRole) Feedback {
	return Feedback{BufferSize: size, BufferCount: count, Role: role, CRC: GeometryCRC(size, count, role)}
}

// GeometryCRC is the IEEE CRC-32 of size, count and role in wire order.
func GeometryCRC(size, count uint32, role api.FlowRole) uint32 {
	var b [9]byte
	binary.LittleEndian.PutUint32(b[0:], size)
	binary.LittleEndian.PutUint32(b[4:], count)
	b[8] = byte(role)
	return crc32.ChecksumIEEE(b[:])
}

// Descriptor is one side's negotiation message.
type Descriptor struct {
	Transport    api.TransportID  // selected, or the sender's first preference
	Transports   api.TransportSet // every transport the sender can run
	Roles        api.RoleSet      // flow roles the sender accepts
	Role         api.FlowRole     // valid with FlagRoleChosen
	Flags        Flags
	BufferSize   uint32
	BufferCount  uint32
	ProducerBase uint64
	ConsumerBase uint64
	Protocol     string
	URL          string
	Feedback     Feedback
}

// Final reports whether the descriptor completes the negotiation.
func (d *Descriptor) Final() bool { return d.Flags.Has(FlagFinal) }

func decodeErr(msg string) *api.Error {
	return api.NewError(api.ErrCodeProtocolViolation, "descriptor: "+msg)
}

// MarshalBinary encodes d.
func (d *Descriptor) MarshalBinary() ([]byte, error) {
	if len(d.Protocol) > MaxStringLen || len(d.URL) > MaxStringLen {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "descriptor string too long").
			WithContext("protocol", len(d.Protocol)).WithContext("url", len(d.URL))
	}
	buf := make([]byte, descriptorFixed, descriptorFixed+4+len(d.Protocol)+len(d.URL))
	le := binary.LittleEndian
	le.PutUint16(buf[0:], DescriptorMagic)
	buf[2] = DescriptorVersion
	buf[3] = byte(d.Transport)
	buf[4] = byte(d.Transports)
	buf[5] = byte(d.Roles)
	buf[6] = byte(d.Role)
	buf[7] = byte(d.Feedback.Role)
	le.PutUint16(buf[8:], uint16(d.Flags))
	le.PutUint32(buf[10:], d.BufferSize)
	le.PutUint32(buf[14:], d.BufferCount)
	le.PutUint64(buf[18:], d.ProducerBase)
	le.PutUint64(buf[26:], d.ConsumerBase)
	le.PutUint32(buf[34:], d.Feedback.BufferSize)
	le.PutUint32(buf[38:], d.Feedback.BufferCount)
	le.PutUint32(buf[42:], d.Feedback.CRC)
	buf = appendString(buf, d.Protocol)
	buf = appendString(buf, d.URL)
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// UnmarshalBinary decodes raw into d. Trailing bytes are rejected.
func (d *Descriptor) UnmarshalBinary(raw []byte) error {
	if len(raw) < descriptorFixed {
		return decodeErr("too short").WithContext("length", len(raw))
	}
	le := binary.LittleEndian
	if le.Uint16(raw[0:]) != DescriptorMagic {
		return decodeErr("bad magic")
	}
	if raw[2] != DescriptorVersion {
		return decodeErr("unsupported version").WithContext("version", raw[2])
	}
	out := Descriptor{
		Transport:    api.TransportID(raw[3]),
		Transports:   api.TransportSet(raw[4]),
		Roles:        api.RoleSet(raw[5]),
		Role:         api.FlowRole(raw[6]),
		Flags:        Flags(le.Uint16(raw[8:])),
		BufferSize:   le.Uint32(raw[10:]),
		BufferCount:  le.Uint32(raw[14:]),
		ProducerBase: le.Uint64(raw[18:]),
		ConsumerBase: le.Uint64(raw[26:]),
		Feedback: Feedback{
			Role:        api.FlowRole(raw[7]),
			BufferSize:  le.Uint32(raw[34:]),
			BufferCount: le.Uint32(raw[38:]),
			CRC:         le.Uint32(raw[42:]),
		},
	}
	rest := raw[descriptorFixed:]
	var ok bool
	if out.Protocol, rest, ok = readString(rest); !ok {
		return decodeErr("protocol name truncated")
	}
	if out.URL, rest, ok = readString(rest); !ok {
		return decodeErr("url truncated")
	}
	if len(rest) != 0 {
		return decodeErr("trailing bytes").WithContext("extra", len(rest))
	}
	*d = out
	return nil
}

func readString(b []byte) (string, []byte, bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, false
	}
	return string(b[:n]), b[n:], true
}
