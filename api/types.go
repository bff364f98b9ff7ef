// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level enums: port roles, locations, flow-control disciplines,
// transport identifiers and distribution declarations.

package api

import "strings"

// Role is the side of a connection a port plays.
type Role int

const (
	Producer Role = iota
	Consumer
)

func (r Role) String() string {
	switch r {
	case Producer:
		return "producer"
	case Consumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// Opposite returns the peer role.
func (r Role) Opposite() Role {
	if r == Producer {
		return Consumer
	}
	return Producer
}

// Location classifies how far apart two ports are.
type Location int

const (
	InProcess Location = iota
	SameHost
	Remote
)

func (l Location) String() string {
	switch l {
	case InProcess:
		return "in-process"
	case SameHost:
		return "same-host"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// Locality identifies where a port lives.
type Locality struct {
	Host      string
	Process   string
	Container string
}

// LocationOf compares two localities. Empty fields match anything, so two
// zero localities are in-process.
func LocationOf(a, b Locality) Location {
	if !sameField(a.Host, b.Host) {
		return Remote
	}
	if !sameField(a.Process, b.Process) {
		return SameHost
	}
	return InProcess
}

func sameField(a, b string) bool {
	return a == "" || b == "" || a == b
}

// FlowRole is a flow-control discipline a message transport can run.
type FlowRole uint8

const (
	ActiveMessage FlowRole = iota
	ActiveFlowControl
	ActiveOnly
	Passive
	numFlowRoles
)

func (f FlowRole) String() string {
	switch f {
	case ActiveMessage:
		return "active-message"
	case ActiveFlowControl:
		return "active-flow-control"
	case ActiveOnly:
		return "active-only"
	case Passive:
		return "passive"
	default:
		return "unknown"
	}
}

// RoundTrips is the number of exchanges per buffer the discipline needs.
func (f FlowRole) RoundTrips() int {
	switch f {
	case ActiveMessage, ActiveOnly:
		return 1
	case ActiveFlowControl:
		return 2
	case Passive:
		return 3
	default:
		return 1 << 30
	}
}

// ParseFlowRole accepts the String form of a discipline.
func ParseFlowRole(s string) (FlowRole, bool) {
	for f := FlowRole(0); f < numFlowRoles; f++ {
		if strings.EqualFold(s, f.String()) {
			return f, true
		}
	}
	return 0, false
}

// RoleSet is a bitmask of supported flow roles.
type RoleSet uint8

// AllRoles supports every discipline.
const AllRoles RoleSet = 1<<numFlowRoles - 1

// RolesOf builds a set.
func RolesOf(roles ...FlowRole) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= 1 << r
	}
	return s
}

// Has reports membership.
func (s RoleSet) Has(r FlowRole) bool {
	return r < numFlowRoles && s&(1<<r) != 0
}

// Roles lists members in ascending id order.
func (s RoleSet) Roles() []FlowRole {
	var out []FlowRole
	for r := FlowRole(0); r < numFlowRoles; r++ {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// TransportID names a physical transport. The core only selects it.
type TransportID uint8

const (
	TransportNone TransportID = iota
	TransportInProcess
	TransportSharedMemory
	TransportSocket
	TransportDMA
)

func (t TransportID) String() string {
	switch t {
	case TransportInProcess:
		return "inproc"
	case TransportSharedMemory:
		return "shm"
	case TransportSocket:
		return "socket"
	case TransportDMA:
		return "dma"
	default:
		return "none"
	}
}

// ParseTransport accepts the String form of a transport.
func ParseTransport(s string) (TransportID, bool) {
	for t := TransportInProcess; t <= TransportDMA; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, true
		}
	}
	return TransportNone, false
}

// Distribution is what a crew-side port declares about how messages spread
// across the crew.
type Distribution int

const (
	DistDefault Distribution = iota // scatter/gather round robin
	DistBroadcast
	DistFirst // as available
	DistBalanced
	DistDirected
	DistHashed
	DistSparse
	DistDisabled
)

var distributionNames = map[Distribution]string{
	DistDefault:   "cyclic",
	DistBroadcast: "broadcast",
	DistFirst:     "first",
	DistBalanced:  "balanced",
	DistDirected:  "directed",
	DistHashed:    "hashed",
	DistSparse:    "sparse",
	DistDisabled:  "disabled",
}

func (d Distribution) String() string {
	if n, ok := distributionNames[d]; ok {
		return n
	}
	return "unknown"
}

// ParseDistribution accepts declaration names, including the scatter/gather
// aliases used by assembly descriptions.
func ParseDistribution(s string) (Distribution, bool) {
	switch strings.ToLower(s) {
	case "", "cyclic", "scatter", "gather":
		return DistDefault, true
	case "all":
		return DistBroadcast, true
	}
	for d, n := range distributionNames {
		if strings.EqualFold(s, n) {
			return d, true
		}
	}
	return 0, false
}

// TransportSet is a bitmask of transport ids.
type TransportSet uint8

// TransportsOf builds a set.
func TransportsOf(ids ...TransportID) TransportSet {
	var s TransportSet
	for _, t := range ids {
		if t != TransportNone && t <= TransportDMA {
			s |= 1 << t
		}
	}
	return s
}

// Has reports membership.
func (s TransportSet) Has(t TransportID) bool {
	return t != TransportNone && t <= TransportDMA && s&(1<<t) != 0
}

// IDs lists members in ascending id order.
func (s TransportSet) IDs() []TransportID {
	var out []TransportID
	for t := TransportInProcess; t <= TransportDMA; t++ {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}
