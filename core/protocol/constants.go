// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Negotiation wire constants and geometry defaults.

package protocol

import (
	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/core/buffer"
)

const (
	// Descriptor framing
	DescriptorMagic   = 0x4450 // "PD" little-endian
	DescriptorVersion = 1
	descriptorFixed   = 46 // header bytes before the variable strings
	MaxStringLen      = 1<<16 - 1

	// Geometry defaults applied when neither side asks for a value
	DefaultBufferCount = 4
	DefaultBufferSize  = 2048

	// Geometry limits a peer may ask for
	MaxBufferCount = buffer.MaxSlots
	MaxBufferSize  = 1 << 24
	MaxRingBytes   = buffer.MaxArenaSize
)

// Flags carried in a descriptor.
type Flags uint16

const (
	// FlagFinal marks a descriptor that completes the negotiation.
	FlagFinal Flags = 1 << iota
	// FlagRoleChosen marks the Role field as committed.
	FlagRoleChosen
	// FlagGeometry marks BufferSize and BufferCount as committed.
	FlagGeometry
	// FlagFeedback marks the Feedback block as filled.
	FlagFeedback
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Step is a negotiation step number, 1 to 5.
type Step uint8

const (
	StepNone Step = iota
	StepInitialProducerInfo
	StepSetInitialProducerInfo
	StepSetInitialUserInfo
	StepSetFinalProducerInfo
	StepSetFinalUserInfo
)

// MaxSteps is the worst-case number of steps.
const MaxSteps = int(StepSetFinalUserInfo)

func (s Step) String() string {
	switch s {
	case StepInitialProducerInfo:
		return "initial_producer_info"
	case StepSetInitialProducerInfo:
		return "set_initial_producer_info"
	case StepSetInitialUserInfo:
		return "set_initial_user_info"
	case StepSetFinalProducerInfo:
		return "set_final_producer_info"
	case StepSetFinalUserInfo:
		return "set_final_user_info"
	default:
		return "none"
	}
}

// Side returns the role that runs step s.
func (s Step) Side() api.Role {
	if s == StepSetInitialProducerInfo || s == StepSetFinalProducerInfo {
		return api.Producer
	}
	return api.Consumer
}
