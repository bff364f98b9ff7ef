// File: core/protocol/policy.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Early-exit policies decide at which step a side that already knows both
// offers may commit the final agreement instead of continuing.

package protocol

import "github.com/momentics/hioload-ports/api"

// Knowledge is what a side knows when consulting its early-exit policy.
type Knowledge struct {
	Step      Step
	Location  api.Location
	Transport api.TransportID // transport the agreement would use
	PeerKnown bool            // the peer's offer is available to this side
}

// EarlyExit decides whether the step described by k finalizes.
type EarlyExit interface {
	Finish(k Knowledge) bool
}

// EarlyExitFunc adapts a function to EarlyExit.
type EarlyExitFunc func(k Knowledge) bool

// Finish implements EarlyExit.
func (f EarlyExitFunc) Finish(k Knowledge) bool { return f(k) }

var (
	// DefaultEarlyExit finishes at step one for shared memory on one host
	// when the consumer was given the producer's parameters up front.
	DefaultEarlyExit EarlyExit = EarlyExitFunc(func(k Knowledge) bool {
		return k.Step == StepInitialProducerInfo && k.PeerKnown &&
			k.Location != api.Remote && k.Transport == api.TransportSharedMemory
	})

	// EagerEarlyExit finishes as soon as one side knows both offers.
	EagerEarlyExit EarlyExit = EarlyExitFunc(func(k Knowledge) bool { return k.PeerKnown })

	// NeverEarlyExit always runs all five steps.
	NeverEarlyExit EarlyExit = EarlyExitFunc(func(Knowledge) bool { return false })
)
