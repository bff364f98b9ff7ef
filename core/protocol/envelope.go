// File: core/protocol/envelope.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Envelopes frame negotiation traffic for a request/reply exchange. A
// request carries one step, a final descriptor to complete with, or an
// abort; a reply carries the step result or the remote error code.

package protocol

import (
	"github.com/momentics/hioload-ports/api"
)

const envelopeVersion = 1

// Kind is the request type.
type Kind uint8

const (
	KindStep Kind = iota
	KindComplete
	KindAbort
)

// Request is one message from the driving side.
type Request struct {
	Kind Kind
	Step Step
	Info Descriptor
}

// EncodeRequest frames r.
func EncodeRequest(r Request) ([]byte, error) {
	body, err := r.Info.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append([]byte{envelopeVersion, byte(r.Kind), byte(r.Step)}, body...), nil
}

// DecodeRequest parses a framed request.
func DecodeRequest(raw []byte) (Request, error) {
	if len(raw) < 3 || raw[0] != envelopeVersion {
		return Request{}, decodeErr("bad request envelope")
	}
	r := Request{Kind: Kind(raw[1]), Step: Step(raw[2])}
	if r.Kind > KindAbort {
		return Request{}, decodeErr("unknown request kind").WithContext("kind", raw[1])
	}
	if err := r.Info.UnmarshalBinary(raw[3:]); err != nil {
		return Request{}, err
	}
	return r, nil
}

const (
	replyOK  = 0
	replyErr = 1
)

// EncodeReply frames a step result, or the error that step returned.
func EncodeReply(res StepResult, stepErr error) ([]byte, error) {
	if stepErr != nil {
		msg := stepErr.Error()
		if len(msg) > MaxStringLen {
			msg = msg[:MaxStringLen]
		}
		return append([]byte{envelopeVersion, replyErr, byte(api.CodeOf(stepErr))}, msg...), nil
	}
	body, err := res.Info.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var flags byte
	if res.Final {
		flags |= 1
	}
	if res.Done {
		flags |= 2
	}
	return append([]byte{envelopeVersion, replyOK, byte(res.Step), flags}, body...), nil
}

// DecodeReply parses a framed reply. A remote failure comes back as an
// *api.Error with the remote code.
func DecodeReply(raw []byte) (StepResult, error) {
	if len(raw) < 3 || raw[0] != envelopeVersion {
		return StepResult{}, decodeErr("bad reply envelope")
	}
	switch raw[1] {
	case replyErr:
		return StepResult{}, api.NewError(api.ErrorCode(raw[2]), string(raw[3:])).WithContext("remote", true)
	case replyOK:
		if len(raw) < 4 {
			return StepResult{}, decodeErr("reply truncated")
		}
		res := StepResult{Step: Step(raw[2]), Final: raw[3]&1 != 0, Done: raw[3]&2 != 0}
		if err := res.Info.UnmarshalBinary(raw[4:]); err != nil {
			return StepResult{}, err
		}
		return res, nil
	default:
		return StepResult{}, decodeErr("unknown reply status").WithContext("status", raw[1])
	}
}
