// File: launcher/driver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Driver carries a negotiation between two ends in different address
// spaces. The driving end runs its own steps locally and requests the
// peer's steps over an exchange; the serving end answers from a handler.
// A failed step discards both ends, nothing is resumed.

package launcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/core/protocol"
	"github.com/momentics/hioload-ports/internal/logging"
	"github.com/momentics/hioload-ports/port"
)

// Driver runs negotiations over one exchange.
type Driver struct {
	x       api.Exchanger
	timeout time.Duration
	log     *zap.Logger
}

// NewDriver binds a driver to x. timeout bounds each request; zero leaves
// only the caller's context.
func NewDriver(x api.Exchanger, timeout time.Duration, log *zap.Logger) *Driver {
	return &Driver{x: x, timeout: timeout, log: logging.OrNop(log).Named("driver")}
}

func (d *Driver) request(ctx context.Context, subject string, r protocol.Request) (protocol.StepResult, error) {
	raw, err := protocol.EncodeRequest(r)
	if err != nil {
		return protocol.StepResult{}, err
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	reply, err := d.x.Request(ctx, subject, raw)
	if err != nil {
		return protocol.StepResult{}, err
	}
	return protocol.DecodeReply(reply)
}

// Drive negotiates s with the end serving subject. On failure both ends
// are discarded and the error is a connection error naming the step.
func (d *Driver) Drive(ctx context.Context, s *port.Session, subject string) (*port.Connection, error) {
	log := d.log.With(zap.String("subject", subject), zap.String("port", s.Port().Name()))
	mine := s.Side()
	var in protocol.Descriptor
	step := protocol.StepInitialProducerInfo
	for ; step <= protocol.StepSetFinalUserInfo; step++ {
		if s.Connection().Done() {
			break
		}
		if step.Side() == mine {
			res, err := s.Apply(step, in)
			if err != nil {
				return nil, d.fail(ctx, s, subject, step, err, log)
			}
			if res.Final || res.Done {
				// The peer learns the result and, when it is final,
				// completes with it.
				ack, err := d.request(ctx, subject, protocol.Request{Kind: protocol.KindComplete, Step: step, Info: res.Info})
				if err != nil {
					return nil, d.fail(ctx, s, subject, step, err, log)
				}
				if res.Final || ack.Done {
					s.PeerDone()
				}
			}
			in = res.Info
			continue
		}
		res, err := d.request(ctx, subject, protocol.Request{Kind: protocol.KindStep, Step: step, Info: in})
		if err == nil {
			err = s.Deliver(res)
		}
		if err != nil {
			return nil, d.fail(ctx, s, subject, step, err, log)
		}
		in = res.Info
	}
	if !s.Connection().Done() {
		return nil, d.fail(ctx, s, subject, step, api.NewError(api.ErrCodeProtocolViolation, "negotiation did not converge"), log)
	}
	log.Debug("negotiation driven", zap.Int("steps", s.Connection().Steps()))
	return s.Connection(), nil
}

// fail discards both ends. The abort request is best effort: an
// unreachable peer already lost its state or will time out.
func (d *Driver) fail(ctx context.Context, s *port.Session, subject string, step protocol.Step, cause error, log *zap.Logger) error {
	log.Warn("negotiation failed", zap.Stringer("step", step), zap.Stringer("class", api.Classify(cause)), zap.Error(cause))
	if _, err := d.request(context.WithoutCancel(ctx), subject, protocol.Request{Kind: protocol.KindAbort, Step: step}); err != nil {
		log.Debug("abort not delivered", zap.Error(err))
	}
	if err := s.Abort(); err != nil {
		log.Debug("local discard failed", zap.Error(err))
	}
	return api.Wrap(cause, api.ErrCodeConnection, "negotiation failed").
		WithContext("step", int(step)).WithContext("subject", subject)
}

// Serve answers the driving end's requests for s on subject until the
// returned stop function is called.
func (d *Driver) Serve(s *port.Session, subject string) (func() error, error) {
	log := d.log.With(zap.String("subject", subject), zap.String("port", s.Port().Name()))
	return d.x.Handle(subject, func(payload []byte) ([]byte, error) {
		req, err := protocol.DecodeRequest(payload)
		if err != nil {
			return protocol.EncodeReply(protocol.StepResult{}, err)
		}
		switch req.Kind {
		case protocol.KindStep:
			res, err := s.Apply(req.Step, req.Info)
			if err != nil {
				log.Warn("served step failed", zap.Stringer("step", req.Step), zap.Error(err))
				s.Abort() //nolint:errcheck
				return protocol.EncodeReply(res, err)
			}
			if res.Final {
				s.PeerDone()
			}
			return protocol.EncodeReply(res, nil)
		case protocol.KindComplete:
			err := s.Deliver(protocol.StepResult{Step: req.Step, Info: req.Info, Final: req.Info.Final(), Done: true})
			if err != nil {
				log.Warn("completion failed", zap.Stringer("step", req.Step), zap.Error(err))
				s.Abort() //nolint:errcheck
			}
			return protocol.EncodeReply(protocol.StepResult{Step: req.Step, Done: s.Done()}, err)
		default:
			log.Info("negotiation aborted by peer", zap.Stringer("step", req.Step))
			s.Abort() //nolint:errcheck
			return protocol.EncodeReply(protocol.StepResult{Step: req.Step}, nil)
		}
	})
}
