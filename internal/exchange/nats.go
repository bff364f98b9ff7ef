// File: internal/exchange/nats.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// NATS request/reply carriage of negotiation steps. Each step is one
// request on the connection's subject; the serving side responds from a
// plain subscription.

package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/internal/logging"
)

// NATS is an api.Exchanger over one NATS connection.
type NATS struct {
	conn *nats.Conn
	own  bool
	log  *zap.Logger

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

var _ api.Exchanger = (*NATS)(nil)

// DialNATS connects to url and owns the connection.
func DialNATS(url string, log *zap.Logger, opts ...nats.Option) (*NATS, error) {
	log = logging.OrNop(log)
	base := []nats.Option{
		nats.Name("hioload-ports"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, api.Wrap(err, api.ErrCodeConnection, "nats connect failed").WithContext("url", url)
	}
	x := NewNATS(conn, log)
	x.own = true
	return x, nil
}

// NewNATS wraps a connection the caller keeps owning.
func NewNATS(conn *nats.Conn, log *zap.Logger) *NATS {
	return &NATS{
		conn: conn,
		log:  logging.OrNop(log).Named("exchange"),
		subs: make(map[*nats.Subscription]struct{}),
	}
}

// Request sends one step and waits for the peer's reply or ctx.
func (x *NATS) Request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	msg, err := x.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		e := api.Wrap(err, api.ErrCodeConnection, "step request failed").WithContext("subject", subject)
		if errors.Is(err, nats.ErrNoResponders) {
			e.WithContext("reason", "no responders")
		}
		return nil, e
	}
	if len(msg.Data) == 0 {
		return nil, api.NewError(api.ErrCodeConnection, "peer could not answer step").WithContext("subject", subject)
	}
	return msg.Data, nil
}

// Handle subscribes fn to subject. A handler error is answered with an
// empty reply, which the requester reports as a connection error.
func (x *NATS) Handle(subject string, fn api.StepHandler) (func() error, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil, api.NewError(api.ErrCodeConnection, "exchange closed").WithContext("subject", subject)
	}
	sub, err := x.conn.Subscribe(subject, func(m *nats.Msg) {
		out, err := fn(m.Data)
		if err != nil {
			x.log.Warn("step handler failed", zap.String("subject", subject), zap.Error(err))
			out = nil
		}
		if err := m.Respond(out); err != nil {
			x.log.Warn("step reply failed", zap.String("subject", subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, api.Wrap(err, api.ErrCodeConnection, "subscribe failed").WithContext("subject", subject)
	}
	x.subs[sub] = struct{}{}
	return func() error {
		x.mu.Lock()
		_, live := x.subs[sub]
		delete(x.subs, sub)
		x.mu.Unlock()
		if !live {
			return nil
		}
		return sub.Unsubscribe()
	}, nil
}

// Close drops every subscription, and the connection when DialNATS made it.
func (x *NATS) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	subs := x.subs
	x.subs = map[*nats.Subscription]struct{}{}
	x.mu.Unlock()

	var errs []error
	for sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	if x.own {
		x.conn.Close()
	}
	return errors.Join(errs...)
}
