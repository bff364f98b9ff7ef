// File: internal/exchange/memory.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package exchange

import (
	"context"
	"strings"
	"sync"

	"github.com/momentics/hioload-ports/api"
)

// Memory is an api.Exchanger whose requests call handlers directly. Both
// negotiating ends share one instance.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string]api.StepHandler
	closed   bool
}

var _ api.Exchanger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{handlers: make(map[string]api.StepHandler)}
}

func (x *Memory) Request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, api.Wrap(err, api.ErrCodeConnection, "step request failed").WithContext("subject", subject)
	}
	x.mu.RLock()
	fn, ok := x.handlers[subject]
	closed := x.closed
	x.mu.RUnlock()
	switch {
	case closed:
		return nil, api.NewError(api.ErrCodeConnection, "exchange closed").WithContext("subject", subject)
	case !ok:
		return nil, api.NewError(api.ErrCodeConnection, "step request failed").
			WithContext("subject", subject).WithContext("reason", "no responders")
	}
	out, err := fn(append([]byte(nil), payload...))
	if err != nil || len(out) == 0 {
		return nil, api.Wrap(err, api.ErrCodeConnection, "peer could not answer step").WithContext("subject", subject)
	}
	return out, nil
}

func (x *Memory) Handle(subject string, fn api.StepHandler) (func() error, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil, api.NewError(api.ErrCodeConnection, "exchange closed").WithContext("subject", subject)
	}
	if _, dup := x.handlers[subject]; dup {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "subject already served").WithContext("subject", subject)
	}
	x.handlers[subject] = fn
	return func() error {
		x.mu.Lock()
		delete(x.handlers, subject)
		x.mu.Unlock()
		return nil
	}, nil
}

func (x *Memory) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	clear(x.handlers)
	return nil
}

// Subject builds a NATS-safe subject for a connection key under prefix.
// Characters outside letters, digits, '-' and '_' become '_'.
func Subject(prefix, key string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	if prefix == "" {
		return clean
	}
	return prefix + "." + clean
}
