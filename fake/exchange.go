// Package fake
// Author: momentics <momentics@gmail.com>
//
// Recording exchange with request failure injection.

package fake

import (
	"context"
	"sync"

	"github.com/momentics/hioload-ports/api"
)

// Exchanger wraps a working exchange, records every request and can fail
// a chosen one.
type Exchanger struct {
	inner api.Exchanger

	mu       sync.Mutex
	requests [][]byte
	failAt   int
	failErr  error
	closed   bool
}

var _ api.Exchanger = (*Exchanger)(nil)

// NewExchanger wraps inner.
func NewExchanger(inner api.Exchanger) *Exchanger {
	return &Exchanger{inner: inner}
}

// FailRequest makes the n-th request, counting from one, return err
// without reaching the peer.
func (x *Exchanger) FailRequest(n int, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.failAt, x.failErr = n, err
}

// Requests returns copies of every request payload sent.
func (x *Exchanger) Requests() [][]byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([][]byte, len(x.requests))
	copy(out, x.requests)
	return out
}

// Closed reports whether Close was called.
func (x *Exchanger) Closed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

// Request implements api.Exchanger.
func (x *Exchanger) Request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	x.mu.Lock()
	x.requests = append(x.requests, append([]byte(nil), payload...))
	n, fail, err := len(x.requests), x.failAt, x.failErr
	x.mu.Unlock()
	if n == fail {
		return nil, err
	}
	return x.inner.Request(ctx, subject, payload)
}

// Handle implements api.Exchanger.
func (x *Exchanger) Handle(subject string, fn api.StepHandler) (func() error, error) {
	return x.inner.Handle(subject, fn)
}

// Close implements api.Exchanger.
func (x *Exchanger) Close() error {
	x.mu.Lock()
	x.closed = true
	x.mu.Unlock()
	return x.inner.Close()
}
