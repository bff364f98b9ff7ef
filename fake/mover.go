// Package fake
// Author: momentics <momentics@gmail.com>
//
// Controllable mover for split-ring tests.

package fake

import (
	"sync"

	"github.com/momentics/hioload-ports/core/buffer"
	"github.com/momentics/hioload-ports/internal/transport"
)

// Mover copies like transport.Memcopy but can be throttled or failed.
type Mover struct {
	mu    sync.Mutex
	limit int
	err   error
	calls int
	moved int
}

var _ transport.Mover = (*Mover)(nil)

// NewMover creates a mover without limit.
func NewMover() *Mover { return &Mover{} }

// SetLimit caps the slots moved per call; zero removes the cap.
func (m *Mover) SetLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = n
}

// SetError makes every following Move fail with err; nil clears it.
func (m *Mover) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls is the number of Move calls so far.
func (m *Mover) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Moved is the number of slots moved so far.
func (m *Mover) Moved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moved
}

// Move implements transport.Mover.
func (m *Mover) Move(src, dst *buffer.Ring) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	n := 0
	for _, s := range src.Pending() {
		if m.limit > 0 && n == m.limit {
			break
		}
		d, ok := dst.AcquireForWrite()
		if !ok {
			break
		}
		var err error
		if s.Closure() {
			err = dst.PutEOF(d)
		} else {
			copy(d.Payload(), s.Data())
			err = dst.Put(d, s.Meta())
		}
		if err == nil {
			err = src.MarkSent(s)
		}
		if err != nil {
			m.moved += n
			return n, err
		}
		n++
	}
	m.moved += n
	return n, nil
}
