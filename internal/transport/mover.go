// File: internal/transport/mover.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Movers drain a split producer ring into its consumer ring.

package transport

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-ports/core/buffer"
)

// Mover carries pending producer slots to the consumer side. It returns the
// number of slots moved; a full consumer ring stops the pass without error.
type Mover interface {
	Move(src, dst *buffer.Ring) (int, error)
}

// Memcopy is the mover for two rings in one address space.
type Memcopy struct{}

var _ Mover = Memcopy{}

// Move copies payloads in put order. Hosted slots are read through their
// host, so custody of a forwarded buffer returns once it is copied out.
func (Memcopy) Move(src, dst *buffer.Ring) (int, error) {
	moved := 0
	for _, s := range src.Pending() {
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
		if err != nil {
			if aerr := dst.Abandon(d); aerr != nil {
				err = errors.Join(err, aerr)
			}
			return moved, fmt.Errorf("memcopy %s -> %s: %w", src.Name(), dst.Name(), err)
		}
		if err := src.MarkSent(s); err != nil {
			return moved, fmt.Errorf("memcopy %s: %w", src.Name(), err)
		}
		moved++
	}
	return moved, nil
}
