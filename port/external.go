// File: port/external.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package port

import (
	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/core/buffer"
)

// ExternalPort is the application's handle on a port of the graph. It
// plays the opposite role of the port it was connected to and exposes only
// the buffer calls of that role.
type ExternalPort struct {
	port *Port
}

// ConnectExternal creates a free-standing port named name of the opposite
// role, connects it to p and returns the handle.
func (p *Port) ConnectExternal(name string, params Params) (*ExternalPort, error) {
	ext, err := New(Options{
		Name:     name,
		Role:     p.role.Opposite(),
		Metadata: Metadata{Protocol: p.meta.Protocol},
		Locality: p.loc,
		Owner:    p.owner,
		Params:   params,
		Logger:   p.log,
		Metrics:  p.metrics,
	})
	if err != nil {
		return nil, err
	}
	if _, err := ext.Connect(p, Params{}, Params{}); err != nil {
		return nil, err
	}
	return &ExternalPort{port: ext}, nil
}

func (e *ExternalPort) Name() string { return e.port.name }

func (e *ExternalPort) Role() api.Role { return e.port.role }

// GetBuffer returns a writable slot for a producer handle and the next full
// slot for a consumer handle; false when none is available.
func (e *ExternalPort) GetBuffer() (*buffer.Slot, bool, error) {
	if e.port.role == api.Producer {
		return e.port.AcquireForWrite()
	}
	return e.port.AcquireFull()
}

func (e *ExternalPort) Put(s *buffer.Slot, m buffer.Meta) error { return e.port.Put(s, m) }

func (e *ExternalPort) PutEOF(s *buffer.Slot) error { return e.port.PutEOF(s) }

func (e *ExternalPort) Release(s *buffer.Slot) error { return e.port.Release(s) }

func (e *ExternalPort) TryFlush() (bool, error) { return e.port.TryFlush() }

func (e *ExternalPort) Disconnect() error { return e.port.Disconnect() }
