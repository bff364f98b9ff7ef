// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Defines the negotiation exchange abstraction. Negotiation descriptors are
// opaque byte strings on this path; the exchange only carries them between
// the two sides of a connection that cannot reach each other directly.

package api

import "context"

// StepHandler answers one negotiation step request from a peer.
type StepHandler func(payload []byte) ([]byte, error)

// Exchanger carries negotiation step payloads between hosts.
type Exchanger interface {
	// Request sends payload to subject and waits for the reply.
	Request(ctx context.Context, subject string, payload []byte) ([]byte, error)

	// Handle serves requests arriving on subject until the returned
	// cancel function is called.
	Handle(subject string, fn StepHandler) (cancel func() error, err error)

	// Close releases the exchange and its subscriptions.
	Close() error
}

// TransportFeatures describes what a transport can offer to a connection.
type TransportFeatures struct {
	ZeroCopy     bool
	SharedMemory bool
	SplitRings   bool // producer and consumer own separate rings
	Roles        RoleSet
}
