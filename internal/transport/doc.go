// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transport catalog and selection for port connections. The physical byte
// movers for sockets and DMA engines live outside this module; here a
// transport is an identifier, a feature set and, for rings negotiated as
// separate producer and consumer arenas, a Mover that drains one into the
// other.

package transport
