// Package port
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ports are the endpoints of a data-flow graph. A producer port fills slots
// of its ring and puts them; a consumer port takes full slots and releases
// them. Two ports in one address space connect directly over a shared ring.
// Ports farther apart bind a negotiation Session (or, for tests and
// single-process deployments, run both sides through Negotiate) and build
// their ring from the agreed geometry once the negotiation is done.
//
// Steady-state calls never block. "Not ready" is reported as false, never
// as an error.
package port
