// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Implements the connection negotiation protocol between a producer port
// and a consumer port that cannot share a ring directly.
//
// Includes:
//   - Versioned little-endian descriptor codec with geometry feedback
//   - Flow-control role selection
//   - Per-side five-step state machines with explicit early exit
//   - Step envelope framing for request/reply exchanges
package protocol
