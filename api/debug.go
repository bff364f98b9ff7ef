// Package api
// Author: momentics
//
// Live debug support: named probes returning ring and connection snapshots.

package api

// Debug exposes runtime introspection.
type Debug interface {
	// DumpState emits a snapshot of every registered probe.
	DumpState() map[string]any

	// RegisterProbe registers or replaces a named probe.
	RegisterProbe(name string, fn func() any)

	// UnregisterProbe removes a probe when its subject is torn down.
	UnregisterProbe(name string)
}
