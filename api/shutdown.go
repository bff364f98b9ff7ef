// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown tears down every connection owned by a component and
// releases its rings. It must be safe to call more than once.
type GracefulShutdown interface {
	Shutdown() error
}
