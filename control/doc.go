// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection for port runtimes.
//
// Provides:
//   - File and environment configuration with a snapshot store
//   - Prometheus counters for ring traffic, drops and negotiation steps
//   - State export and probe registration
package control
