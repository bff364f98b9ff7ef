// File: internal/transport/feature_detect.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Advertises the transports this platform can run.

package transport

import (
	"os"
	"runtime"

	"github.com/momentics/hioload-ports/api"
)

// Available returns the transports usable on this OS. Shared memory needs
// a tmpfs at /dev/shm.
func Available() api.TransportSet {
	set := api.TransportsOf(api.TransportInProcess, api.TransportSocket, api.TransportDMA)
	if HasSharedMemory() {
		set |= api.TransportsOf(api.TransportSharedMemory)
	}
	return set
}

// HasSharedMemory reports whether shm arenas are backed by real shared
// mappings here. Tests may override it.
var HasSharedMemory = func() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	fi, err := os.Stat("/dev/shm")
	return err == nil && fi.IsDir()
}

// Preferred is DefaultPreference restricted to what Available reports.
func Preferred() []api.TransportID {
	avail := Available()
	var out []api.TransportID
	for _, id := range DefaultPreference {
		if avail.Has(id) {
			out = append(out, id)
		}
	}
	return out
}
