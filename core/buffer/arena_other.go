// File: core/buffer/arena_other.go
//go:build !linux

//
// Platforms without a /dev/shm mapping fall back to a private heap region.
// Such an arena reports Shared() == false, which keeps the shm transport
// from being selected across processes.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package buffer

import "fmt"

// NewSharedArena returns a heap arena; name is kept only for diagnostics.
func NewSharedArena(name string, size int) (Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shared arena %q: invalid size %d", name, size)
	}
	return NewHeapArena(size), nil
}
