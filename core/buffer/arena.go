// File: core/buffer/arena.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package buffer implements the fixed-slot message arena behind every port.

package buffer

// slotAlign is the stride alignment of every slot payload.
const slotAlign = 8

// alignStride rounds a payload size up to the slot alignment.
func alignStride(size int) int {
	return (size + slotAlign - 1) &^ (slotAlign - 1)
}

// Footprint is the arena size a ring of count slots of size bytes needs.
func Footprint(count, size int) int {
	return count * alignStride(size)
}

// Arena is the backing memory of one ring: count*stride contiguous bytes.
type Arena interface {
	// Bytes returns the whole region.
	Bytes() []byte
	// Offset is the arena's base offset inside its memory segment;
	// it is zero for private heap arenas.
	Offset() uint64
	// Shared reports whether the region is visible to other processes.
	Shared() bool
	// Release frees the region. The arena must not be used afterwards.
	Release() error
}

// heapArena is the portable Go heap region.
type heapArena struct {
	data []byte
}

// NewHeapArena allocates size bytes on the Go heap.
func NewHeapArena(size int) Arena {
	return &heapArena{data: make([]byte, size)}
}

func (a *heapArena) Bytes() []byte  { return a.data }
func (a *heapArena) Offset() uint64 { return 0 }
func (a *heapArena) Shared() bool   { return false }

func (a *heapArena) Release() error {
	a.data = nil
	return nil
}
