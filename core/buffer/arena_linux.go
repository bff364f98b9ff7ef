// File: core/buffer/arena_linux.go
//go:build linux

//
// Shared-memory arena for the shm transport. The region is a file under
// /dev/shm mapped MAP_SHARED, so two processes on the same host that map
// the same name see the same slot payloads.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package buffer

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm"

type sharedArena struct {
	data    []byte
	path    string
	creator bool
}

// NewSharedArena maps (creating if needed) a named shared region of size
// bytes. The creator unlinks the name on Release.
func NewSharedArena(name string, size int) (Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shared arena %q: invalid size %d", name, size)
	}
	path := filepath.Join(shmDir, "hioload-"+strings.ReplaceAll(name, "/", "_"))

	creator := true
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
	if err == unix.EEXIST {
		creator = false
		fd, err = unix.Open(path, unix.O_RDWR, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("shared arena open %s: %w", path, err)
	}
	defer unix.Close(fd)

	if creator {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = unix.Unlink(path)
			return nil, fmt.Errorf("shared arena truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if creator {
			_ = unix.Unlink(path)
		}
		return nil, fmt.Errorf("shared arena mmap %s: %w", path, err)
	}
	return &sharedArena{data: data, path: path, creator: creator}, nil
}

func (a *sharedArena) Bytes() []byte  { return a.data }
func (a *sharedArena) Offset() uint64 { return 0 }
func (a *sharedArena) Shared() bool   { return true }

func (a *sharedArena) Release() error {
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	if a.creator {
		if uerr := unix.Unlink(a.path); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}
