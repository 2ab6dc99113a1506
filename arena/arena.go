// Package arena provides a host-process stand-in for physical RAM. The VM
// core this module implements assumes bare-metal physical memory reachable
// through a linear kernel window; running hosted, there is no such memory
// to map. Arena obtains a real, page-aligned, anonymous mapping from the
// host kernel via golang.org/x/sys/unix so that pagetable's bulk-copy
// paths (read_bytes/write_bytes/linear_map_phys) operate on genuine
// addressable bytes instead of a bare Go slice pretending to be RAM.
package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Arena is a fixed-size, page-aligned region of anonymous host memory
// representing the physical address range [0, Size).
type Arena struct {
	bytes []byte
}

// New allocates a new arena of size bytes, rounded up to the host page
// size by the mmap call itself.
func New(size uintptr) (*Arena, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap %d bytes: %w", size, err)
	}
	return &Arena{bytes: b}, nil
}

// Close releases the underlying mapping. It is not safe to use the arena
// or any slice derived from it afterwards.
func (a *Arena) Close() error {
	if a.bytes == nil {
		return nil
	}
	err := unix.Munmap(a.bytes)
	a.bytes = nil
	return err
}

// Size returns the arena's length in bytes.
func (a *Arena) Size() uintptr { return uintptr(len(a.bytes)) }

// Slice returns the byte slice backing the physical range [offset,
// offset+length). It panics if the range falls outside the arena, which
// indicates a bug in a caller that should have checked bounds first via
// frame.Allocator.CheckPAddr or equivalent.
func (a *Arena) Slice(offset, length uintptr) []byte {
	if offset+length < offset || offset+length > uintptr(len(a.bytes)) {
		panic("arena: slice out of bounds")
	}
	return a.bytes[offset : offset+length]
}
