// Package vmspace implements MappingArea and MemorySpace: the per-process
// collection of mapping areas and the address-space lifecycle operations
// (alloc-and-map, unmap, brk growth, cloning, signal-trampoline
// registration) built on top of an mmu.IMMU and a frame.Allocator.
package vmspace

import (
	"errors"

	"galette/addr"
	"galette/frame"
	"galette/mmu"
)

// AreaType classifies what a MappingArea is used for.
type AreaType int

const (
	UserElf AreaType = iota
	UserStack
	UserStackGuardBase
	UserStackGuardTop
	UserBrk
	VMA // general anonymous mapping
	SignalTrampoline
)

// MapType describes how an area's pages are backed. Only Framed (one
// independent physical frame per virtual page) is implemented; Linear is
// reserved for a future direct/huge-page-backed mapping kind, per
// spec.md's explicit "future: Linear" note.
type MapType int

const (
	Framed MapType = iota
	Linear
)

// ErrOutOfMemory is returned when the frame allocator cannot satisfy an
// area allocation.
var ErrOutOfMemory = errors.New("vmspace: out of memory")

// AreaAllocation maps every virtual page in a MappingArea's range to the
// FrameDesc backing it, plus the allocator those frames came from.
// Invariant: when an area carrying an allocation is removed from its
// memory space, every frame in Frames is returned to Allocator — see
// MemorySpace.removeAreaLocked.
type AreaAllocation struct {
	Allocator *frame.Allocator
	Frames    map[addr.VirtPage]*frame.FrameDesc
}

func newAreaAllocation(alloc *frame.Allocator) *AreaAllocation {
	return &AreaAllocation{Allocator: alloc, Frames: make(map[addr.VirtPage]*frame.FrameDesc)}
}

// release returns every frame in the allocation to its allocator. It is
// the Go stand-in for the source's Drop impl on MappingAreaAllocation.
func (a *AreaAllocation) release() {
	for vp, f := range a.Frames {
		a.Allocator.Dealloc(f)
		delete(a.Frames, vp)
	}
}

// MappingArea owns a contiguous virtual page range, its classification,
// its permissions, and — once allocated — the physical frames backing it.
type MappingArea struct {
	VPageRange  addr.VirtPageRange
	Type        AreaType
	Kind        MapType
	Permissions mmu.PermissionFlags
	Allocation  *AreaAllocation
}

// NewArea constructs an unallocated mapping area.
func NewArea(r addr.VirtPageRange, t AreaType, kind MapType, perms mmu.PermissionFlags) *MappingArea {
	return &MappingArea{VPageRange: r, Type: t, Kind: kind, Permissions: perms}
}

// cloneEmpty returns a fresh area with the same range/type/kind/permissions
// but no allocation, used by MemorySpace.CloneExisting.
func (a *MappingArea) cloneEmpty() *MappingArea {
	return &MappingArea{VPageRange: a.VPageRange, Type: a.Type, Kind: a.Kind, Permissions: a.Permissions}
}

// Contains reports whether vp falls within the area's range.
func (a *MappingArea) Contains(vp addr.VirtPage) bool { return a.VPageRange.ContainsPage(vp) }

func toMMUPageSize(bytes uintptr) mmu.PageSize {
	switch bytes {
	case mmu.PageSize4KiB.Bytes:
		return mmu.PageSize4KiB
	case mmu.PageSize2MiB.Bytes:
		return mmu.PageSize2MiB
	case mmu.PageSize1GiB.Bytes:
		return mmu.PageSize1GiB
	default:
		return mmu.Custom(bytes)
	}
}
