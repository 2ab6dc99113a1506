package mmu

import "galette/addr"

// IMMU is the hardware-agnostic memory-management-unit abstraction: a
// runtime-polymorphic object exposing page-table operations plus safe
// bulk access between the kernel and a guest address space. pagetable.NativeTable
// is the module's one concrete implementation.
type IMMU interface {
	// MapSingle installs a leaf mapping for v -> p at size with flags. v
	// and p must already be aligned to size and the entry must currently
	// be empty.
	MapSingle(v addr.VirtAddr, p addr.PhysAddr, size PageSize, flags PermissionFlags) error

	// RemapSingle updates the PTE for an already-mapped v, returning the
	// page size of the prior mapping.
	RemapSingle(v addr.VirtAddr, p addr.PhysAddr, flags PermissionFlags) (PageSize, error)

	// UnmapSingle removes the mapping at v, returning its physical
	// address and page size.
	UnmapSingle(v addr.VirtAddr) (addr.PhysAddr, PageSize, error)

	// QueryVirtual resolves v to its backing physical address (with the
	// offset within the page already added), flags, and page size.
	QueryVirtual(v addr.VirtAddr) (addr.PhysAddr, PermissionFlags, PageSize, error)

	// CreateOrUpdateSingle walks and creates intermediate levels as
	// needed, then installs or edits the leaf at v. A nil p or flags
	// leaves that aspect of an existing mapping unchanged.
	CreateOrUpdateSingle(v addr.VirtAddr, size PageSize, p *addr.PhysAddr, flags *PermissionFlags) error

	// ReadBytes and WriteBytes copy through the kernel's linear window.
	ReadBytes(v addr.VirtAddr, dst []byte) error
	WriteBytes(v addr.VirtAddr, src []byte) error

	// InspectFramed walks length bytes starting at v across however many
	// mappings back it, invoking cb once per physically-contiguous
	// chunk with the chunk's bytes and its offset into the overall
	// request. cb returns false to stop early.
	InspectFramed(v addr.VirtAddr, length uintptr, cb func(chunk []byte, offset uintptr) bool) error
	InspectFramedMut(v addr.VirtAddr, length uintptr, cb func(chunk []byte, offset uintptr) bool) error

	// LinearMapPhys returns a direct kernel-virtual slice over a
	// physical range already reachable through the linear window.
	LinearMapPhys(p addr.PhysAddr, length uintptr) ([]byte, error)

	// MapBuffer/MapBufferMut return a scoped slice over v..v+length,
	// requiring Readable (and Writable, for the mutable variant)
	// permission on every page. The returned handle releases the
	// mapping on Close.
	MapBuffer(v addr.VirtAddr, length uintptr) (*Memory, error)
	MapBufferMut(v addr.VirtAddr, length uintptr) (*MemoryMut, error)

	// MapCross/MapCrossMut allocate a window in this table's own
	// kernel-half address space mirroring source's mapping of
	// v..v+length, returning a slice over that window.
	MapCross(source IMMU, v addr.VirtAddr, length uintptr) (*Memory, error)
	MapCrossMut(source IMMU, v addr.VirtAddr, length uintptr) (*MemoryMut, error)

	// UnmapCross tears down a window previously returned by MapCross(Mut)
	// for the given source, identified by its window's virtual address.
	UnmapCross(source IMMU, windowAddr addr.VirtAddr) error

	// UnmapBuffer tears down a window previously returned by
	// MapBuffer(Mut), identified by its virtual address.
	UnmapBuffer(v addr.VirtAddr) error

	// PlatformPayload returns the architecture-specific identifier of
	// the page-table root, suitable for direct write into the register
	// that activates the address space.
	PlatformPayload() uintptr
}
