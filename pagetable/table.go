package pagetable

import (
	"sync"

	"galette/addr"
	"galette/arena"
	"galette/config"
	"galette/frame"
	"galette/mmu"
)

// NativeTable is a concrete SV39-style 3-level page table. A borrowed
// table holds only its root physical address and refuses every mutating
// operation with mmu.ErrBorrowed; an owned table additionally tracks the
// frames it allocated for intermediate levels (freed when the table is
// destroyed) and a cross-mapping window allocator carved from its own
// kernel-half address space.
//
// The source's ArchAttribute/PageTableEntry generic parameters are not
// carried over: Go's pointer-receiver method sets cannot satisfy a type
// constraint on the value type itself the way the Rust generics do (see
// DESIGN.md), so this module implements SV39 concretely, matching the
// teacher's own preference for concrete, non-generic core types such as
// Pmap_t.
type NativeTable struct {
	mu      sync.Mutex
	root    addr.PhysAddr
	owned   bool
	alloc   *frame.Allocator // nil for a borrowed table
	arena   *arena.Arena
	tables  []*frame.FrameDesc // intermediate-level frames this table owns
	windows windowAllocator
	cpus    int

	// tlbs is the simulated per-CPU translation cache consulted by
	// lookupLocked and invalidated by shootdown after every mutating
	// edit; see tlb.go.
	tlbs []map[addr.VirtAddr]cachedTranslation

	buffersMu sync.Mutex
	buffers   map[addr.VirtAddr]*bufferHandle
}

// NewOwned constructs a fresh, empty owned page table: it allocates its
// own root frame from alloc and zeroes it.
func NewOwned(alloc *frame.Allocator, ar *arena.Arena) (*NativeTable, error) {
	rootDesc, ok := alloc.AllocFrame()
	if !ok {
		return nil, mmu.ErrOutOfMemory
	}
	t := &NativeTable{
		root:  rootDesc.PAddr(),
		owned: true,
		alloc: alloc,
		arena: ar,
		cpus:  config.SimulatedCPUCount,
		tlbs:  newTLBs(config.SimulatedCPUCount),
		windows: windowAllocator{
			next: addr.VirtAddr(config.CrossWindowBase),
		},
	}
	t.tables = append(t.tables, rootDesc)
	zero(t.tableBytes(t.root))
	return t, nil
}

// NewBorrowed attaches a read-only view to an existing root table. Every
// mutating operation fails with mmu.ErrBorrowed.
func NewBorrowed(root addr.PhysAddr, ar *arena.Arena) *NativeTable {
	return &NativeTable{
		root:  root,
		owned: false,
		arena: ar,
		cpus:  config.SimulatedCPUCount,
		tlbs:  newTLBs(config.SimulatedCPUCount),
	}
}

// Destroy releases every frame this table owns (its root and every
// intermediate table it allocated during walks). It must only be called
// on an owned table whose mappings have already been torn down by the
// caller (vmspace.MemorySpace); NativeTable does not track leaf frames,
// only table frames.
func (t *NativeTable) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.owned {
		return
	}
	for _, f := range t.tables {
		t.alloc.Dealloc(f)
	}
	t.tables = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// PlatformPayload returns the table's root physical address, standing in
// for an architecture-specific SATP-like word (no ASID tagging is
// simulated).
func (t *NativeTable) PlatformPayload() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.Word()
}

// walkResult names the table and index a single-entry operation should
// read or write.
type walkResult struct {
	tableAddr addr.PhysAddr
	index     int
}

// walk descends from the root towards the level matching size, creating
// intermediate table frames as needed when create is true. It returns
// the coordinates of the leaf-level entry, or a PagingError.
func (t *NativeTable) walk(v addr.VirtAddr, size mmu.PageSize, create bool) (walkResult, error) {
	indices := levelIndices(v)
	target := levelForSize(size)
	cur := t.root

	for level := 2; level > target; level-- {
		idx := indices[level]
		e := t.readEntry(cur, idx)
		switch {
		case !e.valid():
			if !create {
				return walkResult{}, mmu.ErrNotMapped
			}
			child, ok := t.alloc.AllocFrame()
			if !ok {
				return walkResult{}, mmu.ErrOutOfMemory
			}
			zero(t.tableBytes(child.PAddr()))
			t.writeEntry(cur, idx, newTableEntry(child.PAddr()))
			t.tables = append(t.tables, child)
			cur = child.PAddr()
		case e.leaf():
			return walkResult{}, mmu.ErrMappedToHuge
		default:
			cur = e.paddr()
		}
	}
	return walkResult{tableAddr: cur, index: indices[target]}, nil
}

// MapSingle installs a leaf mapping for v -> p at size with flags. v and p
// must already be aligned to size; the target entry must be empty.
func (t *NativeTable) MapSingle(v addr.VirtAddr, p addr.PhysAddr, size mmu.PageSize, flags mmu.PermissionFlags) error {
	if !v.IsAligned(size.Bytes) || !p.IsAligned(size.Bytes) {
		return mmu.ErrNotAligned
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.owned {
		return mmu.ErrBorrowed
	}
	wr, err := t.walk(v, size, true)
	if err != nil {
		return err
	}
	if t.readEntry(wr.tableAddr, wr.index).valid() {
		return mmu.ErrAlreadyMapped
	}
	t.writeEntry(wr.tableAddr, wr.index, newLeafEntry(p, flags))
	t.shootdown(v)
	return nil
}

// RemapSingle updates the PTE for an already-mapped v, returning the
// page size of the prior mapping.
func (t *NativeTable) RemapSingle(v addr.VirtAddr, p addr.PhysAddr, flags mmu.PermissionFlags) (mmu.PageSize, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.owned {
		return mmu.PageSize{}, mmu.ErrBorrowed
	}
	wr, size, _, err := t.lookupLocked(v)
	if err != nil {
		return mmu.PageSize{}, err
	}
	t.writeEntry(wr.tableAddr, wr.index, newLeafEntry(p, flags))
	t.shootdown(v)
	return size, nil
}

// UnmapSingle removes the mapping at v, returning its physical address
// and page size.
func (t *NativeTable) UnmapSingle(v addr.VirtAddr) (addr.PhysAddr, mmu.PageSize, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.owned {
		return addr.PhysAddr(0), mmu.PageSize{}, mmu.ErrBorrowed
	}
	wr, size, e, err := t.lookupLocked(v)
	if err != nil {
		return addr.PhysAddr(0), mmu.PageSize{}, err
	}
	t.writeEntry(wr.tableAddr, wr.index, clearEntry())
	t.shootdown(v)
	return e.paddr(), size, nil
}

// QueryVirtual resolves v to its backing physical address (offset
// within the page already added), flags, and page size.
func (t *NativeTable) QueryVirtual(v addr.VirtAddr) (addr.PhysAddr, mmu.PermissionFlags, mmu.PageSize, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, size, e, err := t.lookupLocked(v)
	if err != nil {
		return addr.PhysAddr(0), 0, mmu.PageSize{}, err
	}
	off := v.OffsetWithin(size.Bytes)
	return e.paddr().AddUint(off), e.flags(), size, nil
}

// lookupLocked descends the tree tolerantly: it stops at whichever level
// holds a leaf, be it 4 KiB, 2 MiB, or 1 GiB, returning its size. A 4 KiB
// leaf result is served from, and filled into, the simulated per-CPU TLB
// cache (tlb.go); shootdown evicts this cache, not just a theoretical one,
// so skipping a walk here is only ever correct because every mutating
// edit calls it first.
func (t *NativeTable) lookupLocked(v addr.VirtAddr) (walkResult, mmu.PageSize, entry, error) {
	if c, ok := t.tlbLookup(v); ok {
		return c.wr, c.size, c.e, nil
	}

	indices := levelIndices(v)
	cur := t.root
	sizes := [3]mmu.PageSize{mmu.PageSize4KiB, mmu.PageSize2MiB, mmu.PageSize1GiB}

	for level := 2; level >= 0; level-- {
		idx := indices[level]
		e := t.readEntry(cur, idx)
		if !e.valid() {
			return walkResult{}, mmu.PageSize{}, 0, mmu.ErrNotMapped
		}
		if e.leaf() || level == 0 {
			wr := walkResult{tableAddr: cur, index: idx}
			if level == 0 {
				t.tlbStore(v, cachedTranslation{wr: wr, size: sizes[level], e: e})
			}
			return wr, sizes[level], e, nil
		}
		cur = e.paddr()
	}
	return walkResult{}, mmu.PageSize{}, 0, mmu.ErrNotMapped
}

// CreateOrUpdateSingle walks and creates intermediate levels as needed,
// then installs or edits the leaf at v. A nil p or flags leaves that
// aspect of an existing mapping unchanged.
func (t *NativeTable) CreateOrUpdateSingle(v addr.VirtAddr, size mmu.PageSize, p *addr.PhysAddr, flags *mmu.PermissionFlags) error {
	if !v.IsAligned(size.Bytes) {
		return mmu.ErrNotAligned
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.owned {
		return mmu.ErrBorrowed
	}
	wr, err := t.walk(v, size, true)
	if err != nil {
		return err
	}
	existing := t.readEntry(wr.tableAddr, wr.index)
	newP := existing.paddr()
	if p != nil {
		newP = *p
	}
	newFlags := existing.flags()
	if flags != nil {
		newFlags = *flags
	}
	t.writeEntry(wr.tableAddr, wr.index, newLeafEntry(newP, newFlags))
	t.shootdown(v)
	return nil
}
