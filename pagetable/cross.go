package pagetable

import (
	"sort"
	"sync"

	"galette/addr"
	"galette/config"
	"galette/mmu"
)

// windowAllocator tracks cross-mapping windows carved out of a table's
// own kernel-half address space. Windows are placed at monotonically
// increasing virtual addresses in a sorted set; a released window's slot
// is never reused, matching the source's documented placement policy
// (spec.md §9). Its mutex is taken and released while the owning table's
// mutex is not held, so the two locks never nest and PTE installs run
// without the window lock.
type windowEntry struct {
	base   addr.VirtAddr
	length uintptr
}

type windowAllocator struct {
	mu     sync.Mutex
	next   addr.VirtAddr
	active []windowEntry // sorted ascending by base
}

// reserve carves out a fresh window of length bytes (rounded up to the
// page size) and returns its base address.
func (w *windowAllocator) reserve(length uintptr) addr.VirtAddr {
	w.mu.Lock()
	defer w.mu.Unlock()
	aligned := (length + config.PageSize - 1) &^ (config.PageSize - 1)
	if aligned == 0 {
		aligned = config.PageSize
	}
	base := w.next
	w.next = w.next.AddUint(aligned)
	idx := sort.Search(len(w.active), func(i int) bool { return w.active[i].base >= base })
	w.active = append(w.active, windowEntry{})
	copy(w.active[idx+1:], w.active[idx:])
	w.active[idx] = windowEntry{base: base, length: aligned}
	return base
}

// release removes base from the active set and returns the window's
// recorded length. ok is false if base is not a currently active window.
// The window's virtual-address slot is never reused, matching the
// source's documented "no reclamation" placement policy.
func (w *windowAllocator) release(base addr.VirtAddr) (uintptr, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := sort.Search(len(w.active), func(i int) bool { return w.active[i].base >= base })
	if idx < len(w.active) && w.active[idx].base == base {
		length := w.active[idx].length
		w.active = append(w.active[:idx], w.active[idx+1:]...)
		return length, true
	}
	return 0, false
}

// physChunk is one physically-contiguous piece of a virtual range,
// produced by collectPhysChunks.
type physChunk struct {
	phys   addr.PhysAddr
	length uintptr
	flags  mmu.PermissionFlags
}

// collectPhysChunks walks source's mappings to gather the (phys, size)
// tuples covering [v, v+length), by repeatedly querying and advancing to
// the end of whatever page size backs the current address.
func collectPhysChunks(source *NativeTable, v addr.VirtAddr, length uintptr) ([]physChunk, error) {
	var chunks []physChunk
	remaining := length
	cur := v
	for remaining > 0 {
		phys, flags, size, err := source.QueryVirtual(cur)
		if err != nil {
			return nil, err
		}
		pageEnd := cur.AlignDown(size.Bytes).AddUint(size.Bytes)
		avail := uintptr(pageEnd.Sub(cur))
		take := avail
		if take > remaining {
			take = remaining
		}
		chunks = append(chunks, physChunk{phys: phys, length: take, flags: flags})
		cur = cur.AddUint(take)
		remaining -= take
	}
	return chunks, nil
}

// mapCross is shared by MapCross and MapCrossMut: it allocates a window,
// maps every collected physical chunk into it, and on any error releases
// the window automatically (scoped cleanup), matching the source's
// "on error, the allocated window is automatically released" guarantee.
func (t *NativeTable) mapCross(source *NativeTable, v addr.VirtAddr, length uintptr, writable bool) (addr.VirtAddr, []byte, error) {
	if !t.owned {
		return addr.VirtAddr(0), nil, mmu.ErrBorrowed
	}
	chunks, err := collectPhysChunks(source, v, length)
	if err != nil {
		return addr.VirtAddr(0), nil, err
	}

	window := t.windows.reserve(length)
	committed := false
	defer func() {
		if !committed {
			t.windows.release(window)
		}
	}()

	flags := mmu.Kernel | mmu.Readable
	if writable {
		flags |= mmu.Writable
	}

	t.mu.Lock()
	cursor := window
	for _, c := range chunks {
		if err := t.mapSingleRunLocked(cursor, c.phys, c.length, flags); err != nil {
			t.mu.Unlock()
			return addr.VirtAddr(0), nil, err
		}
		cursor = cursor.AddUint(c.length)
	}
	t.mu.Unlock()

	data := stitchChunks(t, chunks)
	committed = true
	return window, data, nil
}

// mapSingleRunLocked installs 4 KiB leaf entries covering [v, v+length)
// -> [p, p+length), used by cross mapping where length need not be a
// single page-size multiple boundary. t.mu must already be held.
func (t *NativeTable) mapSingleRunLocked(v addr.VirtAddr, p addr.PhysAddr, length uintptr, flags mmu.PermissionFlags) error {
	start := v.AlignDown(config.PageSize)
	end := v.AddUint(length).AlignUp(config.PageSize)
	base := p.AlignDown(config.PageSize)
	for cur, pcur := start, base; cur < end; cur, pcur = cur.AddUint(config.PageSize), pcur.AddUint(config.PageSize) {
		wr, err := t.walk(cur, mmu.PageSize4KiB, true)
		if err != nil {
			return err
		}
		if t.readEntry(wr.tableAddr, wr.index).valid() {
			continue // already mapped by an earlier overlapping chunk
		}
		t.writeEntry(wr.tableAddr, wr.index, newLeafEntry(pcur, flags))
	}
	return nil
}

// MapCross allocates a window within this table's own kernel-half address
// space mirroring source's mapping of v..v+length, returning a scoped,
// read-only slice over it.
func (t *NativeTable) MapCross(source mmu.IMMU, v addr.VirtAddr, length uintptr) (*mmu.Memory, error) {
	src, ok := source.(*NativeTable)
	if !ok {
		return nil, mmu.ErrInvalidAddress
	}
	window, data, err := t.mapCross(src, v, length, false)
	if err != nil {
		return nil, err
	}
	return mmu.NewMemory(t, source, window, data), nil
}

// MapCrossMut is the mutable counterpart of MapCross.
func (t *NativeTable) MapCrossMut(source mmu.IMMU, v addr.VirtAddr, length uintptr) (*mmu.MemoryMut, error) {
	src, ok := source.(*NativeTable)
	if !ok {
		return nil, mmu.ErrInvalidAddress
	}
	window, data, err := t.mapCross(src, v, length, true)
	if err != nil {
		return nil, err
	}
	return mmu.NewMemoryMut(t, source, window, data), nil
}

// UnmapCross looks up the window by virtual address, releases it from
// the window allocator, and unmaps every PTE installed across it.
func (t *NativeTable) UnmapCross(source mmu.IMMU, windowAddr addr.VirtAddr) error {
	length, ok := t.windows.release(windowAddr)
	if !ok {
		return mmu.ErrInvalidAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	start := windowAddr.AlignDown(config.PageSize)
	end := windowAddr.AddUint(length)
	for cur := start; cur < end; cur = cur.AddUint(config.PageSize) {
		wr, _, ent, err := t.lookupLocked(cur)
		if err == nil && ent.valid() {
			t.writeEntry(wr.tableAddr, wr.index, clearEntry())
			t.shootdown(cur)
		}
	}
	return nil
}
