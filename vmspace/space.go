package vmspace

import (
	"errors"
	"fmt"
	"sync"

	"galette/addr"
	"galette/config"
	"galette/frame"
	"galette/mmu"
)

// ErrBrkBeforeStart is returned by IncreaseBrk when the requested end
// lies before the current brk start.
var ErrBrkBeforeStart = errors.New("vmspace: brk end precedes brk start")

// MemorySpaceAttribute is the one-shot layout description published by
// Init after a memory space's initial areas (ELF image, stack, guards,
// brk) have been constructed. It additionally records the signal
// trampoline's virtual page once RegisterSignalTrampoline runs — a
// supplement to the distilled spec carried over from the original's
// MemorySpaceAttribute (see SPEC_FULL.md §4.5).
type MemorySpaceAttribute struct {
	BrkAreaIndex    int
	BrkStart        addr.VirtAddr
	StackGuardBase  addr.VirtPageRange
	StackRange      addr.VirtPageRange
	StackGuardTop   addr.VirtPageRange
	BrkRange        addr.VirtPageRange
	ElfAreaIndex    int
	SignalTrampoline addr.VirtPage
	hasTrampoline   bool
	initialized     bool
}

// MemorySpace owns an MMU handle, an allocator handle, an ordered list of
// mapping areas, and its one-shot attribute.
type MemorySpace struct {
	mu    sync.Mutex
	Mmu   mmu.IMMU
	Alloc *frame.Allocator
	Areas []*MappingArea
	Attr  MemorySpaceAttribute
}

// New constructs an empty memory space over the given MMU and allocator.
func New(m mmu.IMMU, alloc *frame.Allocator) *MemorySpace {
	return &MemorySpace{Mmu: m, Alloc: alloc}
}

// Init publishes attr. It may only be called once per memory space.
func (ms *MemorySpace) Init(attr MemorySpaceAttribute) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.Attr.initialized {
		panic("vmspace: MemorySpaceAttribute already initialized")
	}
	attr.initialized = true
	ms.Attr = attr
}

// AllocAndMapArea allocates one frame per page in area's range, maps each
// into the MMU with area's permissions, and — only once every page has
// succeeded — attaches the allocation and appends area to the space. On
// any failure partway through, every page mapped so far is unmapped and
// its frame returned, and no partial area is left behind.
func (ms *MemorySpace) AllocAndMapArea(area *MappingArea) error {
	if area.Allocation != nil {
		panic("vmspace: AllocAndMapArea: area already has an allocation")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	alloc := newAreaAllocation(ms.Alloc)
	size := toMMUPageSize(area.VPageRange.StartPage.Size())

	var mapErr error
	var done []addr.VirtPage
	area.VPageRange.ForEach(func(vp addr.VirtPage) {
		if mapErr != nil {
			return
		}
		f, ok := ms.Alloc.AllocFrame()
		if !ok {
			mapErr = ErrOutOfMemory
			return
		}
		if err := ms.Mmu.MapSingle(vp.Addr(), f.PAddr(), size, area.Permissions); err != nil {
			ms.Alloc.Dealloc(f)
			mapErr = err
			return
		}
		alloc.Frames[vp] = f
		done = append(done, vp)
	})

	if mapErr != nil {
		for _, vp := range done {
			ms.Mmu.UnmapSingle(vp.Addr())
		}
		alloc.release()
		return mapErr
	}

	area.Allocation = alloc
	ms.Areas = append(ms.Areas, area)
	return nil
}

// MapArea attaches an already-populated area (its Allocation must be set
// and its Allocator must be the same one this space uses) directly to
// the space's area list, used when transferring an area between spaces.
func (ms *MemorySpace) MapArea(area *MappingArea) error {
	if area.Allocation == nil {
		panic("vmspace: MapArea: area has no allocation")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if area.Allocation.Allocator != ms.Alloc {
		return fmt.Errorf("vmspace: MapArea: allocator mismatch")
	}
	ms.Areas = append(ms.Areas, area)
	return nil
}

// UnmapFirstAreaThat removes and tears down the first area matching pred,
// reporting whether one was found.
func (ms *MemorySpace) UnmapFirstAreaThat(pred func(*MappingArea) bool) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i, a := range ms.Areas {
		if pred(a) {
			ms.removeAreaLocked(i)
			return true
		}
	}
	return false
}

// UnmapAllAreasThat removes and tears down every area matching pred,
// returning how many were removed.
func (ms *MemorySpace) UnmapAllAreasThat(pred func(*MappingArea) bool) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	removed := 0
	for i := 0; i < len(ms.Areas); {
		if pred(ms.Areas[i]) {
			ms.removeAreaLocked(i)
			removed++
			continue
		}
		i++
	}
	return removed
}

// removeAreaLocked unmaps every page of the area at index i, releases its
// frames, and removes it from the area list. ms.mu must already be held.
func (ms *MemorySpace) removeAreaLocked(i int) {
	a := ms.Areas[i]
	a.VPageRange.ForEach(func(vp addr.VirtPage) {
		ms.Mmu.UnmapSingle(vp.Addr())
	})
	if a.Allocation != nil {
		a.Allocation.release()
	}
	ms.Areas = append(ms.Areas[:i], ms.Areas[i+1:]...)
}

// IncreaseBrk extends the brk area's range up to newEnd. Pages already
// covered are left untouched (a no-op request). It fails with
// ErrBrkBeforeStart if newEnd lies before the current brk start.
func (ms *MemorySpace) IncreaseBrk(newEnd addr.VirtPage) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !ms.Attr.initialized {
		panic("vmspace: IncreaseBrk: attribute not initialized")
	}
	if newEnd.Addr() < ms.Attr.BrkStart {
		return ErrBrkBeforeStart
	}
	area := ms.Areas[ms.Attr.BrkAreaIndex]
	curEnd := area.VPageRange.StartPage.AddN(int64(area.VPageRange.Count))
	if newEnd.Addr() <= curEnd.Addr() {
		return nil
	}
	addCount := newEnd.Addr().Sub(curEnd.Addr()) / int64(area.VPageRange.StartPage.Size())

	size := toMMUPageSize(area.VPageRange.StartPage.Size())
	var added []addr.VirtPage
	for i := int64(0); i < addCount; i++ {
		vp := curEnd.AddN(i)
		f, ok := ms.Alloc.AllocFrame()
		if !ok {
			for _, vp := range added {
				ms.Mmu.UnmapSingle(vp.Addr())
				if f, ok := area.Allocation.Frames[vp]; ok {
					ms.Alloc.Dealloc(f)
					delete(area.Allocation.Frames, vp)
				}
			}
			return ErrOutOfMemory
		}
		if err := ms.Mmu.MapSingle(vp.Addr(), f.PAddr(), size, area.Permissions); err != nil {
			ms.Alloc.Dealloc(f)
			return err
		}
		area.Allocation.Frames[vp] = f
		added = append(added, vp)
	}
	area.VPageRange.Count += uintptr(addCount)
	ms.Attr.BrkRange = area.VPageRange
	return nil
}

// RegisterSignalTrampoline maps the pre-reserved trampoline virtual page
// to sigreturnPAddr with Kernel|User|Readable|Executable, and records a
// SignalTrampoline area.
func (ms *MemorySpace) RegisterSignalTrampoline(page addr.VirtPage, sigreturnPAddr addr.PhysAddr) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	size := toMMUPageSize(page.Size())
	flags := mmu.Kernel | mmu.User | mmu.Readable | mmu.Executable
	if err := ms.Mmu.MapSingle(page.Addr(), sigreturnPAddr, size, flags); err != nil {
		return err
	}
	area := &MappingArea{
		VPageRange:  addr.NewPageRange(page, 1),
		Type:        SignalTrampoline,
		Kind:        Framed,
		Permissions: flags,
	}
	ms.Areas = append(ms.Areas, area)
	ms.Attr.SignalTrampoline = page
	ms.Attr.hasTrampoline = true
	return nil
}

// CloneExisting copies every area of other into ms (which must already
// have its own mmu/alloc set), page by page, through a 4 KiB staging
// buffer, and finally copies other's attribute.
func (ms *MemorySpace) CloneExisting(other *MemorySpace) error {
	other.mu.Lock()
	areasSnapshot := make([]*MappingArea, len(other.Areas))
	copy(areasSnapshot, other.Areas)
	attr := other.Attr
	otherMmu := other.Mmu
	other.mu.Unlock()

	for _, a := range areasSnapshot {
		fresh := a.cloneEmpty()
		if err := ms.AllocAndMapArea(fresh); err != nil {
			return err
		}
		staging := make([]byte, config.PageSize)
		var copyErr error
		a.VPageRange.ForEach(func(vp addr.VirtPage) {
			if copyErr != nil {
				return
			}
			if err := otherMmu.ReadBytes(vp.Addr(), staging); err != nil {
				copyErr = err
				return
			}
			if err := ms.Mmu.WriteBytes(vp.Addr(), staging); err != nil {
				copyErr = err
				return
			}
		})
		if copyErr != nil {
			return copyErr
		}
	}

	ms.mu.Lock()
	attr.initialized = false
	ms.mu.Unlock()
	ms.Init(attr)
	return nil
}
