// Package frame implements a bump-plus-free-list physical frame allocator
// over a fixed arena, and the linear FrameDesc/FrameRangeDesc handles it
// hands out.
package frame

import (
	"sort"
	"sync"

	"galette/addr"
	"galette/config"
	"galette/kernlog"
)

// Allocator hands out and reclaims config.PageSize-aligned physical
// frames from a fixed [bottom, top) arena. All state is guarded by a
// single mutex, matching the source's "one spinlock covering current +
// recycled" concurrency model.
type Allocator struct {
	mu       sync.Mutex
	bottom   addr.PhysAddr
	top      addr.PhysAddr
	current  addr.PhysAddr
	recycled []addr.PhysAddr // sorted ascending; largest is last
}

// New creates an allocator over the arena [bottom, top). Both bounds must
// already be page-aligned.
func New(bottom, top addr.PhysAddr) *Allocator {
	if !bottom.IsAligned(config.PageSize) || !top.IsAligned(config.PageSize) {
		panic("frame: arena bounds must be page-aligned")
	}
	return &Allocator{bottom: bottom, top: top, current: bottom}
}

// available returns the number of frames obtainable without growing the
// arena: the free list plus whatever remains between current and top.
func (a *Allocator) available() uintptr {
	return uintptr(len(a.recycled)) + uintptr(a.top.Sub(a.current))/config.PageSize
}

// AllocFrame hands out one frame, preferring the largest recycled address
// over advancing the bump pointer. It returns ok=false if the arena is
// exhausted.
func (a *Allocator) AllocFrame() (*FrameDesc, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.allocOneLocked()
	if !ok {
		kernlog.Warn("frame allocator exhausted", "bottom", a.bottom, "top", a.top)
		return nil, false
	}
	return newFrameDesc(p), true
}

func (a *Allocator) allocOneLocked() (addr.PhysAddr, bool) {
	if n := len(a.recycled); n > 0 {
		p := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		return p, true
	}
	if a.current >= a.top {
		return addr.PhysAddr(0), false
	}
	p := a.current
	a.current = a.current.AddUint(config.PageSize)
	return p, true
}

// AllocFrames returns n individual frames. Availability is checked up
// front; if insufficient, it returns ok=false with no partial allocation
// observable.
func (a *Allocator) AllocFrames(n uintptr) ([]*FrameDesc, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n == 0 {
		return nil, true
	}
	if n > a.available() {
		kernlog.Warn("frame allocator exhausted", "requested", n, "available", a.available())
		return nil, false
	}
	out := make([]*FrameDesc, 0, n)
	for i := uintptr(0); i < n; i++ {
		p, ok := a.allocOneLocked()
		if !ok {
			panic("frame: AllocFrames: availability check inconsistent with allocation")
		}
		out = append(out, newFrameDesc(p))
	}
	return out, true
}

// AllocContiguous allocates n physically contiguous pages starting at the
// current bump pointer, bypassing the free list entirely. It returns
// ok=false if there is not enough trailing space. This module resolves
// spec.md's stated open question by using n <= available, not the
// original source's strict less-than (see DESIGN.md).
func (a *Allocator) AllocContiguous(n uintptr) (*FrameRangeDesc, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n == 0 {
		start, _ := addr.NewPage(a.current, config.PageSize)
		return newFrameRangeDesc(addr.NewPageRange(start, 0)), true
	}
	trailing := uintptr(a.top.Sub(a.current)) / config.PageSize
	if n > trailing {
		kernlog.Warn("frame allocator: contiguous allocation exceeds trailing space", "requested", n, "trailing", trailing)
		return nil, false
	}
	start, _ := addr.NewPage(a.current, config.PageSize)
	a.current = a.current.AddUint(n * config.PageSize)
	return newFrameRangeDesc(addr.NewPageRange(start, n)), true
}

// Dealloc returns frame to the allocator. It panics if frame does not lie
// in [bottom, current) or is already present in the free list, matching
// the source's debug assertions. The trailing recycled run is coalesced
// into current whenever its top equals current - config.PageSize.
func (a *Allocator) Dealloc(frame *FrameDesc) {
	p := frame.Consume()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deallocLocked(p)
}

func (a *Allocator) deallocLocked(p addr.PhysAddr) {
	if p < a.bottom || p >= a.current {
		panic("frame: Dealloc: frame outside [bottom, current)")
	}
	idx := sort.Search(len(a.recycled), func(i int) bool { return a.recycled[i] >= p })
	if idx < len(a.recycled) && a.recycled[idx] == p {
		panic("frame: Dealloc: frame already recycled")
	}
	a.recycled = append(a.recycled, 0)
	copy(a.recycled[idx+1:], a.recycled[idx:])
	a.recycled[idx] = p

	for n := len(a.recycled); n > 0; n = len(a.recycled) {
		last := a.recycled[n-1]
		if last.AddUint(config.PageSize) != a.current {
			break
		}
		a.recycled = a.recycled[:n-1]
		a.current = last
	}
}

// DeallocRange deallocates every page in rng.
func (a *Allocator) DeallocRange(fr *FrameRangeDesc) {
	rng := fr.Consume()
	a.mu.Lock()
	defer a.mu.Unlock()
	rng.ForEach(func(p addr.PhysPage) { a.deallocLocked(p.Addr()) })
}

// CheckPAddr reports whether rng lies entirely within [bottom, top).
func (a *Allocator) CheckPAddr(rng addr.PhysRange) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	full := addr.PhysRange{Start: a.bottom, End: a.top}
	return full.ContainsRange(rng)
}

// LinearMap always returns ok=false: the concrete native implementation
// uses its own linear kernel window (see the pagetable package) rather
// than exposing arena bytes directly through the allocator.
func (a *Allocator) LinearMap(addr.PhysRange) ([]byte, bool) {
	return nil, false
}

// Current returns the allocator's current bump-pointer value, for tests
// asserting the bijectivity/trailing-coalesce properties.
func (a *Allocator) Current() addr.PhysAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// RecycledLen returns the number of outstanding recycled addresses, for
// tests.
func (a *Allocator) RecycledLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.recycled)
}
