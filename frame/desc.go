package frame

import (
	"runtime"
	"sync/atomic"

	"galette/addr"
)

// FrameDesc is a linear (non-copyable, in spirit) handle to one allocated
// physical frame. It panics if garbage collected without first being
// returned to its allocator via Dealloc or explicitly released via
// Consume, emulating the source's compile-time-enforced "a dropped
// FrameDesc without explicit return is a programming error" invariant in
// a language without linear types: a finalizer stands in for the
// destructor, and an atomic flag records whether Dealloc/Consume ran.
type FrameDesc struct {
	paddr    addr.PhysAddr
	released atomic.Bool
}

// newFrameDesc wraps paddr in a FrameDesc and arms its finalizer. Only
// called by the allocator.
func newFrameDesc(paddr addr.PhysAddr) *FrameDesc {
	fd := &FrameDesc{paddr: paddr}
	runtime.SetFinalizer(fd, finalizeFrameDesc)
	return fd
}

func finalizeFrameDesc(fd *FrameDesc) {
	if !fd.released.Load() {
		panic("frame: FrameDesc garbage collected without Dealloc or Consume")
	}
}

// PAddr returns the frame's physical address.
func (fd *FrameDesc) PAddr() addr.PhysAddr { return fd.paddr }

// release marks the descriptor as returned, disarming the finalizer check.
// It panics if called twice, matching the "not a duplicate" dealloc
// invariant.
func (fd *FrameDesc) release() {
	if !fd.released.CompareAndSwap(false, true) {
		panic("frame: FrameDesc released twice")
	}
	runtime.SetFinalizer(fd, nil)
}

// Consume is the safe "consume and forget" escape hatch for when
// ownership of the backing frame transfers to some other owner;
// Allocator.Dealloc also calls it before recycling the address. It
// disarms the finalizer without returning the frame to the allocator;
// the caller becomes responsible for eventually deallocating fd.PAddr()
// through whatever tracking structure now owns it.
func (fd *FrameDesc) Consume() addr.PhysAddr {
	p := fd.paddr
	fd.release()
	return p
}

// FrameRangeDesc is a linear handle to a contiguous run of physical
// frames, used by alloc_contiguous. It carries the same panic-on-drop
// contract as FrameDesc.
type FrameRangeDesc struct {
	rng      addr.PhysPageRange
	released atomic.Bool
}

func newFrameRangeDesc(rng addr.PhysPageRange) *FrameRangeDesc {
	fd := &FrameRangeDesc{rng: rng}
	runtime.SetFinalizer(fd, finalizeFrameRangeDesc)
	return fd
}

func finalizeFrameRangeDesc(fd *FrameRangeDesc) {
	if !fd.released.Load() {
		panic("frame: FrameRangeDesc garbage collected without DeallocRange or Consume")
	}
}

// Range returns the descriptor's physical page range.
func (fd *FrameRangeDesc) Range() addr.PhysPageRange { return fd.rng }

func (fd *FrameRangeDesc) release() {
	if !fd.released.CompareAndSwap(false, true) {
		panic("frame: FrameRangeDesc released twice")
	}
	runtime.SetFinalizer(fd, nil)
}

// Consume disarms the finalizer without deallocating, transferring
// responsibility for the range to whatever now tracks it.
func (fd *FrameRangeDesc) Consume() addr.PhysPageRange {
	r := fd.rng
	fd.release()
	return r
}
