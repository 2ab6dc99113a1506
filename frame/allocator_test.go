package frame

import (
	"runtime"
	"testing"

	"galette/addr"
	"galette/config"
)

func TestAllocDeallocBijectivity(t *testing.T) {
	a := New(addr.PhysAddr(0), addr.PhysAddr(0).AddUint(16*config.PageSize))
	start := a.Current()

	frames := make([]*FrameDesc, 0, 8)
	for i := 0; i < 8; i++ {
		f, ok := a.AllocFrame()
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		frames = append(frames, f)
	}
	for _, f := range frames {
		a.Dealloc(f)
	}
	if got := a.Current(); got != start {
		t.Errorf("current after alloc+dealloc = %v, want %v", got, start)
	}
}

func TestUniqueAddresses(t *testing.T) {
	a := New(addr.PhysAddr(0), addr.PhysAddr(0).AddUint(32*config.PageSize))
	seen := map[addr.PhysAddr]bool{}
	var frames []*FrameDesc
	for i := 0; i < 32; i++ {
		f, ok := a.AllocFrame()
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		if seen[f.PAddr()] {
			t.Fatalf("duplicate address %v handed out", f.PAddr())
		}
		seen[f.PAddr()] = true
		frames = append(frames, f)
	}
	for _, f := range frames {
		a.Dealloc(f)
	}
}

func TestTrailingCoalesce(t *testing.T) {
	a := New(addr.PhysAddr(0), addr.PhysAddr(0).AddUint(10*config.PageSize))
	var frames []*FrameDesc
	for i := 0; i < 10; i++ {
		f, _ := a.AllocFrame()
		frames = append(frames, f)
	}
	for i := len(frames) - 1; i >= 0; i-- {
		a.Dealloc(frames[i])
	}
	if got := a.Current(); got != addr.PhysAddr(0) {
		t.Errorf("current = %v, want bottom", got)
	}
	if got := a.RecycledLen(); got != 0 {
		t.Errorf("recycled length = %d, want 0", got)
	}
}

func TestExhaustionNoPartialAllocation(t *testing.T) {
	a := New(addr.PhysAddr(0), addr.PhysAddr(0).AddUint(4*config.PageSize))
	if _, ok := a.AllocFrames(5); ok {
		t.Fatal("expected AllocFrames(5) over a 4-frame arena to fail")
	}
	if got := a.Current(); got != addr.PhysAddr(0) {
		t.Errorf("current advanced despite failed AllocFrames: %v", got)
	}
	if got := a.RecycledLen(); got != 0 {
		t.Errorf("recycled grew despite failed AllocFrames: %d", got)
	}
}

func TestAllocContiguousBoundary(t *testing.T) {
	a := New(addr.PhysAddr(0), addr.PhysAddr(0).AddUint(4*config.PageSize))
	if _, ok := a.AllocContiguous(4); !ok {
		t.Fatal("expected AllocContiguous(4) == available to succeed")
	}
	if _, ok := a.AllocContiguous(1); ok {
		t.Fatal("expected AllocContiguous to fail once arena is exhausted")
	}
}

func TestLinearResourcePanicsOnGC(t *testing.T) {
	a := New(addr.PhysAddr(0), addr.PhysAddr(0).AddUint(config.PageSize))
	f, _ := a.AllocFrame()
	_ = f

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if recover() == nil {
				t.Error("expected finalizer panic for undeallocated FrameDesc")
			}
		}()
		f = nil
		runtime.GC()
		runtime.GC()
	}()
	<-done
}
