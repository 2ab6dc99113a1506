package addr

import "testing"

func TestAlignRoundTrip(t *testing.T) {
	specs := []struct {
		word   uintptr
		stride uintptr
	}{
		{0, 4096}, {1, 4096}, {4095, 4096}, {4096, 4096},
		{0x1234, 16}, {0x1230, 16}, {1, 2}, {7, 8},
	}

	for i, spec := range specs {
		a := New[physMarker](spec.word)
		down := a.AlignDown(spec.stride)
		up := a.AlignUp(spec.stride)

		if !down.IsAligned(spec.stride) {
			t.Errorf("[spec %d] align_down(%#x, %d) = %#x not aligned", i, spec.word, spec.stride, down.Word())
		}
		if !up.IsAligned(spec.stride) {
			t.Errorf("[spec %d] align_up(%#x, %d) = %#x not aligned", i, spec.word, spec.stride, up.Word())
		}
		if !(down <= a && a <= up && up <= down.AddUint(spec.stride)) {
			t.Errorf("[spec %d] ordering invariant violated: down=%#x a=%#x up=%#x stride=%d", i, down.Word(), a.Word(), up.Word(), spec.stride)
		}
	}
}

func TestWordRoundTrip(t *testing.T) {
	for _, word := range []uintptr{0, 1, 0xdeadbeef, ^uintptr(0)} {
		if got := New[physMarker](word).Word(); got != word {
			t.Errorf("New(%#x).Word() = %#x", word, got)
		}
	}
}

func TestSubAddBack(t *testing.T) {
	a := New[virtMarker](0x2000)
	b := New[virtMarker](0x1000)
	if got := a.Sub(b); got != 0x1000 {
		t.Fatalf("a.Sub(b) = %d, want 0x1000", got)
	}
	if got := b.Add(a.Sub(b)); got != a {
		t.Fatalf("(a-b)+b = %v, want %v", got, a)
	}
}

func TestIsNull(t *testing.T) {
	if !New[physMarker](0).IsNull() {
		t.Error("zero address should be null")
	}
	if New[physMarker](1).IsNull() {
		t.Error("non-zero address should not be null")
	}
}

func TestString(t *testing.T) {
	p := New[physMarker](0x1000)
	if got, want := p.String(), "PhysAddr(0x1000)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	v := New[virtMarker](0x2000)
	if got, want := v.String(), "VirtAddr(0x2000)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestPageConstruction(t *testing.T) {
	if _, ok := NewPage(New[physMarker](0x1001), SizeNormal); ok {
		t.Error("expected misaligned page construction to fail")
	}
	p, ok := NewPage(New[physMarker](0x1000), SizeNormal)
	if !ok {
		t.Fatal("expected aligned page construction to succeed")
	}
	if p.End() != New[physMarker](0x2000) {
		t.Errorf("End() = %v, want 0x2000", p.End())
	}
}

func TestRangeMergeRequiresOverlapOrAdjacency(t *testing.T) {
	r, _ := NewRange(New[physMarker](0), New[physMarker](0x1000))
	s, _ := NewRange(New[physMarker](0x1000), New[physMarker](0x2000))
	merged, ok := r.Merge(s)
	if !ok {
		t.Fatal("adjacent ranges should merge")
	}
	if !merged.ContainsRange(r) || !merged.ContainsRange(s) {
		t.Error("merged range should contain both inputs")
	}

	far, _ := NewRange(New[physMarker](0x5000), New[physMarker](0x6000))
	if _, ok := r.Merge(far); ok {
		t.Error("disjoint, non-adjacent ranges should not merge")
	}
}

func TestRangeOverlaps(t *testing.T) {
	r, _ := NewRange(New[physMarker](0), New[physMarker](0x2000))
	s, _ := NewRange(New[physMarker](0x1000), New[physMarker](0x3000))
	if !r.Overlaps(s) {
		t.Error("expected overlap")
	}
	inter, ok := r.Intersection(s)
	if !ok || inter.Start != New[physMarker](0x1000) || inter.End != New[physMarker](0x2000) {
		t.Errorf("unexpected intersection: %+v", inter)
	}
}

func TestPageRangeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on page-size mismatch")
		}
	}()
	a, _ := NewPage(New[physMarker](0), SizeNormal)
	b, _ := NewPage(New[physMarker](0), SizeHuge2M)
	ra := NewPageRange(a, 1)
	rb := NewPageRange(b, 1)
	ra.Overlaps(rb)
}

func TestPageRangeForEach(t *testing.T) {
	start, _ := NewPage(New[physMarker](0x1000), SizeNormal)
	r := NewPageRange(start, 3)
	var seen []uintptr
	r.ForEach(func(p Page[physMarker]) { seen = append(seen, p.Addr().Word()) })
	want := []uintptr{0x1000, 0x2000, 0x3000}
	if len(seen) != len(want) {
		t.Fatalf("got %d pages, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("page %d = %#x, want %#x", i, seen[i], want[i])
		}
	}
}
