package addr

// Range is a half-open interval [Start, End) over addresses of kind K.
// Construction enforces Start <= End.
type Range[K any] struct {
	Start Addr[K]
	End   Addr[K]
}

// NewRange constructs a range, returning ok=false if start > end.
func NewRange[K any](start, end Addr[K]) (Range[K], bool) {
	if start > end {
		return Range[K]{}, false
	}
	return Range[K]{Start: start, End: end}, true
}

// Len returns the range's length in bytes.
func (r Range[K]) Len() uintptr { return uintptr(r.End) - uintptr(r.Start) }

// IsEmpty reports whether the range contains no addresses.
func (r Range[K]) IsEmpty() bool { return r.Start == r.End }

// ContainsAddr reports whether a lies within the range.
func (r Range[K]) ContainsAddr(a Addr[K]) bool { return a >= r.Start && a < r.End }

// ContainsRange reports whether s lies entirely within r.
func (r Range[K]) ContainsRange(s Range[K]) bool {
	return s.Start >= r.Start && s.End <= r.End
}

// Overlaps reports whether r and s share any address.
func (r Range[K]) Overlaps(s Range[K]) bool {
	return r.Start < s.End && s.Start < r.End
}

// IsAdjacent reports whether r and s touch end to end without overlapping.
func (r Range[K]) IsAdjacent(s Range[K]) bool {
	return r.End == s.Start || s.End == r.Start
}

// Merge combines r and s into their union, provided they overlap or are
// adjacent. ok is false otherwise.
func (r Range[K]) Merge(s Range[K]) (Range[K], bool) {
	if !r.Overlaps(s) && !r.IsAdjacent(s) {
		return Range[K]{}, false
	}
	start := r.Start
	if s.Start < start {
		start = s.Start
	}
	end := r.End
	if s.End > end {
		end = s.End
	}
	return Range[K]{Start: start, End: end}, true
}

// Intersection returns the overlap between r and s, if any.
func (r Range[K]) Intersection(s Range[K]) (Range[K], bool) {
	start := r.Start
	if s.Start > start {
		start = s.Start
	}
	end := r.End
	if s.End < end {
		end = s.End
	}
	if start >= end {
		return Range[K]{}, false
	}
	return Range[K]{Start: start, End: end}, true
}

// AlignTo returns r with Start aligned down and End aligned up to stride.
func (r Range[K]) AlignTo(stride uintptr) Range[K] {
	return Range[K]{Start: r.Start.AlignDown(stride), End: r.End.AlignUp(stride)}
}

// Step calls fn for every stride-sized slice of r, in order. It panics if
// r's length is not a multiple of stride, matching the source's requirement
// that a stepped iterator only accepts an evenly dividing step.
func (r Range[K]) Step(stride uintptr, fn func(Addr[K])) {
	if r.Len()%stride != 0 {
		panic("addr: Range.Step: length not a multiple of stride")
	}
	for a := r.Start; a < r.End; a = a.AddUint(stride) {
		fn(a)
	}
}

// PageRange is a contiguous run of pages, all of the same size.
type PageRange[K any] struct {
	StartPage Page[K]
	Count     uintptr
}

// NewPageRange constructs a page range of count pages starting at start.
func NewPageRange[K any](start Page[K], count uintptr) PageRange[K] {
	return PageRange[K]{StartPage: start, Count: count}
}

// LenPages returns the number of pages in the range.
func (r PageRange[K]) LenPages() uintptr { return r.Count }

// LenBytes returns the range's length in bytes.
func (r PageRange[K]) LenBytes() uintptr { return r.Count * r.StartPage.Size() }

// AddrRange converts the page range to a byte AddrRange.
func (r PageRange[K]) AddrRange() Range[K] {
	return Range[K]{Start: r.StartPage.Addr(), End: r.StartPage.Addr().AddUint(r.LenBytes())}
}

// ForEach calls fn once per page in the range, in order.
func (r PageRange[K]) ForEach(fn func(Page[K])) {
	for i := uintptr(0); i < r.Count; i++ {
		fn(r.StartPage.AddN(int64(i)))
	}
}

// ContainsPage reports whether p, which must share the range's page size,
// falls within the range.
func (r PageRange[K]) ContainsPage(p Page[K]) bool {
	assertSameSize(r.StartPage, p)
	return r.AddrRange().ContainsAddr(p.Addr())
}

// Overlaps reports whether r and s, which must share a page size, overlap.
func (r PageRange[K]) Overlaps(s PageRange[K]) bool {
	assertSameSize(r.StartPage, s.StartPage)
	return r.AddrRange().Overlaps(s.AddrRange())
}

// Merge combines r and s, which must share a page size, provided they
// overlap or are adjacent.
func (r PageRange[K]) Merge(s PageRange[K]) (PageRange[K], bool) {
	assertSameSize(r.StartPage, s.StartPage)
	merged, ok := r.AddrRange().Merge(s.AddrRange())
	if !ok {
		return PageRange[K]{}, false
	}
	start, _ := NewPage(merged.Start, r.StartPage.Size())
	return PageRange[K]{StartPage: start, Count: merged.Len() / r.StartPage.Size()}, true
}

// Intersection returns the overlap between r and s, which must share a
// page size.
func (r PageRange[K]) Intersection(s PageRange[K]) (PageRange[K], bool) {
	assertSameSize(r.StartPage, s.StartPage)
	inter, ok := r.AddrRange().Intersection(s.AddrRange())
	if !ok {
		return PageRange[K]{}, false
	}
	start, _ := NewPage(inter.Start, r.StartPage.Size())
	return PageRange[K]{StartPage: start, Count: inter.Len() / r.StartPage.Size()}, true
}

// Shift returns r shifted by a signed byte offset, which must be a
// multiple of the page size.
func (r PageRange[K]) Shift(byteOffset int64) PageRange[K] {
	size := int64(r.StartPage.Size())
	if byteOffset%size != 0 {
		panic("addr: PageRange.Shift: offset not a multiple of page size")
	}
	return PageRange[K]{StartPage: r.StartPage.AddN(byteOffset / size), Count: r.Count}
}

func assertSameSize[K any](a, b Page[K]) {
	if a.Size() != b.Size() {
		panic("addr: page-size mismatch across range operation")
	}
}
