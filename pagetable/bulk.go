package pagetable

import (
	"galette/addr"
	"galette/mmu"
)

// toMMUError converts an internal PagingError surfaced by a walk/lookup
// into the external MMUError taxonomy, per the fixed translation rule
// (NotAligned -> MisalignedAddress, NotMapped -> InvalidAddress).
// OutOfMemory/AlreadyMapped are caller-invariant violations and panic
// inside mmu.Translate rather than reach this far.
func toMMUError(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*mmu.PagingError); ok {
		return mmu.Translate(pe)
	}
	return err
}

// ReadBytes copies len(dst) bytes starting at v into dst, walking across
// however many pages back the request and requiring User|Readable on
// each.
func (t *NativeTable) ReadBytes(v addr.VirtAddr, dst []byte) error {
	return t.copyBytes(v, dst, nil)
}

// WriteBytes copies src into the mapping starting at v, requiring
// User|Readable|Writable on each page it touches.
func (t *NativeTable) WriteBytes(v addr.VirtAddr, src []byte) error {
	return t.copyBytes(v, nil, src)
}

// copyBytes implements both ReadBytes (dst != nil) and WriteBytes
// (src != nil); exactly one of the two is non-nil.
func (t *NativeTable) copyBytes(v addr.VirtAddr, dst, src []byte) error {
	if v.IsNull() {
		return mmu.ErrInvalidAddress
	}
	length := len(dst)
	writing := src != nil
	if writing {
		length = len(src)
	}

	remaining := uintptr(length)
	cur := v
	off := 0
	for remaining > 0 {
		phys, flags, size, err := t.QueryVirtual(cur)
		if err != nil {
			return toMMUError(err)
		}
		if !flags.Has(mmu.User | mmu.Readable) {
			return mmu.PageNotReadable(cur.Word())
		}
		if writing && !flags.Has(mmu.Writable) {
			return mmu.PageNotWritable(cur.Word())
		}
		pageEnd := cur.AlignDown(size.Bytes).AddUint(size.Bytes)
		avail := uintptr(pageEnd.Sub(cur))
		take := avail
		if take > remaining {
			take = remaining
		}
		b := t.arena.Slice(phys.Word(), take)
		if writing {
			copy(b, src[off:off+int(take)])
		} else {
			copy(dst[off:off+int(take)], b)
		}
		off += int(take)
		cur = cur.AddUint(take)
		remaining -= take
	}
	return nil
}

// InspectFramed walks length bytes starting at v, invoking cb once per
// physically-contiguous chunk with that chunk's bytes and its offset
// into the overall request. cb returning false stops iteration early
// without error.
func (t *NativeTable) InspectFramed(v addr.VirtAddr, length uintptr, cb func(chunk []byte, offset uintptr) bool) error {
	return t.inspect(v, length, cb, false)
}

// InspectFramedMut is the mutable counterpart of InspectFramed; it also
// requires Writable on every page visited.
func (t *NativeTable) InspectFramedMut(v addr.VirtAddr, length uintptr, cb func(chunk []byte, offset uintptr) bool) error {
	return t.inspect(v, length, cb, true)
}

func (t *NativeTable) inspect(v addr.VirtAddr, length uintptr, cb func([]byte, uintptr) bool, writable bool) error {
	remaining := length
	cur := v
	var off uintptr
	for remaining > 0 {
		phys, flags, size, err := t.QueryVirtual(cur)
		if err != nil {
			return toMMUError(err)
		}
		if !flags.Has(mmu.User | mmu.Readable) {
			return mmu.PageNotReadable(cur.Word())
		}
		if writable && !flags.Has(mmu.Writable) {
			return mmu.PageNotWritable(cur.Word())
		}
		pageEnd := cur.AlignDown(size.Bytes).AddUint(size.Bytes)
		avail := uintptr(pageEnd.Sub(cur))
		take := avail
		if take > remaining {
			take = remaining
		}
		chunk := t.arena.Slice(phys.Word(), take)
		if !cb(chunk, off) {
			return nil
		}
		off += take
		cur = cur.AddUint(take)
		remaining -= take
	}
	return nil
}

// LinearMapPhys returns a direct kernel-virtual slice over the physical
// range [p, p+length), reachable because the linear window is identity-
// plus-offset over the whole arena.
func (t *NativeTable) LinearMapPhys(p addr.PhysAddr, length uintptr) ([]byte, error) {
	return t.arena.Slice(p.Word(), length), nil
}

// bufferHandle remembers the physical chunks backing an outstanding
// MapBufferMut slice so UnmapBuffer can write the (possibly mutated)
// bytes back to their true physical locations: a mutable buffer's chunks
// are rarely contiguous in the arena (each user page was framed
// independently), so the returned slice is a staging copy, not a direct
// view, and Close must flush it.
type bufferHandle struct {
	chunks []physChunk
	data   []byte
}

// collectBufferChunks walks [v, v+length) within t's own mappings,
// requiring User|Readable (and Writable, if writable) on every page.
func (t *NativeTable) collectBufferChunks(v addr.VirtAddr, length uintptr, writable bool) ([]physChunk, error) {
	var chunks []physChunk
	remaining := length
	cur := v
	for remaining > 0 {
		phys, flags, size, err := t.QueryVirtual(cur)
		if err != nil {
			return nil, toMMUError(err)
		}
		if !flags.Has(mmu.User | mmu.Readable) {
			return nil, mmu.PageNotReadable(cur.Word())
		}
		if writable && !flags.Has(mmu.Writable) {
			return nil, mmu.PageNotWritable(cur.Word())
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

func stitchChunks(t *NativeTable, chunks []physChunk) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, t.arena.Slice(c.phys.Word(), c.length)...)
	}
	return out
}

// MapBuffer returns a scoped, read-only slice over the already-mapped
// range [v, v+length) within this table's own address space, requiring
// User|Readable on every page. Unlike MapCross, no new address-space
// window is carved — the caller already owns the mapping — so Close is a
// cheap no-op via UnmapBuffer.
func (t *NativeTable) MapBuffer(v addr.VirtAddr, length uintptr) (*mmu.Memory, error) {
	chunks, err := t.collectBufferChunks(v, length, false)
	if err != nil {
		return nil, err
	}
	return mmu.NewMemory(t, nil, v, stitchChunks(t, chunks)), nil
}

// MapBufferMut is the mutable counterpart of MapBuffer. Because the
// chunks backing v..v+length are not generally contiguous in the arena,
// the returned slice is a staging copy; Close (via UnmapBuffer) flushes
// it back to the true physical locations, restoring the MMU to a state
// where a fresh MapBuffer(Mut) over the same range sees the mutation and
// succeeds again.
func (t *NativeTable) MapBufferMut(v addr.VirtAddr, length uintptr) (*mmu.MemoryMut, error) {
	chunks, err := t.collectBufferChunks(v, length, true)
	if err != nil {
		return nil, err
	}
	data := stitchChunks(t, chunks)
	t.registerBuffer(v, &bufferHandle{chunks: chunks, data: data})
	return mmu.NewMemoryMut(t, nil, v, data), nil
}

func (t *NativeTable) registerBuffer(v addr.VirtAddr, h *bufferHandle) {
	t.buffersMu.Lock()
	defer t.buffersMu.Unlock()
	if t.buffers == nil {
		t.buffers = make(map[addr.VirtAddr]*bufferHandle)
	}
	t.buffers[v] = h
}

// UnmapBuffer releases a handle returned by MapBuffer/MapBufferMut,
// flushing a mutable buffer's staging copy back to its physical frames.
func (t *NativeTable) UnmapBuffer(v addr.VirtAddr) error {
	t.buffersMu.Lock()
	h, ok := t.buffers[v]
	if ok {
		delete(t.buffers, v)
	}
	t.buffersMu.Unlock()
	if !ok {
		return nil
	}
	off := 0
	for _, c := range h.chunks {
		b := t.arena.Slice(c.phys.Word(), c.length)
		copy(b, h.data[off:off+int(c.length)])
		off += int(c.length)
	}
	return nil
}
