// Package pagetable implements NativeTable, a concrete multi-level
// SV39-style page-table walker that implements mmu.IMMU on top of a
// frame.Allocator and a linear kernel window backed by an arena.Arena.
package pagetable

import (
	"encoding/binary"

	"galette/addr"
	"galette/config"
	"galette/mmu"
)

// entry is one 8-byte slot of a page-table level. The low 12 bits (free
// because physical addresses are page-aligned) carry control bits; the
// high bits carry the page-aligned physical address the entry points at
// (a child table, for a non-leaf entry, or a mapped frame, for a leaf).
type entry uint64

const (
	bitValid entry = 1 << 0
	bitLeaf  entry = 1 << 1
	flagsLSB        = 2
	flagsMask entry = 0xFF << flagsLSB
)

func (e entry) valid() bool { return e&bitValid != 0 }
func (e entry) leaf() bool  { return e&bitLeaf != 0 }

func (e entry) paddr() addr.PhysAddr {
	return addr.PhysAddr(uint64(e) &^ 0xFFF)
}

func (e entry) flags() mmu.PermissionFlags {
	return mmu.PermissionFlags((e & flagsMask) >> flagsLSB)
}

func newTableEntry(child addr.PhysAddr) entry {
	return entry(child.Word()) | bitValid
}

func newLeafEntry(p addr.PhysAddr, flags mmu.PermissionFlags) entry {
	return entry(p.Word()) | bitValid | bitLeaf | (entry(flags) << flagsLSB)
}

func clearEntry() entry { return 0 }

// level indices for an SV39-style 3-level walk, per the address-space
// layout assumptions: p1 = (v>>12)&0x1ff, p2 = (v>>21)&0x1ff,
// p3 = (v>>30)&0x1ff.
func levelIndices(v addr.VirtAddr) [3]int {
	w := v.Word()
	return [3]int{
		int((w >> 12) & 0x1ff), // level 0: 4 KiB leaves
		int((w >> 21) & 0x1ff), // level 1: 2 MiB leaves
		int((w >> 30) & 0x1ff), // level 2 (root): 1 GiB leaves
	}
}

func levelForSize(size mmu.PageSize) int {
	switch size.Kind {
	case mmu.Size4KiB:
		return 0
	case mmu.Size2MiB:
		return 1
	case mmu.Size1GiB:
		return 2
	default:
		// A Custom size must still be a multiple of the base page size;
		// treat it as a 4 KiB leaf run handled one page at a time by
		// the caller (read/write bytes), not by the single-entry walk.
		return 0
	}
}

// tableBytes returns the config.PageSize-long byte slice backing the
// table frame at paddr, read through the arena.
func (t *NativeTable) tableBytes(paddr addr.PhysAddr) []byte {
	return t.arena.Slice(paddr.Word(), config.PageSize)
}

func (t *NativeTable) readEntry(tableAddr addr.PhysAddr, index int) entry {
	b := t.tableBytes(tableAddr)
	return entry(binary.LittleEndian.Uint64(b[index*8 : index*8+8]))
}

func (t *NativeTable) writeEntry(tableAddr addr.PhysAddr, index int, e entry) {
	b := t.tableBytes(tableAddr)
	binary.LittleEndian.PutUint64(b[index*8:index*8+8], uint64(e))
}
