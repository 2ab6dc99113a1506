package loader_test

import (
	"encoding/binary"
	"testing"

	"galette/addr"
	"galette/arena"
	"galette/config"
	"galette/frame"
	"galette/loader"
	"galette/pagetable"
)

// buildELF assembles a minimal single-PT_LOAD 64-bit little-endian ELF
// object: a 64-byte Ehdr, one 56-byte Phdr immediately after it, then code.
func buildELF(etype uint16, vaddr, entry uint64, code []byte, memsz uint64) []byte {
	const ehdrLen = 64
	const phdrLen = 56
	const codeOff = ehdrLen + phdrLen

	buf := make([]byte, codeOff+len(code))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EI_VERSION
	le := binary.LittleEndian
	le.PutUint16(buf[16:18], etype)
	le.PutUint16(buf[18:20], 62) // EM_X86_64
	le.PutUint32(buf[20:24], 1)
	le.PutUint64(buf[24:32], entry)
	le.PutUint64(buf[32:40], ehdrLen) // e_phoff
	le.PutUint16(buf[52:54], ehdrLen)
	le.PutUint16(buf[54:56], phdrLen)
	le.PutUint16(buf[56:58], 1) // e_phnum

	ph := buf[ehdrLen : ehdrLen+phdrLen]
	le.PutUint32(ph[0:4], 1)            // PT_LOAD
	le.PutUint32(ph[4:8], 4|1)          // PF_R | PF_X
	le.PutUint64(ph[8:16], codeOff)     // p_offset
	le.PutUint64(ph[16:24], vaddr)      // p_vaddr
	le.PutUint64(ph[24:32], vaddr)      // p_paddr
	le.PutUint64(ph[32:40], uint64(len(code))) // p_filesz
	if memsz == 0 {
		memsz = uint64(len(code))
	}
	le.PutUint64(ph[40:48], memsz) // p_memsz
	le.PutUint64(ph[48:56], 0x1000)

	copy(buf[codeOff:], code)
	return buf
}

func newLoaderHarness(t *testing.T, arenaSize uintptr) (*pagetable.NativeTable, *frame.Allocator) {
	t.Helper()
	ar, err := arena.New(arenaSize)
	if err != nil {
		t.Fatalf("arena.New: %v", err)
	}
	t.Cleanup(func() { ar.Close() })
	alloc := frame.New(addr.PhysAddr(0), addr.PhysAddr(0).AddUint(arenaSize))
	nt, err := pagetable.NewOwned(alloc, ar)
	if err != nil {
		t.Fatalf("pagetable.NewOwned: %v", err)
	}
	return nt, alloc
}

func TestFromELFMinimalStatic(t *testing.T) {
	nt, alloc := newLoaderHarness(t, 16*1024*1024)
	code := []byte{0x90, 0x90, 0xc3} // nop nop ret
	vaddr := uint64(0x10000)
	raw := buildELF(2 /* ET_EXEC */, vaddr, vaddr, code, 0)

	img, err := loader.FromELF(loader.ByteSource{Data: raw}, "static", loader.NewProcessContext(), nt, alloc)
	if err != nil {
		t.Fatalf("FromELF: %v", err)
	}
	if img.EntryPC != addr.VirtAddr(vaddr) {
		t.Errorf("EntryPC = %v, want %v", img.EntryPC, addr.VirtAddr(vaddr))
	}
	if img.Ctx.Auxv[loader.AuxEntry] != vaddr {
		t.Errorf("AT_ENTRY = %#x, want %#x", img.Ctx.Auxv[loader.AuxEntry], vaddr)
	}

	got := make([]byte, len(code))
	if err := img.MemorySpace.Mmu.ReadBytes(img.EntryPC, got); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	for i := range code {
		if got[i] != code[i] {
			t.Fatalf("code byte %d = %#x, want %#x", i, got[i], code[i])
		}
	}
	if img.StackTop == 0 {
		t.Error("StackTop not set")
	}
}

func TestFromELFPieEntryNotShifted(t *testing.T) {
	nt, alloc := newLoaderHarness(t, 16*1024*1024)
	code := []byte{0x90, 0xc3}
	const relEntry = uint64(0x10)
	raw := buildELF(3 /* ET_DYN */, 0, relEntry, code, 0)

	img, err := loader.FromELF(loader.ByteSource{Data: raw}, "pie", loader.NewProcessContext(), nt, alloc)
	if err != nil {
		t.Fatalf("FromELF: %v", err)
	}
	wantEntryPC := addr.VirtAddr(relEntry).Add(int64(config.PageSize))
	if img.EntryPC != wantEntryPC {
		t.Errorf("EntryPC = %v, want %v", img.EntryPC, wantEntryPC)
	}
	if img.Ctx.Auxv[loader.AuxEntry] != relEntry {
		t.Errorf("AT_ENTRY = %#x, want unshifted %#x", img.Ctx.Auxv[loader.AuxEntry], relEntry)
	}
	if img.Ctx.Auxv[loader.AuxBase] != 0 {
		t.Errorf("AT_BASE = %#x, want 0 (no dynamic linker runs here)", img.Ctx.Auxv[loader.AuxBase])
	}

	firstLoadPage := addr.VirtAddr(0).Add(int64(config.PageSize))
	got := make([]byte, len(code))
	if err := img.MemorySpace.Mmu.ReadBytes(firstLoadPage, got); err != nil {
		t.Fatalf("ReadBytes at shifted first page: %v", err)
	}
	for i := range code {
		if got[i] != code[i] {
			t.Fatalf("code byte %d = %#x, want %#x", i, got[i], code[i])
		}
	}
}

// TestFromELFScenarioA reproduces the minimal-static-ELF scenario's literal
// addresses: a single LOAD segment at 0x10000 sized 0x2000, entry 0x10040,
// an ELF area covering [0x10000, 0x12000), a trampoline page at 0x12000, a
// guard-base page at 0x13000, and a user stack starting at 0x14000.
func TestFromELFScenarioA(t *testing.T) {
	nt, alloc := newLoaderHarness(t, 16*1024*1024)
	const (
		segVaddr = uint64(0x10000)
		segSize  = uint64(0x2000)
		entry    = uint64(0x10040)
	)
	code := make([]byte, segSize)
	code[0x40], code[0x41] = 0x90, 0xc3
	raw := buildELF(2 /* ET_EXEC */, segVaddr, entry, code, segSize)

	img, err := loader.FromELF(loader.ByteSource{Data: raw}, "scenario-a", loader.NewProcessContext(), nt, alloc)
	if err != nil {
		t.Fatalf("FromELF: %v", err)
	}

	if img.EntryPC != addr.VirtAddr(entry) {
		t.Errorf("entry_pc = %v, want %#x", img.EntryPC, entry)
	}

	elfArea := img.MemorySpace.Areas[img.MemorySpace.Attr.ElfAreaIndex]
	wantStart := addr.VirtAddr(0x10000)
	wantEnd := addr.VirtAddr(0x12000)
	if got := elfArea.VPageRange.AddrRange().Start; got != wantStart {
		t.Errorf("ELF area start = %v, want %v", got, wantStart)
	}
	if got := elfArea.VPageRange.AddrRange().End; got != wantEnd {
		t.Errorf("ELF area end = %v, want %v", got, wantEnd)
	}

	if got := img.TrampolinePage.Addr(); got != addr.VirtAddr(0x12000) {
		t.Errorf("trampoline page = %v, want 0x12000", got)
	}
	if got := img.MemorySpace.Attr.StackGuardBase.StartPage.Addr(); got != addr.VirtAddr(0x13000) {
		t.Errorf("guard-base page = %v, want 0x13000", got)
	}
	if got := img.MemorySpace.Attr.StackRange.StartPage.Addr(); got != addr.VirtAddr(0x14000) {
		t.Errorf("stack start = %v, want 0x14000", got)
	}

	if img.Ctx.Auxv[loader.AuxEntry] != entry {
		t.Errorf("AT_ENTRY = %#x, want %#x", img.Ctx.Auxv[loader.AuxEntry], entry)
	}
	if img.Ctx.Auxv[loader.AuxPageSz] != uint64(config.PageSize) {
		t.Errorf("AT_PAGESZ = %d, want %d", img.Ctx.Auxv[loader.AuxPageSz], config.PageSize)
	}
}

// TestFromELFScenarioB is Scenario A with the LOAD segment starting at
// vaddr 0: pie_offset must be exactly one page, AT_ENTRY stays unshifted,
// and the first loaded page is never page 0.
func TestFromELFScenarioB(t *testing.T) {
	nt, alloc := newLoaderHarness(t, 16*1024*1024)
	const (
		segSize = uint64(0x2000)
		entry   = uint64(0x10040)
	)
	code := make([]byte, segSize)
	code[0x40], code[0x41] = 0x90, 0xc3
	raw := buildELF(3 /* ET_DYN */, 0, entry, code, segSize)

	img, err := loader.FromELF(loader.ByteSource{Data: raw}, "scenario-b", loader.NewProcessContext(), nt, alloc)
	if err != nil {
		t.Fatalf("FromELF: %v", err)
	}

	const pieOffset = int64(0x1000)
	wantEntryPC := addr.VirtAddr(entry).Add(pieOffset)
	if img.EntryPC != wantEntryPC {
		t.Errorf("entry_pc = %v, want %v", img.EntryPC, wantEntryPC)
	}
	if img.Ctx.Auxv[loader.AuxEntry] != entry {
		t.Errorf("AT_ENTRY = %#x, want unshifted %#x", img.Ctx.Auxv[loader.AuxEntry], entry)
	}
	if img.Ctx.Auxv[loader.AuxBase] != 0 {
		t.Errorf("AT_BASE = %#x, want 0", img.Ctx.Auxv[loader.AuxBase])
	}

	elfArea := img.MemorySpace.Areas[img.MemorySpace.Attr.ElfAreaIndex]
	wantStart := addr.VirtAddr(0x1000)
	if got := elfArea.VPageRange.AddrRange().Start; got != wantStart {
		t.Errorf("first loaded page = %v, want %v (never page 0)", got, wantStart)
	}
}

func TestFromELFTruncatedRollsBackFrames(t *testing.T) {
	nt, alloc := newLoaderHarness(t, 16*1024*1024)
	code := []byte{0x90, 0x90, 0x90, 0x90, 0xc3}
	raw := buildELF(2, 0x20000, 0x20000, code, 0)

	before := alloc.Current()
	beforeRecycled := alloc.RecycledLen()

	truncated := raw[:len(raw)-2] // cut into the declared file contents
	src := loader.ByteSource{Data: truncated}

	_, err := loader.FromELF(src, "truncated", loader.NewProcessContext(), nt, alloc)
	if err != loader.ErrIncompleteExecutable {
		t.Fatalf("FromELF error = %v, want ErrIncompleteExecutable", err)
	}
	// FromELF took four frames: the staging buffer, the segment's frame,
	// and the two intermediate tables nt's walk to 0x20000 created. The
	// tables stay owned by nt; the other two are back in the free list.
	if got, want := alloc.Current(), before.AddUint(4*config.PageSize); got != want {
		t.Errorf("bump pointer = %v after rollback, want %v", got, want)
	}
	if got, want := alloc.RecycledLen(), beforeRecycled+2; got != want {
		t.Errorf("recycled count = %d after rollback, want %d", got, want)
	}
}

func TestFromELFZeroFillsBssTail(t *testing.T) {
	nt, alloc := newLoaderHarness(t, 16*1024*1024)
	code := []byte{0x01, 0x02, 0x03}
	vaddr := uint64(0x30000)
	raw := buildELF(2, vaddr, vaddr, code, uint64(config.PageSize)) // memsz spans a full page

	img, err := loader.FromELF(loader.ByteSource{Data: raw}, "bss", loader.NewProcessContext(), nt, alloc)
	if err != nil {
		t.Fatalf("FromELF: %v", err)
	}
	tail := make([]byte, 16)
	if err := img.MemorySpace.Mmu.ReadBytes(addr.VirtAddr(vaddr).AddUint(uintptr(len(code))), tail); err != nil {
		t.Fatalf("ReadBytes (bss tail): %v", err)
	}
	for i, b := range tail {
		if b != 0 {
			t.Fatalf("bss byte %d = %#x, want 0", i, b)
		}
	}
}
