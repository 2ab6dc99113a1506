package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"galette/addr"
	"galette/config"
	"galette/frame"
	"galette/kernlog"
	"galette/mmu"
	"galette/vmspace"
)

// FromELF reads the whole of source, validates it as a 64-bit
// little-endian ET_EXEC or ET_DYN ELF object, and constructs a fresh
// memory space with one area per PT_LOAD segment, a guarded user stack,
// a zero-length brk area, and a reserved signal-trampoline slot.
//
// The file is staged through a scope-local contiguous physical buffer
// reached via m's linear window; that buffer is always released before
// FromELF returns, win or lose.
func FromELF(source Source, path string, ctx ProcessContext, m mmu.IMMU, alloc *frame.Allocator) (*ExecImage, error) {
	fileLen := source.Len()
	if fileLen <= 0 {
		return nil, ErrNotELF
	}
	pages := (uintptr(fileLen) + config.PageSize - 1) / config.PageSize
	staging, ok := alloc.AllocContiguous(pages)
	if !ok {
		return nil, ErrInsufficientMemory
	}
	defer alloc.DeallocRange(staging)

	buf, err := m.LinearMapPhys(staging.Range().StartPage.Addr(), pages*config.PageSize)
	if err != nil {
		return nil, fmt.Errorf("loader: linear-map staging buffer: %w", err)
	}
	n, err := source.ReadAt(0, buf[:fileLen])
	if err != nil {
		return nil, fmt.Errorf("loader: read executable: %w", err)
	}
	if int64(n) < fileLen {
		return nil, ErrIncompleteExecutable
	}
	raw := buf[:fileLen]

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, ErrNotELF
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, ErrUnsupportedClass
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, ErrUnsupportedClass
	}

	// PIE-ness is a property of the segment layout, not the ELF type
	// field: if the first LOAD segment starts at virtual page 0, every
	// segment is shifted up by exactly one page so no segment ever
	// occupies page 0.
	var firstLoadVaddr uint64
	haveLoad := false
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			firstLoadVaddr = p.Vaddr
			haveLoad = true
			break
		}
	}
	if !haveLoad {
		return nil, ErrNoLoadSegments
	}
	var pieOffset int64
	if firstLoadVaddr == 0 {
		pieOffset = int64(config.PageSize)
	}

	ms := vmspace.New(m, alloc)
	committed := false
	defer func() {
		if !committed {
			ms.UnmapAllAreasThat(func(*vmspace.MappingArea) bool { return true })
		}
	}()

	var (
		loadCount        int
		highestEnd       addr.VirtPage
		elfAreaIdx       = -1
		phdrVAddr        addr.VirtAddr
		haveExplicitPhdr bool
	)

	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_INTERP:
			kernlog.Warn("loader: PT_INTERP present but dynamic linking is not supported", "path", path)
		case elf.PT_PHDR:
			phdrVAddr = addr.VirtAddr(p.Vaddr).Add(pieOffset)
			haveExplicitPhdr = true
		case elf.PT_LOAD:
			area, endPage, err := loadSegment(ms, p, pieOffset, raw)
			if err != nil {
				return nil, err
			}
			if elfAreaIdx == -1 {
				elfAreaIdx = len(ms.Areas) - 1
			}
			if loadCount == 0 || endPage.Addr() > highestEnd.Addr() {
				highestEnd = endPage
			}
			loadCount++
			_ = area
		}
	}
	if loadCount == 0 {
		return nil, ErrNoLoadSegments
	}
	if !haveExplicitPhdr {
		phdrVAddr = addr.VirtAddr(firstLoadVaddr).Add(pieOffset).Add(int64(phoff(raw)))
	}

	trampolinePage, _ := addr.NewPage(highestEnd.Addr(), config.PageSize)
	highestEnd = trampolinePage.AddN(1)

	guardBaseStart, _ := addr.NewPage(highestEnd.Addr(), config.PageSize)
	guardBase := addr.NewPageRange(guardBaseStart, 1)
	ms.Areas = append(ms.Areas, vmspace.NewArea(guardBase, vmspace.UserStackGuardBase, vmspace.Framed, 0))

	stackPages := config.UserStackSize / config.PageSize
	stackStart, _ := addr.NewPage(guardBase.StartPage.AddN(1).Addr(), config.PageSize)
	stackArea := vmspace.NewArea(addr.NewPageRange(stackStart, stackPages), vmspace.UserStack, vmspace.Framed, mmu.User|mmu.Readable|mmu.Writable)
	if err := ms.AllocAndMapArea(stackArea); err != nil {
		return nil, err
	}
	stackTop := stackArea.VPageRange.StartPage.AddN(int64(stackPages)).Addr()

	guardTopStart, _ := addr.NewPage(stackTop, config.PageSize)
	guardTop := addr.NewPageRange(guardTopStart, 1)
	ms.Areas = append(ms.Areas, vmspace.NewArea(guardTop, vmspace.UserStackGuardTop, vmspace.Framed, 0))

	brkStart, _ := addr.NewPage(guardTop.StartPage.AddN(1).Addr(), config.PageSize)
	brkArea := vmspace.NewArea(addr.NewPageRange(brkStart, 0), vmspace.UserBrk, vmspace.Framed, mmu.User|mmu.Readable|mmu.Writable)
	if err := ms.AllocAndMapArea(brkArea); err != nil {
		return nil, err
	}
	brkAreaIdx := len(ms.Areas) - 1

	if ctx.Auxv == nil {
		ctx.Auxv = make(map[AuxKey]uint64)
	}
	ctx.Auxv[AuxPHDR] = uint64(phdrVAddr.Word())
	ctx.Auxv[AuxPHENT] = phdr64Size
	ctx.Auxv[AuxPHNUM] = uint64(len(f.Progs))
	ctx.Auxv[AuxPageSz] = uint64(config.PageSize)
	ctx.Auxv[AuxBase] = 0 // always 0: no dynamic linker runs in this loader
	ctx.Auxv[AuxFlags] = 0
	ctx.Auxv[AuxEntry] = f.Entry // AT_ENTRY is never shifted by pieOffset

	ms.Init(vmspace.MemorySpaceAttribute{
		ElfAreaIndex:   elfAreaIdx,
		BrkAreaIndex:   brkAreaIdx,
		BrkStart:       brkStart.Addr(),
		StackGuardBase: guardBase,
		StackRange:     stackArea.VPageRange,
		StackGuardTop:  guardTop,
	})

	committed = true
	return &ExecImage{
		Path:           path,
		MemorySpace:    ms,
		Ctx:            ctx,
		EntryPC:        addr.VirtAddr(f.Entry).Add(pieOffset),
		StackTop:       stackTop,
		TrampolinePage: trampolinePage,
	}, nil
}

// loadSegment maps one PT_LOAD program header into ms, copying its file
// contents and zero-filling memsz-filesz. It returns the area created and
// the virtual page one past its end.
func loadSegment(ms *vmspace.MemorySpace, p *elf.Prog, pieOffset int64, raw []byte) (*vmspace.MappingArea, addr.VirtPage, error) {
	segStart := addr.VirtAddr(p.Vaddr).Add(pieOffset)
	alignedStart := segStart.AlignDown(config.PageSize)
	end := segStart.AddUint(uintptr(p.Memsz)).AlignUp(config.PageSize)
	pageCount := uintptr(end.Word()-alignedStart.Word()) / config.PageSize

	finalPerm := progFlagsToPermissions(p.Flags)
	// Segments are always populated through a writable mapping, then
	// downgraded to their declared permissions once the file contents
	// and zero-fill are in place — a read-only .rodata segment can't be
	// written to directly any other way.
	mapPerm := finalPerm | mmu.Writable

	startPage, _ := addr.NewPage(alignedStart, config.PageSize)
	area := vmspace.NewArea(addr.NewPageRange(startPage, pageCount), vmspace.UserElf, vmspace.Framed, mapPerm)
	if err := ms.AllocAndMapArea(area); err != nil {
		if errors.Is(err, vmspace.ErrOutOfMemory) || errors.Is(err, mmu.ErrOutOfMemory) {
			return nil, addr.VirtPage{}, ErrInsufficientMemory
		}
		return nil, addr.VirtPage{}, err
	}

	if p.Filesz > 0 {
		fileEnd := int64(p.Off) + int64(p.Filesz)
		if fileEnd > int64(len(raw)) {
			return nil, addr.VirtPage{}, ErrIncompleteExecutable
		}
		if err := ms.Mmu.WriteBytes(segStart, raw[p.Off:fileEnd]); err != nil {
			return nil, addr.VirtPage{}, err
		}
	}
	if p.Memsz > p.Filesz {
		zeroStart := segStart.AddUint(uintptr(p.Filesz))
		zeroLen := uintptr(p.Memsz - p.Filesz)
		zeros := make([]byte, zeroLen)
		if err := ms.Mmu.WriteBytes(zeroStart, zeros); err != nil {
			return nil, addr.VirtPage{}, err
		}
	}

	if mapPerm != finalPerm {
		var remapErr error
		area.VPageRange.ForEach(func(vp addr.VirtPage) {
			if remapErr != nil {
				return
			}
			perm := finalPerm
			if err := ms.Mmu.CreateOrUpdateSingle(vp.Addr(), mmu.PageSize4KiB, nil, &perm); err != nil {
				remapErr = err
			}
		})
		if remapErr != nil {
			return nil, addr.VirtPage{}, remapErr
		}
		area.Permissions = finalPerm
	}

	endPage, _ := addr.NewPage(end, config.PageSize)
	return area, endPage, nil
}

func progFlagsToPermissions(flags elf.ProgFlag) mmu.PermissionFlags {
	perm := mmu.User
	if flags&elf.PF_R != 0 {
		perm |= mmu.Readable
	}
	if flags&elf.PF_W != 0 {
		perm |= mmu.Writable
	}
	if flags&elf.PF_X != 0 {
		perm |= mmu.Executable
	}
	return perm
}

// phoff reads e_phoff directly out of the raw ELF64 header (offset 0x20,
// little-endian): debug/elf parses program headers but does not re-expose
// the header's own phoff field.
func phoff(raw []byte) uint64 {
	if len(raw) < 0x28 {
		return 0
	}
	return binary.LittleEndian.Uint64(raw[0x20:0x28])
}
