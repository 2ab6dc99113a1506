package loader

import (
	"galette/addr"
	"galette/vmspace"
)

// ExecImage is the result of successfully loading an executable: a fully
// populated memory space plus everything a caller needs to build the
// process's initial trap frame.
type ExecImage struct {
	Path        string
	MemorySpace *vmspace.MemorySpace
	Ctx         ProcessContext

	EntryPC  addr.VirtAddr
	StackTop addr.VirtAddr

	// TrampolinePage is the reserved (not yet mapped) virtual page for a
	// future signal trampoline; the caller maps it via
	// MemorySpace.RegisterSignalTrampoline once the kernel's own
	// sigreturn stub's physical address is known.
	TrampolinePage addr.VirtPage
}
