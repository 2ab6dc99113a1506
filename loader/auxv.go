package loader

// AuxKey names an auxiliary-vector entry, following the Linux/System V
// AT_* numbering so a caller can hand Auxv straight to a trap-frame
// builder that expects those constants.
type AuxKey int

const (
	AuxPHDR   AuxKey = 3
	AuxPHENT  AuxKey = 4
	AuxPHNUM  AuxKey = 5
	AuxPageSz AuxKey = 6
	AuxBase   AuxKey = 7
	AuxFlags  AuxKey = 8
	AuxEntry  AuxKey = 9
)

// phdr64Size is sizeof(Elf64_Phdr).
const phdr64Size = 56

// ProcessContext is the caller-supplied context a loaded image is
// attached to: an auxiliary vector the loader populates with
// AT_PHDR/AT_PHENT/AT_PHNUM/AT_PAGESZ/AT_BASE/AT_FLAGS/AT_ENTRY. The
// executable's path is carried on ExecImage, not here.
type ProcessContext struct {
	Auxv map[AuxKey]uint64
}

// NewProcessContext returns a ProcessContext with an initialized,
// empty auxiliary vector.
func NewProcessContext() ProcessContext {
	return ProcessContext{Auxv: make(map[AuxKey]uint64)}
}
