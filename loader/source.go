// Package loader parses a static ELF executable and constructs a fresh
// vmspace.MemorySpace for it: segments, stack, brk, and a reserved
// signal-trampoline slot, plus the auxiliary vector a caller uses to
// initialize a trap context.
package loader

// Source is the collaborator the loader reads the executable through —
// modelled as a byte-source interface, deliberately decoupled from any
// concrete filesystem. The loader issues exactly one ReadAt(0, buf)
// sized to Len().
type Source interface {
	ReadAt(offset int64, buf []byte) (int, error)
	Len() int64
}

// ByteSource adapts an in-memory byte slice to Source, useful for tests
// and for callers that have already staged the executable's bytes.
type ByteSource struct {
	Data []byte
}

func (s ByteSource) ReadAt(offset int64, buf []byte) (int, error) {
	if offset < 0 || offset > int64(len(s.Data)) {
		return 0, errOutOfRange
	}
	n := copy(buf, s.Data[offset:])
	return n, nil
}

func (s ByteSource) Len() int64 { return int64(len(s.Data)) }
