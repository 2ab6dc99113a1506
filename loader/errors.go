package loader

import "errors"

var (
	errOutOfRange = errors.New("loader: read offset out of range")

	// ErrNotELF is returned when the source's contents do not parse as an
	// ELF object at all.
	ErrNotELF = errors.New("loader: not an ELF file")

	// ErrUnsupportedClass is returned for any ELF class/byte-order/type
	// other than 64-bit little-endian ET_EXEC or ET_DYN.
	ErrUnsupportedClass = errors.New("loader: unsupported ELF class or type")

	// ErrIncompleteExecutable is returned when a PT_LOAD segment's file
	// region extends past the end of the source's actual bytes — a
	// truncated executable.
	ErrIncompleteExecutable = errors.New("loader: incomplete executable")

	// ErrInsufficientMemory is returned when the frame allocator cannot
	// satisfy the staging buffer or a segment's mapping.
	ErrInsufficientMemory = errors.New("loader: insufficient memory")

	// ErrNoLoadSegments is returned when an otherwise well-formed ELF file
	// carries no PT_LOAD program headers at all.
	ErrNoLoadSegments = errors.New("loader: no loadable segments")
)
