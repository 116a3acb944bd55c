package heap

import (
	"errors"
	"fmt"
)

// Heap errors.
var (
	// ErrNoSpace is returned when a request cannot be satisfied, even after growth.
	ErrNoSpace = errors.New("heap: no space")

	// ErrInvalidSize is returned for zero-sized requests or shrinking extends.
	ErrInvalidSize = errors.New("heap: invalid size")

	// ErrInvalidBlock is returned for nil, foreign or already-freed blocks.
	ErrInvalidBlock = errors.New("heap: invalid block")

	// ErrOutOfRange is returned when a write or read crosses the block boundary.
	ErrOutOfRange = errors.New("heap: access out of block range")

	// ErrUnimplemented is returned when the backing lacks an optional capability.
	ErrUnimplemented = errors.New("heap: operation not supported by backing")

	// ErrReleased is returned when accessing a backing that has been released.
	ErrReleased = errors.New("heap: backing has been released")
)

// Kind identifies the role of a heap.
type Kind int

const (
	// KindInstruction holds resident kernel code.
	KindInstruction Kind = iota
	// KindGeneral holds per-dispatch state (CURBE, samplers, descriptors, scratch).
	KindGeneral
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindInstruction:
		return "Instruction"
	case KindGeneral:
		return "General"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Backing is the GPU-visible memory of one heap instance.
type Backing interface {
	// Size returns the region size in bytes.
	Size() uint64

	// Write copies data into the region at offset.
	Write(offset uint64, data []byte) error

	// Release frees the region. The backing must not be used afterwards.
	Release()
}

// Reader is implemented by backings that can read their contents back.
type Reader interface {
	Read(offset uint64, dst []byte) error
}

// BackingFactory creates the backing of a new heap instance.
type BackingFactory func(kind Kind, size uint64) (Backing, error)

// MemoryBacking is a Backing held in process memory.
type MemoryBacking struct {
	data     []byte
	released bool
}

// NewMemoryBacking is a BackingFactory returning a zeroed MemoryBacking.
func NewMemoryBacking(_ Kind, size uint64) (Backing, error) {
	if size == 0 {
		return nil, ErrInvalidSize
	}
	return &MemoryBacking{data: make([]byte, size)}, nil
}

// Size implements Backing.
func (m *MemoryBacking) Size() uint64 { return uint64(len(m.data)) }

// Write implements Backing.
func (m *MemoryBacking) Write(offset uint64, data []byte) error {
	if m.released {
		return ErrReleased
	}
	if offset+uint64(len(data)) > uint64(len(m.data)) {
		return fmt.Errorf("%w: write [%d, %d) in %d bytes",
			ErrOutOfRange, offset, offset+uint64(len(data)), len(m.data))
	}
	copy(m.data[offset:], data)
	return nil
}

// Read implements Reader.
func (m *MemoryBacking) Read(offset uint64, dst []byte) error {
	if m.released {
		return ErrReleased
	}
	if offset+uint64(len(dst)) > uint64(len(m.data)) {
		return fmt.Errorf("%w: read [%d, %d) in %d bytes",
			ErrOutOfRange, offset, offset+uint64(len(dst)), len(m.data))
	}
	copy(dst, m.data[offset:])
	return nil
}

// Release implements Backing.
func (m *MemoryBacking) Release() {
	m.released = true
	m.data = nil
}

// Released reports whether Release has been called.
func (m *MemoryBacking) Released() bool { return m.released }
