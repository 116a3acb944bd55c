package heap

import (
	"fmt"

	"github.com/gogpu/dsh/fence"
)

// blockState is the lifecycle of a Block.
type blockState uint8

const (
	blockAllocated blockState = iota // owned by the CPU
	blockInFlight                    // submitted, guarded by its fence
	blockFreed                       // freed; space returned or awaiting fence
)

// instance is one contiguous region of a Heap.
type instance struct {
	gen      uint64
	backing  Backing
	ranges   ranges
	live     int // blocks not yet reclaimed, including deferred frees
	released bool
}

// Block is a sub-allocation of a heap instance.
type Block struct {
	heap          *Heap
	inst          *instance
	offset        uint64
	size          uint64
	state         blockState
	pendingDelete bool
	fence         fence.Token
}

// IsValid reports whether the block may still be written.
func (b *Block) IsValid() bool {
	return b != nil && b.state != blockFreed && !b.inst.released
}

// Offset returns the byte offset of the block inside its heap instance.
func (b *Block) Offset() uint64 { return b.offset }

// Size returns the block size in bytes.
func (b *Block) Size() uint64 { return b.size }

// Generation returns the generation of the heap instance holding the block.
func (b *Block) Generation() uint64 { return b.inst.gen }

// Resource returns the backing of the heap instance holding the block.
func (b *Block) Resource() Backing { return b.inst.backing }

// InFlight reports whether the block has been submitted and not completed.
func (b *Block) InFlight() bool { return b.state == blockInFlight }

// Freed reports whether FreeDynamicBlock has been called on the block.
func (b *Block) Freed() bool { return b.state == blockFreed }

// Fence returns the block's fence requirement.
func (b *Block) Fence() fence.Token { return b.fence }

// PendingDelete reports whether the block was condemned while in flight.
func (b *Block) PendingDelete() bool { return b.pendingDelete }

// MarkPendingDelete condemns the block: its contents are no longer trusted
// and it is dropped as soon as its fence expires.
func (b *Block) MarkPendingDelete() { b.pendingDelete = true }

// AddData writes the first n bytes of data at offset within the block.
func (b *Block) AddData(data []byte, offset, n uint64) error {
	if !b.IsValid() {
		return ErrInvalidBlock
	}
	if n > uint64(len(data)) || offset+n > b.size || offset+n < offset {
		return fmt.Errorf("%w: %d bytes at %d in a %d-byte block", ErrOutOfRange, n, offset, b.size)
	}
	if n == 0 {
		return nil
	}
	return b.inst.backing.Write(b.offset+offset, data[:n])
}

// WriteZeroFill writes payload at the start of the block and zeroes the
// remainder, so no byte of the block is left with stale contents.
func (b *Block) WriteZeroFill(payload []byte) error {
	if !b.IsValid() {
		return ErrInvalidBlock
	}
	if uint64(len(payload)) > b.size {
		return fmt.Errorf("%w: %d-byte payload in a %d-byte block", ErrOutOfRange, len(payload), b.size)
	}
	buf := make([]byte, b.size)
	copy(buf, payload)
	return b.inst.backing.Write(b.offset, buf)
}

// Zero clears n bytes at offset within the block.
func (b *Block) Zero(offset, n uint64) error {
	return b.AddData(make([]byte, n), offset, n)
}

// Read copies block contents starting at offset into dst. It returns
// ErrUnimplemented when the backing cannot be read back.
func (b *Block) Read(offset uint64, dst []byte) error {
	if b == nil || b.inst.released {
		return ErrInvalidBlock
	}
	r, ok := b.inst.backing.(Reader)
	if !ok {
		return ErrUnimplemented
	}
	if offset+uint64(len(dst)) > b.size {
		return fmt.Errorf("%w: read %d bytes at %d in a %d-byte block", ErrOutOfRange, len(dst), offset, b.size)
	}
	return r.Read(b.offset+offset, dst)
}
