package dsh

import (
	"fmt"

	"github.com/gogpu/dsh/fence"
	"github.com/gogpu/dsh/heap"
	"github.com/gogpu/dsh/internal/pool"
)

// KernelState is the cache state of a kernel record.
type KernelState uint8

// Kernel record states.
const (
	// KernelFree is a fresh record that has never held a binary.
	KernelFree KernelState = iota

	// KernelUsed is a resident kernel whose last use has retired.
	KernelUsed

	// KernelLocked is a resident kernel referenced by in-flight work.
	KernelLocked

	// KernelStale is a record whose binary was invalidated by heap growth.
	KernelStale

	// KernelRemoved is a record whose binary was evicted.
	KernelRemoved
)

var kernelStateNames = [...]string{"free", "used", "locked", "stale", "removed"}

// String returns the state name.
func (s KernelState) String() string {
	if int(s) < len(kernelStateNames) {
		return kernelStateNames[s]
	}
	return fmt.Sprintf("KernelState(%d)", s)
}

// KernelKey identifies a cached kernel.
type KernelKey struct {
	UID uint32
	CID uint32
}

func (k KernelKey) pack() uint64 { return uint64(k.UID)<<32 | uint64(k.CID) }

// String returns "uid/cid".
func (k KernelKey) String() string { return fmt.Sprintf("%d/%d", k.UID, k.CID) }

// KernelAllocation is the cache record of one kernel binary.
// Records are owned by the Manager; handles stay valid until Unregister.
type KernelAllocation struct {
	index pool.Index
	key   KernelKey
	state KernelState
	usage uint64
	fence fence.Token
	block *heap.Block
}

// Index returns the record's stable pool index.
func (k *KernelAllocation) Index() int { return int(k.index) }

// Key returns the kernel's cache key.
func (k *KernelAllocation) Key() KernelKey { return k.key }

// State returns the residency state.
func (k *KernelAllocation) State() KernelState { return k.state }

// Usage returns how many times the kernel has been touched.
func (k *KernelAllocation) Usage() uint64 { return k.usage }

// Fence returns the token of the last batch that used the kernel.
func (k *KernelAllocation) Fence() fence.Token { return k.fence }

// Block returns the instruction heap block holding the binary, or nil.
func (k *KernelAllocation) Block() *heap.Block { return k.block }

// Offset returns the kernel's offset in the instruction heap, or -1 when
// it holds no binary.
func (k *KernelAllocation) Offset() int64 {
	if k.block == nil {
		return -1
	}
	return int64(k.block.Offset())
}

func (k *KernelAllocation) reset(i pool.Index) {
	*k = KernelAllocation{index: i}
}

// Region is a byte range inside a media state's block.
type Region struct {
	Offset uint64
	Size   uint64
}

// End returns the first byte past the region.
func (r Region) End() uint64 { return r.Offset + r.Size }

// MaxDispatchDescriptors bounds the descriptor table of a media state.
const MaxDispatchDescriptors = 64

// DynamicState describes the layout of a media state's block.
type DynamicState struct {
	Curbe           Region
	Sampler3D       Region
	SamplerAVS      Region
	SamplerIndirect Region
	Descriptors     Region
	Perf            Region
	Scratch         Region

	// ScratchPerThread is the rounded per-thread scratch size.
	ScratchPerThread uint64

	// Size is the total byte size of the block.
	Size uint64

	// Block is the general heap block holding the regions.
	Block *heap.Block
}

// MediaState is one frame's dynamic state: a general heap block carved into
// regions, plus the dispatch descriptor table written into it.
type MediaState struct {
	index       pool.Index
	busy        bool
	fence       fence.Token
	state       DynamicState
	subsystem   uint32
	curbeUsed   uint64
	descriptors int
	used        int
	kernels     [MaxDispatchDescriptors]pool.Index
	params      [MaxDispatchDescriptors]DispatchParams
}

// Index returns the record's stable pool index.
func (s *MediaState) Index() int { return int(s.index) }

// Busy reports whether the media state has been submitted and not retired.
func (s *MediaState) Busy() bool { return s.busy }

// Fence returns the token guarding the media state's general heap block.
func (s *MediaState) Fence() fence.Token { return s.fence }

// Layout returns the region layout inside the general heap block.
func (s *MediaState) Layout() DynamicState { return s.state }

// SubsystemID returns the id stamped into the performance slot.
func (s *MediaState) SubsystemID() uint32 { return s.subsystem }

// Descriptors returns the number of dispatch descriptors written so far.
func (s *MediaState) Descriptors() int { return s.used }

func (s *MediaState) reset(i pool.Index) {
	*s = MediaState{index: i}
	for j := range s.kernels {
		s.kernels[j] = pool.Nil
	}
}
