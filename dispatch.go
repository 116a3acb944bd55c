package dsh

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/dsh/heap"
)

// DescriptorSize is the byte size of one dispatch descriptor.
const DescriptorSize = 32

// DispatchParams are the per-dispatch fields of a dispatch descriptor.
type DispatchParams struct {
	BindingTable      uint32
	CurbeOffset       uint32 // relative to the CURBE region
	CurbeLength       uint32
	ThreadCount       uint32
	SharedLocalMemory uint32 // bytes
	Barrier           bool
}

// Descriptor word layout, little endian:
//
//	0  kernel offset in the instruction heap
//	4  binding table id
//	8  CURBE offset within the media state block
//	12 CURBE length
//	16 sampler state offset within the media state block
//	20 thread count
//	24 shared local memory size
//	28 flags (bit 0: barrier)
const descriptorBarrier = 1 << 0

func encodeDescriptor(dst []byte, kernelOffset uint64, ds *DynamicState, p DispatchParams) {
	var flags uint32
	if p.Barrier {
		flags |= descriptorBarrier
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:], uint32(kernelOffset)) //nolint:gosec // G115: instruction heap is bounded below 4 GB
	le.PutUint32(dst[4:], p.BindingTable)
	le.PutUint32(dst[8:], uint32(ds.Curbe.Offset)+p.CurbeOffset) //nolint:gosec // G115: block offsets fit 32 bits
	le.PutUint32(dst[12:], p.CurbeLength)
	le.PutUint32(dst[16:], uint32(ds.Sampler3D.Offset)) //nolint:gosec // G115: block offsets fit 32 bits
	le.PutUint32(dst[20:], p.ThreadCount)
	le.PutUint32(dst[24:], p.SharedLocalMemory)
	le.PutUint32(dst[28:], flags)
}

// writable reports whether ms can still be filled in.
func (m *Manager) writable(ms *MediaState) error {
	if !m.ownedMediaState(ms) {
		return fmt.Errorf("%w: unknown media state", ErrInvalidParameter)
	}
	if ms.busy {
		return fmt.Errorf("%w: media state %d is in flight", ErrInvalidParameter, ms.index)
	}
	return nil
}

// LoadCurbeData appends data to the CURBE region of ms and returns its
// offset within the region, or -1.
func (m *Manager) LoadCurbeData(ms *MediaState, data []byte) (int, error) {
	if err := m.writable(ms); err != nil {
		return -1, err
	}
	if len(data) == 0 {
		return -1, fmt.Errorf("%w: empty CURBE data", ErrInvalidParameter)
	}
	off := heap.AlignUp(ms.curbeUsed, m.layout.CurbeAlignment)
	n := uint64(len(data))
	if off+n > ms.state.Curbe.Size {
		return -1, fmt.Errorf("%w: %d CURBE bytes at %d in a %d-byte region",
			ErrNoSpace, n, off, ms.state.Curbe.Size)
	}
	if err := ms.state.Block.AddData(data, ms.state.Curbe.Offset+off, n); err != nil {
		return -1, fmt.Errorf("dsh: write CURBE: %w", err)
	}
	ms.curbeUsed = off + n
	return int(off), nil //nolint:gosec // G115: offset is bounded by the CURBE region
}

// GetOrAllocateDispatchDescriptor returns the index of the descriptor in
// ms's table that dispatches k with p, writing a new entry when no equal
// one exists. It returns -1 on failure.
func (m *Manager) GetOrAllocateDispatchDescriptor(ms *MediaState, k *KernelAllocation, p DispatchParams) (int, error) {
	if err := m.writable(ms); err != nil {
		return -1, err
	}
	if !m.registered(k) || !m.resident(k) {
		return -1, fmt.Errorf("%w: kernel is not resident", ErrInvalidParameter)
	}
	if uint64(p.CurbeOffset)+uint64(p.CurbeLength) > ms.state.Curbe.Size {
		return -1, fmt.Errorf("%w: CURBE range %d+%d outside a %d-byte region",
			ErrInvalidParameter, p.CurbeOffset, p.CurbeLength, ms.state.Curbe.Size)
	}

	for i := 0; i < ms.used; i++ {
		if ms.kernels[i] == k.index && ms.params[i] == p {
			return i, nil
		}
	}
	if ms.used >= ms.descriptors {
		return -1, fmt.Errorf("%w: descriptor table of %d entries is full", ErrNoSpace, ms.descriptors)
	}

	i := ms.used
	var buf [DescriptorSize]byte
	encodeDescriptor(buf[:], k.block.Offset(), &ms.state, p)
	off := ms.state.Descriptors.Offset + uint64(i)*DescriptorSize
	if err := ms.state.Block.AddData(buf[:], off, DescriptorSize); err != nil {
		return -1, fmt.Errorf("dsh: write dispatch descriptor: %w", err)
	}
	ms.kernels[i] = k.index
	ms.params[i] = p
	ms.used++
	return i, nil
}

// DispatchKernel returns the kernel record referenced by descriptor i of ms,
// or nil. The reference does not keep the kernel resident.
func (m *Manager) DispatchKernel(ms *MediaState, i int) *KernelAllocation {
	if !m.ownedMediaState(ms) || i < 0 || i >= ms.used {
		return nil
	}
	return m.kernelPool.Get(ms.kernels[i])
}
