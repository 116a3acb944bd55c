package dsh

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/dsh/fence"
	"github.com/gogpu/dsh/heap"
)

// MediaStateConfig sizes the regions of a media state.
type MediaStateConfig struct {
	// CurbeSize is the constant buffer size in bytes.
	CurbeSize uint64

	Samplers3D       int
	SamplersAVS      int
	SamplersIndirect int

	// DispatchDescriptors is the number of descriptor table entries.
	DispatchDescriptors int

	// ScratchPerThread is the scratch space each hardware thread needs.
	// It is rounded up to the layout's scratch granularity.
	ScratchPerThread uint64

	// SubsystemID is stamped into the performance slot.
	SubsystemID uint32
}

func (c MediaStateConfig) validate() error {
	if c.Samplers3D < 0 || c.SamplersAVS < 0 || c.SamplersIndirect < 0 {
		return fmt.Errorf("%w: negative sampler count", ErrInvalidParameter)
	}
	if c.DispatchDescriptors < 0 || c.DispatchDescriptors > MaxDispatchDescriptors {
		return fmt.Errorf("%w: %d dispatch descriptors (max %d)",
			ErrInvalidParameter, c.DispatchDescriptors, MaxDispatchDescriptors)
	}
	return nil
}

// computeLayout places the regions of a media state back to back:
// CURBE, 3D samplers, AVS samplers, indirect sampler state, descriptor
// table, performance slot and scratch space, each at its own alignment.
func (l Layout) computeLayout(c MediaStateConfig) DynamicState {
	var ds DynamicState
	var end uint64
	place := func(size, align uint64) Region {
		off := heap.AlignUp(end, align)
		end = off + size
		return Region{Offset: off, Size: size}
	}

	ds.Curbe = place(heap.AlignUp(c.CurbeSize, l.CurbeAlignment), l.CurbeAlignment)
	ds.Sampler3D = place(uint64(c.Samplers3D)*l.Sampler3DSize, l.Sampler3DAlignment)
	ds.SamplerAVS = place(uint64(c.SamplersAVS)*l.SamplerAVSSize, l.SamplerAVSAlignment)
	ds.SamplerIndirect = place(uint64(c.SamplersIndirect)*l.SamplerIndirectSize, l.SamplerIndirectAlignment)
	ds.Descriptors = place(uint64(c.DispatchDescriptors)*DescriptorSize, l.DescriptorAlignment)
	ds.Perf = place(l.PerfSize, l.PerfAlignment)
	if c.ScratchPerThread > 0 {
		ds.ScratchPerThread = heap.AlignUp(c.ScratchPerThread, l.ScratchGranularity)
		ds.Scratch = place(ds.ScratchPerThread*l.MaxThreads, l.ScratchAlignment)
	}
	ds.Size = end
	return ds
}

// AssignMediaState carves a new media state out of the general heap, lays
// out its regions, clears its performance slot and makes it current.
// Expired media states are retired afterwards.
func (m *Manager) AssignMediaState(fc fence.Context, cfg MediaStateConfig) (*MediaState, error) {
	if !fc.Valid() {
		return nil, fmt.Errorf("%w: invalid fence context", ErrInvalidParameter)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	idx, err := m.mediaPool.Acquire()
	if err != nil {
		return nil, spaceError("media state record", err)
	}
	ms := m.mediaPool.Get(idx)
	ms.reset(idx)
	ms.state = m.layout.computeLayout(cfg)
	ms.subsystem = cfg.SubsystemID
	ms.descriptors = cfg.DispatchDescriptors
	fc.Stamp(&ms.fence)

	// Scratch can exceed the growth increment; raise it for this request.
	if ms.state.Scratch.Size > m.general.Increment() {
		prev := m.general.SetIncrement(heap.AlignUp(ms.state.Scratch.Size, m.layout.ScratchAlignment))
		defer m.general.SetIncrement(prev)
	}

	blocks, err := m.general.AcquireSpace([]uint64{ms.state.Size}, ms.fence)
	if err != nil {
		_ = m.mediaPool.Release(idx)
		return nil, spaceError(fmt.Sprintf("media state of %d bytes", ms.state.Size), err)
	}
	b := blocks[0]
	ms.state.Block = b

	if err := m.stampPerf(ms); err != nil {
		_ = m.general.FreeDynamicBlock(b)
		ms.reset(idx)
		_ = m.mediaPool.Release(idx)
		return nil, fmt.Errorf("dsh: init perf slot: %w", err)
	}

	m.current = ms
	Logger().Debug("dsh: media state assigned", "index", ms.Index(), "size", ms.state.Size,
		"offset", b.Offset(), "scratch_per_thread", ms.state.ScratchPerThread)
	if err := m.RefreshSync(fc); err != nil {
		return nil, err
	}
	return ms, nil
}

// stampPerf zeroes the performance slot and writes the subsystem id into
// its first word.
func (m *Manager) stampPerf(ms *MediaState) error {
	p := ms.state.Perf
	slot := make([]byte, p.Size)
	binary.LittleEndian.PutUint32(slot, ms.subsystem)
	return ms.state.Block.AddData(slot, p.Offset, p.Size)
}

// ownedMediaState reports whether ms is a live media state of this manager.
func (m *Manager) ownedMediaState(ms *MediaState) bool {
	return ms != nil && ms.state.Block != nil && m.mediaPool.Get(ms.index) == ms
}

// SubmitMediaState hands ms to the GPU on fc's stream. It moves to the
// submitted list and is retired by RefreshSync once its fence expires.
// Submitting a media state twice is an error.
func (m *Manager) SubmitMediaState(fc fence.Context, ms *MediaState) error {
	if !fc.Valid() || !m.ownedMediaState(ms) {
		return fmt.Errorf("%w: submit media state", ErrInvalidParameter)
	}
	if ms.busy || m.mediaPool.Contains(m.mediaSubmitted, ms.index) {
		return fmt.Errorf("%w: media state %d already submitted", ErrInvalidParameter, ms.index)
	}
	fc.Stamp(&ms.fence)
	if err := m.general.SubmitBlock(ms.state.Block, ms.fence); err != nil {
		return fmt.Errorf("dsh: submit media state %d: %w", ms.index, err)
	}
	if err := m.mediaPool.PushBack(m.mediaSubmitted, ms.index); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	ms.busy = true
	if m.current == ms {
		m.current = nil
	}
	return nil
}

// ReleaseMediaState returns an unsubmitted media state to the pool.
func (m *Manager) ReleaseMediaState(ms *MediaState) error {
	if !m.ownedMediaState(ms) {
		return fmt.Errorf("%w: release media state", ErrInvalidParameter)
	}
	if ms.busy {
		return fmt.Errorf("%w: media state %d is in flight", ErrInvalidParameter, ms.index)
	}
	m.retireMediaState(ms)
	return nil
}

// ReadPerfSlot returns a copy of ms's performance slot. It fails with
// ErrUnimplemented when the general heap cannot be read back.
func (m *Manager) ReadPerfSlot(ms *MediaState) ([]byte, error) {
	if !m.ownedMediaState(ms) {
		return nil, fmt.Errorf("%w: read perf slot", ErrInvalidParameter)
	}
	p := ms.state.Perf
	buf := make([]byte, p.Size)
	if err := ms.state.Block.Read(p.Offset, buf); err != nil {
		if errors.Is(err, heap.ErrUnimplemented) {
			return nil, fmt.Errorf("%w: general heap is not readable", ErrUnimplemented)
		}
		return nil, fmt.Errorf("dsh: read perf slot: %w", err)
	}
	return buf, nil
}

// refreshMediaStates retires every submitted media state whose fence has
// expired.
func (m *Manager) refreshMediaStates(fc fence.Context) {
	for _, idx := range m.mediaPool.Indices(m.mediaSubmitted) {
		ms := m.mediaPool.Get(idx)
		if !fc.Expired(ms.fence) {
			continue
		}
		m.general.Complete(ms.state.Block)
		m.dumpPerf(ms)
		m.retireMediaState(ms)
		m.retired++
	}
}

func (m *Manager) dumpPerf(ms *MediaState) {
	if m.perfSink == nil {
		return
	}
	data, err := m.ReadPerfSlot(ms)
	if err != nil {
		Logger().Debug("dsh: perf slot skipped", "index", ms.Index(), "err", err)
		return
	}
	m.perfSink(PerfRecord{MediaState: ms.Index(), SubsystemID: ms.subsystem, Data: data})
}

func (m *Manager) retireMediaState(ms *MediaState) {
	if err := m.general.FreeDynamicBlock(ms.state.Block); err != nil {
		Logger().Warn("dsh: free media state block", "index", ms.Index(), "err", err)
	}
	if m.current == ms {
		m.current = nil
	}
	idx := ms.index
	ms.reset(idx)
	_ = m.mediaPool.Release(idx)
}
