package dsh

import (
	"fmt"

	"github.com/gogpu/dsh/fence"
	"github.com/gogpu/dsh/heap"
	"github.com/gogpu/dsh/internal/pool"
)

// Manager owns the instruction heap, the general state heap and the record
// pools of one device context.
//
// Manager is not safe for concurrent use; callers serialise access per
// device context.
type Manager struct {
	instruction *heap.Heap
	general     *heap.Heap
	layout      Layout
	perfSink    func(PerfRecord)

	kernelPool *pool.Pool[KernelAllocation]
	allocated  *pool.List
	submitted  *pool.List
	kernels    map[uint64]pool.Index

	mediaPool      *pool.Pool[MediaState]
	mediaSubmitted *pool.List
	current        *MediaState

	debugPayload []byte

	hits       uint64
	misses     uint64
	reloads    uint64
	evictions  uint64
	expansions uint64
	retired    uint64
	closed     bool
}

// New creates a Manager with the given options.
//
// Example:
//
//	m, err := dsh.New(dsh.WithInstructionHeap(0, 4096, 1<<20))
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
func New(opts ...Option) (*Manager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.layout.validate(); err != nil {
		return nil, err
	}
	if o.maxKernels < 0 || o.maxMediaStates < 0 {
		return nil, fmt.Errorf("%w: negative pool limit", ErrInvalidParameter)
	}
	// Region alignments are relative to the block, so blocks carry the
	// strictest of them.
	o.general.Alignment = max(o.general.Alignment, heap.DefaultAlignment, o.layout.maxAlignment())

	instruction, err := heap.New(o.instruction)
	if err != nil {
		return nil, fmt.Errorf("dsh: create instruction heap: %w", err)
	}
	general, err := heap.New(o.general)
	if err != nil {
		instruction.Close()
		return nil, fmt.Errorf("dsh: create general heap: %w", err)
	}

	m := &Manager{
		instruction: instruction,
		general:     general,
		layout:      o.layout,
		perfSink:    o.perfSink,
		kernels:     make(map[uint64]pool.Index),
	}
	m.kernelPool = pool.New("kernels", o.maxKernels, func(i pool.Index, k *KernelAllocation) { k.reset(i) })
	m.allocated = m.kernelPool.NewList("allocated")
	m.submitted = m.kernelPool.NewList("submitted")
	m.mediaPool = pool.New("media states", o.maxMediaStates, func(i pool.Index, s *MediaState) { s.reset(i) })
	m.mediaSubmitted = m.mediaPool.NewList("submitted")

	Logger().Debug("dsh: manager created",
		"instruction", instruction.Size(), "general", general.Size(),
		"scratch_granularity", o.layout.ScratchGranularity)
	return m, nil
}

// InstructionHeap returns the heap kernel binaries live in.
func (m *Manager) InstructionHeap() *heap.Heap { return m.instruction }

// GeneralHeap returns the heap media states are carved from.
func (m *Manager) GeneralHeap() *heap.Heap { return m.general }

// Layout returns the media-state layout in use.
func (m *Manager) Layout() Layout { return m.layout }

// CurrentMediaState returns the most recently assigned media state that has
// not been submitted, or nil.
func (m *Manager) CurrentMediaState() *MediaState { return m.current }

// RefreshSync retires every submitted kernel record and media state whose
// fence has expired, then lets both heaps reclaim deferred frees.
//
// Expired kernel records move back to the allocated list. A record whose
// block was invalidated by heap growth loses the block and stays stale.
// Expired media states deliver their perf slot to the perf sink and return
// their block and record.
func (m *Manager) RefreshSync(fc fence.Context) error {
	if !fc.Valid() {
		return fmt.Errorf("%w: invalid fence context", ErrInvalidParameter)
	}
	m.refreshKernels(fc)
	m.refreshMediaStates(fc)
	n := m.instruction.Refresh(fc.Tracker)
	n += m.general.Refresh(fc.Tracker)
	if n > 0 {
		Logger().Debug("dsh: reclaimed blocks", "count", n)
	}
	return nil
}

// Close releases both heaps. Handles obtained from the Manager must not be
// used afterwards.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.instruction.Close()
	m.general.Close()
	m.kernels = nil
	m.current = nil
	m.debugPayload = nil
}

// Stats contains manager statistics.
type Stats struct {
	Kernels          int // registered kernel records
	KernelsSubmitted int
	KernelPoolCap    int
	MediaStates      int // media states not yet retired
	MediaSubmitted   int
	MediaPoolCap     int

	Hits       uint64
	Misses     uint64
	Reloads    uint64
	Evictions  uint64
	Expansions uint64
	Retired    uint64 // media states retired by RefreshSync

	Instruction heap.Stats
	General     heap.Stats
}

// String returns a human-readable string of manager stats.
func (s Stats) String() string {
	return fmt.Sprintf("Kernels[%d registered, %d submitted, %d hits, %d misses, %d reloads, %d evictions, %d expansions] "+
		"MediaStates[%d live, %d submitted, %d retired] %s %s",
		s.Kernels, s.KernelsSubmitted, s.Hits, s.Misses, s.Reloads, s.Evictions, s.Expansions,
		s.MediaStates, s.MediaSubmitted, s.Retired, s.Instruction, s.General)
}

// Stats returns current manager statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		Kernels:          len(m.kernels),
		KernelsSubmitted: m.submitted.Len(),
		KernelPoolCap:    m.kernelPool.Cap(),
		MediaStates:      m.mediaPool.Outstanding(),
		MediaSubmitted:   m.mediaSubmitted.Len(),
		MediaPoolCap:     m.mediaPool.Cap(),
		Hits:             m.hits,
		Misses:           m.misses,
		Reloads:          m.reloads,
		Evictions:        m.evictions,
		Expansions:       m.expansions,
		Retired:          m.retired,
		Instruction:      m.instruction.Stats(),
		General:          m.general.Stats(),
	}
}
