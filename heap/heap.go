package heap

import (
	"fmt"

	"github.com/gogpu/dsh/fence"
)

// Default heap configuration.
const (
	// DefaultIncrement is the growth granularity (64 KB).
	DefaultIncrement = 64 * 1024

	// DefaultMaxSize bounds a heap's committed size (64 MB).
	DefaultMaxSize = 64 * 1024 * 1024

	// DefaultAlignment is the offset alignment of every block.
	DefaultAlignment = 64
)

// Config holds configuration for creating a Heap.
type Config struct {
	// Kind is the heap's role; it is passed to NewBacking.
	Kind Kind

	// InitialSize is the size of the first instance. Zero creates the heap
	// without an instance; the first ExtendHeap or AcquireSpace creates one.
	InitialSize uint64

	// Increment is the growth granularity. Defaults to DefaultIncrement.
	Increment uint64

	// MaxSize bounds the committed size of all live instances.
	// Defaults to DefaultMaxSize.
	MaxSize uint64

	// Alignment is the offset alignment of blocks. Defaults to DefaultAlignment.
	Alignment uint64

	// NewBacking creates instance backings. Defaults to NewMemoryBacking.
	NewBacking BackingFactory
}

func (c Config) withDefaults() Config {
	if c.Increment == 0 {
		c.Increment = DefaultIncrement
	}
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.Alignment == 0 {
		c.Alignment = DefaultAlignment
	}
	if c.NewBacking == nil {
		c.NewBacking = NewMemoryBacking
	}
	return c
}

// Descriptor summarises the active instance of a heap.
type Descriptor struct {
	Kind        Kind
	Size        uint64
	Used        uint64
	Generation  uint64
	Increment   uint64
	MaxSize     uint64
	DebugKernel *Block
}

// Stats contains heap usage statistics.
type Stats struct {
	Kind        Kind
	Size        uint64 // active instance size
	Used        uint64 // bytes allocated in the active instance
	Committed   uint64 // bytes held by all live instances
	Instances   int    // live instances, active included
	Deferred    int    // frees waiting for their fence
	Extends     uint64
	Allocations uint64
	Frees       uint64
}

// String returns a human-readable string of heap stats.
func (s Stats) String() string {
	return fmt.Sprintf("%sHeap[%d/%d bytes, %d committed, %d instances, %d deferred, %d extends]",
		s.Kind, s.Used, s.Size, s.Committed, s.Instances, s.Deferred, s.Extends)
}

// Heap is a growable, fence-aware GPU heap.
type Heap struct {
	cfg         Config
	active      *instance
	retired     []*instance
	deferred    []*Block
	gen         uint64
	debugKernel *Block
	closed      bool

	extends     uint64
	allocations uint64
	frees       uint64
}

// New creates a heap, allocating the initial instance when InitialSize > 0.
func New(cfg Config) (*Heap, error) {
	h := &Heap{cfg: cfg.withDefaults()}
	if h.cfg.InitialSize > 0 {
		if err := h.ExtendHeap(h.cfg.InitialSize); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Kind returns the heap's role.
func (h *Heap) Kind() Kind { return h.cfg.Kind }

// Generation returns the generation of the active instance (0 when none).
func (h *Heap) Generation() uint64 {
	if h.active == nil {
		return 0
	}
	return h.active.gen
}

// Size returns the size of the active instance.
func (h *Heap) Size() uint64 {
	if h.active == nil {
		return 0
	}
	return h.active.ranges.size
}

// Increment returns the current growth granularity.
func (h *Heap) Increment() uint64 { return h.cfg.Increment }

// SetIncrement changes the growth granularity and returns the previous one.
func (h *Heap) SetIncrement(n uint64) uint64 {
	prev := h.cfg.Increment
	if n > 0 {
		h.cfg.Increment = n
	}
	return prev
}

// MaxSize returns the configured maximum committed size.
func (h *Heap) MaxSize() uint64 { return h.cfg.MaxSize }

// Descriptor returns the active instance summary.
func (h *Heap) Descriptor() Descriptor {
	d := Descriptor{
		Kind:        h.cfg.Kind,
		Generation:  h.Generation(),
		Increment:   h.cfg.Increment,
		MaxSize:     h.cfg.MaxSize,
		DebugKernel: h.debugKernel,
	}
	if h.active != nil {
		d.Size = h.active.ranges.size
		d.Used = h.active.ranges.used
	}
	return d
}

// SetDebugKernel records the standalone debug kernel block of the heap.
func (h *Heap) SetDebugKernel(b *Block) { h.debugKernel = b }

// DebugKernel returns the block set by SetDebugKernel.
func (h *Heap) DebugKernel() *Block { return h.debugKernel }

// AllocateDynamicBlock carves size bytes out of the active instance.
// It never grows the heap; callers escalate to eviction or ExtendHeap.
func (h *Heap) AllocateDynamicBlock(size uint64) (*Block, error) {
	if h.closed {
		return nil, ErrReleased
	}
	if size == 0 {
		return nil, ErrInvalidSize
	}
	if h.active == nil {
		return nil, fmt.Errorf("%w: %s heap has no instance", ErrNoSpace, h.cfg.Kind)
	}
	off, ok := h.active.ranges.alloc(size, h.cfg.Alignment)
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes in %s heap (%d/%d used, largest free %d)",
			ErrNoSpace, size, h.cfg.Kind, h.active.ranges.used, h.active.ranges.size, h.active.ranges.largest())
	}
	h.active.live++
	h.allocations++
	return &Block{heap: h, inst: h.active, offset: off, size: size}, nil
}

// FreeDynamicBlock frees a block. Space of an in-flight block is reclaimed by
// a later Refresh once its fence expires. Freeing a freed block is a no-op.
func (h *Heap) FreeDynamicBlock(b *Block) error {
	if b == nil || b.heap != h {
		return ErrInvalidBlock
	}
	if b.state == blockFreed {
		return nil
	}
	if h.debugKernel == b {
		h.debugKernel = nil
	}
	h.frees++
	if b.state == blockInFlight {
		b.state = blockFreed
		h.deferred = append(h.deferred, b)
		return nil
	}
	b.state = blockFreed
	h.reclaim(b)
	return nil
}

// SubmitBlock marks b as in flight, guarded by tok.
func (h *Heap) SubmitBlock(b *Block, tok fence.Token) error {
	if b == nil || b.heap != h || !b.IsValid() {
		return ErrInvalidBlock
	}
	b.fence.MergeToken(tok)
	b.state = blockInFlight
	return nil
}

// Complete tells the heap that the GPU has finished with b.
func (h *Heap) Complete(b *Block) {
	if b != nil && b.heap == h && b.state == blockInFlight {
		b.state = blockAllocated
	}
}

// Refresh reclaims deferred frees whose fence has expired and releases
// retired instances that no longer hold blocks. It returns the number of
// blocks reclaimed.
func (h *Heap) Refresh(tr fence.Tracker) int {
	n := 0
	kept := h.deferred[:0]
	for _, b := range h.deferred {
		if b.fence.IsZero() || (tr != nil && tr.IsExpired(b.fence)) {
			h.reclaim(b)
			n++
			continue
		}
		kept = append(kept, b)
	}
	for i := len(kept); i < len(h.deferred); i++ {
		h.deferred[i] = nil
	}
	h.deferred = kept
	return n
}

// ExtendHeap replaces the active instance with a new one of newSize bytes.
// The previous instance is retired and released once its blocks drain.
func (h *Heap) ExtendHeap(newSize uint64) error {
	if h.closed {
		return ErrReleased
	}
	if newSize == 0 || newSize <= h.Size() {
		return fmt.Errorf("%w: extend %s heap from %d to %d", ErrInvalidSize, h.cfg.Kind, h.Size(), newSize)
	}
	if newSize > h.cfg.MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds %s heap maximum %d", ErrNoSpace, newSize, h.cfg.Kind, h.cfg.MaxSize)
	}
	inst, err := h.newInstance(newSize)
	if err != nil {
		return err
	}
	h.install(inst)
	slogger().Info("heap: extended", "kind", h.cfg.Kind.String(), "size", newSize, "generation", inst.gen)
	return nil
}

// AcquireSpace allocates one block per entry of sizes, all from the same
// instance, each tagged with tok. When the active instance cannot hold them
// it is replaced by one holding its size plus the request, rounded up to
// the increment and clipped to MaxSize.
func (h *Heap) AcquireSpace(sizes []uint64, tok fence.Token) ([]*Block, error) {
	if h.closed {
		return nil, ErrReleased
	}
	if len(sizes) == 0 {
		return nil, ErrInvalidSize
	}
	var need uint64
	for _, s := range sizes {
		if s == 0 {
			return nil, ErrInvalidSize
		}
		need += alignUp(s, h.cfg.Alignment)
	}

	if blocks, ok := h.allocAll(sizes, tok); ok {
		return blocks, nil
	}

	newSize, err := h.growthSize(need)
	if err != nil {
		return nil, err
	}
	inst, err := h.newInstance(newSize)
	if err != nil {
		return nil, err
	}
	h.install(inst)
	slogger().Debug("heap: grew for space request", "kind", h.cfg.Kind.String(), "size", newSize, "need", need)

	blocks, ok := h.allocAll(sizes, tok)
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes after growing %s heap to %d", ErrNoSpace, need, h.cfg.Kind, newSize)
	}
	return blocks, nil
}

// SubmitBlocks marks every block as in flight, guarded by tok.
func (h *Heap) SubmitBlocks(blocks []*Block, tok fence.Token) error {
	for _, b := range blocks {
		if err := h.SubmitBlock(b, tok); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns current heap statistics.
func (h *Heap) Stats() Stats {
	s := Stats{
		Kind:        h.cfg.Kind,
		Size:        h.Size(),
		Committed:   h.committed(),
		Instances:   len(h.retired),
		Deferred:    len(h.deferred),
		Extends:     h.extends,
		Allocations: h.allocations,
		Frees:       h.frees,
	}
	if h.active != nil {
		s.Used = h.active.ranges.used
		s.Instances++
	}
	return s
}

// Close releases every instance regardless of outstanding blocks.
func (h *Heap) Close() {
	if h.closed {
		return
	}
	if h.active != nil {
		h.releaseInstance(h.active)
		h.active = nil
	}
	for _, inst := range h.retired {
		h.releaseInstance(inst)
	}
	h.retired = nil
	h.deferred = nil
	h.debugKernel = nil
	h.closed = true
}

func (h *Heap) newInstance(size uint64) (*instance, error) {
	backing, err := h.cfg.NewBacking(h.cfg.Kind, size)
	if err != nil {
		return nil, fmt.Errorf("heap: create %s backing of %d bytes: %w", h.cfg.Kind, size, err)
	}
	h.gen++
	return &instance{gen: h.gen, backing: backing, ranges: newRanges(size)}, nil
}

// install makes inst active and retires the previous instance.
func (h *Heap) install(inst *instance) {
	old := h.active
	h.active = inst
	h.extends++
	if old == nil {
		return
	}
	if old.live == 0 {
		h.releaseInstance(old)
		return
	}
	h.retired = append(h.retired, old)
}

func (h *Heap) allocAll(sizes []uint64, tok fence.Token) ([]*Block, bool) {
	blocks := make([]*Block, 0, len(sizes))
	for _, s := range sizes {
		b, err := h.AllocateDynamicBlock(s)
		if err != nil {
			for _, done := range blocks {
				_ = h.FreeDynamicBlock(done)
			}
			return nil, false
		}
		b.fence = tok
		blocks = append(blocks, b)
	}
	return blocks, true
}

// reclaim returns a freed block's range to its instance.
func (h *Heap) reclaim(b *Block) {
	inst := b.inst
	if inst.released {
		return
	}
	inst.ranges.release(b.offset, b.size)
	inst.live--
	if inst != h.active && inst.live == 0 {
		h.releaseInstance(inst)
		for i, r := range h.retired {
			if r == inst {
				h.retired = append(h.retired[:i], h.retired[i+1:]...)
				break
			}
		}
	}
}

func (h *Heap) releaseInstance(inst *instance) {
	if inst.released {
		return
	}
	inst.backing.Release()
	inst.released = true
	slogger().Debug("heap: instance released", "kind", h.cfg.Kind.String(), "generation", inst.gen)
}

// growthSize returns the size of the instance that replaces the active one
// to make room for need more bytes. The result never drops below the active
// size unless MaxSize forces it.
func (h *Heap) growthSize(need uint64) (uint64, error) {
	size := alignUp(h.Size()+need, h.cfg.Increment)
	committed := h.committed()
	if h.active != nil && h.active.live == 0 {
		// Released on install.
		committed -= h.active.ranges.size
	}
	var avail uint64
	if committed < h.cfg.MaxSize {
		avail = (h.cfg.MaxSize - committed) &^ (h.cfg.Alignment - 1)
	}
	size = min(size, avail)
	if size < need {
		return 0, fmt.Errorf("%w: %s heap needs %d more bytes, %d of %d committed",
			ErrNoSpace, h.cfg.Kind, need, committed, h.cfg.MaxSize)
	}
	return size, nil
}

func (h *Heap) committed() uint64 {
	var n uint64
	if h.active != nil {
		n += h.active.ranges.size
	}
	for _, inst := range h.retired {
		n += inst.ranges.size
	}
	return n
}
