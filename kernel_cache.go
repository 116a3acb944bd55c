package dsh

import (
	"errors"
	"fmt"

	"github.com/gogpu/dsh/fence"
	"github.com/gogpu/dsh/heap"
	"github.com/gogpu/dsh/internal/pool"
	"github.com/gogpu/dsh/kernels"
)

// Lookup returns the record registered for (uid, cid), or nil.
// The record may not be resident; LoadKernel reloads it when needed.
func (m *Manager) Lookup(uid, cid uint32) *KernelAllocation {
	idx, ok := m.kernels[KernelKey{uid, cid}.pack()]
	if !ok {
		return nil
	}
	return m.kernelPool.Get(idx)
}

// AllocateIfAbsent returns the record for (uid, cid), registering a fresh
// one on the allocated list when the key is unknown.
func (m *Manager) AllocateIfAbsent(uid, cid uint32) (*KernelAllocation, error) {
	rec, _, err := m.allocateIfAbsent(KernelKey{uid, cid})
	return rec, err
}

func (m *Manager) allocateIfAbsent(key KernelKey) (*KernelAllocation, bool, error) {
	if idx, ok := m.kernels[key.pack()]; ok {
		return m.kernelPool.Get(idx), false, nil
	}
	idx, err := m.kernelPool.Acquire()
	if err != nil {
		return nil, false, spaceError("kernel record "+key.String(), err)
	}
	rec := m.kernelPool.Get(idx)
	rec.reset(idx)
	rec.key = key
	m.kernels[key.pack()] = idx
	_ = m.kernelPool.PushBack(m.allocated, idx)
	return rec, true, nil
}

// registered reports whether rec is a live record of this manager.
func (m *Manager) registered(rec *KernelAllocation) bool {
	if rec == nil {
		return false
	}
	idx, ok := m.kernels[rec.key.pack()]
	return ok && idx == rec.index && m.kernelPool.Get(idx) == rec
}

// resident reports whether rec's binary can be used as is.
func (m *Manager) resident(rec *KernelAllocation) bool {
	if rec.state != KernelUsed && rec.state != KernelLocked {
		return false
	}
	b := rec.block
	return b != nil && b.IsValid() && !b.PendingDelete() && b.Generation() == m.instruction.Generation()
}

// Touch records a use of rec by the work about to be submitted on fc: the
// record is locked, its fence is stamped and it moves to the tail of the
// submitted list.
func (m *Manager) Touch(fc fence.Context, rec *KernelAllocation) error {
	if !m.registered(rec) || !fc.Valid() {
		return fmt.Errorf("%w: touch", ErrInvalidParameter)
	}
	fc.Stamp(&rec.fence)
	rec.state = KernelLocked
	rec.usage++
	m.kernelPool.MoveToBack(m.submitted, rec.index)
	if rec.block != nil && rec.block.IsValid() {
		if err := m.instruction.SubmitBlock(rec.block, rec.fence); err != nil {
			return fmt.Errorf("dsh: touch %s: %w", rec.key, err)
		}
	}
	return nil
}

// LoadKernel returns the record of (uid, cid) with payload resident in the
// instruction heap.
//
// A resident record is a cache hit and is only touched. Otherwise the
// record is (re)loaded: space is allocated in the active heap instance,
// escalating to eviction of retired kernels and then to heap growth. When
// every step fails the record is unregistered and ErrNoSpace is returned.
func (m *Manager) LoadKernel(fc fence.Context, uid, cid uint32, payload []byte) (*KernelAllocation, error) {
	if len(payload) == 0 || !fc.Valid() {
		return nil, fmt.Errorf("%w: load kernel %d/%d", ErrInvalidParameter, uid, cid)
	}
	key := KernelKey{uid, cid}

	if rec := m.Lookup(uid, cid); rec != nil && m.resident(rec) {
		m.hits++
		if err := m.Touch(fc, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}
	m.misses++

	rec, created, err := m.allocateIfAbsent(key)
	if err != nil {
		return nil, err
	}
	if !created {
		m.reloads++
		m.dropBlock(rec)
	}

	size := uint64(len(payload))
	b, err := m.allocateKernelBlock(size)
	if err != nil {
		_ = m.Unregister(rec)
		return nil, err
	}
	if err := b.WriteZeroFill(payload); err != nil {
		_ = m.instruction.FreeDynamicBlock(b)
		_ = m.Unregister(rec)
		return nil, fmt.Errorf("dsh: write kernel %s: %w", key, err)
	}
	rec.block = b
	rec.state = KernelUsed
	Logger().Debug("dsh: kernel loaded", "key", key.String(), "offset", b.Offset(), "size", size,
		"generation", b.Generation())

	if err := m.Touch(fc, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// LoadKernelSource loads kernel uid of lib, compiling its source on demand.
func (m *Manager) LoadKernelSource(fc fence.Context, lib *kernels.Library, uid, cid uint32) (*KernelAllocation, error) {
	if lib == nil {
		return nil, fmt.Errorf("%w: nil kernel library", ErrInvalidParameter)
	}
	if rec := m.Lookup(uid, cid); rec != nil && m.resident(rec) {
		m.hits++
		if err := m.Touch(fc, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}
	bin, err := lib.Binary(uid)
	if err != nil {
		if errors.Is(err, kernels.ErrUnknownKernel) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
		return nil, fmt.Errorf("dsh: %w", err)
	}
	return m.LoadKernel(fc, uid, cid, bin)
}

// allocateKernelBlock allocates size bytes of instruction heap: first from
// free space, then after evicting retired kernels, then after growing.
func (m *Manager) allocateKernelBlock(size uint64) (*heap.Block, error) {
	b, err := m.instruction.AllocateDynamicBlock(size)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, heap.ErrNoSpace) {
		return nil, spaceError("allocate kernel block", err)
	}

	if evictErr := m.EvictForSpace(size); evictErr == nil {
		if b, err = m.instruction.AllocateDynamicBlock(size); err == nil {
			return b, nil
		}
	} else {
		Logger().Debug("dsh: eviction did not free enough space", "size", size, "err", evictErr)
	}

	if err := m.ExpandInstructionHeap(size); err != nil {
		return nil, err
	}
	b, err = m.instruction.AllocateDynamicBlock(size)
	if err != nil {
		return nil, spaceError("allocate kernel block after growth", err)
	}
	return b, nil
}

// Unregister frees rec's block, removes it from the cache and returns it to
// the record pool.
func (m *Manager) Unregister(rec *KernelAllocation) error {
	if !m.registered(rec) {
		return fmt.Errorf("%w: unregister unknown kernel record", ErrInvalidParameter)
	}
	m.dropBlock(rec)
	delete(m.kernels, rec.key.pack())
	idx := rec.index
	rec.reset(idx)
	if err := m.kernelPool.Release(idx); err != nil {
		return fmt.Errorf("dsh: unregister: %w", err)
	}
	return nil
}

// dropBlock frees rec's block, if any. Freeing is idempotent so blocks
// already freed by heap growth are not counted twice.
func (m *Manager) dropBlock(rec *KernelAllocation) {
	if rec.block == nil {
		return
	}
	if err := m.instruction.FreeDynamicBlock(rec.block); err != nil {
		Logger().Warn("dsh: free kernel block", "key", rec.key.String(), "err", err)
	}
	rec.block = nil
}

// EvictForSpace walks the allocated list from its least recently used end
// and evicts unlocked kernels until needed bytes of the active heap instance
// have been freed. Blocks of superseded instances are released but do not
// count. Records on the submitted list are never touched.
func (m *Manager) EvictForSpace(needed uint64) error {
	gen := m.instruction.Generation()
	for _, idx := range m.kernelPool.Indices(m.allocated) {
		if needed == 0 {
			break
		}
		rec := m.kernelPool.Get(idx)
		if rec.state == KernelLocked || rec.block == nil {
			continue
		}
		size := rec.block.Size()
		current := rec.block.Generation() == gen
		m.dropBlock(rec)
		rec.state = KernelRemoved
		m.evictions++
		Logger().Debug("dsh: kernel evicted", "key", rec.key.String(), "size", size, "counted", current)
		if current {
			needed -= min(size, needed)
		}
	}
	if needed > 0 {
		return fmt.Errorf("%w: eviction left %d bytes unmet", ErrUnknown, needed)
	}
	return nil
}

// refreshKernels moves every expired submitted record back to the
// allocated list.
func (m *Manager) refreshKernels(fc fence.Context) {
	for _, idx := range m.kernelPool.Indices(m.submitted) {
		rec := m.kernelPool.Get(idx)
		if !fc.Expired(rec.fence) {
			continue
		}
		m.kernelPool.MoveToBack(m.allocated, idx)
		switch {
		case rec.block == nil:
			if rec.state == KernelLocked {
				rec.state = KernelStale
			}
		case rec.block.PendingDelete():
			// The block belongs to a superseded instance; the record stays
			// stale until it is reloaded.
			m.dropBlock(rec)
			rec.state = KernelStale
		default:
			m.instruction.Complete(rec.block)
			if rec.state == KernelLocked {
				rec.state = KernelUsed
			}
		}
	}
}

// Kernels returns the registered records in least recently used order:
// allocated records first, then submitted ones.
func (m *Manager) Kernels() []*KernelAllocation {
	out := make([]*KernelAllocation, 0, len(m.kernels))
	for _, l := range []*pool.List{m.allocated, m.submitted} {
		for _, idx := range m.kernelPool.Indices(l) {
			out = append(out, m.kernelPool.Get(idx))
		}
	}
	return out
}
