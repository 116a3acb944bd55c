package dsh

import (
	"errors"
	"fmt"

	"github.com/gogpu/dsh/heap"
	"github.com/gogpu/dsh/internal/pool"
	"github.com/gogpu/dsh/kernels"
)

// ExpandInstructionHeap grows the instruction heap so that at least extra
// more bytes fit, rounded up to the heap increment and capped at its maximum
// size.
//
// Growth replaces the active instance. Every cached kernel becomes stale and
// its block is condemned: blocks still in flight are freed when their fence
// expires, the others immediately. Stale kernels are reloaded on next use.
// The debug kernel, if loaded, is copied into the new instance.
func (m *Manager) ExpandInstructionHeap(extra uint64) error {
	h := m.instruction
	cur := h.Size()
	newSize := min(heap.AlignUp(cur+extra, h.Increment()), h.MaxSize())
	if newSize <= cur {
		return fmt.Errorf("%w: instruction heap at %d of %d bytes cannot fit %d more",
			ErrNoSpace, cur, h.MaxSize(), extra)
	}

	debug, err := m.saveDebugKernel()
	if err != nil {
		return err
	}

	if err := h.ExtendHeap(newSize); err != nil {
		return spaceError("extend instruction heap", err)
	}

	stale := 0
	for _, l := range [...]*pool.List{m.submitted, m.allocated} {
		for _, idx := range m.kernelPool.Indices(l) {
			rec := m.kernelPool.Get(idx)
			rec.state = KernelStale
			if rec.block == nil {
				continue
			}
			rec.block.MarkPendingDelete()
			if err := h.FreeDynamicBlock(rec.block); err != nil {
				Logger().Warn("dsh: free stale kernel block", "key", rec.key.String(), "err", err)
			}
			stale++
		}
	}

	if old := h.DebugKernel(); old != nil {
		_ = h.FreeDynamicBlock(old)
	}
	if debug != nil {
		b, err := m.writeDebugKernel(debug)
		if err != nil {
			return fmt.Errorf("dsh: restore debug kernel: %w", err)
		}
		h.SetDebugKernel(b)
	}

	m.expansions++
	Logger().Info("dsh: instruction heap expanded", "from", cur, "to", newSize,
		"generation", h.Generation(), "stale", stale)
	return nil
}

// saveDebugKernel returns the contents of the current debug kernel. When the
// heap cannot be read back the payload retained by LoadDebugKernel is used.
func (m *Manager) saveDebugKernel() ([]byte, error) {
	d := m.instruction.DebugKernel()
	if d == nil {
		return nil, nil
	}
	buf := make([]byte, d.Size())
	err := d.Read(0, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, heap.ErrUnimplemented) && m.debugPayload != nil:
		Logger().Warn("dsh: instruction heap is not readable, restoring debug kernel from host copy")
		return append([]byte(nil), m.debugPayload...), nil
	case errors.Is(err, heap.ErrUnimplemented):
		return nil, fmt.Errorf("%w: debug kernel cannot be read back", ErrUnimplemented)
	default:
		return nil, fmt.Errorf("dsh: read debug kernel: %w", err)
	}
}

// LoadDebugKernel places payload in the instruction heap as the debug
// kernel, replacing any previous one. The debug kernel lives outside the
// kernel cache and survives heap growth. On failure the previous debug
// kernel stays loaded.
func (m *Manager) LoadDebugKernel(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty debug kernel", ErrInvalidParameter)
	}

	b, err := m.writeDebugKernel(payload)
	if errors.Is(err, heap.ErrNoSpace) {
		if err := m.ExpandInstructionHeap(uint64(len(payload))); err != nil {
			return err
		}
		b, err = m.writeDebugKernel(payload)
	}
	if err != nil {
		return spaceError("load debug kernel", err)
	}

	// Growth may have moved the previous kernel; look it up afterwards.
	if old := m.instruction.DebugKernel(); old != nil {
		_ = m.instruction.FreeDynamicBlock(old)
	}
	m.instruction.SetDebugKernel(b)
	m.debugPayload = append([]byte(nil), payload...)
	return nil
}

// LoadSystemKernel compiles the builtin system kernel from lib and loads it
// as the debug kernel. The kernel source is registered when missing.
func (m *Manager) LoadSystemKernel(lib *kernels.Library) error {
	if lib == nil {
		return fmt.Errorf("%w: nil kernel library", ErrInvalidParameter)
	}
	if _, ok := lib.Source(kernels.SystemKernelUID); !ok {
		if err := lib.Register(kernels.SystemKernel()); err != nil {
			return fmt.Errorf("dsh: %w", err)
		}
	}
	bin, err := lib.Binary(kernels.SystemKernelUID)
	if err != nil {
		return fmt.Errorf("dsh: %w", err)
	}
	return m.LoadDebugKernel(bin)
}

// DebugKernel returns the block holding the debug kernel, or nil.
func (m *Manager) DebugKernel() *heap.Block { return m.instruction.DebugKernel() }

// writeDebugKernel copies payload into a new instruction heap block. The
// caller installs it as the debug kernel.
func (m *Manager) writeDebugKernel(payload []byte) (*heap.Block, error) {
	b, err := m.instruction.AllocateDynamicBlock(uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	if err := b.WriteZeroFill(payload); err != nil {
		_ = m.instruction.FreeDynamicBlock(b)
		return nil, err
	}
	return b, nil
}
