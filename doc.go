// Package dsh manages a dynamic state heap: the growable GPU-visible memory
// holding per-dispatch configuration (constant buffers, sampler tables,
// dispatch descriptors) and cached kernel binaries.
//
// # Overview
//
// A Manager owns two heaps. The instruction heap holds kernel binaries,
// cached by (uid, cid) key. The general heap holds media states: one block
// per frame, carved into fixed regions. Neither heap ever reuses memory the
// GPU may still read: every block carries a fence token, and memory is
// reclaimed only once RefreshSync observes that token expired.
//
// # Quick Start
//
//	tracker := fence.NewManual()
//	fc := fence.Context{Tracker: tracker, Stream: 0, Producer: 1}
//
//	m, err := dsh.New()
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	ms, err := m.AssignMediaState(fc, dsh.MediaStateConfig{CurbeSize: 256, DispatchDescriptors: 4})
//	k, err := m.LoadKernel(fc, uid, 0, binary)
//	idx, err := m.GetOrAllocateDispatchDescriptor(ms, k, dsh.DispatchParams{ThreadCount: 64})
//	err = m.SubmitMediaState(fc, ms)
//
//	tracker.Submit(0)
//	// ... later, once the GPU is done:
//	tracker.CompleteAll()
//	err = m.RefreshSync(fc)
//
// # Kernel cache
//
// Kernel records live on exactly one of two lists. Allocated records are
// not referenced by in-flight work and may be evicted; submitted records
// are, and are never touched by eviction. LoadKernel escalates a miss from
// free space to eviction to heap growth. Growth replaces the instruction
// heap instance and invalidates every cached kernel, which is reloaded on
// next use; only the debug kernel is copied across.
//
// # Backends
//
// Heaps are host memory by default. Package backend/native backs them with
// wgpu buffers and tracks fences with wgpu fences.
//
// # Logging
//
// dsh produces no log output by default. Use SetLogger to enable it.
package dsh
