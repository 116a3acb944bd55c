// Package heap implements the GPU-visible heaps that back the dynamic state
// heap manager.
//
// A Heap owns one active instance (a contiguous Backing region plus a
// first-fit sub-allocator) and any number of retired instances that still hold
// blocks the GPU may be reading. Blocks are fence-tagged: freeing a block that
// is in flight only schedules it, and the space returns to the allocator on a
// later Refresh once the block's fence has expired. A retired instance is
// released as soon as its last block has been reclaimed.
//
// The same type serves two roles:
//
//   - Instruction heap: AllocateDynamicBlock / FreeDynamicBlock / ExtendHeap.
//     Growth replaces the active instance; callers are expected to reload
//     whatever lived in the old one.
//   - General state heap (heap space allocator): AcquireSpace / SubmitBlocks.
//     Growth adds a new instance sized by the increment and leaves existing
//     blocks where they are.
//
// # Backings
//
// NewMemoryBacking keeps the region in process memory. The backend/native
// package provides a Backing whose region is a wgpu HAL buffer.
//
// # Thread Safety
//
// Heap is not safe for concurrent use. It is driven from the single
// command-building thread that owns the state heap manager.
package heap
