// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package native backs dynamic state heaps with gogpu/wgpu HAL resources.
//
// NewBackingFactory returns a heap.BackingFactory whose instances are wgpu
// storage buffers, written through the device queue. A host shadow copy
// keeps the contents readable without a GPU readback, so debug kernel
// preservation and perf slot dumps work unchanged.
//
// Tracker implements fence.Tracker with one HAL fence per stream. Expiry is
// polled with a zero timeout; the tracker never blocks inside IsExpired.
//
// Example:
//
//	device, queue, err := native.FromProvider(provider)
//	tracker, err := native.NewTracker(device, queue)
//	defer tracker.Destroy()
//
//	m, err := dsh.New(dsh.WithBackingFactory(native.NewBackingFactory(device, queue)))
//	fc := fence.Context{Tracker: tracker, Stream: 0, Producer: 1}
package native
