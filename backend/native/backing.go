// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/dsh"
	"github.com/gogpu/dsh/heap"
)

// copyAlignment is the offset and size granularity of queue buffer writes.
const copyAlignment = 4

// heapUsage is the usage of every heap buffer: bound as storage by
// kernels, filled by queue writes and copyable for readback.
const heapUsage = gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc

// Backing is a heap instance stored in a wgpu buffer.
//
// Writes go to a host shadow and are then uploaded through the queue, widened
// to the copy alignment. Reads are served from the shadow.
type Backing struct {
	device   hal.Device
	queue    hal.Queue
	buffer   hal.Buffer
	kind     heap.Kind
	size     uint64
	shadow   []byte
	released bool
}

// NewBacking creates a buffer of at least size bytes.
func NewBacking(device hal.Device, queue hal.Queue, kind heap.Kind, size uint64) (*Backing, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	if size == 0 {
		return nil, heap.ErrInvalidSize
	}
	padded := heap.AlignUp(size, copyAlignment)
	buf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "dsh-" + kind.String() + "-heap",
		Size:  padded,
		Usage: heapUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create %s heap buffer of %d bytes: %w", kind, padded, err)
	}
	dsh.Logger().Debug("native: heap buffer created", "kind", kind.String(), "size", padded)
	return &Backing{
		device: device,
		queue:  queue,
		buffer: buf,
		kind:   kind,
		size:   size,
		shadow: make([]byte, padded),
	}, nil
}

// NewBackingFactory returns a heap.BackingFactory creating wgpu buffers on
// device.
func NewBackingFactory(device hal.Device, queue hal.Queue) heap.BackingFactory {
	return func(kind heap.Kind, size uint64) (heap.Backing, error) {
		b, err := NewBacking(device, queue, kind, size)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// Size implements heap.Backing.
func (b *Backing) Size() uint64 { return b.size }

// Buffer returns the underlying HAL buffer, for binding in command encoders.
func (b *Backing) Buffer() hal.Buffer { return b.buffer }

// Write implements heap.Backing.
func (b *Backing) Write(offset uint64, data []byte) error {
	if b.released {
		return heap.ErrReleased
	}
	end := offset + uint64(len(data))
	if end > b.size || end < offset {
		return fmt.Errorf("%w: write [%d, %d) in %d bytes", heap.ErrOutOfRange, offset, end, b.size)
	}
	if len(data) == 0 {
		return nil
	}
	copy(b.shadow[offset:], data)

	lo := offset &^ (copyAlignment - 1)
	hi := heap.AlignUp(end, copyAlignment)
	b.queue.WriteBuffer(b.buffer, lo, b.shadow[lo:hi])
	return nil
}

// Read implements heap.Reader from the host shadow.
func (b *Backing) Read(offset uint64, dst []byte) error {
	if b.released {
		return heap.ErrReleased
	}
	end := offset + uint64(len(dst))
	if end > b.size || end < offset {
		return fmt.Errorf("%w: read [%d, %d) in %d bytes", heap.ErrOutOfRange, offset, end, b.size)
	}
	copy(dst, b.shadow[offset:end])
	return nil
}

// Release implements heap.Backing.
func (b *Backing) Release() {
	if b.released {
		return
	}
	b.released = true
	b.device.DestroyBuffer(b.buffer)
	b.buffer = nil
	b.shadow = nil
	dsh.Logger().Debug("native: heap buffer destroyed", "kind", b.kind.String(), "size", b.size)
}
