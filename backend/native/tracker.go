// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/dsh"
	"github.com/gogpu/dsh/fence"
)

// Tracker is a fence.Tracker backed by one HAL fence per stream.
//
// Each stream has a monotonically increasing value. Submit signals the
// stream's fence with its next value; IsExpired polls the fence without
// waiting and caches the highest value observed complete.
//
// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	device    hal.Device
	queue     hal.Queue
	fences    [fence.MaxStreams]hal.Fence
	next      [fence.MaxStreams]uint64
	completed [fence.MaxStreams]uint64
}

// NewTracker creates the per-stream fences on device.
func NewTracker(device hal.Device, queue hal.Queue) (*Tracker, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	t := &Tracker{device: device, queue: queue}
	for s := range t.fences {
		f, err := device.CreateFence()
		if err != nil {
			t.Destroy()
			return nil, fmt.Errorf("native: create fence for stream %d: %w", s, err)
		}
		t.fences[s] = f
		t.next[s] = 1
	}
	return t, nil
}

// NextFenceValue implements fence.Tracker.
func (t *Tracker) NextFenceValue(stream int) uint64 {
	if stream < 0 || stream >= fence.MaxStreams {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next[stream]
}

// Submit submits cmds on the queue and signals the stream's fence with its
// next value, which it returns. Work stamped afterwards gets a larger value.
func (t *Tracker) Submit(stream int, cmds ...hal.CommandBuffer) (uint64, error) {
	if stream < 0 || stream >= fence.MaxStreams {
		return 0, fmt.Errorf("%w: %d", ErrBadStream, stream)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.next[stream]
	if err := t.queue.Submit(cmds, t.fences[stream], v); err != nil {
		return 0, fmt.Errorf("native: submit stream %d value %d: %w", stream, v, err)
	}
	t.next[stream]++
	dsh.Logger().Debug("native: fence signalled", "stream", stream, "value", v, "commands", len(cmds))
	return v, nil
}

// IsExpired implements fence.Tracker. It never blocks.
func (t *Tracker) IsExpired(tok fence.Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := 0; s < fence.MaxStreams; s++ {
		v := tok.Value(s)
		if v == 0 || v <= t.completed[s] {
			continue
		}
		if !t.poll(s, v) {
			return false
		}
	}
	return true
}

// Wait blocks until value is signalled on stream or timeout elapses.
// It is meant for teardown; the state heap itself never waits.
func (t *Tracker) Wait(stream int, value uint64, timeout time.Duration) (bool, error) {
	if stream < 0 || stream >= fence.MaxStreams {
		return false, fmt.Errorf("%w: %d", ErrBadStream, stream)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if value <= t.completed[stream] {
		return true, nil
	}
	ok, err := t.device.Wait(t.fences[stream], value, timeout)
	if err != nil {
		return false, fmt.Errorf("native: wait stream %d value %d: %w", stream, value, err)
	}
	if ok {
		t.completed[stream] = value
	}
	return ok, nil
}

// Completed returns the highest value observed complete on stream.
func (t *Tracker) Completed(stream int) uint64 {
	if stream < 0 || stream >= fence.MaxStreams {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed[stream]
}

// poll checks value on stream with a zero timeout. t.mu must be held.
func (t *Tracker) poll(stream int, value uint64) bool {
	ok, err := t.device.Wait(t.fences[stream], value, 0)
	if err != nil {
		dsh.Logger().Warn("native: fence poll failed", "stream", stream, "value", value, "err", err)
		return false
	}
	if ok && value > t.completed[stream] {
		t.completed[stream] = value
	}
	return ok
}

// Destroy releases the fences.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s, f := range t.fences {
		if f != nil {
			t.device.DestroyFence(f)
			t.fences[s] = nil
		}
	}
}
