package dsh

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestLoadCurbeData(t *testing.T) {
	h := newHarness(t)
	ms, err := h.m.AssignMediaState(h.fc, MediaStateConfig{CurbeSize: 256})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		n       int
		want    int
		wantErr error
	}{
		{10, 0, nil},
		{10, 64, nil},
		{64, 128, nil},
		{100, -1, ErrNoSpace},
		{0, -1, ErrInvalidParameter},
	}
	for _, tt := range tests {
		data := make([]byte, tt.n)
		for i := range data {
			data[i] = byte(tt.n)
		}
		got, err := h.m.LoadCurbeData(ms, data)
		if got != tt.want || !errors.Is(err, tt.wantErr) {
			t.Errorf("LoadCurbeData(%d bytes) = %d, %v; want %d, %v", tt.n, got, err, tt.want, tt.wantErr)
		}
	}

	buf := make([]byte, 10)
	if err := ms.Layout().Block.Read(ms.Layout().Curbe.Offset+64, buf); err != nil {
		t.Fatal(err)
	}
	for _, v := range buf {
		if v != 10 {
			t.Fatalf("CURBE bytes = %v", buf)
		}
	}
}

func TestGetOrAllocateDispatchDescriptor(t *testing.T) {
	h := newHarness(t)
	ms, err := h.m.AssignMediaState(h.fc, MediaStateConfig{CurbeSize: 128, Samplers3D: 1, DispatchDescriptors: 2})
	if err != nil {
		t.Fatal(err)
	}
	h.load(1, 0, "pad") // k lands at a non-zero offset
	k := h.load(2, 0, "kernel")

	p := DispatchParams{BindingTable: 3, CurbeOffset: 64, CurbeLength: 32, ThreadCount: 16, Barrier: true}
	i, err := h.m.GetOrAllocateDispatchDescriptor(ms, k, p)
	if err != nil || i != 0 {
		t.Fatalf("first descriptor = %d, %v", i, err)
	}
	if again, _ := h.m.GetOrAllocateDispatchDescriptor(ms, k, p); again != 0 {
		t.Errorf("identical descriptor = %d, want reuse of 0", again)
	}
	q := p
	q.ThreadCount = 32
	if j, err := h.m.GetOrAllocateDispatchDescriptor(ms, k, q); err != nil || j != 1 {
		t.Errorf("second descriptor = %d, %v; want 1", j, err)
	}
	q.ThreadCount = 64
	if j, err := h.m.GetOrAllocateDispatchDescriptor(ms, k, q); j != -1 || !errors.Is(err, ErrNoSpace) {
		t.Errorf("overflow = %d, %v; want -1, ErrNoSpace", j, err)
	}
	if ms.Descriptors() != 2 || h.m.DispatchKernel(ms, 1) != k || h.m.DispatchKernel(ms, 2) != nil {
		t.Error("descriptor table bookkeeping mismatch")
	}

	l := ms.Layout()
	raw := make([]byte, DescriptorSize)
	if err := l.Block.Read(l.Descriptors.Offset, raw); err != nil {
		t.Fatal(err)
	}
	le := binary.LittleEndian
	want := []uint32{
		uint32(k.Offset()), 3, uint32(l.Curbe.Offset) + 64, 32,
		uint32(l.Sampler3D.Offset), 16, 0, descriptorBarrier,
	}
	for w, v := range want {
		if got := le.Uint32(raw[w*4:]); got != v {
			t.Errorf("descriptor word %d = %d, want %d", w, got, v)
		}
	}
	if k.Offset() == 0 {
		t.Error("kernel offset is 0; the offset word is not exercised")
	}
}

func TestDispatchDescriptorRejects(t *testing.T) {
	h := newHarness(t, WithInstructionHeap(4096, 4096, 1<<20))
	ms, err := h.m.AssignMediaState(h.fc, MediaStateConfig{CurbeSize: 64, DispatchDescriptors: 4})
	if err != nil {
		t.Fatal(err)
	}
	k := h.load(1, 0, "k")

	if i, err := h.m.GetOrAllocateDispatchDescriptor(ms, k, DispatchParams{CurbeOffset: 60, CurbeLength: 8}); i != -1 || !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("CURBE overrun = %d, %v", i, err)
	}
	if i, err := h.m.GetOrAllocateDispatchDescriptor(ms, nil, DispatchParams{}); i != -1 || !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("nil kernel = %d, %v", i, err)
	}

	// A stale kernel must be reloaded before it can be dispatched.
	if err := h.m.ExpandInstructionHeap(1); err != nil {
		t.Fatal(err)
	}
	if i, err := h.m.GetOrAllocateDispatchDescriptor(ms, k, DispatchParams{}); i != -1 || !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("stale kernel = %d, %v", i, err)
	}
	k = h.load(1, 0, "k")
	if i, err := h.m.GetOrAllocateDispatchDescriptor(ms, k, DispatchParams{}); i != 0 || err != nil {
		t.Errorf("reloaded kernel = %d, %v", i, err)
	}

	// Submitted media states are read-only.
	if err := h.m.SubmitMediaState(h.fc, ms); err != nil {
		t.Fatal(err)
	}
	if i, err := h.m.GetOrAllocateDispatchDescriptor(ms, k, DispatchParams{}); i != -1 || !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("submitted media state = %d, %v", i, err)
	}
	if off, err := h.m.LoadCurbeData(ms, []byte{1}); off != -1 || !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("CURBE on submitted media state = %d, %v", off, err)
	}
}
