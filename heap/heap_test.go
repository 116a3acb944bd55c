package heap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/dsh/fence"
)

func newTestHeap(t *testing.T, cfg Config) *Heap {
	t.Helper()
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindInstruction, "Instruction"},
		{KindGeneral, "General"},
		{Kind(9), "Unknown(9)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestRangesFirstFitAndCoalesce(t *testing.T) {
	r := newRanges(1024)

	a, ok := r.alloc(100, 64)
	if !ok || a != 0 {
		t.Fatalf("alloc a = %d, %v", a, ok)
	}
	b, ok := r.alloc(100, 64)
	if !ok || b != 128 {
		t.Fatalf("alloc b = %d, %v; want 128", b, ok)
	}
	c, ok := r.alloc(100, 64)
	if !ok || c != 256 {
		t.Fatalf("alloc c = %d, %v; want 256", c, ok)
	}

	r.release(b, 100)
	// The hole left by b is reused first.
	d, ok := r.alloc(64, 64)
	if !ok || d != 128 {
		t.Fatalf("alloc d = %d, %v; want 128", d, ok)
	}
	r.release(d, 64)
	r.release(a, 100)
	r.release(c, 100)

	if r.used != 0 {
		t.Errorf("used = %d after freeing everything", r.used)
	}
	if len(r.free) != 1 || r.free[0] != (span{off: 0, size: 1024}) {
		t.Errorf("free = %v, want one span covering the region", r.free)
	}
}

func TestRangesExhausted(t *testing.T) {
	r := newRanges(256)
	if _, ok := r.alloc(257, 1); ok {
		t.Fatal("alloc larger than region succeeded")
	}
	if _, ok := r.alloc(256, 1); !ok {
		t.Fatal("alloc of whole region failed")
	}
	if _, ok := r.alloc(1, 1); ok {
		t.Fatal("alloc in full region succeeded")
	}
	if r.largest() != 0 {
		t.Errorf("largest() = %d, want 0", r.largest())
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct{ v, a, want uint64 }{
		{0, 64, 0},
		{1, 64, 64},
		{64, 64, 64},
		{65, 4096, 4096},
		{7, 0, 7},
		{7, 1, 7},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.v, tt.a); got != tt.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tt.v, tt.a, got, tt.want)
		}
	}
}

func TestAllocateWithoutInstance(t *testing.T) {
	h := newTestHeap(t, Config{Kind: KindInstruction, Increment: 4096})
	if _, err := h.AllocateDynamicBlock(16); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("err = %v, want ErrNoSpace", err)
	}
	if _, err := h.AllocateDynamicBlock(0); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("zero-size err = %v, want ErrInvalidSize", err)
	}
}

func TestBlockWriteZeroFill(t *testing.T) {
	h := newTestHeap(t, Config{Kind: KindInstruction, InitialSize: 4096})

	b, err := h.AllocateDynamicBlock(128)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.AddData(bytes.Repeat([]byte{0xAA}, 128), 0, 128); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteZeroFill([]byte("kernel")); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 128)
	if err := b.Read(0, got); err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 128)
	copy(want, "kernel")
	if !bytes.Equal(got, want) {
		t.Errorf("block contents = %x, want payload followed by zeros", got)
	}

	if err := b.WriteZeroFill(make([]byte, 129)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("oversized payload err = %v, want ErrOutOfRange", err)
	}
	if err := b.AddData([]byte{1, 2}, 127, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("write past end err = %v, want ErrOutOfRange", err)
	}
}

func TestFreeInFlightIsDeferred(t *testing.T) {
	tr := fence.NewManual()
	ctx := fence.Context{Tracker: tr}
	h := newTestHeap(t, Config{Kind: KindGeneral, InitialSize: 256, Alignment: 64})

	b, err := h.AllocateDynamicBlock(256)
	if err != nil {
		t.Fatal(err)
	}
	var tok fence.Token
	ctx.Stamp(&tok)
	if err := h.SubmitBlock(b, tok); err != nil {
		t.Fatal(err)
	}
	if err := h.FreeDynamicBlock(b); err != nil {
		t.Fatal(err)
	}
	if b.IsValid() {
		t.Error("freed block still valid")
	}

	// The GPU may still read b: its space must not be handed out.
	if _, err := h.AllocateDynamicBlock(64); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("allocation over in-flight block: err = %v, want ErrNoSpace", err)
	}
	if n := h.Refresh(tr); n != 0 {
		t.Fatalf("Refresh reclaimed %d blocks before expiry", n)
	}

	tr.Submit(0)
	tr.CompleteAll()
	if n := h.Refresh(tr); n != 1 {
		t.Fatalf("Refresh reclaimed %d blocks, want 1", n)
	}
	if _, err := h.AllocateDynamicBlock(64); err != nil {
		t.Fatalf("allocation after expiry: %v", err)
	}

	// Double free is harmless.
	if err := h.FreeDynamicBlock(b); err != nil {
		t.Errorf("second free: %v", err)
	}
}

func TestCompleteAllowsImmediateFree(t *testing.T) {
	h := newTestHeap(t, Config{Kind: KindInstruction, InitialSize: 128, Alignment: 64})
	b, _ := h.AllocateDynamicBlock(128)
	var tok fence.Token
	tok.Merge(0, 1)
	_ = h.SubmitBlock(b, tok)
	h.Complete(b)
	if b.InFlight() {
		t.Fatal("Complete did not clear in-flight state")
	}
	_ = h.FreeDynamicBlock(b)
	if _, err := h.AllocateDynamicBlock(128); err != nil {
		t.Fatalf("space not returned after completed free: %v", err)
	}
}

func TestExtendHeapRetiresOldInstance(t *testing.T) {
	var backings []*MemoryBacking
	factory := func(k Kind, size uint64) (Backing, error) {
		b, err := NewMemoryBacking(k, size)
		if err == nil {
			backings = append(backings, b.(*MemoryBacking))
		}
		return b, err
	}
	tr := fence.NewManual()
	h := newTestHeap(t, Config{Kind: KindInstruction, InitialSize: 4096, MaxSize: 16384, NewBacking: factory})

	b, _ := h.AllocateDynamicBlock(64)
	var tok fence.Token
	tok.Merge(0, tr.Submit(0))
	_ = h.SubmitBlock(b, tok)

	if err := h.ExtendHeap(8192); err != nil {
		t.Fatal(err)
	}
	if h.Generation() != 2 || h.Size() != 8192 {
		t.Fatalf("generation/size = %d/%d, want 2/8192", h.Generation(), h.Size())
	}
	if b.Generation() != 1 {
		t.Errorf("old block generation = %d, want 1", b.Generation())
	}
	if backings[0].Released() {
		t.Fatal("old instance released while a block is in flight")
	}

	b.MarkPendingDelete()
	_ = h.FreeDynamicBlock(b)
	tr.CompleteAll()
	h.Refresh(tr)
	if !backings[0].Released() {
		t.Error("drained old instance was not released")
	}
	if s := h.Stats(); s.Instances != 1 || s.Committed != 8192 {
		t.Errorf("stats = %v", s)
	}

	if err := h.ExtendHeap(8192); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("non-growing extend err = %v, want ErrInvalidSize", err)
	}
	if err := h.ExtendHeap(32768); !errors.Is(err, ErrNoSpace) {
		t.Errorf("extend past max err = %v, want ErrNoSpace", err)
	}
}

func TestAcquireSpaceGrows(t *testing.T) {
	h := newTestHeap(t, Config{Kind: KindGeneral, Increment: 1024, MaxSize: 4096})

	var tok fence.Token
	tok.Merge(0, 3)
	blocks, err := h.AcquireSpace([]uint64{100, 200}, tok)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 || h.Size() != 1024 {
		t.Fatalf("got %d blocks, heap size %d", len(blocks), h.Size())
	}
	if blocks[0].Fence().Value(0) != 3 {
		t.Errorf("block fence = %v, want s0=3", blocks[0].Fence())
	}

	// The new instance holds the old size plus the request, rounded to the increment.
	big, err := h.AcquireSpace([]uint64{1500}, tok)
	if err != nil {
		t.Fatal(err)
	}
	if h.Size() != 3072 || big[0].Generation() != 2 {
		t.Fatalf("size/generation = %d/%d, want 3072/2", h.Size(), big[0].Generation())
	}
	if !blocks[0].IsValid() {
		t.Error("growth invalidated blocks of the previous instance")
	}

	if _, err := h.AcquireSpace([]uint64{2048}, tok); !errors.Is(err, ErrNoSpace) {
		t.Errorf("acquire past max err = %v, want ErrNoSpace", err)
	}
	if _, err := h.AcquireSpace(nil, tok); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("empty acquire err = %v, want ErrInvalidSize", err)
	}
}

func TestAcquireSpaceNeverShrinks(t *testing.T) {
	h := newTestHeap(t, Config{Kind: KindGeneral, InitialSize: 4096, Increment: 1024, MaxSize: 1 << 20})

	var tok fence.Token
	tok.Merge(0, 1)
	prev := h.Size()
	// Each request nearly fills an increment and none is released.
	for i := 0; i < 8; i++ {
		if _, err := h.AcquireSpace([]uint64{960}, tok); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if h.Size() < prev {
			t.Fatalf("acquire %d: active size dropped from %d to %d", i, prev, h.Size())
		}
		prev = h.Size()
	}
	if st := h.Stats(); st.Extends < 2 {
		t.Errorf("extends = %d, want growth past the initial instance", st.Extends)
	}
}

func TestAcquireSpaceClipsToMaxSize(t *testing.T) {
	h := newTestHeap(t, Config{Kind: KindGeneral, InitialSize: 256, Increment: 128, Alignment: 64, MaxSize: 600})

	var tok fence.Token
	tok.Merge(0, 1)
	if _, err := h.AcquireSpace([]uint64{256}, tok); err != nil {
		t.Fatal(err)
	}
	// 256 + 64 rounds to 384, but only 344 bytes remain under MaxSize.
	if _, err := h.AcquireSpace([]uint64{64}, tok); err != nil {
		t.Fatal(err)
	}
	if h.Size() != 320 {
		t.Errorf("size = %d, want 320 (clipped and aligned)", h.Size())
	}
	if _, err := h.AcquireSpace([]uint64{320}, tok); !errors.Is(err, ErrNoSpace) {
		t.Errorf("acquire past max err = %v, want ErrNoSpace", err)
	}
}

func TestAcquireSpaceSetIncrement(t *testing.T) {
	h := newTestHeap(t, Config{Kind: KindGeneral, Increment: 1024})
	prev := h.SetIncrement(8192)
	if prev != 1024 {
		t.Fatalf("SetIncrement returned %d, want 1024", prev)
	}
	if _, err := h.AcquireSpace([]uint64{64}, fence.Token{}); err != nil {
		t.Fatal(err)
	}
	if h.Size() != 8192 {
		t.Errorf("size = %d, want 8192", h.Size())
	}
	h.SetIncrement(prev)
	if h.Increment() != 1024 {
		t.Errorf("increment not restored: %d", h.Increment())
	}
}

func TestMemoryBackingReleased(t *testing.T) {
	b, err := NewMemoryBacking(KindGeneral, 64)
	if err != nil {
		t.Fatal(err)
	}
	b.Release()
	if err := b.Write(0, []byte{1}); !errors.Is(err, ErrReleased) {
		t.Errorf("write after release err = %v, want ErrReleased", err)
	}
	if _, err := NewMemoryBacking(KindGeneral, 0); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("zero-size backing err = %v", err)
	}
}

func TestDescriptorDebugKernel(t *testing.T) {
	h := newTestHeap(t, Config{Kind: KindInstruction, InitialSize: 4096})
	b, _ := h.AllocateDynamicBlock(256)
	h.SetDebugKernel(b)
	d := h.Descriptor()
	if d.DebugKernel != b || d.Size != 4096 || d.Generation != 1 {
		t.Fatalf("descriptor = %+v", d)
	}
	_ = h.FreeDynamicBlock(b)
	if h.DebugKernel() != nil {
		t.Error("freeing the debug kernel block must clear it")
	}
}

func TestSubmitBlocks(t *testing.T) {
	h := newTestHeap(t, Config{Kind: KindGeneral, InitialSize: 256, Alignment: 64})
	var tok fence.Token
	tok.Merge(1, 4)
	blocks, err := h.AcquireSpace([]uint64{64, 64}, tok)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.SubmitBlocks(blocks, tok); err != nil {
		t.Fatal(err)
	}
	for i, b := range blocks {
		if !b.InFlight() || b.Fence().Value(1) != 4 {
			t.Errorf("block %d: in flight %v fence %s", i, b.InFlight(), b.Fence())
		}
	}

	_ = h.FreeDynamicBlock(blocks[0])
	if err := h.SubmitBlocks(blocks, tok); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("submitting a freed block: err = %v, want ErrInvalidBlock", err)
	}
}
