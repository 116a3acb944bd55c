package pool

import (
	"errors"
	"testing"
)

type record struct {
	id    Index
	value int
}

func newTestPool(limit int) *Pool[record] {
	return New[record]("test", limit, func(i Index, r *record) { r.id = i })
}

// checkConservation verifies outstanding + free = BatchSize * extends.
func checkConservation(t *testing.T, p *Pool[record]) {
	t.Helper()
	if got, want := p.Outstanding()+p.Free().Len(), BatchSize*p.Extends(); got != want {
		t.Fatalf("outstanding(%d) + free(%d) = %d, want %d", p.Outstanding(), p.Free().Len(), got, want)
	}
}

func TestAcquireExtendsInBatches(t *testing.T) {
	p := newTestPool(0)

	var got []Index
	for i := 0; i < 17; i++ {
		idx, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
		got = append(got, idx)
		checkConservation(t, p)
	}
	if p.Extends() != 2 {
		t.Fatalf("Extends() = %d, want 2", p.Extends())
	}
	if p.Free().Len() != 15 {
		t.Fatalf("free = %d, want 15", p.Free().Len())
	}

	for _, idx := range got {
		if err := p.Release(idx); err != nil {
			t.Fatalf("Release(%d): %v", idx, err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := p.Acquire(); err != nil {
			t.Fatalf("re-Acquire: %v", err)
		}
	}
	if p.Extends() != 2 {
		t.Errorf("Extends() after recycle = %d, want 2", p.Extends())
	}
	if p.Outstanding() != 2 {
		t.Errorf("Outstanding() = %d, want 2", p.Outstanding())
	}
	checkConservation(t, p)
}

func TestIdentityIndices(t *testing.T) {
	p := newTestPool(0)
	if err := p.Extend(); err != nil {
		t.Fatal(err)
	}
	if err := p.Extend(); err != nil {
		t.Fatal(err)
	}
	for i := Index(0); i < 2*BatchSize; i++ {
		if r := p.Get(i); r == nil || r.id != i {
			t.Fatalf("record %d has id %v", i, r)
		}
	}
	if p.Get(2*BatchSize) != nil {
		t.Error("Get past the end should return nil")
	}
}

func TestAcquireOrderIsFIFO(t *testing.T) {
	p := newTestPool(0)
	a, _ := p.Acquire()
	b, _ := p.Acquire()
	if a != 0 || b != 1 {
		t.Fatalf("first acquires = %d, %d; want 0, 1", a, b)
	}
	if err := p.Release(a); err != nil {
		t.Fatal(err)
	}
	// a went to the tail; the next acquire is the untouched record 2.
	c, _ := p.Acquire()
	if c != 2 {
		t.Errorf("Acquire after release = %d, want 2", c)
	}
}

func TestExtendLimit(t *testing.T) {
	p := newTestPool(BatchSize)
	for i := 0; i < BatchSize; i++ {
		if _, err := p.Acquire(); err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
	}
	_, err := p.Acquire()
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Acquire past limit: err = %v, want ErrExhausted", err)
	}
	checkConservation(t, p)
}

func TestListMembershipIsExclusive(t *testing.T) {
	p := newTestPool(0)
	allocated := p.NewList("allocated")
	submitted := p.NewList("submitted")

	i, _ := p.Acquire()
	if p.Owner(i) != Unlinked {
		t.Fatalf("acquired record owner = %d, want Unlinked", p.Owner(i))
	}
	if err := p.PushBack(allocated, i); err != nil {
		t.Fatal(err)
	}
	if err := p.PushBack(submitted, i); !errors.Is(err, ErrLinked) {
		t.Fatalf("second PushBack: err = %v, want ErrLinked", err)
	}

	p.MoveToBack(submitted, i)
	if !p.Contains(submitted, i) || p.Contains(allocated, i) {
		t.Fatal("MoveToBack did not transfer membership")
	}
	if allocated.Len() != 0 || submitted.Len() != 1 {
		t.Fatalf("lens = %d/%d, want 0/1", allocated.Len(), submitted.Len())
	}

	if err := p.Release(i); err != nil {
		t.Fatal(err)
	}
	if submitted.Len() != 0 || !p.Contains(p.Free(), i) {
		t.Fatal("Release did not move the record to the free list")
	}
	if err := p.Release(i); !errors.Is(err, ErrLinked) {
		t.Errorf("double Release: err = %v, want ErrLinked", err)
	}
}

func TestListOrder(t *testing.T) {
	p := newTestPool(0)
	l := p.NewList("l")
	var idx []Index
	for i := 0; i < 5; i++ {
		n, _ := p.Acquire()
		idx = append(idx, n)
		if err := p.PushBack(l, n); err != nil {
			t.Fatal(err)
		}
	}

	// Remove from the middle, head and tail.
	p.Remove(idx[2])
	p.Remove(idx[0])
	p.Remove(idx[4])

	want := []Index{idx[1], idx[3]}
	got := p.Indices(l)
	if len(got) != len(want) {
		t.Fatalf("Indices = %v, want %v", got, want)
	}
	for k := range want {
		if got[k] != want[k] {
			t.Fatalf("Indices = %v, want %v", got, want)
		}
	}

	var walked []Index
	for i := p.Front(l); i != Nil; i = p.Next(i) {
		walked = append(walked, i)
	}
	if len(walked) != 2 || walked[0] != idx[1] || walked[1] != idx[3] {
		t.Errorf("walk = %v, want %v", walked, want)
	}
}

func TestReleaseBadIndex(t *testing.T) {
	p := newTestPool(0)
	if err := p.Release(3); !errors.Is(err, ErrBadIndex) {
		t.Errorf("Release on empty pool: err = %v, want ErrBadIndex", err)
	}
	if err := p.PushBack(p.Free(), -1); !errors.Is(err, ErrBadIndex) {
		t.Errorf("PushBack(-1): err = %v, want ErrBadIndex", err)
	}
}

func BenchmarkAcquireRelease(b *testing.B) {
	p := newTestPool(0)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		idx, err := p.Acquire()
		if err != nil {
			b.Fatal(err)
		}
		if err := p.Release(idx); err != nil {
			b.Fatal(err)
		}
	}
}
