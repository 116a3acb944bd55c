package dsh

import (
	"testing"

	"github.com/gogpu/dsh/fence"
)

func newBenchManager(b *testing.B, opts ...Option) (*Manager, *fence.Manual, fence.Context) {
	b.Helper()
	m, err := New(opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(m.Close)
	tr := fence.NewManual()
	return m, tr, fence.Context{Tracker: tr, Stream: 0, Producer: 1}
}

func BenchmarkLoadKernelHit(b *testing.B) {
	m, _, fc := newBenchManager(b)
	kernel := make([]byte, 512)
	if _, err := m.LoadKernel(fc, 1, 0, kernel); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.LoadKernel(fc, 1, 0, kernel); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLoadKernelChurn(b *testing.B) {
	// 32 kernels of 512 bytes cycle through room for 8.
	m, tr, fc := newBenchManager(b, WithInstructionHeap(4096, 4096, 4096))
	kernel := make([]byte, 512)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.LoadKernel(fc, uint32(i%32), 0, kernel); err != nil {
			b.Fatal(err)
		}
		tr.Submit(0)
		tr.CompleteAll()
		if err := m.RefreshSync(fc); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMediaStateFrame(b *testing.B) {
	m, tr, fc := newBenchManager(b)
	k, err := m.LoadKernel(fc, 1, 0, make([]byte, 256))
	if err != nil {
		b.Fatal(err)
	}
	cfg := MediaStateConfig{CurbeSize: 256, Samplers3D: 2, DispatchDescriptors: 4, SubsystemID: 1}
	curbe := make([]byte, 64)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ms, err := m.AssignMediaState(fc, cfg)
		if err != nil {
			b.Fatal(err)
		}
		off, err := m.LoadCurbeData(ms, curbe)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := m.GetOrAllocateDispatchDescriptor(ms, k, DispatchParams{CurbeOffset: uint32(off), CurbeLength: 64}); err != nil {
			b.Fatal(err)
		}
		if err := m.SubmitMediaState(fc, ms); err != nil {
			b.Fatal(err)
		}
		tr.Submit(0)
		tr.CompleteAll()
	}
}
