package dsh

import (
	"fmt"

	"github.com/gogpu/dsh/heap"
)

// Option configures a Manager during creation.
//
// Example:
//
//	// In-memory heaps with default sizes
//	m, err := dsh.New()
//
//	// GPU buffers from a wgpu device (dependency injection)
//	m, err := dsh.New(
//	    dsh.WithBackingFactory(native.NewBackingFactory(device, queue)),
//	    dsh.WithInstructionHeap(0, 64<<10, 4<<20),
//	)
type Option func(*options)

// Default pool limits and scratch sizing.
const (
	// DefaultMaxKernels bounds the number of kernel records.
	DefaultMaxKernels = 1024

	// DefaultMaxMediaStates bounds the number of media-state records.
	DefaultMaxMediaStates = 256

	// DefaultMaxThreads is the hardware thread count scratch space is sized for.
	DefaultMaxThreads = 64

	// DefaultScratchGranularity is the per-thread scratch rounding unit.
	DefaultScratchGranularity = 1024
)

// Layout holds the sizes and alignments of the regions of a media state.
type Layout struct {
	CurbeAlignment uint64

	Sampler3DSize      uint64
	Sampler3DAlignment uint64

	SamplerAVSSize      uint64
	SamplerAVSAlignment uint64

	SamplerIndirectSize      uint64
	SamplerIndirectAlignment uint64

	DescriptorAlignment uint64

	PerfSize      uint64
	PerfAlignment uint64

	ScratchAlignment uint64

	// ScratchGranularity is the unit per-thread scratch is rounded to.
	// Devices use 64, 1024 or 2048 bytes.
	ScratchGranularity uint64

	// MaxThreads multiplies the per-thread scratch size.
	MaxThreads uint64
}

// DefaultLayout returns the default media-state layout.
func DefaultLayout() Layout {
	return Layout{
		CurbeAlignment:           64,
		Sampler3DSize:            16,
		Sampler3DAlignment:       32,
		SamplerAVSSize:           2048,
		SamplerAVSAlignment:      64,
		SamplerIndirectSize:      64,
		SamplerIndirectAlignment: 64,
		DescriptorAlignment:      64,
		PerfSize:                 64,
		PerfAlignment:            64,
		ScratchAlignment:         1024,
		ScratchGranularity:       DefaultScratchGranularity,
		MaxThreads:               DefaultMaxThreads,
	}
}

func (l Layout) validate() error {
	aligns := []uint64{
		l.CurbeAlignment, l.Sampler3DAlignment, l.SamplerAVSAlignment,
		l.SamplerIndirectAlignment, l.DescriptorAlignment, l.PerfAlignment, l.ScratchAlignment,
	}
	for _, a := range aligns {
		if a == 0 || a&(a-1) != 0 {
			return fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidParameter, a)
		}
	}
	switch l.ScratchGranularity {
	case 64, 1024, 2048:
	default:
		return fmt.Errorf("%w: scratch granularity %d", ErrInvalidParameter, l.ScratchGranularity)
	}
	if l.MaxThreads == 0 {
		return fmt.Errorf("%w: zero max threads", ErrInvalidParameter)
	}
	if l.PerfSize < 4 {
		return fmt.Errorf("%w: perf slot of %d bytes cannot hold a subsystem id", ErrInvalidParameter, l.PerfSize)
	}
	return nil
}

func (l Layout) maxAlignment() uint64 {
	return max(l.CurbeAlignment, l.Sampler3DAlignment, l.SamplerAVSAlignment,
		l.SamplerIndirectAlignment, l.DescriptorAlignment, l.PerfAlignment, l.ScratchAlignment)
}

// PerfRecord is the content of a media state's performance slot, delivered
// to the perf sink when the media state's fence expires.
type PerfRecord struct {
	MediaState  int
	SubsystemID uint32
	Data        []byte
}

// options holds optional configuration for Manager creation.
type options struct {
	instruction    heap.Config
	general        heap.Config
	layout         Layout
	maxKernels     int
	maxMediaStates int
	perfSink       func(PerfRecord)
}

// defaultOptions returns the default manager options.
func defaultOptions() options {
	return options{
		instruction: heap.Config{
			Kind:        heap.KindInstruction,
			InitialSize: 64 * 1024,
			Increment:   64 * 1024,
			MaxSize:     16 * 1024 * 1024,
		},
		general: heap.Config{
			Kind:        heap.KindGeneral,
			InitialSize: 256 * 1024,
			Increment:   64 * 1024,
			MaxSize:     heap.DefaultMaxSize,
		},
		layout:         DefaultLayout(),
		maxKernels:     DefaultMaxKernels,
		maxMediaStates: DefaultMaxMediaStates,
	}
}

// WithInstructionHeap sets the instruction heap's initial size, growth
// increment and maximum size. An initial size of 0 defers allocation to the
// first kernel load.
func WithInstructionHeap(initial, increment, maxSize uint64) Option {
	return func(o *options) {
		o.instruction.InitialSize = initial
		o.instruction.Increment = increment
		o.instruction.MaxSize = maxSize
	}
}

// WithGeneralHeap sets the general state heap's initial size, growth
// increment and maximum committed size.
func WithGeneralHeap(initial, increment, maxSize uint64) Option {
	return func(o *options) {
		o.general.InitialSize = initial
		o.general.Increment = increment
		o.general.MaxSize = maxSize
	}
}

// WithBackingFactory sets the factory both heaps create their storage with.
// Without it heaps are backed by host memory.
func WithBackingFactory(f heap.BackingFactory) Option {
	return func(o *options) {
		o.instruction.NewBacking = f
		o.general.NewBacking = f
	}
}

// WithLayout replaces the media-state layout.
func WithLayout(l Layout) Option {
	return func(o *options) {
		o.layout = l
	}
}

// WithScratchGranularity sets the per-thread scratch rounding unit.
func WithScratchGranularity(g uint64) Option {
	return func(o *options) {
		o.layout.ScratchGranularity = g
	}
}

// WithMaxThreads sets the hardware thread count scratch space is sized for.
func WithMaxThreads(n uint64) Option {
	return func(o *options) {
		o.layout.MaxThreads = n
	}
}

// WithMaxKernels bounds the kernel record pool. 0 means unbounded.
func WithMaxKernels(n int) Option {
	return func(o *options) {
		o.maxKernels = n
	}
}

// WithMaxMediaStates bounds the media-state pool. 0 means unbounded.
func WithMaxMediaStates(n int) Option {
	return func(o *options) {
		o.maxMediaStates = n
	}
}

// WithPerfSink registers fn to receive the performance slot of every media
// state retired by RefreshSync. The slot is only readable when the heap
// backing implements heap.Reader.
func WithPerfSink(fn func(PerfRecord)) Option {
	return func(o *options) {
		o.perfSink = fn
	}
}
