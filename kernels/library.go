// Package kernels holds the reloadable sources of GPU kernels.
//
// The state heap invalidates every cached kernel when the instruction heap
// grows, so kernel binaries must always be reproducible. A Library keeps the
// WGSL source of each kernel and compiles it to SPIR-V with naga on demand,
// memoising recent binaries.
package kernels

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/naga"

	"github.com/gogpu/dsh/internal/cache"
)

// DefaultCapacity is the default number of compiled binaries kept in memory.
const DefaultCapacity = 64

// Library errors.
var (
	// ErrUnknownKernel is returned for a uid that was never registered.
	ErrUnknownKernel = errors.New("kernels: unknown kernel")

	// ErrEmptySource is returned when registering a kernel without WGSL.
	ErrEmptySource = errors.New("kernels: empty kernel source")
)

// Source describes one kernel.
type Source struct {
	// UID is the kernel's unique id, the first half of its cache key.
	UID uint32

	// Name is a debug name.
	Name string

	// WGSL is the kernel's shader source.
	WGSL string
}

// CompileFunc turns WGSL into a kernel binary.
type CompileFunc func(wgsl string) ([]byte, error)

// Stats contains compile cache statistics.
type Stats struct {
	Sources   int
	Binaries  int
	Compiles  uint64
	Hits      uint64
	Evictions uint64
}

// Library maps kernel uids to their sources and compiled binaries.
//
// Library is safe for concurrent use.
type Library struct {
	mu       sync.RWMutex
	sources  map[uint32]Source
	binaries *cache.Cache[uint32, []byte]
	compile  CompileFunc
}

// NewLibrary creates a library compiling with naga. capacity bounds the
// number of memoised binaries (0 selects DefaultCapacity).
func NewLibrary(capacity int) *Library {
	return NewLibraryWithCompiler(capacity, compileWGSL)
}

func compileWGSL(wgsl string) ([]byte, error) {
	return naga.Compile(wgsl)
}

// NewLibraryWithCompiler creates a library using compile instead of naga.
func NewLibraryWithCompiler(capacity int, compile CompileFunc) *Library {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Library{
		sources:  make(map[uint32]Source),
		binaries: cache.New[uint32, []byte](capacity),
		compile:  compile,
	}
}

// Register adds or replaces a kernel source. Replacing a source drops its
// memoised binary.
func (l *Library) Register(src Source) error {
	if src.WGSL == "" {
		return fmt.Errorf("%w: uid %d", ErrEmptySource, src.UID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sources[src.UID]; ok {
		l.binaries.Delete(src.UID)
	}
	l.sources[src.UID] = src
	return nil
}

// Source returns the registered source for uid.
func (l *Library) Source(uid uint32) (Source, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src, ok := l.sources[uid]
	return src, ok
}

// Binary returns the compiled binary of uid, compiling it on first use.
func (l *Library) Binary(uid uint32) ([]byte, error) {
	src, ok := l.Source(uid)
	if !ok {
		return nil, fmt.Errorf("%w: uid %d", ErrUnknownKernel, uid)
	}
	return l.binaries.GetOrCreate(uid, func() ([]byte, error) {
		bin, err := l.compile(src.WGSL)
		if err != nil {
			return nil, fmt.Errorf("kernels: compile %q (uid %d): %w", src.Name, uid, err)
		}
		return bin, nil
	})
}

// Stats returns library statistics.
func (l *Library) Stats() Stats {
	l.mu.RLock()
	n := len(l.sources)
	l.mu.RUnlock()
	cs := l.binaries.Stats()
	return Stats{
		Sources:   n,
		Binaries:  cs.Len,
		Compiles:  cs.Misses,
		Hits:      cs.Hits,
		Evictions: cs.Evictions,
	}
}
