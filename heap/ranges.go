package heap

import "sort"

// span is a free byte range [off, off+size).
type span struct {
	off, size uint64
}

// ranges is a first-fit sub-allocator over [0, size) with coalescing frees.
// free is kept sorted by offset and never holds adjacent spans.
type ranges struct {
	size uint64
	used uint64
	free []span
}

func newRanges(size uint64) ranges {
	r := ranges{size: size}
	if size > 0 {
		r.free = []span{{off: 0, size: size}}
	}
	return r
}

// alloc reserves size bytes at an offset aligned to align.
func (r *ranges) alloc(size, align uint64) (uint64, bool) {
	for i, s := range r.free {
		start := alignUp(s.off, align)
		end := start + size
		if end > s.off+s.size || end < start {
			continue
		}

		var repl []span
		if start > s.off {
			repl = append(repl, span{off: s.off, size: start - s.off})
		}
		if tail := s.off + s.size - end; tail > 0 {
			repl = append(repl, span{off: end, size: tail})
		}
		r.free = append(r.free[:i], append(repl, r.free[i+1:]...)...)
		r.used += size
		return start, true
	}
	return 0, false
}

// release returns [off, off+size) to the free set.
func (r *ranges) release(off, size uint64) {
	i := sort.Search(len(r.free), func(k int) bool { return r.free[k].off > off })
	r.free = append(r.free, span{})
	copy(r.free[i+1:], r.free[i:])
	r.free[i] = span{off: off, size: size}
	r.used -= size

	// Merge with the successor, then with the predecessor.
	if i+1 < len(r.free) && r.free[i].off+r.free[i].size == r.free[i+1].off {
		r.free[i].size += r.free[i+1].size
		r.free = append(r.free[:i+1], r.free[i+2:]...)
	}
	if i > 0 && r.free[i-1].off+r.free[i-1].size == r.free[i].off {
		r.free[i-1].size += r.free[i].size
		r.free = append(r.free[:i], r.free[i+1:]...)
	}
}

// largest returns the size of the biggest free span.
func (r *ranges) largest() uint64 {
	var m uint64
	for _, s := range r.free {
		if s.size > m {
			m = s.size
		}
	}
	return m
}

// alignUp rounds v up to a multiple of a. a of 0 or 1 leaves v unchanged.
func alignUp(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

// AlignUp rounds v up to a multiple of a.
func AlignUp(v, a uint64) uint64 { return alignUp(v, a) }
