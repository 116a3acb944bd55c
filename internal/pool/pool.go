// Package pool provides an index-addressed object pool for fixed-size records.
//
// Records are allocated in batches of BatchSize and are never freed
// individually: a released record goes back to the tail of the free list and
// is recycled by a later Acquire. Every record can be a member of at most one
// List at a time. Lists are doubly linked through arena indices rather than
// pointers, so attach, detach and move are O(1) and no pointer lifetime has to
// be managed by hand.
//
// Pointers returned by Get stay valid for the lifetime of the Pool because each
// batch is a separately allocated array.
//
// Pool is not safe for concurrent use.
package pool

import (
	"errors"
	"fmt"
)

// BatchSize is the number of records created by a single Extend.
const BatchSize = 16

// Index identifies a record inside a Pool.
type Index int32

// Nil is the index used for absent links.
const Nil Index = -1

// ListID identifies a List inside a Pool. Unlinked means "no list".
type ListID uint16

// Unlinked is the owner of a record that is not a member of any list.
const Unlinked ListID = 0

// Pool errors.
var (
	// ErrExhausted is returned when Extend would exceed the record limit.
	ErrExhausted = errors.New("pool: record limit reached")

	// ErrLinked is returned when attaching a record that is already a list member.
	ErrLinked = errors.New("pool: record is already linked")

	// ErrBadIndex is returned for an index that does not name a record.
	ErrBadIndex = errors.New("pool: index out of range")
)

type link struct {
	prev, next Index
	owner      ListID
}

// Pool is a batch-grown arena of T records plus the lists threaded through it.
type Pool[T any] struct {
	name    string
	batches []*[BatchSize]T
	links   []link
	lists   []*List
	limit   int
	extends int
	init    func(Index, *T)
}

// New creates an empty pool. limit caps the total number of records
// (0 means unlimited); it stands in for the bulk allocator running dry.
// init, if non-nil, is called once for every record when its batch is created.
func New[T any](name string, limit int, init func(Index, *T)) *Pool[T] {
	p := &Pool[T]{
		name:  name,
		limit: limit,
		init:  init,
	}
	p.NewList(name + "/free")
	return p
}

// Name returns the pool's name.
func (p *Pool[T]) Name() string { return p.name }

// Free returns the free list.
func (p *Pool[T]) Free() *List { return p.lists[0] }

// Cap returns the number of records created so far.
func (p *Pool[T]) Cap() int { return len(p.links) }

// Extends returns how many batches have been created.
func (p *Pool[T]) Extends() int { return p.extends }

// Outstanding returns the number of records that are not on the free list.
func (p *Pool[T]) Outstanding() int { return p.Cap() - p.Free().Len() }

// Get returns the record at i, or nil if i is out of range.
func (p *Pool[T]) Get(i Index) *T {
	if !p.valid(i) {
		return nil
	}
	return &p.batches[int(i)/BatchSize][int(i)%BatchSize]
}

// NewList creates an empty list whose members are records of this pool.
func (p *Pool[T]) NewList(name string) *List {
	l := &List{
		id:   ListID(len(p.lists) + 1),
		name: name,
		head: Nil,
		tail: Nil,
	}
	p.lists = append(p.lists, l)
	return l
}

// Extend allocates one batch of BatchSize records, numbers them sequentially
// and appends them to the tail of the free list.
func (p *Pool[T]) Extend() error {
	if p.limit > 0 && p.Cap()+BatchSize > p.limit {
		return fmt.Errorf("%w: %s holds %d of %d records", ErrExhausted, p.name, p.Cap(), p.limit)
	}

	batch := new([BatchSize]T)
	base := Index(p.Cap()) //nolint:gosec // G115: record count is bounded by memory
	p.batches = append(p.batches, batch)
	for k := 0; k < BatchSize; k++ {
		idx := base + Index(k)
		lk := link{prev: idx - 1, next: idx + 1, owner: p.Free().id}
		if k == 0 {
			lk.prev = Nil
		}
		if k == BatchSize-1 {
			lk.next = Nil
		}
		p.links = append(p.links, lk)
		if p.init != nil {
			p.init(idx, &batch[k])
		}
	}

	// Splice the new sub-list onto the free tail.
	free := p.Free()
	first, last := base, base+BatchSize-1
	if free.tail == Nil {
		free.head = first
	} else {
		p.links[free.tail].next = first
		p.links[first].prev = free.tail
	}
	free.tail = last
	free.n += BatchSize
	p.extends++
	return nil
}

// Acquire detaches the record at the head of the free list, extending the
// pool first when the free list is empty. The returned record is unlinked.
func (p *Pool[T]) Acquire() (Index, error) {
	if p.Free().n == 0 {
		if err := p.Extend(); err != nil {
			return Nil, err
		}
	}
	i := p.Free().head
	p.unlink(i)
	return i, nil
}

// Release detaches i from whatever list holds it and appends it to the tail
// of the free list.
func (p *Pool[T]) Release(i Index) error {
	if !p.valid(i) {
		return fmt.Errorf("%w: %d", ErrBadIndex, i)
	}
	if p.links[i].owner == p.Free().id {
		return fmt.Errorf("%w: %d is already free", ErrLinked, i)
	}
	p.unlink(i)
	p.pushBack(p.Free(), i)
	return nil
}

// PushBack appends an unlinked record to the tail of l.
func (p *Pool[T]) PushBack(l *List, i Index) error {
	if !p.valid(i) {
		return fmt.Errorf("%w: %d", ErrBadIndex, i)
	}
	if p.links[i].owner != Unlinked {
		return fmt.Errorf("%w: %d is on %s", ErrLinked, i, p.lists[p.links[i].owner-1].name)
	}
	p.pushBack(l, i)
	return nil
}

// MoveToBack detaches i from its current list (if any) and appends it to l.
func (p *Pool[T]) MoveToBack(l *List, i Index) {
	if !p.valid(i) {
		return
	}
	p.unlink(i)
	p.pushBack(l, i)
}

// Remove detaches i from its current list. It is a no-op for unlinked records.
func (p *Pool[T]) Remove(i Index) {
	if p.valid(i) {
		p.unlink(i)
	}
}

// Owner returns the id of the list holding i, or Unlinked.
func (p *Pool[T]) Owner(i Index) ListID {
	if !p.valid(i) {
		return Unlinked
	}
	return p.links[i].owner
}

// Contains reports whether i is a member of l.
func (p *Pool[T]) Contains(l *List, i Index) bool {
	return p.Owner(i) == l.id
}

// Front returns the head of l, or Nil.
func (p *Pool[T]) Front(l *List) Index { return l.head }

// Next returns the successor of i on its list, or Nil.
func (p *Pool[T]) Next(i Index) Index {
	if !p.valid(i) {
		return Nil
	}
	return p.links[i].next
}

// Indices returns a snapshot of l from head to tail. Use it when the walk
// moves records between lists.
func (p *Pool[T]) Indices(l *List) []Index {
	out := make([]Index, 0, l.n)
	for i := l.head; i != Nil; i = p.links[i].next {
		out = append(out, i)
	}
	return out
}

func (p *Pool[T]) valid(i Index) bool {
	return i >= 0 && int(i) < len(p.links)
}

func (p *Pool[T]) pushBack(l *List, i Index) {
	lk := &p.links[i]
	lk.owner = l.id
	lk.prev = l.tail
	lk.next = Nil
	if l.tail == Nil {
		l.head = i
	} else {
		p.links[l.tail].next = i
	}
	l.tail = i
	l.n++
}

func (p *Pool[T]) unlink(i Index) {
	lk := &p.links[i]
	if lk.owner == Unlinked {
		return
	}
	l := p.lists[lk.owner-1]
	if lk.prev != Nil {
		p.links[lk.prev].next = lk.next
	} else {
		l.head = lk.next
	}
	if lk.next != Nil {
		p.links[lk.next].prev = lk.prev
	} else {
		l.tail = lk.prev
	}
	l.n--
	*lk = link{prev: Nil, next: Nil, owner: Unlinked}
}
