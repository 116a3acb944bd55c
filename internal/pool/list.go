package pool

// List is a doubly linked list of pool records. A List is only meaningful
// together with the Pool that created it; all mutation goes through the Pool.
type List struct {
	id   ListID
	name string
	head Index
	tail Index
	n    int
}

// ID returns the list id reported by Pool.Owner for members of this list.
func (l *List) ID() ListID { return l.id }

// Name returns the list's debug name.
func (l *List) Name() string { return l.name }

// Len returns the number of members.
func (l *List) Len() int { return l.n }

// Empty reports whether the list has no members.
func (l *List) Empty() bool { return l.n == 0 }
