package fence

// Manual is a Tracker whose progress is driven explicitly by the caller.
// It models a GPU that completes exactly the values it is told to, which
// makes heap behaviour deterministic in tests and software runs.
//
// Manual is not safe for concurrent use.
type Manual struct {
	next      [MaxStreams]uint64
	completed [MaxStreams]uint64
}

// NewManual returns a tracker whose streams start at fence value 1.
func NewManual() *Manual {
	m := &Manual{}
	for i := range m.next {
		m.next[i] = 1
	}
	return m
}

// NextFenceValue implements Tracker.
func (m *Manual) NextFenceValue(stream int) uint64 {
	if stream < 0 || stream >= MaxStreams {
		return 0
	}
	return m.next[stream]
}

// IsExpired implements Tracker.
func (m *Manual) IsExpired(tok Token) bool {
	for s := 0; s < MaxStreams; s++ {
		if v := tok.Value(s); v != 0 && v > m.completed[s] {
			return false
		}
	}
	return true
}

// Submit closes the current batch on stream and returns the fence value it
// will signal. Later stamps on the stream receive a larger value.
func (m *Manual) Submit(stream int) uint64 {
	if stream < 0 || stream >= MaxStreams {
		return 0
	}
	v := m.next[stream]
	m.next[stream]++
	return v
}

// Complete marks every value up to and including value on stream as signalled.
func (m *Manual) Complete(stream int, value uint64) {
	if stream < 0 || stream >= MaxStreams {
		return
	}
	if value > m.completed[stream] {
		m.completed[stream] = value
	}
}

// CompleteAll signals everything submitted so far on every stream.
func (m *Manual) CompleteAll() {
	for s := range m.next {
		m.completed[s] = m.next[s] - 1
	}
}

// Completed returns the last signalled value on stream.
func (m *Manual) Completed(stream int) uint64 {
	if stream < 0 || stream >= MaxStreams {
		return 0
	}
	return m.completed[stream]
}
