// Package fence defines the completion-tracking contract used by the dynamic
// state heap.
//
// A GPU queue ("stream") signals monotonically increasing fence values as it
// finishes submitted batches. A Token records, per stream, the value that
// must be reached before the memory it guards may be reused. Trackers answer
// IsExpired without ever blocking: waiting for the GPU is the caller's
// business, never the heap's.
package fence

import "fmt"

// MaxStreams is the number of GPU streams a Token can reference.
const MaxStreams = 4

// Token is the completion requirement of a piece of submitted work.
// The zero Token is already expired.
type Token struct {
	producer uint32
	values   [MaxStreams]uint64
}

// SetProducer records which producer (codec, engine) owns the work.
func (t *Token) SetProducer(producer uint32) {
	t.producer = producer
}

// Producer returns the producer recorded by SetProducer.
func (t Token) Producer() uint32 { return t.producer }

// Merge raises the requirement on stream to value. Lower values are ignored,
// so merging never weakens a token.
func (t *Token) Merge(stream int, value uint64) {
	if stream < 0 || stream >= MaxStreams {
		return
	}
	if value > t.values[stream] {
		t.values[stream] = value
	}
}

// MergeToken raises every stream requirement of t to at least that of o.
func (t *Token) MergeToken(o Token) {
	for s, v := range o.values {
		t.Merge(s, v)
	}
	if o.producer != 0 {
		t.producer = o.producer
	}
}

// Value returns the requirement on stream (0 means none).
func (t Token) Value(stream int) uint64 {
	if stream < 0 || stream >= MaxStreams {
		return 0
	}
	return t.values[stream]
}

// IsZero reports whether the token requires nothing.
func (t Token) IsZero() bool {
	return t.values == [MaxStreams]uint64{}
}

// Reset clears the token.
func (t *Token) Reset() {
	*t = Token{}
}

// String returns a compact form such as "p3[s0=12 s2=4]".
func (t Token) String() string {
	s := fmt.Sprintf("p%d[", t.producer)
	first := true
	for i, v := range t.values {
		if v == 0 {
			continue
		}
		if !first {
			s += " "
		}
		s += fmt.Sprintf("s%d=%d", i, v)
		first = false
	}
	return s + "]"
}

// Tracker reports GPU progress.
type Tracker interface {
	// NextFenceValue returns the value the next submission on stream will signal.
	NextFenceValue(stream int) uint64

	// IsExpired reports whether every stream referenced by tok has signalled
	// at least the required value. It must not block.
	IsExpired(tok Token) bool
}

// Context carries the active tracker, stream and producer explicitly into
// every call that stamps or checks a fence.
type Context struct {
	Tracker  Tracker
	Stream   int
	Producer uint32
}

// Stamp tags tok with the next fence value of the context's stream.
func (c Context) Stamp(tok *Token) {
	tok.SetProducer(c.Producer)
	tok.Merge(c.Stream, c.Tracker.NextFenceValue(c.Stream))
}

// Expired reports whether tok has expired according to the context's tracker.
func (c Context) Expired(tok Token) bool {
	return tok.IsZero() || c.Tracker.IsExpired(tok)
}

// Valid reports whether the context can be used to stamp fences.
func (c Context) Valid() bool {
	return c.Tracker != nil && c.Stream >= 0 && c.Stream < MaxStreams
}
