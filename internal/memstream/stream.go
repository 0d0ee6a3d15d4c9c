// Package memstream keeps a bounded in-memory stream of change batches with
// monotonically increasing clock positions. It backs resumption tokens of the
// file-watch event source: a subscriber holding a clock can replay everything
// published after it, as long as the position is still retained.
package memstream

import (
	"container/list"
	"errors"
)

// ErrStaleClock returned by Since when the requested position already
// dropped out of the retained window.
var ErrStaleClock = errors.New("stale clock position")

// Entry is one retained change batch.
type Entry struct {
	Clock   uint64
	Changes []string
}

// Stream is a non-thread safe in-memory structure maintaining a stream of
// change batches limited by count. Callers synchronize access themselves.
type Stream struct {
	top    uint64
	retain int
	list   *list.List
	index  map[uint64]*list.Element
}

// New creates a Stream retaining at most retain entries.
func New(retain int) *Stream {
	if retain <= 0 {
		retain = 1
	}
	return &Stream{
		retain: retain,
		list:   list.New(),
		index:  make(map[uint64]*list.Element),
	}
}

// Add appends a change batch and returns its clock position.
func (s *Stream) Add(changes []string) uint64 {
	s.top++
	entry := Entry{
		Clock:   s.top,
		Changes: changes,
	}
	el := s.list.PushBack(entry)
	s.index[entry.Clock] = el
	for s.list.Len() > s.retain {
		front := s.list.Front()
		old := front.Value.(Entry)
		s.list.Remove(front)
		delete(s.index, old.Clock)
	}
	return s.top
}

// Top returns the current clock position of the stream.
func (s *Stream) Top() uint64 {
	return s.top
}

// Reset drops all retained entries and rewinds the clock to zero.
func (s *Stream) Reset() {
	s.top = 0
	s.list = list.New()
	s.index = make(map[uint64]*list.Element)
}

// Since returns all entries with clock strictly greater than the given
// position. Returns ErrStaleClock if the position is no longer retained, so
// the caller knows lossless resume is impossible.
func (s *Stream) Since(clock uint64) ([]Entry, error) {
	if clock >= s.top {
		return nil, nil
	}
	// First entry to deliver is clock+1, which must still be retained.
	el, ok := s.index[clock+1]
	if !ok {
		return nil, ErrStaleClock
	}
	result := make([]Entry, 0, s.top-clock)
	for e := el; e != nil; e = e.Next() {
		result = append(result, e.Value.(Entry))
	}
	return result, nil
}
