// Package queue provides an unbounded FIFO of outbound frames owned by a
// session. Frames enter at the tail and leave from the head only when they
// are handed to a live transport, so the queue supports putting items back
// at the head when a handoff fails mid-flight.
package queue

import (
	"sync"
)

// Item holds one encoded frame waiting for a live transport.
type Item struct {
	Data []byte
}

// Queue is an unbounded goroutine safe queue of Item, backed by a ring
// buffer that grows and shrinks with demand.
type Queue struct {
	mu      sync.RWMutex
	nodes   []Item
	head    int
	tail    int
	cnt     int
	size    int
	closed  bool
	initCap int
}

// New returns an Item queue with the given initial capacity.
func New(initialCapacity int) *Queue {
	if initialCapacity <= 0 {
		initialCapacity = 2
	}
	return &Queue{
		initCap: initialCapacity,
		nodes:   make([]Item, initialCapacity),
	}
}

// mutex must be held when calling resize.
func (q *Queue) resize(n int) {
	nodes := make([]Item, n)
	if q.head < q.tail {
		copy(nodes, q.nodes[q.head:q.tail])
	} else {
		copy(nodes, q.nodes[q.head:])
		copy(nodes[len(q.nodes)-q.head:], q.nodes[:q.tail])
	}
	q.tail = q.cnt % n
	q.head = 0
	q.nodes = nodes
}

// Add appends an Item to the back of the queue. Returns false if the
// queue is closed, in which case the Item is dropped.
func (q *Queue) Add(i Item) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.cnt == len(q.nodes) {
		q.resize(q.cnt * 2)
	}
	q.nodes[q.tail] = i
	q.tail = (q.tail + 1) % len(q.nodes)
	q.size += len(i.Data)
	q.cnt++
	q.mu.Unlock()
	return true
}

// Remove takes an Item from the front of the queue. Returns false if the
// queue is empty or closed.
func (q *Queue) Remove() (Item, bool) {
	q.mu.Lock()
	if q.cnt == 0 {
		q.mu.Unlock()
		return Item{}, false
	}
	i := q.nodes[q.head]
	q.head = (q.head + 1) % len(q.nodes)
	q.cnt--
	q.size -= len(i.Data)

	if n := len(q.nodes) / 2; n >= q.initCap && q.cnt <= n {
		q.resize(n)
	}

	q.mu.Unlock()
	return i, true
}

// PushFront puts an Item back at the head of the queue, preserving order
// relative to everything still queued. Used when a transport handoff fails
// after the item already left the queue.
func (q *Queue) PushFront(i Item) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.cnt == len(q.nodes) {
		q.resize(q.cnt * 2)
	}
	q.head = (q.head - 1 + len(q.nodes)) % len(q.nodes)
	q.nodes[q.head] = i
	q.size += len(i.Data)
	q.cnt++
	q.mu.Unlock()
	return true
}

// Close the queue and discard all entries.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cnt = 0
	q.nodes = nil
	q.size = 0
}

// CloseRemaining closes the queue and returns all entries still queued,
// in order.
func (q *Queue) CloseRemaining() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return []Item{}
	}
	rem := make([]Item, 0, q.cnt)
	for q.cnt > 0 {
		i := q.nodes[q.head]
		q.head = (q.head + 1) % len(q.nodes)
		q.cnt--
		rem = append(rem, i)
	}
	q.closed = true
	q.cnt = 0
	q.nodes = nil
	q.size = 0
	return rem
}

// Closed returns true if the queue has been closed. Only a true result has
// a definite meaning since the queue may be closed right after the call.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	c := q.closed
	q.mu.RUnlock()
	return c
}

// Len returns the current number of queued items.
func (q *Queue) Len() int {
	q.mu.RLock()
	l := q.cnt
	q.mu.RUnlock()
	return l
}

// Size returns the current size of queued data in bytes.
func (q *Queue) Size() int {
	q.mu.RLock()
	s := q.size
	q.mu.RUnlock()
	return s
}

// Cap returns the current ring capacity.
func (q *Queue) Cap() int {
	q.mu.RLock()
	c := cap(q.nodes)
	q.mu.RUnlock()
	return c
}
