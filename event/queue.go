package event

import "sync/atomic"

// Capacity is the number of events the queue holds. An interrupt
// burst deeper than this indicates the event loop has fallen
// unrecoverably behind.
const Capacity = 32

// Queue is a bounded single-producer single-consumer event queue.
// Push and Pop are lock-free and O(1); events are delivered in FIFO
// order. The zero value is ready to use.
//
// Exactly one goroutine may call Push and exactly one may call Pop.
type Queue struct {
	buf  [Capacity]Event
	head atomic.Uint32 // next slot to pop, consumer-owned
	tail atomic.Uint32 // next slot to push, producer-owned
}

// Push appends an event. Returns false, without storing, when the
// queue is full.
func (q *Queue) Push(e *Event) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() == Capacity {
		return false
	}
	q.buf[tail%Capacity] = *e
	q.tail.Store(tail + 1)
	return true
}

// Pop removes the oldest event into out. Returns false, leaving out
// untouched, when the queue is empty.
func (q *Queue) Pop(out *Event) bool {
	head := q.head.Load()
	if head == q.tail.Load() {
		return false
	}
	*out = q.buf[head%Capacity]
	q.head.Store(head + 1)
	return true
}

// Len returns the number of queued events. Exact for either the
// producer or the consumer; a snapshot for anyone else.
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}
