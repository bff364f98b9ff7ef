// File: core/concurrency/lock_free_queue.go
// Package concurrency provides a lock-free queue for executors.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded multi-producer multi-consumer queue. Every cell carries a
// sequence number that tells producers and consumers whose turn it is.

package concurrency

import "sync/atomic"

const cacheLinePad = 64

// Queue is a bounded MPMC queue. Capacity is rounded up to a power of two.
type Queue[T any] struct {
	head  atomic.Uint64
	_     [cacheLinePad]byte
	tail  atomic.Uint64
	_     [cacheLinePad]byte
	mask  uint64
	cells []cell[T]
}

type cell[T any] struct {
	seq  atomic.Uint64
	data T
}

// NewQueue creates a queue holding at least capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	size := 2
	for size < capacity {
		size <<= 1
	}
	q := &Queue[T]{mask: uint64(size - 1), cells: make([]cell[T], size)}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Cap is the rounded capacity.
func (q *Queue[T]) Cap() int { return len(q.cells) }

// Len is a racy estimate of the number of queued items.
func (q *Queue[T]) Len() int {
	n := int64(q.tail.Load()) - int64(q.head.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}

// Enqueue adds v; false when the queue is full.
func (q *Queue[T]) Enqueue(v T) bool {
	for {
		tail := q.tail.Load()
		c := &q.cells[tail&q.mask]
		switch d := int64(c.seq.Load()) - int64(tail); {
		case d == 0:
			if q.tail.CompareAndSwap(tail, tail+1) {
				c.data = v
				c.seq.Store(tail + 1)
				return true
			}
		case d < 0:
			return false
		}
	}
}

// Dequeue removes the oldest item; false when the queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	for {
		head := q.head.Load()
		c := &q.cells[head&q.mask]
		switch d := int64(c.seq.Load()) - int64(head+1); {
		case d == 0:
			if q.head.CompareAndSwap(head, head+1) {
				v := c.data
				var zero T
				c.data = zero
				c.seq.Store(head + q.mask + 1)
				return v, true
			}
		case d < 0:
			var zero T
			return zero, false
		}
	}
}
