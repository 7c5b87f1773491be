// File: core/concurrency/lock_free_queue.go
// Package concurrency provides the lock-free queue behind pool free-lists.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded MPMC queue with per-cell sequence numbers (Vyukov). Producers and
// consumers never block each other; a full or empty queue is reported, not
// waited on.

package concurrency

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/momentics/hioload-reflector/api"
)

// Ensure compile-time interface compliance.
var _ api.Ring[uint32] = (*LockFreeQueue[uint32])(nil)

// LockFreeQueue is a bounded multi-producer/multi-consumer FIFO.
type LockFreeQueue[T any] struct {
	_     cpu.CacheLinePad
	head  atomic.Uint64
	_     cpu.CacheLinePad
	tail  atomic.Uint64
	_     cpu.CacheLinePad
	mask  uint64
	cells []cell[T]
}

type cell[T any] struct {
	sequence atomic.Uint64
	data     T
}

// NewLockFreeQueue creates a new queue with capacity rounded to power of two.
func NewLockFreeQueue[T any](capacity int) *LockFreeQueue[T] {
	size := uint64(NextPowerOfTwo(capacity))
	q := &LockFreeQueue[T]{
		mask:  size - 1,
		cells: make([]cell[T], size),
	}
	for i := range q.cells {
		q.cells[i].sequence.Store(uint64(i))
	}
	return q
}

// NextPowerOfTwo rounds n up to a power of two, minimum 2.
func NextPowerOfTwo(n int) int {
	size := 2
	for size < n {
		size <<= 1
	}
	return size
}

// Enqueue adds val; returns false if full.
func (q *LockFreeQueue[T]) Enqueue(val T) bool {
	for {
		tail := q.tail.Load()
		c := &q.cells[tail&q.mask]
		dif := int64(c.sequence.Load()) - int64(tail)
		switch {
		case dif == 0:
			if q.tail.CompareAndSwap(tail, tail+1) {
				c.data = val
				c.sequence.Store(tail + 1)
				return true
			}
		case dif < 0:
			return false // full
		}
		// tail moved, retry
	}
}

// Dequeue removes and returns an item; ok false if empty.
func (q *LockFreeQueue[T]) Dequeue() (item T, ok bool) {
	for {
		head := q.head.Load()
		c := &q.cells[head&q.mask]
		dif := int64(c.sequence.Load()) - int64(head+1)
		switch {
		case dif == 0:
			if q.head.CompareAndSwap(head, head+1) {
				item = c.data
				var zero T
				c.data = zero
				c.sequence.Store(head + q.mask + 1)
				return item, true
			}
		case dif < 0:
			return item, false // empty
		}
		// head moved, retry
	}
}

// EnqueueBulk adds items in order until the queue fills.
func (q *LockFreeQueue[T]) EnqueueBulk(items []T) int {
	for i := range items {
		if !q.Enqueue(items[i]) {
			return i
		}
	}
	return len(items)
}

// DequeueBulk fills items until the queue drains.
func (q *LockFreeQueue[T]) DequeueBulk(items []T) int {
	for i := range items {
		v, ok := q.Dequeue()
		if !ok {
			return i
		}
		items[i] = v
	}
	return len(items)
}

// Len returns an instantaneous item count; exact only when quiescent.
func (q *LockFreeQueue[T]) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Cap returns fixed queue capacity.
func (q *LockFreeQueue[T]) Cap() int {
	return len(q.cells)
}
