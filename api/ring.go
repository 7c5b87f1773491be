// Package api
// Author: momentics@gmail.com
//
// Lock-free ring contract for cross-thread producer/consumer hand-off.

package api

// Ring is a bounded lock-free FIFO.
type Ring[T any] interface {
	// Enqueue adds an item, returns false if full.
	Enqueue(item T) bool
	// Dequeue removes oldest item, returns false if empty.
	Dequeue() (T, bool)
	// EnqueueBulk adds items in order and returns how many were taken.
	EnqueueBulk(items []T) int
	// DequeueBulk fills items in FIFO order and returns how many were filled.
	DequeueBulk(items []T) int
	// Len returns current number of items.
	Len() int
	// Cap returns buffer capacity.
	Cap() int
}
