// File: internal/device/afxdp/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package afxdp

import "sync/atomic"

// desc mirrors struct xdp_desc.
type desc struct {
	Addr    uint64
	Len     uint32
	Options uint32
}

// ring is one single-producer single-consumer ring shared with the kernel.
// prod and cons point into the mapping; the cached copies avoid touching
// shared cache lines on every entry.
type ring[T any] struct {
	prod, cons *uint32
	entries    []T
	mask, size uint32

	cachedProd, cachedCons uint32
}

func newRing[T any](prod, cons *uint32, entries []T) *ring[T] {
	n := uint32(len(entries))
	return &ring[T]{
		prod:       prod,
		cons:       cons,
		entries:    entries,
		mask:       n - 1,
		size:       n,
		cachedProd: atomic.LoadUint32(prod),
		cachedCons: atomic.LoadUint32(cons),
	}
}

// Producer side (fill, tx).

// free returns how many entries can be produced, up to want.
func (r *ring[T]) free(want uint32) uint32 {
	n := r.size - (r.cachedProd - r.cachedCons)
	if n < want {
		r.cachedCons = atomic.LoadUint32(r.cons)
		n = r.size - (r.cachedProd - r.cachedCons)
	}
	return min(n, want)
}

// push writes v at the next producer slot. Callers check free first.
func (r *ring[T]) push(v T) {
	r.entries[r.cachedProd&r.mask] = v
	r.cachedProd++
}

// submit publishes pushed entries to the kernel.
func (r *ring[T]) submit() { atomic.StoreUint32(r.prod, r.cachedProd) }

// Consumer side (rx, completion).

// avail returns how many entries can be consumed, up to want.
func (r *ring[T]) avail(want uint32) uint32 {
	n := r.cachedProd - r.cachedCons
	if n < want {
		r.cachedProd = atomic.LoadUint32(r.prod)
		n = r.cachedProd - r.cachedCons
	}
	return min(n, want)
}

// pop reads the next consumer slot. Callers check avail first.
func (r *ring[T]) pop() T {
	v := r.entries[r.cachedCons&r.mask]
	r.cachedCons++
	return v
}

// release hands consumed entries back to the kernel.
func (r *ring[T]) release() { atomic.StoreUint32(r.cons, r.cachedCons) }

// outstanding lists entries between the shared consumer and the local
// producer: what the other side still holds after a producer ring stops.
func (r *ring[T]) outstanding(fn func(T)) {
	for i := atomic.LoadUint32(r.cons); i != r.cachedProd; i++ {
		fn(r.entries[i&r.mask])
	}
}

// pending lists entries the kernel produced but we have not consumed.
func (r *ring[T]) pending(fn func(T)) {
	prod := atomic.LoadUint32(r.prod)
	for i := r.cachedCons; i != prod; i++ {
		fn(r.entries[i&r.mask])
	}
}
