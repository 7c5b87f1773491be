// File: internal/device/rxbuf.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device

import (
	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/pool"
)

// RxBuffers is the buffer supply of one RX queue. When the queue's pool was
// built with a cache size, checkouts and returns go through a per-queue
// pool.Cache; otherwise straight to the pool. Not safe for concurrent use:
// the owning driver serializes it with the queue's lock.
type RxBuffers struct {
	pool  api.Pool
	cache *pool.Cache
}

// NewRxBuffers fronts pl with a cache when pl offers one.
func NewRxBuffers(pl api.Pool) *RxBuffers {
	b := &RxBuffers{pool: pl}
	if p, ok := pl.(*pool.Pool); ok {
		b.cache = p.NewCache()
	}
	return b
}

// Cached reports whether a per-queue cache is in use.
func (b *RxBuffers) Cached() bool { return b.cache != nil }

// AllocBulk checks out len(bufs) buffers or none.
func (b *RxBuffers) AllocBulk(bufs []api.Mbuf) error {
	if b.cache != nil {
		return b.cache.AllocBulk(bufs)
	}
	return b.pool.AllocBulk(bufs)
}

// Free returns a buffer that never left the queue.
func (b *RxBuffers) Free(m api.Mbuf) error {
	if b.cache != nil {
		return b.cache.Free(m)
	}
	return b.pool.Free(m)
}

// Flush hands every cached slot back to the shared free-list.
func (b *RxBuffers) Flush() {
	if b.cache != nil {
		b.cache.Flush()
	}
}
